package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newProvidersCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured provider adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			if len(rt.infos) == 0 {
				fmt.Fprintln(out, "No providers configured in the workspace.")
				return nil
			}
			for _, info := range rt.infos {
				fmt.Fprintf(out, "%s (%s %s)\n", info.Name, info.Type, info.Version)
				fmt.Fprintf(out, "  manifest: %s\n", info.Manifest)
				fmt.Fprintf(out, "  resources: %s\n", strings.Join(info.Types, ", "))
			}
			return nil
		},
	}
	return cmd
}
