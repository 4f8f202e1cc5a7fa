package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loamctl/loam/pkg/engine"
)

func newValidateCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration without touching state",
		Long: `Evaluate the configuration, resolve provider schemas, and build the
dependency graph. Reports unresolved references, unknown attributes,
and cycles without reading or writing state.`,
		Example: `  loam validate
  loam validate -f infra/ --var env=prod`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			graph, err := engine.NewGraphBuilder(rt.registry).Build(rt.cfg.Resources)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %d resource(s), %d dependency edge(s), depth %d.\n",
				len(graph.Nodes), len(graph.Edges), graph.Depth)
			return nil
		},
	}
	return cmd
}
