package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loamctl/loam/pkg/engine"
)

func newGraphCommand(flags *globalFlags) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the dependency graph as DOT",
		Example: `  loam graph | dot -Tsvg > graph.svg
  loam graph --out graph.dot`,
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

			dot := graph.ToDOT(nil)
			if outFile != "" {
				if err := os.WriteFile(outFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("write DOT file: %w", err)
				}
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), dot)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write DOT to this file instead of stdout")
	return cmd
}
