package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loamctl/loam/pkg/engine"
)

func newDestroyCommand(flags *globalFlags) *cobra.Command {
	var (
		autoApprove bool
		parallelism int
		policyDirs  []string
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy everything recorded in state",
		Long: `Plan and execute a full teardown of every resource in the state
document, dependents first. Resources marked prevent_destroy make the
plan fail.`,
		Example: `  loam destroy
  loam destroy --auto-approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			unlock, err := rt.lock(ctx, "destroy")
			if err != nil {
				return err
			}
			defer unlock()

			doc, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			cs, err := engine.NewPlanner(rt.registry).Plan(ctx, nil, doc, engine.PlanOptions{Destroy: true})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			renderChangeSet(out, cs)
			if !cs.HasChanges() {
				return nil
			}

			result, err := evaluatePolicies(ctx, rt, policyDirs, "destroy", cs)
			if err != nil {
				return err
			}
			renderPolicyResult(out, result)
			if !result.Allowed {
				return fmt.Errorf("destroy rejected by policy")
			}

			if !autoApprove {
				ok, err := confirm(cmd, "Destroy all resources?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Destroy cancelled.")
					return nil
				}
			}

			// Destroy scheduling derives entirely from state record
			// dependencies; the graph carries no destroy nodes.
			graph := &engine.Graph{Nodes: map[string]*engine.GraphNode{}}
			return executeChangeSet(cmd, rt, graph, cs, doc, parallelism)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the confirmation prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent provider calls (0 uses the workspace setting)")
	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "load additional policies from these paths")

	return cmd
}
