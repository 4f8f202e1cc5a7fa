package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loamctl/loam/pkg/engine"
	"github.com/loamctl/loam/pkg/policy"
)

func newPlanCommand(flags *globalFlags) *cobra.Command {
	var (
		outFile    string
		dotFile    string
		refresh    bool
		policyDirs []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the change set without applying it",
		Long: `Compute the change set reconciling the configuration with recorded
state. Nothing is applied; the change set can be written to a file and
executed later with 'apply --plan'.

Exit codes: 0 when nothing would change, 2 when changes are present,
1 on error.`,
		Example: `  # Plan the current directory's configuration
  loam plan

  # Save the change set and a DOT rendering of the graph
  loam plan --out plan.json --dot plan.dot

  # Plan without refreshing remote state
  loam plan --refresh=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			unlock, err := rt.lock(ctx, "plan")
			if err != nil {
				return err
			}
			defer unlock()

			doc, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}
			graph, err := engine.NewGraphBuilder(rt.registry).Build(rt.cfg.Resources)
			if err != nil {
				return err
			}
			cs, err := engine.NewPlanner(rt.registry).Plan(ctx, graph, doc, engine.PlanOptions{Refresh: refresh})
			if err != nil {
				return err
			}

			result, err := evaluatePolicies(ctx, rt, policyDirs, "plan", cs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			renderChangeSet(out, cs)
			renderPolicyResult(out, result)

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT(cs)), 0o644); err != nil {
					return fmt.Errorf("write DOT file: %w", err)
				}
			}
			if outFile != "" {
				if err := writeChangeSet(outFile, cs); err != nil {
					return err
				}
			}

			if !result.Allowed {
				return fmt.Errorf("plan rejected by policy")
			}
			if cs.HasChanges() {
				return &ExitCodeError{Code: 2}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the change set to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write a DOT rendering of the graph")
	cmd.Flags().BoolVar(&refresh, "refresh", true, "refresh remote state before diffing")
	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "load additional policies from these paths")

	return cmd
}

// evaluatePolicies builds a policy engine, loads extra paths, and
// evaluates the change set.
func evaluatePolicies(ctx context.Context, rt *runtime, dirs []string, operation string, cs *engine.ChangeSet) (*policy.Result, error) {
	eng, err := policy.NewEngine(rt.logger)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	if len(dirs) > 0 {
		if err := eng.LoadPolicies(ctx, dirs); err != nil {
			return nil, err
		}
	}
	return eng.EvaluateChangeSet(ctx, rt.cfg.Workspace.Name, operation, cs)
}

// writeChangeSet saves the change set as indented JSON.
func writeChangeSet(path string, cs *engine.ChangeSet) error {
	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode change set: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write change set: %w", err)
	}
	return nil
}

// readChangeSet loads a change set saved by plan --out.
func readChangeSet(path string) (*engine.ChangeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read change set: %w", err)
	}
	var cs engine.ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("parse change set: %w", err)
	}
	return &cs, nil
}
