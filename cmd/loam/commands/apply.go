package commands

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loamctl/loam/pkg/engine"
	"github.com/loamctl/loam/pkg/telemetry"
)

func newApplyCommand(flags *globalFlags) *cobra.Command {
	var (
		planFile    string
		refresh     bool
		autoApprove bool
		parallelism int
		policyDirs  []string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the change set reconciling state with configuration",
		Long: `Compute the change set and execute it through the provider adapters,
committing state after every confirmed change. With --plan, execute a
change set previously saved by 'plan --out' instead of recomputing.`,
		Example: `  # Plan and apply interactively
  loam apply

  # Apply without the confirmation prompt
  loam apply --auto-approve

  # Execute a saved plan
  loam apply --plan plan.json --auto-approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close()

			unlock, err := rt.lock(ctx, "apply")
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

			var cs *engine.ChangeSet
			if planFile != "" {
				cs, err = readChangeSet(planFile)
			} else {
				cs, err = engine.NewPlanner(rt.registry).Plan(ctx, graph, doc, engine.PlanOptions{Refresh: refresh})
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			renderChangeSet(out, cs)
			if !cs.HasChanges() {
				return nil
			}

			result, err := evaluatePolicies(ctx, rt, policyDirs, "apply", cs)
			if err != nil {
				return err
			}
			renderPolicyResult(out, result)
			if !result.Allowed {
				return fmt.Errorf("apply rejected by policy")
			}

			if !autoApprove {
				ok, err := confirm(cmd, "Apply these changes?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Apply cancelled.")
					return nil
				}
			}

			return executeChangeSet(cmd, rt, graph, cs, doc, parallelism)
		},
	}

	cmd.Flags().StringVar(&planFile, "plan", "", "execute a change set saved by plan --out")
	cmd.Flags().BoolVar(&refresh, "refresh", true, "refresh remote state before diffing")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the confirmation prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent provider calls (0 uses the workspace setting)")
	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "load additional policies from these paths")

	return cmd
}

// executeChangeSet runs the executor with telemetry wired and reports
// the outcome. Shared by apply and destroy.
func executeChangeSet(cmd *cobra.Command, rt *runtime, graph *engine.Graph, cs *engine.ChangeSet, doc *engine.Document, parallelism int) error {
	ctx := cmd.Context()
	buffer := telemetry.NewBufferSink(telemetry.MultiSink(
		telemetry.NewLogSink(rt.logger),
		rt.metrics.Sink(),
	))

	execCfg := rt.executorConfig()
	if parallelism > 0 {
		execCfg.Parallelism = parallelism
	}
	executor := engine.NewExecutor(rt.registry, rt.store, buffer, execCfg)

	started := time.Now()
	run, err := executor.Apply(ctx, graph, cs, doc)
	if run != nil {
		rt.metrics.RecordRunCompleted(string(run.Status), time.Since(started))
		rt.metrics.SetResourceCount(len(doc.Records))
		for _, result := range run.Results {
			if change := cs.ByAddr(mustParseAddr(result.Addr)); change != nil {
				rt.metrics.RecordNodeResult(string(change.Action), string(result.Status))
			}
		}
		rt.saveRunHistory(ctx, run, buffer.Events())
		renderRun(cmd.OutOrStdout(), run)
	}
	if err != nil {
		return err
	}
	if run.Status != engine.RunStatusSucceeded {
		return fmt.Errorf("run %s finished %s", run.ID, run.Status)
	}
	return nil
}

func mustParseAddr(s string) engine.Addr {
	addr, err := engine.ParseAddr(s)
	if err != nil {
		return engine.Addr{}
	}
	return addr
}

// confirm prompts on the command's input stream and accepts yes or y.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s Only 'yes' is accepted: ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "yes" || answer == "y", nil
}
