package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/loamctl/loam/pkg/engine"
	"github.com/loamctl/loam/pkg/policy"
)

// renderChangeSet writes a human-readable change set.
func renderChangeSet(w io.Writer, cs *engine.ChangeSet) {
	if !cs.HasChanges() {
		fmt.Fprintln(w, "No changes. Infrastructure matches the configuration.")
		return
	}

	for i := range cs.Changes {
		change := &cs.Changes[i]
		if change.Action == engine.ActionNoop {
			continue
		}
		fmt.Fprintf(w, "%-3s %s (%s)\n", change.Action.Symbol(), change.Addr.String(), change.Action)
		renderDiff(w, change.Diff)
	}

	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to destroy.\n",
		cs.Summary.Create, cs.Summary.Update, cs.Summary.Replace, cs.Summary.Destroy)
}

func renderDiff(w io.Writer, diff map[string]engine.AttrDiff) {
	names := make([]string, 0, len(diff))
	for name := range diff {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := diff[name]
		suffix := ""
		if d.ForcesReplacement {
			suffix = " (forces replacement)"
		}
		fmt.Fprintf(w, "      %s: %s -> %s%s\n", name, renderValue(d.Old), renderValue(d.New), suffix)
	}
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "(absent)"
	case engine.Unknown:
		return "(known after apply)"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderRun writes the per-node outcomes and the run summary.
func renderRun(w io.Writer, run *engine.Run) {
	addrs := make([]string, 0, len(run.Results))
	for addr := range run.Results {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		result := run.Results[addr]
		switch result.Status {
		case engine.NodeStatusFailed:
			fmt.Fprintf(w, "  %s: failed after %d attempt(s): %s\n", addr, result.Attempts, result.Error)
		case engine.NodeStatusSkipped:
			fmt.Fprintf(w, "  %s: skipped (%s)\n", addr, strings.Join(result.SkippedBecause, " <- "))
		default:
			fmt.Fprintf(w, "  %s: %s\n", addr, result.Status)
		}
	}

	fmt.Fprintf(w, "\nRun %s: %s. %d applied, %d failed, %d skipped.\n",
		run.ID, run.Status, run.Summary.Applied, run.Summary.Failed, run.Summary.Skipped)
}

// renderPolicyResult writes violations grouped by severity.
func renderPolicyResult(w io.Writer, result *policy.Result) {
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "policy warning: %s\n", warning)
	}
	for _, v := range result.Violations {
		fmt.Fprintf(w, "[%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	if !result.Allowed {
		fmt.Fprintf(w, "\n%d blocking policy violation(s).\n", len(result.Blocking()))
	}
}
