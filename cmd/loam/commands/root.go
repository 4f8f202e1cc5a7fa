// Package commands implements the loam CLI.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// ExitCodeError carries a specific process exit code out of a command.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	sources  []string
	vars     []string
	logLevel string
	logJSON  bool
}

// parseVars turns repeated --var key=value flags into a map.
func (g *globalFlags) parseVars() (map[string]any, error) {
	if len(g.vars) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(g.vars))
	for _, kv := range g.vars {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", kv)
		}
		vars[key] = value
	}
	return vars, nil
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "loam",
		Short: "Loam - declarative infrastructure provisioning",
		Long: `Loam reconciles declared infrastructure against recorded state.

Configurations are written in CUE, with Starlark generators for the
procedural cases. Loam builds a dependency graph from attribute
references, diffs it against the state document, and applies the
resulting change set through provider adapters, committing state after
every confirmed change.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&flags.sources, "file", "f", []string{"."},
		"configuration files or directories")
	rootCmd.PersistentFlags().StringArrayVar(&flags.vars, "var", nil,
		"set a configuration variable (key=value, repeatable)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info",
		"log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false,
		"emit logs as JSON instead of console format")

	rootCmd.AddCommand(newValidateCommand(flags))
	rootCmd.AddCommand(newPlanCommand(flags))
	rootCmd.AddCommand(newApplyCommand(flags))
	rootCmd.AddCommand(newDestroyCommand(flags))
	rootCmd.AddCommand(newGraphCommand(flags))
	rootCmd.AddCommand(newStateCommand(flags))
	rootCmd.AddCommand(newProvidersCommand(flags))

	return rootCmd
}
