package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// errRejected marks a command that ran correctly but reported a refused
// transition or a failed validation.
var errRejected = errors.New("rejected")

// ExitCode maps a command error to the process exit status: 2 for a refused
// transition or invalid spec, 1 for everything else.
func ExitCode(err error) int {
	if errors.Is(err, errRejected) {
		return 2
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tollgate",
		Short: "Tollgate - lifecycle transition rules engine",
		Long: `Tollgate decides whether an entity may move from one lifecycle state to
another. Each domain declares its states and allowed transitions; guards,
conditions and actions attached to a transition are resolved by name from
layered handler registries.

Features:
  - Declarative state machines in YAML, JSON or CUE
  - Handlers in Go, Starlark or Rego, layered bundled < project < override
  - OR-fallback conditions and before/after actions
  - Audit events to logs, Redis streams and SQLite
  - Prometheus metrics and OpenTelemetry tracing`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: <project>/tollgate.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newTransitionCommand())
	rootCmd.AddCommand(newHandlersCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newStatesCommand())

	return rootCmd
}
