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

// kvFatalError marks unrecoverable store failures so the process can exit
// with the dedicated status code.
type kvFatalError struct{ err error }

func (e *kvFatalError) Error() string { return e.err.Error() }
func (e *kvFatalError) Unwrap() error { return e.err }

// configError marks fatal configuration problems.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// ExitCode maps an execution error to the process exit status: 0 on clean
// shutdown, 1 on fatal config errors, 2 on unrecoverable KV errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var kvErr *kvFatalError
	if errors.As(err, &kvErr) {
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
		Use:   "degov",
		Short: "DeGov - Distributed Workflow Engine",
		Long: `DeGov runs declarative government workflows as distributed state machines
over a transactional ordered key-value store.

Features:
  - YAML definitions with multi-parent inheritance (services, models, workflows)
  - Guarded transitions with sandboxed JavaScript/WASM actions
  - Priority-ordered, lease-based task queue with worker failover
  - At-most-once side effects via idempotency keys
  - Append-only per-instance audit trail`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (CUE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRegisterCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newInstanceCommand())
	rootCmd.AddCommand(newDLQCommand())

	return rootCmd
}
