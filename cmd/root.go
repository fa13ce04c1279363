package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, kept stable for scripting.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a runtime or configuration error.
	ExitCodeError = 1
	// ExitCodeUsage indicates invalid arguments or flags.
	ExitCodeUsage = 2
)

// usageError marks argument and flag mistakes so Execute can map them
// to the usage exit code.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// rootCmd is the entry point of the junction CLI.
var rootCmd = &cobra.Command{
	Use:   "junction",
	Short: "A multiplexing gateway for MCP servers",
	Long: `junction aggregates multiple MCP (Model Context Protocol) servers
behind a single endpoint. Sessions select their slice of the fleet with
tag filters or named presets; capabilities are unioned directly or, in
lazy mode, served through three schema-on-demand meta-tools.`,
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the injected build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI and exits with the appropriate code.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "junction version %s\n" .Version}}`)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var usage *usageError
	if errors.As(err, &usage) {
		return ExitCodeUsage
	}
	return ExitCodeError
}
