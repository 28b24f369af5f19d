// scriptbox stores user scripts and runs them against JSON input in a
// resource-bounded JavaScript sandbox.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scriptbox",
	Short: "scriptbox runs untrusted JavaScript transformations in a sandbox.",
	Long: `scriptbox registers user-supplied scripts, statically screens them for
dangerous constructs, and executes them asynchronously against JSON input
inside a capability-stripped interpreter with time and statement budgets.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(serveCmd, workerCmd, validateCmd, runCmd, versionCmd)
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(code)
	}
}
