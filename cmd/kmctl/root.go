// kmctl is the external operator CLI for a project's Knowledge Manager
// status, list, lifecycle and recovery commands that talk to
// the daemon over its lease file and /health endpoint rather than linking
// against its internals directly.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	projectFlag string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:           "kmctl",
	Short:         "Operate a project's Knowledge Manager daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project path (default: current directory or CLAUDE_PROJECT_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON instead of table output")
}

func main() {
	err := rootCmd.Execute()
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps a command error to the documented CLI exit codes: 0
// success, 2 usage error, 3 no KM present, 4 port exhaustion, 5 integrity
// failure detected, 1 other.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if ec, ok := err.(exitCoded); ok {
		return ec.ExitCode()
	}
	fmt.Fprintf(os.Stderr, "kmctl: %v\n", err)
	return 1
}

type exitCoded interface {
	error
	ExitCode() int
}

// codedError pairs an error with the exit code it should produce, without
// forcing every command to construct a *kmerr.Error just to report a CLI
// outcome.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }
func (e *codedError) ExitCode() int { return e.code }

func usageError(format string, args ...any) error {
	return &codedError{code: 2, err: fmt.Errorf(format, args...)}
}

func noKMError(err error) error {
	return &codedError{code: 3, err: err}
}

func portExhaustedError(err error) error {
	return &codedError{code: 4, err: err}
}

func integrityError(err error) error {
	return &codedError{code: 5, err: err}
}

// resolveProjectPath applies the same precedence kmd and kmbridge use:
// --project flag, then CLAUDE_PROJECT_PATH, then the working directory.
func resolveProjectPath() (string, error) {
	if projectFlag != "" {
		return filepath.Abs(projectFlag)
	}
	if p := os.Getenv("CLAUDE_PROJECT_PATH"); p != "" {
		return filepath.Abs(p)
	}
	return os.Getwd()
}

func stateDirFor(projectPath string) string {
	return filepath.Join(projectPath, ".claude", "state")
}
