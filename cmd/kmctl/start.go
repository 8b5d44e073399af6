package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/kmd/internal/portlease"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the KM daemon for this project if it is not already running",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return usageError("start takes no arguments")
	}

	projectPath, err := resolveProjectPath()
	if err != nil {
		return err
	}

	mgr := portlease.New(stateDirFor(projectPath), portlease.Range{}, nil)
	if lease, ok := mgr.Current(); ok {
		addr := fmt.Sprintf("127.0.0.1:%d", lease.Port)
		if health, err := fetchHealth(cmd.Context(), addr, 1500*time.Millisecond); err == nil && health.ProjectPath == projectPath {
			fmt.Printf("already running on port %d (pid %d)\n", lease.Port, lease.PID)
			return nil
		}
	}

	kmdPath, err := kmdBinaryPath()
	if err != nil {
		return err
	}

	proc := exec.Command(kmdPath)
	proc.Env = append(os.Environ(), "CLAUDE_PROJECT_PATH="+projectPath)
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start kmd: %w", err)
	}
	if err := proc.Process.Release(); err != nil {
		return fmt.Errorf("detach kmd: %w", err)
	}

	if !waitForHealthy(cmd, mgr, projectPath, 5*time.Second) {
		return noKMError(fmt.Errorf("kmd started but did not become healthy within the timeout"))
	}
	lease, _ := mgr.Current()
	fmt.Printf("started on port %d (pid %d)\n", lease.Port, lease.PID)
	return nil
}

// kmdBinaryPath looks for a kmd binary next to kmctl's own executable before
// falling back to $PATH, so a built release directory works without the
// operator exporting anything.
func kmdBinaryPath() (string, error) {
	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), "kmd")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	return exec.LookPath("kmd")
}

func waitForHealthy(cmd *cobra.Command, mgr *portlease.Manager, projectPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if lease, ok := mgr.Current(); ok {
			addr := fmt.Sprintf("127.0.0.1:%d", lease.Port)
			if health, err := fetchHealth(cmd.Context(), addr, 300*time.Millisecond); err == nil && health.ProjectPath == projectPath {
				return true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
