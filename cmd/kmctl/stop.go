package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/kmd/internal/portlease"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop this project's KM daemon",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return usageError("stop takes no arguments")
	}

	projectPath, err := resolveProjectPath()
	if err != nil {
		return err
	}

	mgr := portlease.New(stateDirFor(projectPath), portlease.Range{}, nil)
	lease, ok := mgr.Current()
	if !ok {
		return noKMError(fmt.Errorf("no KM lease found for %s", projectPath))
	}

	if err := terminate(lease.PID); err != nil {
		return fmt.Errorf("signal pid %d: %w", lease.PID, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, stillThere := mgr.Current(); !stillThere {
			fmt.Printf("stopped (was port %d, pid %d)\n", lease.Port, lease.PID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d did not release its lease within the timeout", lease.PID)
}
