package main

import (
	"github.com/spf13/cobra"

	"github.com/marcus-qen/kmd/internal/portlease"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop then start this project's KM daemon",
	RunE:  runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return usageError("restart takes no arguments")
	}

	projectPath, err := resolveProjectPath()
	if err != nil {
		return err
	}
	mgr := portlease.New(stateDirFor(projectPath), portlease.Range{}, nil)
	if _, ok := mgr.Current(); ok {
		if err := runStop(cmd, nil); err != nil {
			return err
		}
	}
	return runStart(cmd, nil)
}
