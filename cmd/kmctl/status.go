package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/kmd/internal/portlease"
)

type statusOutput struct {
	ProjectPath string `json:"project_path"`
	Running     bool   `json:"running"`
	Port        int    `json:"port,omitempty"`
	PID         int    `json:"pid,omitempty"`
	Version     string `json:"version,omitempty"`
	UptimeS     int    `json:"uptime_s,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether this project's KM is running",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return usageError("status takes no arguments")
	}

	projectPath, err := resolveProjectPath()
	if err != nil {
		return err
	}
	out := statusOutput{ProjectPath: projectPath}

	mgr := portlease.New(stateDirFor(projectPath), portlease.Range{}, nil)
	lease, ok := mgr.Current()
	if !ok {
		out.Detail = "no lease recorded"
		return report(out, noKMError(fmt.Errorf("no KM lease found for %s", projectPath)))
	}

	addr := fmt.Sprintf("127.0.0.1:%d", lease.Port)
	health, err := fetchHealth(cmd.Context(), addr, 1500*time.Millisecond)
	if err != nil || health.ProjectPath != projectPath {
		out.Port = lease.Port
		out.PID = lease.PID
		out.Detail = "lease present but KM did not answer its health check"
		return report(out, noKMError(fmt.Errorf("KM at %s unreachable or serving a different project", addr)))
	}

	out.Running = true
	out.Port = lease.Port
	out.PID = lease.PID
	out.Version = health.Version
	out.UptimeS = health.UptimeS
	return report(out, nil)
}

// report prints out regardless of err (so --json callers always get a
// structured body) and then returns err so the exit code still reflects
// failure.
func report(out statusOutput, err error) error {
	if jsonOutput {
		_ = printJSON(out)
		return err
	}
	if out.Running {
		fmt.Printf("RUNNING  project=%s port=%d pid=%d version=%s uptime=%ds\n", out.ProjectPath, out.Port, out.PID, out.Version, out.UptimeS)
	} else {
		fmt.Printf("STOPPED  project=%s", out.ProjectPath)
		if out.Detail != "" {
			fmt.Printf(" (%s)", out.Detail)
		}
		fmt.Println()
	}
	return err
}
