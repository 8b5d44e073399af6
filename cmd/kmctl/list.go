package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/kmd/internal/config"
)

var listAll bool

type discoveredKM struct {
	Port        int    `json:"port"`
	ProjectPath string `json:"project_path"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate discoverable project KMs",
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listAll, "all", false, "scan the full configured port range instead of just this project's lease")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return usageError("list takes no arguments")
	}
	if !listAll {
		return usageError("list requires --all (listing a single project's KM is `kmctl status`)")
	}

	projectPath, err := resolveProjectPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.DiscoverPath(projectPath))
	if err != nil {
		return err
	}

	var found []discoveredKM
	for port := cfg.PortMin; port <= cfg.PortMax; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		health, err := fetchHealth(cmd.Context(), addr, 150*time.Millisecond)
		if err != nil {
			continue
		}
		found = append(found, discoveredKM{Port: port, ProjectPath: health.ProjectPath})
	}

	if jsonOutput {
		return printJSON(found)
	}
	if len(found) == 0 {
		fmt.Println("no running KMs found in the configured port range")
		return nil
	}
	for _, k := range found {
		fmt.Printf("%-6d %s\n", k.Port, k.ProjectPath)
	}
	return nil
}
