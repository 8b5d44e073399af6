// kmbridge is the stdio-facing half of the KM bridge: a host
// process (an editor integration, a CLI wrapper) execs this binary and
// talks newline-delimited JSON-RPC over its stdin/stdout, while kmbridge
// discovers and forwards to the project's running KM over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/bridge"
	"github.com/marcus-qen/kmd/internal/config"
)

var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		fmt.Fprintf(os.Stderr, "kmbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	projectPath := os.Getenv("CLAUDE_PROJECT_PATH")
	if projectPath != "" {
		abs, err := filepath.Abs(projectPath)
		if err != nil {
			return fmt.Errorf("resolve project path: %w", err)
		}
		projectPath = abs
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve project path: %w", err)
		}
		projectPath = wd
	}
	stateDir := filepath.Join(projectPath, ".claude", "state")

	cfg, err := config.Load(config.DiscoverPath(projectPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	addr, err := bridge.Discover(ctx, bridge.DiscoverOptions{
		StateDir:    stateDir,
		ProjectPath: projectPath,
		Timeout:     1500 * time.Millisecond,
		PortMin:     cfg.PortMin,
		PortMax:     cfg.PortMax,
	})
	if err != nil {
		return fmt.Errorf("discover KM: %w", err)
	}
	logger.Info("discovered KM", zap.String("addr", addr), zap.String("project_path", projectPath))

	b := bridge.New(addr, bridge.Options{Logger: logger})
	logger.Info("kmbridge starting", zap.String("version", version))
	return b.Run(ctx, os.Stdin, os.Stdout)
}
