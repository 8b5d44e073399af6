// kmd is the per-project Knowledge Manager daemon: it owns the
// event log, trigger bus, ambient rule engine, orchestrator and HTTP server
// for exactly one project, acquiring a port lease under
// <project>/.claude/state so at most one instance runs per project at a
// time.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/ambient"
	"github.com/marcus-qen/kmd/internal/config"
	"github.com/marcus-qen/kmd/internal/eventlog"
	"github.com/marcus-qen/kmd/internal/km"
	"github.com/marcus-qen/kmd/internal/orchestrator"
	"github.com/marcus-qen/kmd/internal/portlease"
	"github.com/marcus-qen/kmd/internal/registry"
	"github.com/marcus-qen/kmd/internal/triggerbus"
)

var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("kmd exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	projectPath, err := resolveProjectPath()
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	cfgPath := config.DiscoverPath(projectPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ProjectPath = projectPath
	logger.Info("kmd starting", zap.String("version", version), zap.String("project_path", projectPath))

	stateDir := filepath.Join(projectPath, ".claude", "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	events, err := eventlog.Open(filepath.Join(stateDir, "events"), "log.ndjson", eventlog.Options{
		MaxBytes: cfg.EventLogMaxBytes,
		MaxAge:   time.Duration(cfg.EventLogMaxAgeHours) * time.Hour,
		Gzip:     cfg.EventLogGzip,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	bus, err := triggerbus.Open(filepath.Join(stateDir, "triggers"), triggerbus.Options{
		MaxAttempts:   cfg.TriggerMaxAttempts,
		HighWatermark: cfg.TriggerHighWatermark,
		ClaimLease:    time.Duration(cfg.TriggerClaimLeaseSecs) * time.Second,
		Logger:        logger,
		Events:        events,
	})
	if err != nil {
		return fmt.Errorf("open trigger bus: %w", err)
	}

	store, err := registry.Open(filepath.Join(stateDir, "registry.db"), logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	engine, err := ambient.New(ambient.DefaultRules(bus, ambient.DefaultRuleOptions{}), ambient.Options{
		TickInterval:  time.Duration(cfg.AmbientTickSeconds) * time.Second,
		FailureBudget: cfg.RuleFailureBudget,
		StateDir:      stateDir,
		Logger:        logger,
		SnapshotFn:    snapshotFromEventLog(events),
	})
	if err != nil {
		return fmt.Errorf("build ambient engine: %w", err)
	}

	orch := orchestrator.New(bus, store, events, orchestrator.ExecInvoker{Commands: cfg.AgentCommands}, orchestrator.Options{
		Workers: cfg.OrchestratorWorkers,
		Logger:  logger,
	})

	leaseMgr := portlease.New(stateDir, portlease.Range{Min: cfg.PortMin, Max: cfg.PortMax}, logger)
	lease, listener, err := leaseMgr.Acquire(ctx, projectPath, func(port int) (net.Listener, error) {
		return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	})
	if err != nil {
		return fmt.Errorf("acquire port lease: %w", err)
	}
	if listener == nil {
		logger.Info("reusing healthy lease from a running KM", zap.Int("port", lease.Port))
		return nil
	}
	defer leaseMgr.Release()

	server := km.New(store, bus, km.Options{ListenAddr: listener.Addr().String(), ProjectPath: projectPath, Version: version, Logger: logger})

	engine.Start(ctx)
	defer engine.Stop()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	logger.Info("kmd ready", zap.Int("port", lease.Port))
	return server.Serve(ctx, listener)
}

func resolveProjectPath() (string, error) {
	if p := os.Getenv("CLAUDE_PROJECT_PATH"); p != "" {
		return filepath.Abs(p)
	}
	return os.Getwd()
}

// snapshotFromEventLog feeds the full recorded history to every ambient
// tick. Rules themselves bound how far back they look (cooldowns, windows);
// re-scanning from the start keeps the snapshot contract simple at the cost
// of re-reading the log each tick.
func snapshotFromEventLog(events *eventlog.Log) func(context.Context) (ambient.Snapshot, error) {
	return func(ctx context.Context) (ambient.Snapshot, error) {
		all, err := events.Tail(0, 0)
		if err != nil {
			return ambient.Snapshot{}, err
		}
		snap := ambient.Snapshot{Now: time.Now().UTC(), Events: make([]ambient.SnapshotEvent, len(all))}
		for i, ev := range all {
			snap.Events[i] = ambient.SnapshotEvent{
				ID:       ev.ID,
				Type:     ev.Type,
				TSWall:   ev.TSWall,
				TicketID: ev.TicketID,
				Payload:  ev.Payload,
			}
		}
		return snap, nil
	}
}
