package ambient

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestEvaluateRuleFiresActionWhenPredicateTrue(t *testing.T) {
	var fired atomic.Int32
	rule := Rule{
		Name:      "incident-response",
		Predicate: func(snap Snapshot) Decision { return Decision{Fire: true, Reason: "error rate high"} },
		Action: func(ctx context.Context, snap Snapshot, d Decision) error {
			fired.Add(1)
			return nil
		},
	}
	e, err := New([]Rule{rule}, Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	e.evaluateRule(context.Background(), rule, Snapshot{Now: time.Now().UTC()})
	if fired.Load() != 1 {
		t.Fatalf("expected action fired once, got %d", fired.Load())
	}
}

func TestEvaluateRuleRespectsCooldown(t *testing.T) {
	var fired atomic.Int32
	rule := Rule{
		Name:      "noisy-rule",
		Predicate: func(snap Snapshot) Decision { return Decision{Fire: true} },
		Action: func(ctx context.Context, snap Snapshot, d Decision) error {
			fired.Add(1)
			return nil
		},
		Cooldown: time.Minute,
	}
	e, err := New([]Rule{rule}, Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	now := time.Now().UTC()
	e.evaluateRule(context.Background(), rule, Snapshot{Now: now})
	e.evaluateRule(context.Background(), rule, Snapshot{Now: now.Add(10 * time.Second)})
	if fired.Load() != 1 {
		t.Fatalf("expected cooldown to suppress second firing, got %d firings", fired.Load())
	}

	e.evaluateRule(context.Background(), rule, Snapshot{Now: now.Add(2 * time.Minute)})
	if fired.Load() != 2 {
		t.Fatalf("expected firing after cooldown elapsed, got %d", fired.Load())
	}
}

func TestEvaluateRuleRequiresDebounceBeforeFiring(t *testing.T) {
	var fired atomic.Int32
	rule := Rule{
		Name:      "documentation-agent",
		Predicate: func(snap Snapshot) Decision { return Decision{Fire: true} },
		Action: func(ctx context.Context, snap Snapshot, d Decision) error {
			fired.Add(1)
			return nil
		},
		Debounce: 5 * time.Minute,
	}
	e, err := New([]Rule{rule}, Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	now := time.Now().UTC()
	e.evaluateRule(context.Background(), rule, Snapshot{Now: now})
	if fired.Load() != 0 {
		t.Fatal("expected no firing before debounce window elapses")
	}

	e.evaluateRule(context.Background(), rule, Snapshot{Now: now.Add(6 * time.Minute)})
	if fired.Load() != 1 {
		t.Fatalf("expected firing once debounce window has elapsed, got %d", fired.Load())
	}
}

func TestRuleDisabledAfterFailureBudgetExceeded(t *testing.T) {
	rule := Rule{
		Name:      "flaky-rule",
		Predicate: func(snap Snapshot) Decision { return Decision{Fire: true} },
		Action: func(ctx context.Context, snap Snapshot, d Decision) error {
			return errors.New("boom")
		},
	}
	e, err := New([]Rule{rule}, Options{FailureBudget: 3})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		e.evaluateRule(context.Background(), rule, Snapshot{Now: now.Add(time.Duration(i) * time.Hour)})
	}
	if !e.Disabled(rule.Name) {
		t.Fatal("expected rule disabled after exceeding failure budget")
	}

	e.Reset(rule.Name)
	if e.Disabled(rule.Name) {
		t.Fatal("expected rule re-enabled after Reset")
	}
}

func TestDisabledStatePersistsAcrossEngineRestart(t *testing.T) {
	dir := t.TempDir()
	rule := Rule{
		Name:      "flaky-rule",
		Predicate: func(snap Snapshot) Decision { return Decision{Fire: true} },
		Action: func(ctx context.Context, snap Snapshot, d Decision) error {
			return errors.New("boom")
		},
	}
	e, err := New([]Rule{rule}, Options{FailureBudget: 1, StateDir: dir})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.evaluateRule(context.Background(), rule, Snapshot{Now: time.Now().UTC()})
	if !e.Disabled(rule.Name) {
		t.Fatal("expected rule disabled")
	}

	restarted, err := New([]Rule{rule}, Options{FailureBudget: 1, StateDir: dir})
	if err != nil {
		t.Fatalf("new engine after restart: %v", err)
	}
	if !restarted.Disabled(rule.Name) {
		t.Fatal("expected disabled state to survive across engine restart")
	}

	if _, err := filepath.Glob(filepath.Join(dir, "ambient", "*.json")); err != nil {
		t.Fatalf("glob state dir: %v", err)
	}
}

func TestTickSkippedWhilePreviousTickRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	rule := Rule{
		Name:      "slow-rule",
		Predicate: func(snap Snapshot) Decision { return Decision{Fire: true} },
		Action: func(ctx context.Context, snap Snapshot, d Decision) error {
			runs.Add(1)
			close(started)
			<-release
			return nil
		},
	}
	e, err := New([]Rule{rule}, Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	go e.runTick(context.Background())
	<-started
	e.runTick(context.Background()) // should be skipped, previous tick still in flight
	close(release)

	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("expected exactly one run while the first tick was in flight, got %d", runs.Load())
	}
}
