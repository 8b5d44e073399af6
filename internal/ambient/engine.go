package ambient

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/atomicio"
)

const defaultFailureBudget = 5

// ruleState is the engine's private bookkeeping for one rule, separate from
// the immutable Rule definition so rules can be re-registered without
// losing history.
type ruleState struct {
	lastFired        time.Time
	conditionSince   time.Time // when the predicate first started returning Fire=true, for debounce
	consecutiveFails int
	disabled         bool
	cronSchedule     cron.Schedule
}

// diskRuleState is the persisted shape written to
// state/ambient/<rule>.json so a disabled rule stays disabled across a KM
// restart until an operator resets it.
type diskRuleState struct {
	Disabled         bool      `json:"disabled"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	DisabledAt       time.Time `json:"disabled_at,omitempty"`
}

// Engine runs the single-threaded cooperative tick loop.
type Engine struct {
	rules         []Rule
	tickInterval  time.Duration
	failureBudget int
	stateDir      string
	logger        *zap.Logger
	snapshotFn    func(ctx context.Context) (Snapshot, error)

	mu     sync.Mutex
	states map[string]*ruleState

	running  atomic.Bool
	tickBusy atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Options configures an Engine.
type Options struct {
	TickInterval  time.Duration
	FailureBudget int
	StateDir      string
	Logger        *zap.Logger
	// SnapshotFn builds the Snapshot fed to every rule's predicate each
	// tick; typically backed by internal/eventlog.Tail.
	SnapshotFn func(ctx context.Context) (Snapshot, error)
}

// New builds an engine over the given rule set, loading any persisted
// disabled/failure-budget state from stateDir.
func New(rules []Rule, opts Options) (*Engine, error) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.FailureBudget <= 0 {
		opts.FailureBudget = defaultFailureBudget
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SnapshotFn == nil {
		opts.SnapshotFn = func(ctx context.Context) (Snapshot, error) {
			return Snapshot{Now: time.Now().UTC()}, nil
		}
	}

	e := &Engine{
		rules:         rules,
		tickInterval:  opts.TickInterval,
		failureBudget: opts.FailureBudget,
		stateDir:      opts.StateDir,
		logger:        opts.Logger.Named("ambient"),
		snapshotFn:    opts.SnapshotFn,
		states:        make(map[string]*ruleState, len(rules)),
	}

	for _, r := range rules {
		st := &ruleState{}
		if r.CronSchedule != "" {
			sched, err := cron.ParseStandard(r.CronSchedule)
			if err != nil {
				return nil, fmt.Errorf("ambient: rule %q has invalid cron schedule: %w", r.Name, err)
			}
			st.cronSchedule = sched
		}
		if e.stateDir != "" {
			if persisted, ok := e.loadState(r.Name); ok {
				st.disabled = persisted.Disabled
				st.consecutiveFails = persisted.ConsecutiveFails
			}
		}
		e.states[r.Name] = st
	}

	return e, nil
}

// Start runs the tick loop in a background goroutine, matching
// jobs.Scheduler.Start's shape: a time.Ticker driving a single worker
// goroutine, context-cancellable, with an initial immediate tick.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()

		e.runTick(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				e.runTick(loopCtx)
			}
		}
	}()
}

// Stop cancels the tick loop and waits for any in-flight tick to finish.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// runTick guards against overlapping ticks: by design "ticks are
// skipped if the previous tick has not completed."
func (e *Engine) runTick(ctx context.Context) {
	if !e.tickBusy.CompareAndSwap(false, true) {
		e.logger.Debug("skipping tick, previous tick still running")
		return
	}
	defer e.tickBusy.Store(false)

	snap, err := e.snapshotFn(ctx)
	if err != nil {
		e.logger.Warn("failed to build ambient snapshot", zap.Error(err))
		return
	}

	for _, r := range e.rules {
		e.evaluateRule(ctx, r, snap)
	}
}

// evaluateRule runs one rule's predicate/action in isolation: a panic or
// error is contained to this rule's failure budget and never aborts the
// tick for other rules (failure isolation).
func (e *Engine) evaluateRule(ctx context.Context, r Rule, snap Snapshot) {
	e.mu.Lock()
	st := e.states[r.Name]
	e.mu.Unlock()

	if st.disabled {
		return
	}
	if st.cronSchedule != nil {
		next := st.cronSchedule.Next(snap.Now.Add(-e.tickInterval))
		if next.After(snap.Now) {
			return
		}
	}
	if !st.lastFired.IsZero() && snap.Now.Sub(st.lastFired) < r.Cooldown {
		return
	}

	decision, err := e.safeInvokePredicate(r, snap)
	if err != nil {
		e.recordFailure(r, err)
		return
	}
	if !decision.Fire {
		e.mu.Lock()
		st.conditionSince = time.Time{}
		e.mu.Unlock()
		return
	}

	if r.Debounce > 0 {
		e.mu.Lock()
		if st.conditionSince.IsZero() {
			st.conditionSince = snap.Now
		}
		elapsed := snap.Now.Sub(st.conditionSince)
		e.mu.Unlock()
		if elapsed < r.Debounce {
			return
		}
	}

	if err := e.safeInvokeAction(ctx, r, snap, decision); err != nil {
		e.recordFailure(r, err)
		return
	}

	e.mu.Lock()
	st.lastFired = snap.Now
	st.consecutiveFails = 0
	e.mu.Unlock()
	e.persistState(r.Name, st)
}

func (e *Engine) safeInvokePredicate(r Rule, snap Snapshot) (decision Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ambient: rule %q predicate panicked: %v", r.Name, rec)
		}
	}()
	return r.Predicate(snap), nil
}

func (e *Engine) safeInvokeAction(ctx context.Context, r Rule, snap Snapshot, decision Decision) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ambient: rule %q action panicked: %v", r.Name, rec)
		}
	}()
	return r.Action(ctx, snap, decision)
}

func (e *Engine) recordFailure(r Rule, cause error) {
	e.mu.Lock()
	st := e.states[r.Name]
	st.consecutiveFails++
	disabledNow := st.consecutiveFails >= e.failureBudget
	if disabledNow {
		st.disabled = true
	}
	e.mu.Unlock()

	e.logger.Warn("ambient rule failed", zap.String("rule", r.Name), zap.Int("consecutive_fails", st.consecutiveFails), zap.Error(cause))
	if disabledNow {
		e.logger.Error("ambient rule disabled after exceeding failure budget", zap.String("rule", r.Name))
	}
	e.persistState(r.Name, st)
}

// Reset clears a rule's disabled state and failure count, the operator
// recovery path ("disables the rule until operator
// reset").
func (e *Engine) Reset(name string) {
	e.mu.Lock()
	st, ok := e.states[name]
	if ok {
		st.disabled = false
		st.consecutiveFails = 0
	}
	e.mu.Unlock()
	if ok {
		e.persistState(name, st)
	}
}

// Disabled reports whether rule name is currently disabled.
func (e *Engine) Disabled(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[name]
	return ok && st.disabled
}

func (e *Engine) persistState(name string, st *ruleState) {
	if e.stateDir == "" {
		return
	}
	e.mu.Lock()
	payload := diskRuleState{Disabled: st.disabled, ConsecutiveFails: st.consecutiveFails}
	if st.disabled {
		payload.DisabledAt = time.Now().UTC()
	}
	e.mu.Unlock()

	dir := filepath.Join(e.stateDir, "ambient")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("failed to create ambient state dir", zap.Error(err))
		return
	}
	data, err := atomicio.CanonicalJSON(payload)
	if err != nil {
		e.logger.Warn("failed to encode ambient rule state", zap.Error(err))
		return
	}
	if err := atomicio.WriteFile(dir, name+".json", data, 0o644); err != nil {
		e.logger.Warn("failed to persist ambient rule state", zap.Error(err))
	}
}

func (e *Engine) loadState(name string) (diskRuleState, bool) {
	path := filepath.Join(e.stateDir, "ambient", name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return diskRuleState{}, false
	}
	var st diskRuleState
	if err := json.Unmarshal(data, &st); err != nil {
		return diskRuleState{}, false
	}
	return st, true
}
