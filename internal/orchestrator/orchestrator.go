// Package orchestrator translates triggers into agent invocations, drives
// each ticket's state machine, and records outcomes.
package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/eventlog"
	"github.com/marcus-qen/kmd/internal/kmerr"
	"github.com/marcus-qen/kmd/internal/registry"
	"github.com/marcus-qen/kmd/internal/triggerbus"
)

// Options configures an Orchestrator.
type Options struct {
	Workers     int // bounded worker pool size; defaults to 4 when <= 0 (not derived from the CPU count)
	ClaimPoll   time.Duration
	RetryPolicy RetryPolicy
	Logger      *zap.Logger
}

// Orchestrator owns the worker pool that claims triggers from the bus,
// advances ticket state, and records transitions in the registry.
type Orchestrator struct {
	bus      *triggerbus.Bus
	store    *registry.Store
	events   *eventlog.Log
	invoker  AgentInvoker
	opts     Options
	logger   *zap.Logger

	ticketLocks sync.Map // ticket id -> *sync.Mutex, keyed per-ticket serialization

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator. workers defaults to 4 if Options.Workers <= 0;
// this runtime has no CPU-bound work to size a pool off of, so the default
// is chosen directly from the documented "bounded worker pool" without
// further fleet-specific machinery.
func New(bus *triggerbus.Bus, store *registry.Store, events *eventlog.Log, invoker AgentInvoker, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ClaimPoll <= 0 {
		opts.ClaimPoll = 500 * time.Millisecond
	}
	if opts.RetryPolicy == (RetryPolicy{}) {
		opts.RetryPolicy = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		bus:     bus,
		store:   store,
		events:  events,
		invoker: invoker,
		opts:    opts,
		logger:  opts.Logger.Named("orchestrator"),
	}
}

// Start launches the bounded worker pool. Each worker runs its own claim
// loop, woken by the trigger bus's watch signal and a poll-interval
// fallback, matching the bus's own fsnotify-plus-polling discipline.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	signal, err := o.bus.Watch(runCtx)
	if err != nil {
		cancel()
		return err
	}

	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		workerID := i
		go o.workerLoop(runCtx, workerID, signal)
	}
	return nil
}

// Stop cancels all workers and waits for in-flight claims to settle.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context, id int, signal <-chan struct{}) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.ClaimPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.claimAndProcess(ctx, id)
		case <-signal:
			o.claimAndProcess(ctx, id)
		}
	}
}

func (o *Orchestrator) claimAndProcess(ctx context.Context, workerID int) {
	claimerName := claimerIdentity(workerID)
	trigger, ok, err := o.bus.Claim(claimerName)
	if err != nil {
		o.logger.Warn("claim failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	o.process(ctx, trigger)
}

func claimerIdentity(workerID int) string {
	return "worker-" + strconv.Itoa(workerID)
}

// process runs a claimed trigger end-to-end: serializes access to the
// target ticket, invokes the agent, advances (or leaves) ticket state, and
// reports the outcome back to the trigger bus.
func (o *Orchestrator) process(ctx context.Context, trigger triggerbus.Trigger) {
	ticketID, _ := trigger.Payload["ticket_id"].(string)
	if ticketID == "" {
		o.fail(trigger, kmerr.New(kmerr.KindProtocol, "orchestrator: trigger missing ticket_id"), false)
		return
	}

	lockIface, _ := o.ticketLocks.LoadOrStore(ticketID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	ticket, err := o.store.GetTicket(ctx, ticketID)
	if err != nil {
		o.fail(trigger, err, false)
		return
	}
	if isTerminal(ticket.State) {
		o.fail(trigger, kmerr.New(kmerr.KindPolicy, "orchestrator: ticket "+ticketID+" is in terminal state "+ticket.State), false)
		return
	}
	if !roleAllowed(ticket.State, trigger.Agent) {
		o.fail(trigger, kmerr.New(kmerr.KindPolicy, "orchestrator: agent "+trigger.Agent+" may not act on ticket in state "+ticket.State), false)
		return
	}

	result, invokeErr := o.invoker.Invoke(ctx, AgentRequest{
		Agent:        trigger.Agent,
		TicketID:     ticketID,
		EventType:    trigger.EventType,
		Payload:      trigger.Payload,
		ChangedPaths: trigger.ChangedPaths,
	})

	o.appendEvent(eventlog.TypeAgentInvoked, &ticketID, map[string]any{"agent": trigger.Agent, "trigger_id": trigger.ID})

	if invokeErr != nil {
		o.fail(trigger, invokeErr, kmerr.Retryable(invokeErr))
		return
	}

	if result.Partial {
		o.appendEvent(eventlog.TypePartial, &ticketID, map[string]any{"trigger_id": trigger.ID, "agent": trigger.Agent})
		retryTrigger := trigger
		retryTrigger.Attempt++
		if _, err := o.bus.Submit(triggerbus.Trigger{
			Agent:          trigger.Agent,
			EventType:      trigger.EventType,
			Priority:       trigger.Priority,
			Payload:        trigger.Payload,
			ChangedPaths:   trigger.ChangedPaths,
			IdempotencyKey: trigger.IdempotencyKey + "-retry",
		}); err != nil {
			o.logger.Warn("failed to submit partial-result retry trigger", zap.Error(err))
		}
		if err := o.bus.Complete(trigger, map[string]any{"partial": true}); err != nil {
			o.logger.Warn("failed to mark partial trigger complete", zap.Error(err))
		}
		return
	}

	toState, ok := nextState[ticket.State]
	if !ok {
		o.fail(trigger, kmerr.New(kmerr.KindIntegrity, "orchestrator: no successor state defined for "+ticket.State), false)
		return
	}

	if _, err := o.store.TransitionTicket(ctx, ticketID, trigger.Agent, toState, result.ConsumedEventIDs, result.ProducedArtifacts); err != nil {
		o.fail(trigger, err, kmerr.Retryable(err))
		return
	}
	o.appendEvent(eventlog.TypeTicketTransitioned, &ticketID, map[string]any{
		"ticket_id": ticketID,
		"to_state":  toState,
		"agent":     trigger.Agent,
	})
	o.appendEvent(eventlog.TypeAgentResult, &ticketID, map[string]any{"agent": trigger.Agent, "trigger_id": trigger.ID})

	if err := o.bus.Complete(trigger, map[string]any{"to_state": toState}); err != nil {
		o.logger.Warn("failed to mark trigger complete", zap.Error(err))
	}
}

func (o *Orchestrator) fail(trigger triggerbus.Trigger, cause error, retryable bool) {
	if err := o.bus.Fail(trigger, cause, retryable); err != nil {
		o.logger.Warn("failed to record trigger failure", zap.Error(err))
	}
}

func (o *Orchestrator) appendEvent(eventType string, ticketID *string, payload map[string]any) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Append(eventType, ticketID, eventlog.Source{Kind: "system", Name: "orchestrator"}, payload); err != nil {
		o.logger.Warn("failed to append orchestrator event", zap.Error(err))
	}
}
