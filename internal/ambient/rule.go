// Package ambient implements the periodic rule-evaluation engine described
// a fixed set of data-driven rules, each with a predicate, an
// action that emits a trigger, a cooldown, a debounce window, and a
// per-rule failure budget that can disable it.
package ambient

import (
	"context"
	"time"
)

// Snapshot is the state a predicate evaluates against: recent events and
// any derived metrics the caller chooses to compute ahead of the tick.
type Snapshot struct {
	Now    time.Time
	Events []SnapshotEvent
	Extra  map[string]any
}

// SnapshotEvent is a minimal projection of an eventlog.Event, kept decoupled
// from the eventlog package so predicates don't need to import it directly.
type SnapshotEvent struct {
	ID       int64
	Type     string
	TSWall   time.Time
	TicketID *string
	Payload  map[string]any
}

// Decision is a predicate's verdict plus a structured reason, per spec
// §4.6's "predicate ... returning a boolean plus a structured reason".
type Decision struct {
	Fire   bool
	Reason string
	Detail map[string]any
}

// Predicate is a pure function over a state snapshot.
type Predicate func(snap Snapshot) Decision

// Action constructs and submits whatever the rule fires, given the
// snapshot and the predicate's decision detail.
type Action func(ctx context.Context, snap Snapshot, decision Decision) error

// Rule is one data-driven entry in the engine's rule set.
type Rule struct {
	Name      string
	Predicate Predicate
	Action    Action
	Cooldown  time.Duration
	Debounce  time.Duration
	// CronSchedule, if non-empty, parsed via robfig/cron's standard parser,
	// overrides the engine's fixed tick interval for this rule only.
	CronSchedule string
}
