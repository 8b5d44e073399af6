package ambient

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus-qen/kmd/internal/eventlog"
	"github.com/marcus-qen/kmd/internal/triggerbus"
)

// Event types specific to the representative rule set below. Registered
// here, not ad hoc, following eventlog's own extension contract (see
// triggerbus's TypeTriggerMalformed for the same pattern).
const (
	TypeDocumentationUpdated = "DOCUMENTATION_UPDATED"
	TypeSchemaChanged        = "SCHEMA_CHANGED"
	TypeSchemaReviewed       = "SCHEMA_REVIEWED"
	TypePerformanceSignal    = "PERFORMANCE_SIGNAL"
)

func init() {
	eventlog.RegisterEventType(TypeDocumentationUpdated, nil)
	eventlog.RegisterEventType(TypeSchemaChanged, func(payload map[string]any) error {
		if _, ok := payload["name"]; !ok {
			return fmt.Errorf("payload missing required key %q", "name")
		}
		return nil
	})
	eventlog.RegisterEventType(TypeSchemaReviewed, func(payload map[string]any) error {
		if _, ok := payload["name"]; !ok {
			return fmt.Errorf("payload missing required key %q", "name")
		}
		return nil
	})
	eventlog.RegisterEventType(TypePerformanceSignal, func(payload map[string]any) error {
		if _, ok := payload["metric"]; !ok {
			return fmt.Errorf("payload missing required key %q", "metric")
		}
		return nil
	})
}

// DefaultRuleOptions tunes the thresholds of DefaultRules without touching
// their predicates.
type DefaultRuleOptions struct {
	ErrorRateWindow    time.Duration // default 5m
	ErrorRateThreshold int           // default 5 failures in the window
	CommitsWithoutDocs int           // default 20 commits since the last doc update
	SchemaReviewAge    time.Duration // default 48h
}

func (o DefaultRuleOptions) withDefaults() DefaultRuleOptions {
	if o.ErrorRateWindow <= 0 {
		o.ErrorRateWindow = 5 * time.Minute
	}
	if o.ErrorRateThreshold <= 0 {
		o.ErrorRateThreshold = 5
	}
	if o.CommitsWithoutDocs <= 0 {
		o.CommitsWithoutDocs = 20
	}
	if o.SchemaReviewAge <= 0 {
		o.SchemaReviewAge = 48 * time.Hour
	}
	return o
}

// DefaultRules builds the representative rule set described below, each
// action submitting a trigger onto bus.
func DefaultRules(bus *triggerbus.Bus, opts DefaultRuleOptions) []Rule {
	opts = opts.withDefaults()

	return []Rule{
		{
			Name:     "high-error-rate",
			Cooldown: opts.ErrorRateWindow,
			Predicate: func(snap Snapshot) Decision {
				cutoff := snap.Now.Add(-opts.ErrorRateWindow)
				count := 0
				for _, ev := range snap.Events {
					if ev.Type == eventlog.TypeTriggerFailed && !ev.TSWall.Before(cutoff) {
						count++
					}
				}
				if count >= opts.ErrorRateThreshold {
					return Decision{Fire: true, Reason: "error rate over threshold", Detail: map[string]any{"count": count}}
				}
				return Decision{Fire: false}
			},
			Action: func(ctx context.Context, snap Snapshot, decision Decision) error {
				_, err := bus.Submit(triggerbus.Trigger{
					Agent:     "incident-response",
					EventType: "RULE_FIRED",
					Priority:  triggerbus.PriorityCritical,
					Payload:   decision.Detail,
				})
				return err
			},
		},
		{
			Name:     "documentation-lag",
			Cooldown: time.Hour,
			Predicate: func(snap Snapshot) Decision {
				commitsSinceDocs := 0
				for i := len(snap.Events) - 1; i >= 0; i-- {
					ev := snap.Events[i]
					if ev.Type == TypeDocumentationUpdated {
						break
					}
					if ev.Type == eventlog.TypeCodeCommitted {
						commitsSinceDocs++
					}
				}
				if commitsSinceDocs >= opts.CommitsWithoutDocs {
					return Decision{Fire: true, Reason: "no documentation update in N commits", Detail: map[string]any{"commits": commitsSinceDocs}}
				}
				return Decision{Fire: false}
			},
			Action: func(ctx context.Context, snap Snapshot, decision Decision) error {
				_, err := bus.Submit(triggerbus.Trigger{
					Agent:     "documentation-agent",
					EventType: "RULE_FIRED",
					Priority:  triggerbus.PriorityLow,
					Payload:   decision.Detail,
				})
				return err
			},
		},
		{
			Name:     "unreviewed-schema-change",
			Cooldown: time.Hour,
			Predicate: func(snap Snapshot) Decision {
				reviewed := make(map[string]bool)
				for _, ev := range snap.Events {
					if ev.Type == TypeSchemaReviewed {
						if name, ok := ev.Payload["name"].(string); ok {
							reviewed[name] = true
						}
					}
				}
				for _, ev := range snap.Events {
					if ev.Type != TypeSchemaChanged {
						continue
					}
					name, _ := ev.Payload["name"].(string)
					if reviewed[name] {
						continue
					}
					if snap.Now.Sub(ev.TSWall) >= opts.SchemaReviewAge {
						return Decision{Fire: true, Reason: "unreviewed schema change older than threshold", Detail: map[string]any{"name": name}}
					}
				}
				return Decision{Fire: false}
			},
			Action: func(ctx context.Context, snap Snapshot, decision Decision) error {
				_, err := bus.Submit(triggerbus.Trigger{
					Agent:     "contract-guardian",
					EventType: "RULE_FIRED",
					Priority:  triggerbus.PriorityHigh,
					Payload:   decision.Detail,
				})
				return err
			},
		},
		{
			Name:     "performance-regression",
			Cooldown: 30 * time.Minute,
			Predicate: func(snap Snapshot) Decision {
				for _, ev := range snap.Events {
					if ev.Type == TypePerformanceSignal {
						if regressed, _ := ev.Payload["regressed"].(bool); regressed {
							return Decision{Fire: true, Reason: "performance regression signal", Detail: ev.Payload}
						}
					}
				}
				return Decision{Fire: false}
			},
			Action: func(ctx context.Context, snap Snapshot, decision Decision) error {
				_, err := bus.Submit(triggerbus.Trigger{
					Agent:     "performance-optimizer",
					EventType: "RULE_FIRED",
					Priority:  triggerbus.PriorityMedium,
					Payload:   decision.Detail,
				})
				return err
			},
		},
	}
}
