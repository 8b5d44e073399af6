package eventlog

import (
	"fmt"
	"sync"
	"time"
)

// Source identifies who produced an event.
type Source struct {
	Kind string `json:"kind"` // "agent" | "system" | "hook"
	Name string `json:"name"`
}

// Event is an immutable record appended to a project's event log.
type Event struct {
	ID       int64          `json:"id"`
	TSWall   time.Time      `json:"ts_wall"`
	TSMono   int64          `json:"ts_mono"`
	TicketID *string        `json:"ticket_id"`
	Type     string         `json:"type"`
	Source   Source         `json:"source"`
	Payload  map[string]any `json:"payload"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash,omitempty"`
}

// Ptr returns a pointer to s, convenient for the nullable TicketID field.
func Ptr(s string) *string { return &s }

// Well-known event types. Extend through RegisterEventType,
// not ad hoc string literals, so every payload shape gets validated at the
// log boundary.
const (
	TypeCodeCommitted      = "CODE_COMMITTED"
	TypeTriggerClaimed     = "TRIGGER_CLAIMED"
	TypeTriggerCompleted   = "TRIGGER_COMPLETED"
	TypeTriggerFailed      = "TRIGGER_FAILED"
	TypeIntegrityFail      = "INTEGRITY_FAIL"
	TypeRuleFired          = "RULE_FIRED"
	TypeRuleDisabled       = "RULE_DISABLED"
	TypeTicketTransitioned = "TICKET_TRANSITIONED"
	TypeAgentInvoked       = "AGENT_INVOKED"
	TypeAgentResult        = "AGENT_RESULT"
	TypePartial            = "PARTIAL"
)

// Validator checks an event payload's shape before it's accepted at the log
// boundary. Payloads remain opaque maps for forward compatibility; the
// validator is the only enforcement point.
type Validator func(payload map[string]any) error

var (
	registryMu sync.RWMutex
	registry   = map[string]Validator{
		TypeCodeCommitted:      requireKeys("changed_paths"),
		TypeTriggerClaimed:     requireKeys("trigger_id"),
		TypeTriggerCompleted:   requireKeys("trigger_id"),
		TypeTriggerFailed:      requireKeys("trigger_id"),
		TypeIntegrityFail:      requireKeys("bad_event_id"),
		TypeRuleFired:          requireKeys("rule"),
		TypeRuleDisabled:       requireKeys("rule"),
		TypeTicketTransitioned: requireKeys("ticket_id", "to_state"),
		TypeAgentInvoked:       requireKeys("agent"),
		TypeAgentResult:        requireKeys("agent"),
		TypePartial:            requireKeys("trigger_id"),
	}
)

// RegisterEventType installs a validator for a new event type. Re-registering
// the same type overwrites the previous validator.
func RegisterEventType(name string, v Validator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = v
}

// AllowUnregistered, when true, lets Append accept event types with no
// registered validator. Off by default: the vocabulary is treated as
// open-ended but wants extension through registration, not ad hoc types.
var AllowUnregistered = false

func validate(eventType string, payload map[string]any) error {
	registryMu.RLock()
	v, ok := registry[eventType]
	registryMu.RUnlock()
	if !ok {
		if AllowUnregistered {
			return nil
		}
		return fmt.Errorf("event type %q has no registered validator", eventType)
	}
	if v == nil {
		return nil
	}
	return v(payload)
}

func requireKeys(keys ...string) Validator {
	return func(payload map[string]any) error {
		for _, k := range keys {
			if _, ok := payload[k]; !ok {
				return fmt.Errorf("payload missing required key %q", k)
			}
		}
		return nil
	}
}
