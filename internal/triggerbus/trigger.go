// Package triggerbus implements the durable, file-based priority queue of
// pending agent activations.
package triggerbus

import "time"

// Priority orders triggers for claiming. Lexicographic ordering of the
// string form doubles as filename ordering: "critical" < "high" < "low" <
// "medium" is NOT the intended order, so priorities are mapped to a
// zero-padded rank prefix in the filename instead of relying on the word
// itself sorting correctly.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

func (p Priority) valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Trigger is one pending (or historical) agent activation request.
type Trigger struct {
	ID              string         `json:"id"`
	Agent           string         `json:"agent"`
	EventType       string         `json:"event_type"`
	Priority        Priority       `json:"priority"`
	Payload         map[string]any `json:"payload,omitempty"`
	ChangedPaths    []string       `json:"changed_paths,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	AfterTriggerID  string         `json:"after_trigger_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Attempt         int            `json:"attempt"`
	ClaimedBy       string         `json:"claimed_by,omitempty"`
	ClaimDeadline   *time.Time     `json:"claim_deadline,omitempty"`
}

// FailureRecord is the sibling `.err` file content for a failed trigger.
type FailureRecord struct {
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	FailedAt  time.Time `json:"failed_at"`
}
