package registry

import "time"

// KnowledgeItem is a key/category-addressed record, deduped by content hash
// within a category.
type KnowledgeItem struct {
	ID          string         `json:"id"`
	Category    string         `json:"category"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// FileRegistryEntry tracks which agent last wrote a path and who verified it.
type FileRegistryEntry struct {
	Path         string    `json:"path"`
	OwningAgent  string    `json:"owning_agent"`
	LastVerifier string    `json:"last_verifier,omitempty"`
	Checksum     string    `json:"checksum"`
	LastSeen     time.Time `json:"last_seen"`
}

// APIContract is a registered interface description used by the
// contract-guardian agent to detect breaking changes.
type APIContract struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Schema    string    `json:"schema"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticket state machine states.
const (
	TicketCreated     = "CREATED"
	TicketPlanned     = "PLANNED"
	TicketDesigned    = "DESIGNED"
	TicketImplemented = "IMPLEMENTED"
	TicketReviewed    = "REVIEWED"
	TicketTested      = "TESTED"
	TicketIntegrated  = "INTEGRATED"
	TicketCompleted   = "COMPLETED"
	TicketBlocked     = "BLOCKED"
	TicketFailed      = "FAILED"
	TicketCancelled   = "CANCELLED"
)

// Ticket is a long-lived unit of work.
type Ticket struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TicketTransition records one state-machine edge.
type TicketTransition struct {
	ID                string    `json:"id"`
	TicketID          string    `json:"ticket_id"`
	Agent             string    `json:"agent"`
	FromState         string    `json:"from_state"`
	ToState           string    `json:"to_state"`
	ConsumedEventIDs  []int64   `json:"consumed_event_ids,omitempty"`
	ProducedArtifacts []string  `json:"produced_artifacts,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
