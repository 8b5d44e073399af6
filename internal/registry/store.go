// Package registry persists the per-project knowledge base: knowledge items,
// file ownership records, API contracts and ticket state, in a single
// project-local SQLite database.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/kmerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_items (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT,
	content_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(category, content_hash)
);

CREATE TABLE IF NOT EXISTS file_registry (
	path TEXT PRIMARY KEY,
	owning_agent TEXT NOT NULL,
	last_verifier TEXT,
	checksum TEXT NOT NULL,
	last_seen TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_paths (
	logical_name TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_contracts (
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	schema TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ticket_transitions (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	consumed_event_ids TEXT,
	produced_artifacts TEXT,
	created_at TEXT NOT NULL
);
`

// Store wraps the project registry.db, following jobs.Store and fleet.Store's
// single-connection-plus-WAL convention so writes serialize through the
// connection pool itself rather than an explicit writer goroutine.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the registry database at path and applies
// the schema migration, matching jobs.NewStore's pragma sequence exactly:
// WAL journal mode, a bounded busy timeout instead of SQLite's default
// immediate-fail locking, and a single open connection so writes are
// naturally serialized without an explicit mutex at the sql.DB level.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: open database", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, kmerr.Wrap(kmerr.KindIO, "registry: apply pragma "+p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: migrate schema", err)
	}
	return &Store{db: db, logger: logger.Named("registry")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// SaveKnowledge inserts a knowledge item, deduplicating on (category,
// content_hash): a byte-identical save within the same category returns the
// existing item's ID instead of inserting a duplicate row (the "save"
// operation is idempotent under identical content).
func (s *Store) SaveKnowledge(ctx context.Context, category, content string, metadata map[string]any) (*KnowledgeItem, error) {
	hash := contentHash(content)

	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM knowledge_items WHERE category = ? AND content_hash = ?`,
		category, hash).Scan(&existingID)
	switch {
	case err == nil:
		return s.GetKnowledge(ctx, existingID)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: lookup existing knowledge item", err)
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	item := &KnowledgeItem{
		ID:          uuid.NewString(),
		Category:    category,
		Content:     content,
		Metadata:    metadata,
		ContentHash: hash,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_items (id, category, content, metadata, content_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.Category, item.Content, metaJSON, item.ContentHash, item.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: insert knowledge item", err)
	}
	return item, nil
}

// GetKnowledge fetches a single knowledge item by ID.
func (s *Store) GetKnowledge(ctx context.Context, id string) (*KnowledgeItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, category, content, metadata, content_hash, created_at FROM knowledge_items WHERE id = ?`, id)
	return scanKnowledgeItem(row)
}

// QueryKnowledge returns items in category, most recent first, optionally
// filtered by a substring of content (the "query" operation).
func (s *Store) QueryKnowledge(ctx context.Context, category, contains string, limit int) ([]KnowledgeItem, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, category, content, metadata, content_hash, created_at FROM knowledge_items WHERE category = ?`
	args := []any{category}
	if contains != "" {
		query += ` AND content LIKE ?`
		args = append(args, "%"+contains+"%")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: query knowledge items", err)
	}
	defer rows.Close()

	var items []KnowledgeItem
	for rows.Next() {
		item, err := scanKnowledgeItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledgeItem(row rowScanner) (*KnowledgeItem, error) {
	var item KnowledgeItem
	var metaJSON sql.NullString
	var createdAt string
	if err := row.Scan(&item.ID, &item.Category, &item.Content, &metaJSON, &item.ContentHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kmerr.ErrNotFound
		}
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: scan knowledge item", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: parse created_at", err)
	}
	item.CreatedAt = ts
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &item.Metadata); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: decode metadata", err)
		}
	}
	return &item, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, kmerr.Wrap(kmerr.KindIntegrity, "registry: marshal metadata", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// UpsertFileEntry records that owningAgent last wrote path with the given
// checksum, updating the last-seen timestamp. last_verifier is left
// unchanged (a plain write doesn't clear a prior verification).
func (s *Store) UpsertFileEntry(ctx context.Context, path, owningAgent, checksum string) (*FileRegistryEntry, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_registry (path, owning_agent, checksum, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			owning_agent = excluded.owning_agent,
			checksum = excluded.checksum,
			last_seen = excluded.last_seen`,
		path, owningAgent, checksum, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: upsert file entry", err)
	}
	return s.GetFileEntry(ctx, path)
}

// SetFileVerifier records the agent that last verified path.
func (s *Store) SetFileVerifier(ctx context.Context, path, verifier string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_registry SET last_verifier = ? WHERE path = ?`, verifier, path)
	if err != nil {
		return kmerr.Wrap(kmerr.KindIO, "registry: set file verifier", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return kmerr.ErrNotFound
	}
	return nil
}

// GetFileEntry fetches the registry entry for path.
func (s *Store) GetFileEntry(ctx context.Context, path string) (*FileRegistryEntry, error) {
	var e FileRegistryEntry
	var verifier sql.NullString
	var lastSeen string
	err := s.db.QueryRowContext(ctx,
		`SELECT path, owning_agent, last_verifier, checksum, last_seen FROM file_registry WHERE path = ?`, path).
		Scan(&e.Path, &e.OwningAgent, &verifier, &e.Checksum, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kmerr.ErrNotFound
		}
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: get file entry", err)
	}
	e.LastVerifier = verifier.String
	ts, err := time.Parse(time.RFC3339Nano, lastSeen)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: parse last_seen", err)
	}
	e.LastSeen = ts
	return &e, nil
}

// RegisterFilePath records the filesystem path that logicalName currently
// resolves to, overwriting any prior mapping. This is the write side of the
// logical_name -> path lookup get_file_path serves; it is distinct from the
// path-keyed ownership/verification tracking in file_registry.
func (s *Store) RegisterFilePath(ctx context.Context, logicalName, path string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_paths (logical_name, path, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(logical_name) DO UPDATE SET
			path = excluded.path,
			updated_at = excluded.updated_at`,
		logicalName, path, now.Format(time.RFC3339Nano))
	if err != nil {
		return kmerr.Wrap(kmerr.KindIO, "registry: register file path", err)
	}
	return nil
}

// ResolveFilePath looks up the filesystem path registered under logicalName.
func (s *Store) ResolveFilePath(ctx context.Context, logicalName string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT path FROM file_paths WHERE logical_name = ?`, logicalName).Scan(&path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", kmerr.ErrNotFound
		}
		return "", kmerr.Wrap(kmerr.KindIO, "registry: resolve file path", err)
	}
	return path, nil
}

// RegisterAPI registers a new contract version for name. If schemaText is
// byte-identical to the latest existing version it is a no-op returning that
// version (spec's "no-op on identical re-registration"). Otherwise it is
// inserted as version+1.
func (s *Store) RegisterAPI(ctx context.Context, name, schemaText string) (*APIContract, error) {
	latest, err := s.GetAPI(ctx, name, 0)
	if err != nil && !errors.Is(err, kmerr.ErrNotFound) {
		return nil, err
	}
	if latest != nil && latest.Schema == schemaText {
		return latest, nil
	}

	nextVersion := 1
	if latest != nil {
		nextVersion = latest.Version + 1
	}
	contract := &APIContract{
		Name:      name,
		Version:   nextVersion,
		Schema:    schemaText,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_contracts (name, version, schema, created_at) VALUES (?, ?, ?, ?)`,
		contract.Name, contract.Version, contract.Schema, contract.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: insert api contract", err)
	}
	return contract, nil
}

// GetAPI fetches a contract by name and version; version 0 means "latest".
func (s *Store) GetAPI(ctx context.Context, name string, version int) (*APIContract, error) {
	var row *sql.Row
	if version <= 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, schema, created_at FROM api_contracts WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, schema, created_at FROM api_contracts WHERE name = ? AND version = ?`, name, version)
	}
	var c APIContract
	var createdAt string
	if err := row.Scan(&c.Name, &c.Version, &c.Schema, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kmerr.ErrNotFound
		}
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: get api contract", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: parse created_at", err)
	}
	c.CreatedAt = ts
	return &c, nil
}

// CreateTicket inserts a new ticket in the CREATED state.
func (s *Store) CreateTicket(ctx context.Context, id string) (*Ticket, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	t := &Ticket{ID: id, State: TicketCreated, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (id, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.State, t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: insert ticket", err)
	}
	return t, nil
}

// GetTicket fetches a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	var t Ticket
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, created_at, updated_at FROM tickets WHERE id = ?`, id).
		Scan(&t.ID, &t.State, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kmerr.ErrNotFound
		}
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: get ticket", err)
	}
	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: parse created_at", err)
	}
	t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: parse updated_at", err)
	}
	return &t, nil
}

// ListTickets returns all tickets, optionally filtered to a single state.
func (s *Store) ListTickets(ctx context.Context, state string) ([]Ticket, error) {
	query := `SELECT id, state, created_at, updated_at FROM tickets`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: list tickets", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var t Ticket
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.State, &createdAt, &updatedAt); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIO, "registry: scan ticket", err)
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: parse created_at", err)
		}
		if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: parse updated_at", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionTicket moves ticket id from its current state to toState,
// recording the transition. The caller (internal/orchestrator) is
// responsible for validating that the edge is legal; this method only
// persists the result atomically within one transaction.
func (s *Store) TransitionTicket(ctx context.Context, ticketID, agent, toState string, consumedEventIDs []int64, producedArtifacts []string) (*TicketTransition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: begin transition tx", err)
	}
	defer tx.Rollback()

	var fromState string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM tickets WHERE id = ?`, ticketID).Scan(&fromState); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kmerr.ErrNotFound
		}
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: read ticket state", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET state = ?, updated_at = ? WHERE id = ?`,
		toState, now.Format(time.RFC3339Nano), ticketID); err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: update ticket state", err)
	}

	consumedJSON, err := json.Marshal(consumedEventIDs)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: marshal consumed event ids", err)
	}
	artifactsJSON, err := json.Marshal(producedArtifacts)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: marshal produced artifacts", err)
	}

	transition := &TicketTransition{
		ID:                uuid.NewString(),
		TicketID:          ticketID,
		Agent:             agent,
		FromState:         fromState,
		ToState:           toState,
		ConsumedEventIDs:  consumedEventIDs,
		ProducedArtifacts: producedArtifacts,
		CreatedAt:         now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ticket_transitions (id, ticket_id, agent, from_state, to_state, consumed_event_ids, produced_artifacts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		transition.ID, transition.TicketID, transition.Agent, transition.FromState, transition.ToState,
		string(consumedJSON), string(artifactsJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: insert ticket transition", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: commit transition", err)
	}
	return transition, nil
}

// TicketHistory returns all transitions for ticketID in chronological order.
func (s *Store) TicketHistory(ctx context.Context, ticketID string) ([]TicketTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, agent, from_state, to_state, consumed_event_ids, produced_artifacts, created_at
		FROM ticket_transitions WHERE ticket_id = ? ORDER BY created_at ASC`, ticketID)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "registry: list ticket history", err)
	}
	defer rows.Close()

	var out []TicketTransition
	for rows.Next() {
		var t TicketTransition
		var consumedJSON, artifactsJSON, createdAt string
		if err := rows.Scan(&t.ID, &t.TicketID, &t.Agent, &t.FromState, &t.ToState, &consumedJSON, &artifactsJSON, &createdAt); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIO, "registry: scan ticket transition", err)
		}
		if err := json.Unmarshal([]byte(consumedJSON), &t.ConsumedEventIDs); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: decode consumed event ids", err)
		}
		if err := json.Unmarshal([]byte(artifactsJSON), &t.ProducedArtifacts); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: decode produced artifacts", err)
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIntegrity, "registry: parse created_at", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
