package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/kmd/internal/kmerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveKnowledgeDedupesByContentHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SaveKnowledge(ctx, "decisions", "use postgres for audit log", nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := store.SaveKnowledge(ctx, "decisions", "use postgres for audit log", nil)
	if err != nil {
		t.Fatalf("save duplicate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected dedup to return same id, got %s vs %s", first.ID, second.ID)
	}

	third, err := store.SaveKnowledge(ctx, "risks", "use postgres for audit log", nil)
	if err != nil {
		t.Fatalf("save in different category: %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("expected distinct id across categories despite identical content")
	}
}

func TestQueryKnowledgeFiltersByCategoryAndSubstring(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustSave := func(category, content string) {
		if _, err := store.SaveKnowledge(ctx, category, content, nil); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	mustSave("decisions", "chose sqlite for the registry")
	mustSave("decisions", "chose zap for logging")
	mustSave("risks", "chose sqlite for the registry")

	items, err := store.QueryKnowledge(ctx, "decisions", "sqlite", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 1 || items[0].Content != "chose sqlite for the registry" {
		t.Fatalf("unexpected query result: %+v", items)
	}
}

func TestFileRegistryUpsertPreservesVerifier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertFileEntry(ctx, "internal/km/server.go", "coder", "abc123"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetFileVerifier(ctx, "internal/km/server.go", "reviewer"); err != nil {
		t.Fatalf("set verifier: %v", err)
	}

	entry, err := store.UpsertFileEntry(ctx, "internal/km/server.go", "coder", "def456")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if entry.Checksum != "def456" {
		t.Fatalf("expected checksum updated, got %s", entry.Checksum)
	}
	if entry.LastVerifier != "reviewer" {
		t.Fatalf("expected verifier preserved across plain write, got %q", entry.LastVerifier)
	}
}

func TestResolveFilePathFollowsLatestRegistration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.ResolveFilePath(ctx, "planner-output"); !errors.Is(err, kmerr.ErrNotFound) {
		t.Fatalf("expected not-found before registration, got %v", err)
	}

	if err := store.RegisterFilePath(ctx, "planner-output", "artifacts/plan.json"); err != nil {
		t.Fatalf("register: %v", err)
	}
	path, err := store.ResolveFilePath(ctx, "planner-output")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != "artifacts/plan.json" {
		t.Fatalf("expected artifacts/plan.json, got %s", path)
	}

	if err := store.RegisterFilePath(ctx, "planner-output", "artifacts/plan-v2.json"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	path, err = store.ResolveFilePath(ctx, "planner-output")
	if err != nil {
		t.Fatalf("resolve after re-register: %v", err)
	}
	if path != "artifacts/plan-v2.json" {
		t.Fatalf("expected mapping to follow latest registration, got %s", path)
	}
}

func TestRegisterAPIIsNoOpOnIdenticalSchema(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.RegisterAPI(ctx, "orchestrator.v1", `{"type":"object"}`)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected first version to be 1, got %d", first.Version)
	}

	same, err := store.RegisterAPI(ctx, "orchestrator.v1", `{"type":"object"}`)
	if err != nil {
		t.Fatalf("re-register identical: %v", err)
	}
	if same.Version != 1 {
		t.Fatalf("expected no-op to keep version 1, got %d", same.Version)
	}

	changed, err := store.RegisterAPI(ctx, "orchestrator.v1", `{"type":"object","required":["id"]}`)
	if err != nil {
		t.Fatalf("register changed schema: %v", err)
	}
	if changed.Version != 2 {
		t.Fatalf("expected bumped version 2, got %d", changed.Version)
	}

	latest, err := store.GetAPI(ctx, "orchestrator.v1", 0)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("expected latest to be version 2, got %d", latest.Version)
	}
}

func TestGetAPIUnknownNameReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetAPI(context.Background(), "nonexistent", 0)
	if !errors.Is(err, kmerr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTicketLifecycleRecordsTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ticket, err := store.CreateTicket(ctx, "")
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if ticket.State != TicketCreated {
		t.Fatalf("expected initial state CREATED, got %s", ticket.State)
	}

	if _, err := store.TransitionTicket(ctx, ticket.ID, "planner", TicketPlanned, nil, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := store.TransitionTicket(ctx, ticket.ID, "coder", TicketImplemented, []int64{1, 2}, []string{"internal/foo/foo.go"}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, err := store.GetTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.State != TicketImplemented {
		t.Fatalf("expected state IMPLEMENTED, got %s", got.State)
	}

	history, err := store.TicketHistory(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(history))
	}
	if history[0].FromState != TicketCreated || history[0].ToState != TicketPlanned {
		t.Fatalf("unexpected first transition: %+v", history[0])
	}
	if history[1].ToState != TicketImplemented || len(history[1].ProducedArtifacts) != 1 {
		t.Fatalf("unexpected second transition: %+v", history[1])
	}
}

func TestListTicketsFiltersByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.CreateTicket(ctx, "")
	b, _ := store.CreateTicket(ctx, "")
	if _, err := store.TransitionTicket(ctx, b.ID, "planner", TicketPlanned, nil, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	created, err := store.ListTickets(ctx, TicketCreated)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(created) != 1 || created[0].ID != a.ID {
		t.Fatalf("unexpected CREATED list: %+v", created)
	}

	planned, err := store.ListTickets(ctx, TicketPlanned)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(planned) != 1 || planned[0].ID != b.ID {
		t.Fatalf("unexpected PLANNED list: %+v", planned)
	}
}
