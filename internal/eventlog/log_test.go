package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func sysSource() Source { return Source{Kind: "system", Name: "test"} }

func TestAppendAssignsStrictlyIncreasingIDs(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	var ids []int64
	for i := 0; i < 5; i++ {
		ev, err := log.Append(TypeCodeCommitted, nil, sysSource(), map[string]any{"changed_paths": []string{"a.go"}})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, ev.ID)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestAppendRejectsUnvalidatedPayload(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	if _, err := log.Append(TypeCodeCommitted, nil, sysSource(), map[string]any{}); err == nil {
		t.Fatal("expected validation error for missing changed_paths")
	}
}

func TestHashChainVerifies(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := log.Append(TypeCodeCommitted, nil, sysSource(), map[string]any{"changed_paths": []string{"a.go"}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	log.Close()

	log2, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()

	badID, ok, err := log2.Verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected verify ok, first bad id = %d", badID)
	}
}

func TestVerifyDetectsTamperedRecord(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log.Append(TypeCodeCommitted, nil, sysSource(), map[string]any{"changed_paths": []string{"a.go"}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	log.Close()

	path := filepath.Join(dir, "log.ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) < 10 {
		t.Fatal("log too short for tamper test")
	}
	data[5] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write tampered: %v", err)
	}

	log2, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		// Tampering the middle of a JSON line may itself break JSON
		// decoding of the final-line recovery scan; that's an acceptable
		// detection path too as long as it's surfaced.
		return
	}
	defer log2.Close()

	_, ok, err := log2.Verify()
	if err == nil && ok {
		t.Fatal("expected verify to detect tampering")
	}
}

func TestRecoveryTruncatesPartialFinalLine(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log.Append(TypeCodeCommitted, nil, sysSource(), map[string]any{"changed_paths": []string{"a.go"}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	log.Close()

	path := filepath.Join(dir, "log.ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"id":4,"type":"CODE_COMM`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	log2, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer log2.Close()

	events, err := log2.Tail(0, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events after recovery = %d, want 3 (partial record dropped)", len(events))
	}

	ev, err := log2.Append(TypeCodeCommitted, nil, sysSource(), map[string]any{"changed_paths": []string{"b.go"}})
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if ev.ID != 4 {
		t.Fatalf("next id after recovery = %d, want 4", ev.ID)
	}
}

func TestRotationPreservesOrderAcrossArchives(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "log.ndjson", Options{MaxBytes: 200})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	var allIDs []int64
	for i := 0; i < 30; i++ {
		ev, err := log.Append(TypeCodeCommitted, nil, sysSource(), map[string]any{"changed_paths": []string{"a.go", "b.go"}})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		allIDs = append(allIDs, ev.ID)
	}

	events, err := log.Tail(0, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != len(allIDs) {
		t.Fatalf("tail returned %d events, want %d", len(events), len(allIDs))
	}
	for i, ev := range events {
		if ev.ID != allIDs[i] {
			t.Fatalf("order mismatch at %d: got %d want %d", i, ev.ID, allIDs[i])
		}
	}

	archiveDir := filepath.Join(dir, "archive")
	entries, err := os.ReadDir(archiveDir)
	if err != nil || len(entries) == 0 {
		t.Fatal("expected at least one rotated archive segment")
	}
}

func TestSealedLogRejectsAppends(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "log.ndjson", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	log.Seal()
	if _, err := log.Append(TypeCodeCommitted, nil, sysSource(), map[string]any{"changed_paths": []string{"a.go"}}); err == nil {
		t.Fatal("expected append on sealed log to fail")
	}
}
