package triggerbus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/kmd/internal/kmerr"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	return b
}

func TestSubmitAndClaimOrdersByPriorityThenAge(t *testing.T) {
	b := newTestBus(t)

	low, err := b.Submit(Trigger{Agent: "documentation-agent", EventType: "x", Priority: PriorityLow})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	critical, err := b.Submit(Trigger{Agent: "incident-response", EventType: "x", Priority: PriorityCritical})
	if err != nil {
		t.Fatalf("submit critical: %v", err)
	}

	claimed, ok, err := b.Claim("worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatal("expected a claimable trigger")
	}
	if claimed.ID != critical.ID {
		t.Fatalf("expected critical trigger claimed first, got %s (low was %s)", claimed.ID, low.ID)
	}
}

func TestSubmitDedupsOnIdempotencyKey(t *testing.T) {
	b := newTestBus(t)

	first, err := b.Submit(Trigger{Agent: "coder", EventType: "x", Priority: PriorityMedium, IdempotencyKey: "ticket-1-implement"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := b.Submit(Trigger{Agent: "coder", EventType: "x", Priority: PriorityMedium, IdempotencyKey: "ticket-1-implement"})
	if err != nil {
		t.Fatalf("submit duplicate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected dedup to return same trigger id, got %s vs %s", first.ID, second.ID)
	}

	entries, err := os.ReadDir(filepath.Join(b.dir, dirPending))
	if err != nil {
		t.Fatalf("read pending dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one pending file, got %d", len(entries))
	}
}

func TestClaimSkipsUnresolvedCausalDependency(t *testing.T) {
	b := newTestBus(t)

	predecessor, err := b.Submit(Trigger{Agent: "planner", EventType: "x", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("submit predecessor: %v", err)
	}
	_, err = b.Submit(Trigger{Agent: "coder", EventType: "x", Priority: PriorityCritical, AfterTriggerID: predecessor.ID})
	if err != nil {
		t.Fatalf("submit dependent: %v", err)
	}

	claimed, ok, err := b.Claim("worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok || claimed.ID != predecessor.ID {
		t.Fatalf("expected predecessor claimed first since dependent is not yet eligible, got ok=%v id=%s", ok, claimed.ID)
	}

	if err := b.Complete(claimed, nil); err != nil {
		t.Fatalf("complete predecessor: %v", err)
	}

	claimed2, ok, err := b.Claim("worker-1")
	if err != nil {
		t.Fatalf("claim dependent: %v", err)
	}
	if !ok {
		t.Fatal("expected dependent trigger to become claimable after predecessor completed")
	}
	if claimed2.AfterTriggerID != predecessor.ID {
		t.Fatalf("unexpected trigger claimed: %+v", claimed2)
	}
}

func TestDependentTriggerCancelledWhenPredecessorFails(t *testing.T) {
	b := newTestBus(t)

	predecessor, err := b.Submit(Trigger{Agent: "planner", EventType: "x", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("submit predecessor: %v", err)
	}
	dependent, err := b.Submit(Trigger{Agent: "coder", EventType: "x", Priority: PriorityHigh, AfterTriggerID: predecessor.ID})
	if err != nil {
		t.Fatalf("submit dependent: %v", err)
	}

	claimedPredecessor, ok, err := b.Claim("worker-1")
	if err != nil || !ok || claimedPredecessor.ID != predecessor.ID {
		t.Fatalf("claim predecessor: ok=%v err=%v claimed=%+v", ok, err, claimedPredecessor)
	}
	if err := b.Fail(claimedPredecessor, errors.New("predecessor broke"), false); err != nil {
		t.Fatalf("fail predecessor: %v", err)
	}

	// Claiming again should discover the dependent is now unreachable and
	// cancel it instead of returning it or leaving it stuck pending.
	_, ok, err = b.Claim("worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatal("expected no claimable trigger after dependent was cancelled")
	}

	failedEntries, err := os.ReadDir(filepath.Join(b.dir, dirFailed))
	if err != nil {
		t.Fatalf("read failed dir: %v", err)
	}
	var sawDependent bool
	for _, ent := range failedEntries {
		if filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, dirFailed, ent.Name()))
		if err != nil {
			continue
		}
		var tr Trigger
		if json.Unmarshal(data, &tr) == nil && tr.ID == dependent.ID {
			sawDependent = true
		}
	}
	if !sawDependent {
		t.Fatal("expected dependent trigger moved to failed/ after predecessor failed")
	}
}

func TestFailRetryableResubmitsWithIncrementedAttempt(t *testing.T) {
	b := newTestBus(t)

	submitted, err := b.Submit(Trigger{Agent: "coder", EventType: "x", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := b.Claim("worker-1")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if err := b.Fail(claimed, errors.New("transient failure"), true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	requeued, ok, err := b.Claim("worker-1")
	if err != nil || !ok {
		t.Fatalf("reclaim after retry: ok=%v err=%v", ok, err)
	}
	if requeued.ID != submitted.ID {
		t.Fatalf("expected same trigger resubmitted, got %s", requeued.ID)
	}
	if requeued.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", requeued.Attempt)
	}
}

func TestFailNonRetryableMovesToFailedWithErrFile(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Submit(Trigger{Agent: "coder", EventType: "x", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, ok, err := b.Claim("worker-1")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if err := b.Fail(claimed, errors.New("permanent failure"), false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(b.dir, dirFailed))
	if err != nil {
		t.Fatalf("read failed dir: %v", err)
	}
	var sawErrFile bool
	for _, ent := range entries {
		if filepath.Ext(ent.Name()) == ".err" {
			sawErrFile = true
		}
	}
	if !sawErrFile {
		t.Fatal("expected a sibling .err file in failed/")
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	b, err := Open(t.TempDir(), Options{ClaimLease: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = b.Submit(Trigger{Agent: "coder", EventType: "x", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first, ok, err := b.Claim("worker-1")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	time.Sleep(30 * time.Millisecond)

	second, ok, err := b.Claim("worker-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if !ok {
		t.Fatal("expected expired lease to be reclaimed to pending")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same trigger reclaimed, got %s vs %s", second.ID, first.ID)
	}
	if second.Attempt != 1 {
		t.Fatalf("expected attempt incremented on reclaim, got %d", second.Attempt)
	}
}

func TestSubmitThrottlesNonCriticalAboveWatermark(t *testing.T) {
	b, err := Open(t.TempDir(), Options{HighWatermark: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := b.Submit(Trigger{Agent: "a", EventType: "x", Priority: PriorityMedium}); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	_, err = b.Submit(Trigger{Agent: "b", EventType: "x", Priority: PriorityMedium})
	if !errors.Is(err, kmerr.ErrThrottled) {
		t.Fatalf("expected throttled error, got %v", err)
	}
}

func TestSubmitCriticalEvictsLowPriorityUnderWatermark(t *testing.T) {
	b, err := Open(t.TempDir(), Options{HighWatermark: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	low, err := b.Submit(Trigger{Agent: "documentation-agent", EventType: "x", Priority: PriorityLow})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if _, err := b.Submit(Trigger{Agent: "incident-response", EventType: "x", Priority: PriorityCritical}); err != nil {
		t.Fatalf("submit critical: %v", err)
	}

	failedEntries, err := os.ReadDir(filepath.Join(b.dir, dirFailed))
	if err != nil {
		t.Fatalf("read failed dir: %v", err)
	}
	var foundEvicted bool
	for _, ent := range failedEntries {
		if filepath.Ext(ent.Name()) == ".json" {
			data, err := os.ReadFile(filepath.Join(b.dir, dirFailed, ent.Name()))
			if err != nil {
				continue
			}
			var tr Trigger
			if json.Unmarshal(data, &tr) == nil && tr.ID == low.ID {
				foundEvicted = true
			}
		}
	}
	if !foundEvicted {
		t.Fatal("expected low-priority trigger evicted to failed/")
	}
}

func TestMalformedTriggerFileIsQuarantined(t *testing.T) {
	b := newTestBus(t)

	if err := os.WriteFile(filepath.Join(b.dir, dirPending, "0_0000000000001_bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write malformed file: %v", err)
	}

	_, _, err := b.Claim("worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(b.dir, dirMalformed))
	if err != nil {
		t.Fatalf("read malformed dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected malformed file quarantined, got %d entries", len(entries))
	}
}

func TestPendingCountReflectsSubmittedAndClaimed(t *testing.T) {
	b := newTestBus(t)

	if _, err := b.Submit(Trigger{Agent: "a", EventType: "x", Priority: PriorityMedium}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := b.Submit(Trigger{Agent: "b", EventType: "x", Priority: PriorityLow}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	n, err := b.PendingCount()
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}

	if _, ok, err := b.Claim("worker-1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	n, err = b.PendingCount()
	if err != nil {
		t.Fatalf("pending count after claim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending after claim, got %d", n)
	}
}

func TestWatchSignalsOnNewTrigger(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if _, err := b.Submit(Trigger{Agent: "a", EventType: "x", Priority: PriorityMedium}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-signal:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watch signal")
	}
}
