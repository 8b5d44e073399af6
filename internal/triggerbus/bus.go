package triggerbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/atomicio"
	"github.com/marcus-qen/kmd/internal/eventlog"
	"github.com/marcus-qen/kmd/internal/kmerr"
)

const (
	dirPending   = "pending"
	dirClaimed   = "claimed"
	dirDone      = "done"
	dirFailed    = "failed"
	dirMalformed = "malformed"

	lockFileName = "claim"

	defaultDedupWindow  = 24 * time.Hour
	defaultClaimLease   = 5 * time.Minute
	defaultMaxAttempts  = 5
	defaultPollInterval = 2 * time.Second

	// TypeTriggerMalformed is emitted when a trigger file fails to parse
	// and is moved to triggers/malformed/.
	TypeTriggerMalformed = "TRIGGER_MALFORMED"
)

func init() {
	eventlog.RegisterEventType(TypeTriggerMalformed, func(payload map[string]any) error {
		if _, ok := payload["file"]; !ok {
			return fmt.Errorf("payload missing required key %q", "file")
		}
		return nil
	})
}

// EventAppender is the subset of *eventlog.Log the bus needs, so it can be
// stubbed in tests without a real on-disk log.
type EventAppender interface {
	Append(eventType string, ticketID *string, source eventlog.Source, payload map[string]any) (eventlog.Event, error)
}

// Options configures a Bus.
type Options struct {
	DedupWindow   time.Duration
	ClaimLease    time.Duration
	MaxAttempts   int
	HighWatermark int // pending count above which non-critical Submit is throttled; 0 disables
	Logger        *zap.Logger
	Events        EventAppender
}

// Bus is the file-based trigger queue rooted at dir (conventionally
// <project>/.claude/state/triggers).
type Bus struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu             sync.Mutex
	idempotencyIdx map[string]string // idempotency_key -> trigger id, rebuilt from disk on Open
}

// Open creates the trigger-bus directory structure under dir (if absent)
// and rebuilds the idempotency index by scanning pending and done triggers,
// mirroring eventlog's tail-recovery discipline of treating on-disk state as
// the single source of truth.
func Open(dir string, opts Options) (*Bus, error) {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = defaultClaimLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	for _, sub := range []string{dirPending, dirClaimed, dirDone, dirFailed, dirMalformed} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, kmerr.Wrap(kmerr.KindIO, "triggerbus: create "+sub+" dir", err)
		}
	}

	b := &Bus{
		dir:            dir,
		opts:           opts,
		logger:         opts.Logger.Named("triggerbus"),
		idempotencyIdx: map[string]string{},
	}
	if err := b.rebuildIdempotencyIndex(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) rebuildIdempotencyIndex() error {
	for _, sub := range []string{dirPending, dirDone} {
		entries, err := os.ReadDir(filepath.Join(b.dir, sub))
		if err != nil {
			return kmerr.Wrap(kmerr.KindIO, "triggerbus: scan "+sub, err)
		}
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(b.dir, sub, ent.Name()))
			if err != nil {
				continue
			}
			var t Trigger
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			if t.IdempotencyKey != "" {
				b.idempotencyIdx[t.IdempotencyKey] = t.ID
			}
		}
	}
	return nil
}

// encodeFilename builds the <priority-rank>_<timestamp_ms>_<id>.json name
// that sorts correctly by priority then age under plain string comparison,
// the pending-directory's claim ordering. The trigger's own uuid fills
// the role of a random tiebreaker segment: it is already unique and lets
// lookups by id use a simple substring match.
func encodeFilename(id string, priority Priority, createdAt time.Time) string {
	return fmt.Sprintf("%d_%013d_%s.json", priorityRank[priority], createdAt.UnixMilli(), id)
}

// Submit writes a new trigger atomically into pending/. If a trigger with
// the same idempotency key already exists in pending or done within the
// dedup window, the existing trigger is returned instead of creating a
// duplicate (idempotent on idempotency_key).
func (b *Bus) Submit(t Trigger) (Trigger, error) {
	if !t.Priority.valid() {
		return Trigger{}, kmerr.New(kmerr.KindProtocol, "triggerbus: invalid priority "+string(t.Priority))
	}

	b.mu.Lock()
	existingID, known := "", false
	if t.IdempotencyKey != "" {
		existingID, known = b.idempotencyIdx[t.IdempotencyKey]
	}
	b.mu.Unlock()
	if known {
		if existing, err := b.findByID(existingID); err == nil && time.Since(existing.CreatedAt) < b.opts.DedupWindow {
			return existing, nil
		}
	}

	if b.opts.HighWatermark > 0 && t.Priority != PriorityCritical {
		pending, err := b.listDir(dirPending)
		if err == nil && len(pending) >= b.opts.HighWatermark {
			return Trigger{}, kmerr.ErrThrottled
		}
	}
	if b.opts.HighWatermark > 0 && t.Priority == PriorityCritical {
		pending, err := b.listDir(dirPending)
		if err == nil && len(pending) >= b.opts.HighWatermark {
			if err := b.evictOldestLowPriority(); err != nil {
				b.logger.Warn("eviction failed while admitting critical trigger", zap.Error(err))
			}
		}
	}

	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	t.Attempt = 0

	data, err := atomicio.CanonicalJSON(t)
	if err != nil {
		return Trigger{}, err
	}
	name := encodeFilename(t.ID, t.Priority, t.CreatedAt)

	if err := atomicio.WriteFile(filepath.Join(b.dir, dirPending), name, data, 0o644); err != nil {
		return Trigger{}, err
	}

	b.mu.Lock()
	if t.IdempotencyKey != "" {
		b.idempotencyIdx[t.IdempotencyKey] = t.ID
	}
	b.mu.Unlock()

	return t, nil
}

// evictOldestLowPriority moves the single oldest low-priority pending
// trigger to failed/ with an EVICTED failure record, to make room for an
// incoming critical submission under backpressure.
func (b *Bus) evictOldestLowPriority() error {
	entries, err := os.ReadDir(filepath.Join(b.dir, dirPending))
	if err != nil {
		return err
	}
	var victim string
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), fmt.Sprintf("%d_", priorityRank[PriorityLow])) {
			if victim == "" || ent.Name() < victim {
				victim = ent.Name()
			}
		}
	}
	if victim == "" {
		return nil
	}
	path := filepath.Join(b.dir, dirPending, victim)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var t Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	return b.moveToFailed(path, victim, t, FailureRecord{
		Message:   "evicted to admit higher-priority trigger",
		Retryable: false,
		FailedAt:  time.Now().UTC(),
	})
}

// Claim picks the highest-priority, oldest pending trigger whose causal
// dependency (if any) has completed, and renames it into claimed/ with the
// claimer identity and lease deadline embedded. Returns (Trigger{}, false,
// nil) when nothing is eligible.
func (b *Bus) Claim(claimer string) (Trigger, bool, error) {
	var result Trigger
	found := false

	err := atomicio.LockedSection(b.dir, lockFileName, 5*time.Second, func() error {
		if err := b.reclaimExpiredLocked(); err != nil {
			return err
		}

		names, err := b.listDir(dirPending)
		if err != nil {
			return err
		}
		sort.Strings(names) // priority rank then timestamp are the filename's leading fields

		for _, name := range names {
			path := filepath.Join(b.dir, dirPending, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var t Trigger
			if err := json.Unmarshal(data, &t); err != nil {
				b.quarantineLocked(path, name, err)
				continue
			}
			if t.AfterTriggerID != "" {
				if b.predecessorFailedLocked(t.AfterTriggerID) {
					// Predecessor ended in failed/: this trigger can never
					// become eligible, so it is cancelled rather than left
					// pending forever.
					_ = b.moveToFailed(path, name, t, FailureRecord{
						Message:   "predecessor trigger " + t.AfterTriggerID + " failed",
						Retryable: false,
						FailedAt:  time.Now().UTC(),
					})
					continue
				}
				if !b.predecessorDoneLocked(t.AfterTriggerID) {
					continue
				}
			}

			deadline := time.Now().UTC().Add(b.opts.ClaimLease)
			t.ClaimedBy = claimer
			t.ClaimDeadline = &deadline

			claimedData, err := atomicio.CanonicalJSON(t)
			if err != nil {
				return err
			}
			claimedName := name
			if err := atomicio.WriteFile(filepath.Join(b.dir, dirClaimed), claimedName, claimedData, 0o644); err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return kmerr.Wrap(kmerr.KindIO, "triggerbus: remove claimed pending file", err)
			}
			result = t
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return Trigger{}, false, err
	}
	return result, found, nil
}

func (b *Bus) predecessorDoneLocked(afterID string) bool {
	names, err := b.listDir(dirDone)
	if err != nil {
		return false
	}
	for _, name := range names {
		if strings.Contains(name, afterID) {
			return true
		}
		data, err := os.ReadFile(filepath.Join(b.dir, dirDone, name))
		if err != nil {
			continue
		}
		var t Trigger
		if json.Unmarshal(data, &t) == nil && t.ID == afterID {
			return true
		}
	}
	return false
}

func (b *Bus) predecessorFailedLocked(afterID string) bool {
	names, err := b.listDir(dirFailed)
	if err != nil {
		return false
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, dirFailed, name))
		if err != nil {
			continue
		}
		var t Trigger
		if json.Unmarshal(data, &t) == nil && t.ID == afterID {
			return true
		}
	}
	return false
}

// reclaimExpiredLocked returns claimed triggers whose lease deadline has
// passed back to pending with an incremented attempt count (the
// lease-expiration invariant). Must be called with the claim lock held.
func (b *Bus) reclaimExpiredLocked() error {
	names, err := b.listDir(dirClaimed)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, name := range names {
		path := filepath.Join(b.dir, dirClaimed, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var t Trigger
		if err := json.Unmarshal(data, &t); err != nil {
			b.quarantineLocked(path, name, err)
			continue
		}
		if t.ClaimDeadline == nil || now.Before(*t.ClaimDeadline) {
			continue
		}
		t.Attempt++
		t.ClaimedBy = ""
		t.ClaimDeadline = nil

		if t.Attempt >= b.opts.MaxAttempts {
			_ = b.moveToFailed(path, name, t, FailureRecord{
				Message:   "lease expired repeatedly, max attempts reached",
				Retryable: false,
				FailedAt:  now,
			})
			continue
		}

		reencoded, err := atomicio.CanonicalJSON(t)
		if err != nil {
			return err
		}
		if err := atomicio.WriteFile(filepath.Join(b.dir, dirPending), name, reencoded, 0o644); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return kmerr.Wrap(kmerr.KindIO, "triggerbus: remove expired claimed file", err)
		}
		b.appendEvent(eventlog.TypeTriggerFailed, &t, map[string]any{
			"reason": "lease_expired",
			"trigger_id": t.ID,
		})
	}
	return nil
}

// Complete moves a claimed trigger to done/ and appends a TRIGGER_COMPLETED
// event.
func (b *Bus) Complete(t Trigger, result map[string]any) error {
	return atomicio.LockedSection(b.dir, lockFileName, 5*time.Second, func() error {
		name, path, ok := b.findClaimedFile(t.ID)
		if !ok {
			return kmerr.ErrNotFound
		}
		data, err := atomicio.CanonicalJSON(t)
		if err != nil {
			return err
		}
		if err := atomicio.WriteFile(filepath.Join(b.dir, dirDone), name, data, 0o644); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return kmerr.Wrap(kmerr.KindIO, "triggerbus: remove completed claimed file", err)
		}
		payload := map[string]any{"trigger_id": t.ID, "agent": t.Agent}
		for k, v := range result {
			payload[k] = v
		}
		b.appendEvent(eventlog.TypeTriggerCompleted, &t, payload)
		return nil
	})
}

// Fail moves a claimed trigger to failed/ with a sibling .err record and
// appends a TRIGGER_FAILED event. If retryable and under the attempt cap, a
// fresh pending copy is resubmitted with an incremented attempt count
// instead, via Fail.
func (b *Bus) Fail(t Trigger, cause error, retryable bool) error {
	return atomicio.LockedSection(b.dir, lockFileName, 5*time.Second, func() error {
		name, path, ok := b.findClaimedFile(t.ID)
		if !ok {
			return kmerr.ErrNotFound
		}

		b.appendEvent(eventlog.TypeTriggerFailed, &t, map[string]any{
			"trigger_id": t.ID,
			"agent":      t.Agent,
			"error":      cause.Error(),
		})

		if retryable && t.Attempt+1 < b.opts.MaxAttempts {
			t.Attempt++
			t.ClaimedBy = ""
			t.ClaimDeadline = nil
			data, err := atomicio.CanonicalJSON(t)
			if err != nil {
				return err
			}
			if err := atomicio.WriteFile(filepath.Join(b.dir, dirPending), name, data, 0o644); err != nil {
				return err
			}
			return os.Remove(path)
		}

		failRecord := FailureRecord{Message: cause.Error(), Retryable: retryable, FailedAt: time.Now().UTC()}
		return b.moveToFailed(path, name, t, failRecord)
	})
}

func (b *Bus) moveToFailed(srcPath, name string, t Trigger, rec FailureRecord) error {
	data, err := atomicio.CanonicalJSON(t)
	if err != nil {
		return err
	}
	if err := atomicio.WriteFile(filepath.Join(b.dir, dirFailed), name, data, 0o644); err != nil {
		return err
	}
	errData, err := atomicio.CanonicalJSON(rec)
	if err != nil {
		return err
	}
	errName := strings.TrimSuffix(name, ".json") + ".err"
	if err := atomicio.WriteFile(filepath.Join(b.dir, dirFailed), errName, errData, 0o644); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

func (b *Bus) quarantineLocked(path, name string, cause error) {
	data, err := os.ReadFile(path)
	if err == nil {
		_ = atomicio.WriteFile(filepath.Join(b.dir, dirMalformed), name, data, 0o644)
	}
	_ = os.Remove(path)
	b.logger.Warn("quarantined malformed trigger file", zap.String("file", name), zap.Error(cause))
	b.appendEvent(TypeTriggerMalformed, nil, map[string]any{
		"file":   name,
		"reason": cause.Error(),
	})
}

func (b *Bus) findClaimedFile(id string) (name, path string, ok bool) {
	entries, err := os.ReadDir(filepath.Join(b.dir, dirClaimed))
	if err != nil {
		return "", "", false
	}
	for _, ent := range entries {
		if strings.Contains(ent.Name(), id) {
			p := filepath.Join(b.dir, dirClaimed, ent.Name())
			data, err := os.ReadFile(p)
			if err == nil {
				var t Trigger
				if json.Unmarshal(data, &t) == nil && t.ID == id {
					return ent.Name(), p, true
				}
			}
		}
	}
	return "", "", false
}

func (b *Bus) findByID(id string) (Trigger, error) {
	for _, sub := range []string{dirPending, dirClaimed, dirDone, dirFailed} {
		entries, err := os.ReadDir(filepath.Join(b.dir, sub))
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if !strings.HasSuffix(ent.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(b.dir, sub, ent.Name()))
			if err != nil {
				continue
			}
			var t Trigger
			if json.Unmarshal(data, &t) == nil && t.ID == id {
				return t, nil
			}
		}
	}
	return Trigger{}, kmerr.ErrNotFound
}

// PendingCount reports the number of triggers currently waiting to be
// claimed, used by the KM server's queue-depth gauge.
func (b *Bus) PendingCount() (int, error) {
	names, err := b.listDir(dirPending)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// MalformedCount reports the number of trigger files quarantined in
// triggers/malformed/, used by kmctl recover to report what it swept.
func (b *Bus) MalformedCount() (int, error) {
	names, err := b.listDir(dirMalformed)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Reclaim runs the same expired-claim-lease sweep Claim performs
// opportunistically on every call, exposed directly so kmctl recover can
// force it without waiting for a claim attempt. Returns the number of
// triggers returned to pending or moved to failed/.
func (b *Bus) Reclaim() (int, error) {
	before, err := b.listDir(dirClaimed)
	if err != nil {
		return 0, err
	}
	if err := atomicio.LockedSection(b.dir, lockFileName, 5*time.Second, b.reclaimExpiredLocked); err != nil {
		return 0, err
	}
	after, err := b.listDir(dirClaimed)
	if err != nil {
		return 0, err
	}
	return len(before) - len(after), nil
}

func (b *Bus) listDir(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.dir, sub))
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "triggerbus: list "+sub, err)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".json") {
			names = append(names, ent.Name())
		}
	}
	return names, nil
}

func (b *Bus) appendEvent(eventType string, t *Trigger, payload map[string]any) {
	if b.opts.Events == nil {
		return
	}
	var ticketID *string
	if t != nil {
		if id, ok := t.Payload["ticket_id"].(string); ok && id != "" {
			ticketID = &id
		}
	}
	if _, err := b.opts.Events.Append(eventType, ticketID, eventlog.Source{Kind: "triggerbus", Name: "bus"}, payload); err != nil {
		b.logger.Warn("failed to append trigger event", zap.Error(err))
	}
}

// Watch starts an fsnotify watcher on the pending directory and sends a
// debounced signal on the returned channel whenever new triggers may be
// available to claim. A 2s polling ticker runs alongside it as a fallback
// for filesystems where fsnotify is unreliable, so claimers never rely on
// notify events alone. Watch stops when ctx is cancelled.
func (b *Bus) Watch(ctx context.Context) (<-chan struct{}, error) {
	signal := make(chan struct{}, 1)
	notify := func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.logger.Warn("fsnotify unavailable, falling back to polling only", zap.Error(err))
		watcher = nil
	} else if err := watcher.Add(filepath.Join(b.dir, dirPending)); err != nil {
		b.logger.Warn("fsnotify watch failed, falling back to polling only", zap.Error(err))
		watcher.Close()
		watcher = nil
	}

	go func() {
		ticker := time.NewTicker(defaultPollInterval)
		defer ticker.Stop()
		if watcher != nil {
			defer watcher.Close()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				notify()
			case ev, ok := <-watcherEvents(watcher):
				if !ok {
					continue
				}
				_ = ev
				notify()
			}
		}
	}()

	return signal, nil
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}
