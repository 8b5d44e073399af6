// Package eventlog implements the append-only NDJSON event stream described
// chained-checksum appends, crash-safe truncated-tail
// recovery, size/age rotation to a gzip-able archive directory, and integrity
// verification.
package eventlog

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/atomicio"
	"github.com/marcus-qen/kmd/internal/kmerr"
)

// Options configures rotation thresholds and a logger.
type Options struct {
	MaxBytes int64
	MaxAge   time.Duration
	Gzip     bool
	Logger   *zap.Logger
}

// Log is one project's primary or quarantine event log.
type Log struct {
	dir  string
	name string // e.g. "log.ndjson"
	opts Options

	mu       sync.Mutex
	file     *os.File
	nextID   int64
	lastHash string
	openedAt time.Time
	size     int64
	sealed   bool
}

const lockFileName = "events"

// Open opens (or creates) the named NDJSON log in dir, scanning the tail for
// a truncated final record left by a crash and removing it before allowing
// further appends.
func Open(dir, name string, opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "create event log dir", err)
	}

	path := filepath.Join(dir, name)
	nextID, lastHash, size, err := recoverTail(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "open event log", err)
	}

	return &Log{
		dir:      dir,
		name:     name,
		opts:     opts,
		file:     f,
		nextID:   nextID,
		lastHash: lastHash,
		openedAt: time.Now(),
		size:     size,
	}, nil
}

// recoverTail scans path for the last complete JSON line, dropping any
// trailing partial line left by a crash mid-write. An undecodable line that
// is not the last one is returned as an integrity error and the file is left
// as it is. Returns the next event
// id to assign, the hash of the last good record, and the file size after
// truncation.
func recoverTail(path string) (nextID int64, lastHash string, size int64, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 1, "", 0, nil
	}
	if err != nil {
		return 0, "", 0, kmerr.Wrap(kmerr.KindIO, "open event log for recovery", err)
	}
	defer f.Close()

	fileInfo, statErr := f.Stat()
	if statErr != nil {
		return 0, "", 0, kmerr.Wrap(kmerr.KindIO, "stat event log", statErr)
	}

	var lastGoodOffset int64
	var lastEvent Event
	var haveLast bool

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1 // + newline
		if offset+lineLen > fileInfo.Size() {
			// Final line has no trailing newline: a write cut short.
			break
		}
		var ev Event
		if jsonErr := json.Unmarshal(line, &ev); jsonErr != nil {
			if offset+lineLen < fileInfo.Size() {
				// More data follows: this is a corrupt record, not a write
				// cut short, so nothing is truncated.
				return 0, "", 0, kmerr.Wrap(kmerr.KindIntegrity,
					fmt.Sprintf("undecodable event log record at byte offset %d", offset), kmerr.ErrIntegrityFail)
			}
			// Truncated/corrupt final line: stop here, don't advance past it.
			break
		}
		offset += lineLen
		lastGoodOffset = offset
		lastEvent = ev
		haveLast = true
	}

	if haveLast {
		nextID = lastEvent.ID + 1
		lastHash = lastEvent.Hash
	} else {
		nextID = 1
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, "", 0, kmerr.Wrap(kmerr.KindIO, "stat event log", statErr)
	}
	if info.Size() != lastGoodOffset {
		if archiveErr := archiveCorruptTail(path, lastGoodOffset, info.Size()); archiveErr != nil {
			return 0, "", 0, archiveErr
		}
		// Truncate off the partial trailing record.
		if truncErr := os.Truncate(path, lastGoodOffset); truncErr != nil {
			return 0, "", 0, kmerr.Wrap(kmerr.KindIO, "truncate partial tail", truncErr)
		}
	}

	return nextID, lastHash, lastGoodOffset, nil
}

// archiveCorruptTail copies the bytes recoverTail is about to discard into
// dir/archive so an operator (or kmctl recover) can inspect what a crash
// left behind, instead of the truncated tail vanishing silently.
func archiveCorruptTail(path string, goodOffset, totalSize int64) error {
	if totalSize <= goodOffset {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return kmerr.Wrap(kmerr.KindIO, "open event log to archive corrupt tail", err)
	}
	defer f.Close()

	if _, err := f.Seek(goodOffset, io.SeekStart); err != nil {
		return kmerr.Wrap(kmerr.KindIO, "seek to corrupt tail", err)
	}
	tail, err := io.ReadAll(f)
	if err != nil {
		return kmerr.Wrap(kmerr.KindIO, "read corrupt tail", err)
	}

	archiveDir := filepath.Join(filepath.Dir(path), "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return kmerr.Wrap(kmerr.KindIO, "create archive dir for corrupt tail", err)
	}
	name := fmt.Sprintf("corrupt-tail-%d.ndjson", goodOffset)
	if err := atomicio.WriteFile(archiveDir, name, tail, 0o644); err != nil {
		return kmerr.Wrap(kmerr.KindIO, "write archived corrupt tail", err)
	}
	return nil
}

// Sealed reports whether this log has stopped accepting appends after an
// integrity failure.
func (l *Log) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// Append serializes event as one NDJSON line, assigns it the next
// monotonically increasing id, chains its checksum from the last record, and
// appends it durably (append+fsync, not rename; rotation is what renames).
func (l *Log) Append(eventType string, ticketID *string, source Source, payload map[string]any) (Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if err := validate(eventType, payload); err != nil {
		return Event{}, kmerr.Wrap(kmerr.KindProtocol, "invalid event payload", err)
	}

	return l.append(Event{
		TSWall:  time.Now().UTC(),
		TSMono:  time.Now().UnixNano(),
		Type:    eventType,
		Source:  source,
		Payload: payload,
		TicketID: ticketID,
	})
}

func (l *Log) append(ev Event) (Event, error) {
	var out Event
	err := atomicio.LockedSection(l.dir, lockFileName, 5*time.Second, func() error {
		l.mu.Lock()
		defer l.mu.Unlock()

		if l.sealed {
			return kmerr.ErrIntegrityFail
		}

		ev.ID = l.nextID
		ev.PrevHash = l.lastHash

		unhashed := ev
		unhashed.Hash = ""
		canon, err := atomicio.CanonicalJSON(unhashed)
		if err != nil {
			return err
		}
		ev.Hash = atomicio.ChainChecksum(ev.PrevHash, canon)

		line, err := json.Marshal(ev)
		if err != nil {
			return kmerr.Wrap(kmerr.KindIO, "marshal event", err)
		}
		line = append(line, '\n')

		n, err := l.file.Write(line)
		if err != nil {
			return kmerr.Wrap(kmerr.KindIO, "append event", err)
		}
		if err := l.file.Sync(); err != nil {
			return kmerr.Wrap(kmerr.KindIO, "fsync event log", err)
		}

		l.nextID++
		l.lastHash = ev.Hash
		l.size += int64(n)
		out = ev

		if rotated, rerr := l.maybeRotateLocked(); rerr != nil {
			l.opts.Logger.Warn("event log rotation failed", zap.Error(rerr))
		} else if rotated {
			l.opts.Logger.Info("event log rotated", zap.String("dir", l.dir))
		}

		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return out, nil
}

// maybeRotateLocked rotates the live log to the archive directory when it
// exceeds MaxBytes or MaxAge. Caller must hold l.mu.
func (l *Log) maybeRotateLocked() (bool, error) {
	due := false
	if l.opts.MaxBytes > 0 && l.size >= l.opts.MaxBytes {
		due = true
	}
	if l.opts.MaxAge > 0 && time.Since(l.openedAt) >= l.opts.MaxAge {
		due = true
	}
	if !due || l.size == 0 {
		return false, nil
	}

	if err := l.file.Close(); err != nil {
		return false, kmerr.Wrap(kmerr.KindIO, "close log before rotation", err)
	}

	archiveDir := filepath.Join(l.dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return false, kmerr.Wrap(kmerr.KindIO, "create archive dir", err)
	}

	seq := nextArchiveSeq(archiveDir)
	base := filepath.Join(l.dir, l.name)
	archiveName := fmt.Sprintf("log-%05d-%d.ndjson", seq, time.Now().UnixNano())
	archivePath := filepath.Join(archiveDir, archiveName)

	if err := os.Rename(base, archivePath); err != nil {
		return false, kmerr.Wrap(kmerr.KindIO, "rename to archive", err)
	}

	if l.opts.Gzip {
		if err := gzipInPlace(archivePath); err != nil {
			l.opts.Logger.Warn("gzip archive failed", zap.Error(err))
		}
	}

	f, err := os.OpenFile(base, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, kmerr.Wrap(kmerr.KindIO, "reopen live log", err)
	}
	l.file = f
	l.size = 0
	l.openedAt = time.Now()
	return true, nil
}

func gzipInPlace(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	if err := atomicio.WriteFile(filepath.Dir(path), filepath.Base(path)+".gz", buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Remove(path)
}

func nextArchiveSeq(archiveDir string) int {
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return 1
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "log-") {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(name, "log-"), "-", 2)
		if len(parts) == 0 {
			continue
		}
		n, err := strconv.Atoi(parts[0])
		if err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Seal marks the log as no longer accepting appends, used after an
// integrity failure.
func (l *Log) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
}

// orderedFiles returns archive file paths in ascending sequence order,
// followed by the live log path.
func (l *Log) orderedFiles() []string {
	archiveDir := filepath.Join(l.dir, "archive")
	var files []string
	entries, _ := os.ReadDir(archiveDir)
	type named struct {
		seq  int
		path string
	}
	var named_ []named
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "log-") {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(name, "log-"), "-", 2)
		seq, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		named_ = append(named_, named{seq: seq, path: filepath.Join(archiveDir, name)})
	}
	sort.Slice(named_, func(i, j int) bool { return named_[i].seq < named_[j].seq })
	for _, n := range named_ {
		files = append(files, n.path)
	}
	files = append(files, filepath.Join(l.dir, l.name))
	return files
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return readCloserPair{Reader: gz, under: f}, nil
	}
	return f, nil
}

type readCloserPair struct {
	io.Reader
	under io.Closer
}

func (p readCloserPair) Close() error { return p.under.Close() }

// Tail yields events with id >= sinceID across the archive then the live log,
// in order, up to limit events (0 means unlimited). It's a bounded, finite
// sequence; a caller resumes by passing the last returned event's id + 1 as
// sinceID.
func (l *Log) Tail(sinceID int64, limit int) ([]Event, error) {
	l.mu.Lock()
	files := l.orderedFiles()
	l.mu.Unlock()

	var out []Event
	for _, path := range files {
		rc, err := openMaybeGzip(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return out, kmerr.Wrap(kmerr.KindIO, "open log segment", err)
		}
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var ev Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			if ev.ID < sinceID {
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				rc.Close()
				return out, nil
			}
		}
		rc.Close()
	}
	return out, nil
}

// Verify recomputes the hash chain across archive + live segments in order
// and returns the first event id whose hash doesn't match, if any.
func (l *Log) Verify() (badID int64, ok bool, err error) {
	events, err := l.Tail(0, 0)
	if err != nil {
		return 0, false, err
	}

	prevHash := ""
	for _, ev := range events {
		if ev.PrevHash != prevHash {
			return ev.ID, false, nil
		}
		unhashed := ev
		unhashed.Hash = ""
		canon, cerr := atomicio.CanonicalJSON(unhashed)
		if cerr != nil {
			return ev.ID, false, cerr
		}
		want := atomicio.ChainChecksum(ev.PrevHash, canon)
		if want != ev.Hash {
			return ev.ID, false, nil
		}
		prevHash = ev.Hash
	}
	return 0, true, nil
}
