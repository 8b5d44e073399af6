// Package atomicio provides durable, crash-safe file updates and serialized
// multi-process access: write-temp-then-rename, advisory file locks with
// bounded timeouts, and chained SHA-256 checksums. Every on-disk write in
// this module goes through here; direct os.WriteFile calls outside this
// package are a defect.
package atomicio

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/marcus-qen/kmd/internal/kmerr"
)

// WriteFile durably writes data to dir/name: write a sibling temp file in
// the same directory, fsync it, rename into place, then best-effort fsync
// the parent directory. On failure the target is left either with its prior
// contents or absent, never partially written.
func WriteFile(dir, name string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return kmerr.Wrap(kmerr.KindIO, "create directory", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", name, os.Getpid(), rand.Int63()))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_EXCL, perm)
	if err != nil {
		return kmerr.Wrap(kmerr.KindIO, "create temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return kmerr.Wrap(kmerr.KindIO, "write temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return kmerr.Wrap(kmerr.KindIO, "fsync temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return kmerr.Wrap(kmerr.KindIO, "close temp file", err)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return kmerr.Wrap(kmerr.KindIO, "rename into place", err)
	}

	syncDir(dir)
	return nil
}

// syncDir fsyncs a directory so the rename above survives a crash. Some
// platforms (notably Windows) don't support opening directories for fsync;
// a failure to open or fsync the directory is ignored, not reported, since
// the rename itself has already taken effect.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// LockedSection acquires an advisory exclusive lock on <dir>/<name>.lock,
// runs fn, and releases the lock on every path. If the lock cannot be
// acquired within timeout, it returns kmerr.ErrLockBusy without running fn.
func LockedSection(dir, name string, timeout time.Duration, fn func() error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return kmerr.Wrap(kmerr.KindIO, "create lock directory", err)
	}

	lockPath := filepath.Join(dir, name+".lock")
	fl := flock.New(lockPath)

	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return kmerr.Wrap(kmerr.KindIO, "acquire lock", err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return kmerr.ErrLockBusy
		}
		time.Sleep(backoff)
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
	defer fl.Unlock()

	return fn()
}

// ChecksumBytes returns the hex-encoded SHA-256 of b.
func ChecksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChainChecksum computes SHA256(prevHash || canonicalBytes), forming one
// link in an append-only hash chain.
func ChainChecksum(prevHash string, canonicalBytes []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON marshals v deterministically: Go's encoding/json already
// sorts map[string]any keys and struct fields serialize in declaration
// order, so plain Marshal is canonical as long as callers don't interpolate
// non-deterministic values (timestamps, random ids) outside the fields meant
// to vary.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, kmerr.Wrap(kmerr.KindIO, "canonicalize json", err)
	}
	return b, nil
}
