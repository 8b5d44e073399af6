// Package bridge implements the stdio-to-HTTP translator that
// lets a host process talk JSON-RPC over stdin/stdout to a project's KM
// server without knowing its port.
package bridge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/marcus-qen/kmd/internal/kmerr"
	"github.com/marcus-qen/kmd/internal/portlease"
)

// DiscoverOptions configures KM discovery.
type DiscoverOptions struct {
	StateDir    string
	ProjectPath string
	Timeout     time.Duration
	// PortMin/PortMax bound the fallback scan used when no lease is found
	// or the leased KM doesn't answer. Zero values disable the scan.
	PortMin int
	PortMax int
}

// Discover locates the running KM for the current project. It first reads
// the persisted port lease and verifies liveness over /health, the same
// check portlease.Manager.Acquire itself performs before reusing a lease.
// If that fails (no lease, stale lease, or a lease whose KM answers for a
// different project), it falls back to scanning [PortMin, PortMax] for a KM
// instance whose /health reports this project's path, covering the case
// where the lease file itself was lost or never written. Failures wrap
// kmerr.ErrNoLocalKM (an unreachable KM maps to JSON-RPC code -32000) so the
// bridge's caller can render the exact failure code without string-matching
// the message.
func Discover(ctx context.Context, opts DiscoverOptions) (string, error) {
	projectPath := opts.ProjectPath
	if projectPath == "" {
		projectPath = os.Getenv("CLAUDE_PROJECT_PATH")
	}
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("bridge: resolve project path: %w", err)
		}
		projectPath = wd
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}

	if addr, ok := discoverFromLease(ctx, opts.StateDir, projectPath, timeout); ok {
		return addr, nil
	}
	if addr, ok := discoverByScan(ctx, opts.PortMin, opts.PortMax, projectPath); ok {
		return addr, nil
	}
	return "", noLocalKM(fmt.Sprintf("bridge: no KM found for %s", projectPath))
}

func discoverFromLease(ctx context.Context, stateDir, projectPath string, timeout time.Duration) (string, bool) {
	mgr := portlease.New(stateDir, portlease.Range{}, nil)
	lease, ok := mgr.Current()
	if !ok {
		return "", false
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", lease.Port)
	if !portlease.VerifyHealth(probeCtx, addr, projectPath) {
		return "", false
	}
	return addr, true
}

// discoverByScan probes every port in [portMin, portMax] for a KM instance
// reporting projectPath, for when the lease file is missing or stale but an
// instance is still listening.
func discoverByScan(ctx context.Context, portMin, portMax int, projectPath string) (string, bool) {
	if portMin <= 0 || portMax < portMin {
		return "", false
	}
	for port := portMin; port <= portMax; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		if portlease.VerifyHealth(ctx, addr, projectPath) {
			return addr, true
		}
	}
	return "", false
}

// noLocalKM wraps kmerr.ErrNoLocalKM with a diagnostic message, preserving
// its JSON-RPC code (-32000) so errors.Is and kmerr.CodeOf both still work
// against the returned error.
func noLocalKM(message string) error {
	return &kmerr.Error{Kind: kmerr.KindExternal, Code: kmerr.CodeNoLocalKM, Message: message, Err: kmerr.ErrNoLocalKM}
}
