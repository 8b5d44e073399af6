// Package portlease implements the per-project port allocator and process
// registry: deterministic port affinity, liveness and
// health-based stale-lease detection, and atomic lease persistence.
package portlease

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/atomicio"
	"github.com/marcus-qen/kmd/internal/kmerr"
)

const leaseFileName = "km.lease.json"

// Lease records an allocated (port, pid) pair for one project.
type Lease struct {
	Port        int       `json:"port"`
	PID         int       `json:"pid"`
	StartTime   time.Time `json:"start_time"`
	ProjectPath string    `json:"project_path"`
}

// Range is the configured port range, inclusive.
type Range struct {
	Min int
	Max int
}

// HealthProber checks whether addr serves a /health response reporting the
// given project path, within a short fixed deadline. Implemented using
// net/http in Acquire; exposed as a var so tests can stub it.
type HealthProber func(ctx context.Context, addr, projectPath string) bool

// Manager allocates and persists port leases under a project's state dir.
type Manager struct {
	stateDir string
	rng      Range
	logger   *zap.Logger
	probe    HealthProber
}

// New creates a lease manager rooted at stateDir (conventionally
// <project>/.claude/state) for the given port range.
func New(stateDir string, rng Range, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		stateDir: stateDir,
		rng:      rng,
		logger:   logger,
		probe:    probeHealth,
	}
}

// Acquire runs the allocation protocol: reuse a live prior
// lease if one exists and is healthy, otherwise probe for a free port
// starting from a hash of projectPath and bind the first one that succeeds.
// bind is the caller-supplied listener factory (real net.Listen in
// production, a fake in tests).
func (m *Manager) Acquire(ctx context.Context, projectPath string, bind func(port int) (net.Listener, error)) (*Lease, net.Listener, error) {
	var result *Lease
	var listener net.Listener

	err := atomicio.LockedSection(m.stateDir, "km", 10*time.Second, func() error {
		if existing, ok := m.readLease(); ok {
			if m.leaseHealthy(ctx, existing, projectPath) {
				result = existing
				return nil
			}
			m.logger.Info("purging stale lease", zap.Int("port", existing.Port), zap.Int("pid", existing.PID))
			m.removeLeaseLocked()
		}

		start := startProbePort(projectPath, m.rng)
		port, ln, err := probeRange(m.rng, start, bind)
		if err != nil {
			return err
		}

		lease := &Lease{
			Port:        port,
			PID:         os.Getpid(),
			StartTime:   time.Now().UTC(),
			ProjectPath: projectPath,
		}
		if err := m.writeLeaseLocked(lease); err != nil {
			ln.Close()
			return err
		}
		result = lease
		listener = ln
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, listener, nil
}

// Release removes the lease file, relinquishing the hold. Should only be
// called by the KM process that owns the lease, on graceful shutdown.
func (m *Manager) Release() error {
	return atomicio.LockedSection(m.stateDir, "km", 5*time.Second, func() error {
		m.removeLeaseLocked()
		return nil
	})
}

// Current reads the persisted lease without validating liveness.
func (m *Manager) Current() (*Lease, bool) {
	return m.readLease()
}

func (m *Manager) readLease() (*Lease, bool) {
	data, err := os.ReadFile(filepath.Join(m.stateDir, leaseFileName))
	if err != nil {
		return nil, false
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, false
	}
	return &l, true
}

func (m *Manager) writeLeaseLocked(l *Lease) error {
	data, err := atomicio.CanonicalJSON(l)
	if err != nil {
		return err
	}
	return atomicio.WriteFile(m.stateDir, leaseFileName, data, 0o644)
}

func (m *Manager) removeLeaseLocked() {
	_ = os.Remove(filepath.Join(m.stateDir, leaseFileName))
}

// leaseHealthy implements the crash-detection protocol: the PID must be
// alive AND the recorded port must answer /health with the matching project
// path (verified via a /health response that includes the
// project path").
func (m *Manager) leaseHealthy(ctx context.Context, l *Lease, projectPath string) bool {
	if !pidAlive(l.PID) {
		return false
	}
	addr := fmt.Sprintf("127.0.0.1:%d", l.Port)
	return m.probe(ctx, addr, projectPath)
}

// VerifyHealth dials addr's /health endpoint and reports whether it answers
// for projectPath, using the same fixed 300ms deadline Acquire itself uses
// for crash detection. Exported so the stdio bridge's discovery path can
// agree with the KM's own liveness check on what "this project's KM" means,
// instead of reimplementing the probe.
func VerifyHealth(ctx context.Context, addr, projectPath string) bool {
	return probeHealth(ctx, addr, projectPath)
}

func probeHealth(ctx context.Context, addr, projectPath string) bool {
	ctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		ProjectPath string `json:"project_path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.ProjectPath == projectPath
}

func startProbePort(projectPath string, rng Range) int {
	width := rng.Max - rng.Min + 1
	if width <= 0 {
		return rng.Min
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectPath))
	return rng.Min + int(h.Sum32()%uint32(width))
}

func probeRange(rng Range, start int, bind func(port int) (net.Listener, error)) (int, net.Listener, error) {
	width := rng.Max - rng.Min + 1
	if width <= 0 {
		return 0, nil, kmerr.ErrPortExhausted
	}
	for i := 0; i < width; i++ {
		port := rng.Min + (start-rng.Min+i)%width
		ln, err := bind(port)
		if err == nil {
			return port, ln, nil
		}
	}
	return 0, nil, kmerr.ErrPortExhausted
}
