// Package km assembles the KM (Knowledge Manager) HTTP server: the
// host-facing tool surface, served both as MCP tools and as
// a minimal hand-rolled JSON-RPC endpoint, plus a /health liveness check and
// a Prometheus /metrics endpoint.
package km

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/registry"
	"github.com/marcus-qen/kmd/internal/triggerbus"
)

// Options configures a Server.
type Options struct {
	ListenAddr  string
	ProjectPath string
	Version     string
	Logger      *zap.Logger
}

// Server is the assembled KM HTTP server for one project.
type Server struct {
	cfg        Options
	logger     *zap.Logger
	tools      *toolkit
	metrics    *metricsCollector
	httpServer *http.Server
	startedAt  time.Time
}

// New wires a Server against the project's registry and trigger bus. bus may
// be nil for tests exercising only the knowledge/registry tools.
func New(store *registry.Store, bus *triggerbus.Bus, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger.Named("km")

	s := &Server{
		cfg:     opts,
		logger:  logger,
		tools:   &toolkit{store: store, bus: bus, logger: logger},
		metrics: newMetricsCollector(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      s.instrument(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.handler())

	mcpServer := newMCPServer(s.tools)
	mux.Handle("/mcp/spec", mcpHandler(mcpServer))
	mux.Handle("/mcp", &rpcHandler{tools: s.tools, logger: s.logger})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","project_path":%q,"version":%q,"uptime_s":%d}`+"\n",
		s.cfg.ProjectPath, s.cfg.Version, int(time.Since(s.startedAt).Seconds()))
}

func (s *Server) instrument(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.metrics.requestsTotal.WithLabelValues(r.URL.Path, fmt.Sprintf("%d", rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Addr returns the address the server is bound to, valid only after Start.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving and blocks until ctx is cancelled or the listener
// fails: serve in a goroutine, select on ctx.Done() versus a serve-error
// channel, then Shutdown.
func (s *Server) Start(ctx context.Context) error {
	return s.serve(ctx, func() error { return s.httpServer.ListenAndServe() })
}

// Serve runs the server on an already-bound listener instead of having
// http.Server dial its own, so a caller that acquired the port through
// internal/portlease (which returns the bound listener, not just the
// address) can hand it straight over without a close-then-rebind race.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer.Addr = ln.Addr().String()
	return s.serve(ctx, func() error { return s.httpServer.Serve(ln) })
}

func (s *Server) serve(ctx context.Context, listen func() error) error {
	s.startedAt = time.Now()
	s.logger.Info("starting KM server", zap.String("addr", s.httpServer.Addr), zap.String("project_path", s.cfg.ProjectPath))

	if s.tools.bus != nil {
		go s.pollQueueDepth(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := listen(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) pollQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.tools.bus.PendingCount(); err == nil {
				s.metrics.triggerQueueDepth.Set(float64(n))
			}
		}
	}
}
