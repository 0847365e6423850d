// Package inspect serves a live view of a running element tree over HTTP.
//
// Endpoints:
//
//	GET /health        liveness check
//	GET /element-tree  the mounted element tree
//	GET /ledger        resource ledger counters and suspected leaks
//	GET /build         build scheduler counters and flush timings
//	GET /runtime       Go heap and GC samples (?limit=N, ?window=seconds)
//
// Tree, ledger and scheduler reads are handed to the task loop that owns the
// tree and awaited, so they never race with a flush. The loop must be running
// (see [loop.Loop.Run]) for those endpoints to answer.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-drift/arbor/pkg/core"
	"github.com/go-drift/arbor/pkg/errors"
	"github.com/go-drift/arbor/pkg/memory"
)

// defaultLoopTimeout bounds how long a handler waits for the loop.
const defaultLoopTimeout = 2 * time.Second

var (
	// ErrLoopTimeout is returned when the loop does not pick up a read in time.
	ErrLoopTimeout = errors.New("inspect: loop did not respond")
	// ErrAlreadyStarted is returned by Start on a running server.
	ErrAlreadyStarted = errors.New("inspect: server already started")
)

// Dispatcher hands work to the goroutine that owns the element tree.
// *loop.Loop satisfies it.
type Dispatcher interface {
	Dispatch(task func()) error
}

// Option configures a Server.
type Option func(*Server)

// WithRuntimeSamples exposes buffer on /runtime. Without it the endpoint
// answers 503.
func WithRuntimeSamples(buffer *RuntimeSampleBuffer) Option {
	return func(s *Server) { s.runtime = buffer }
}

// WithLoopTimeout sets how long a handler waits for the loop.
func WithLoopTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger used for server failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server exposes a BuildOwner and its ledger over HTTP.
type Server struct {
	owner      *core.BuildOwner
	dispatcher Dispatcher
	runtime    *RuntimeSampleBuffer
	timeout    time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server for owner whose tree reads run through dispatcher.
func New(owner *core.BuildOwner, dispatcher Dispatcher, opts ...Option) (*Server, error) {
	if owner == nil {
		return nil, errors.InvalidArgument("inspect.New", "owner is nil")
	}
	if dispatcher == nil {
		return nil, errors.InvalidArgument("inspect.New", "dispatcher is nil")
	}
	s := &Server{
		owner:      owner,
		dispatcher: dispatcher,
		timeout:    defaultLoopTimeout,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the endpoint mux without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /element-tree", s.handleElementTree)
	mux.HandleFunc("GET /ledger", s.handleLedger)
	mux.HandleFunc("GET /build", s.handleBuild)
	mux.HandleFunc("GET /runtime", s.handleRuntime)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address, which is useful with port 0.
func (s *Server) Start(addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return "", ErrAlreadyStarted
	}

	// Bind first to fail fast on port conflicts.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("inspect listen: %w", err)
	}
	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.server = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.mu.Lock()
			if s.server == server {
				s.server = nil
				s.listener = nil
			}
			s.mu.Unlock()
			s.logger.Error("inspect server failed", "error", err)
		}
	}()
	return listener.Addr().String(), nil
}

// Addr returns the bound address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully. Stopping an idle server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// onLoop runs fn on the loop and waits for it.
func (s *Server) onLoop(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.dispatcher.Dispatch(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrLoopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleElementTree(w http.ResponseWriter, r *http.Request) {
	var (
		tree    ElementTreeNode
		hasRoot bool
		failure any
	)
	err := s.onLoop(r.Context(), func() {
		defer func() { failure = recover() }()
		if root := s.owner.Root(); root != nil {
			hasRoot = true
			tree = SerializeTree(root)
		}
	})
	switch {
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case failure != nil:
		http.Error(w, fmt.Sprintf("panic: %v", failure), http.StatusInternalServerError)
	case !hasRoot:
		http.Error(w, "no element tree", http.StatusServiceUnavailable)
	default:
		writeJSON(w, tree)
	}
}

// LeakView is the JSON form of a memory.Leak.
type LeakView struct {
	Kind      string  `json:"kind"`
	ElementID uint64  `json:"elementId"`
	NodeID    string  `json:"nodeId,omitempty"`
	AgeMs     float64 `json:"ageMs"`
	Detail    string  `json:"detail"`
}

// LedgerResponse is the body of /ledger.
type LedgerResponse struct {
	Counters map[string]int64 `json:"counters"`
	Leaks    []LeakView       `json:"leaks"`
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	manager := s.owner.Manager()
	if manager == nil {
		http.Error(w, "no resource ledger", http.StatusServiceUnavailable)
		return
	}
	var resp LedgerResponse
	if err := s.onLoop(r.Context(), func() { resp = ledgerResponse(manager) }); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, resp)
}

func ledgerResponse(manager *memory.Manager) LedgerResponse {
	leaks := manager.DetectLeaks()
	resp := LedgerResponse{
		Counters: manager.Stats().Counters(),
		Leaks:    make([]LeakView, 0, len(leaks)),
	}
	for _, leak := range leaks {
		resp.Leaks = append(resp.Leaks, LeakView{
			Kind:      leak.Kind.String(),
			ElementID: leak.ElementID,
			NodeID:    leak.NodeID,
			AgeMs:     float64(leak.Age) / float64(time.Millisecond),
			Detail:    leak.Detail,
		})
	}
	return resp
}

// BuildResponse is the body of /build.
type BuildResponse struct {
	Flushes       int64   `json:"flushes"`
	Rebuilds      int64   `json:"rebuilds"`
	Skipped       int64   `json:"skipped"`
	BuildFailures int64   `json:"buildFailures"`
	Pending       int     `json:"pending"`
	FlushAvgMs    float64 `json:"flushAvgMs"`
	FlushP50Ms    float64 `json:"flushP50Ms"`
	FlushP99Ms    float64 `json:"flushP99Ms"`
	FlushMaxMs    float64 `json:"flushMaxMs"`
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var resp BuildResponse
	err := s.onLoop(r.Context(), func() {
		stats := s.owner.Stats()
		resp = BuildResponse{
			Flushes:       stats.Flushes,
			Rebuilds:      stats.Rebuilds,
			Skipped:       stats.Skipped,
			BuildFailures: stats.BuildFailures,
			Pending:       s.owner.PendingCount(),
			FlushAvgMs:    millis(stats.FlushAvg),
			FlushP50Ms:    millis(stats.FlushP50),
			FlushP99Ms:    millis(stats.FlushP99),
			FlushMaxMs:    millis(stats.FlushMax),
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		http.Error(w, "runtime sampling disabled", http.StatusServiceUnavailable)
		return
	}
	resp := struct {
		IntervalMs float64         `json:"intervalMs"`
		Samples    []RuntimeSample `json:"samples"`
	}{
		IntervalMs: millis(s.runtime.Interval()),
		Samples:    applyRuntimeFilters(r, s.runtime.Snapshot()),
	}
	writeJSON(w, resp)
}

func applyRuntimeFilters(r *http.Request, samples []RuntimeSample) []RuntimeSample {
	if windowSeconds := parseFloatQuery(r, "window"); windowSeconds > 0 {
		cutoff := time.Now().Add(-time.Duration(windowSeconds * float64(time.Second))).UnixMilli()
		filtered := make([]RuntimeSample, 0, len(samples))
		for _, sample := range samples {
			if sample.Timestamp >= cutoff {
				filtered = append(filtered, sample)
			}
		}
		samples = filtered
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples
}

func parseFloatQuery(r *http.Request, key string) float64 {
	parsed, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil || parsed <= 0 {
		return 0
	}
	return parsed
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// writeJSON encodes to a buffer first so encoding errors become a 500.
func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, fmt.Sprintf("json encode error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
