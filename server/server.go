// Package server exposes flows, runs, commands and lifecycle event streams
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petal-labs/flowrun/bus"
	"github.com/petal-labs/flowrun/compiler"
	"github.com/petal-labs/flowrun/core"
	"github.com/petal-labs/flowrun/observe"
	"github.com/petal-labs/flowrun/runtime"
	"github.com/petal-labs/flowrun/sse"
	"github.com/petal-labs/flowrun/store"
)

// CommandSubmitter accepts commands into the durable inbox.
type CommandSubmitter interface {
	Submit(ctx context.Context, cmd core.CommandRecord) (core.AppendResult, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Flows    FlowStore
	Compiler *compiler.Compiler
	Runtime  runtime.Runtime
	Runs     store.RunStore
	Ledger   store.LedgerStore
	Commands CommandSubmitter
	// Observer drives started runs in the background and publishes their
	// events. Without it runs only advance through the gateway.
	Observer   *observe.Loop
	Bus        bus.EventBus
	EventStore bus.EventStore
	// Gatherer, when set, is served at GET /metrics.
	Gatherer prometheus.Gatherer

	CORSOrigin string
	MaxBody    int64
	// RewatchInterval is how often a tracked session waiting on a user is
	// observed again when no command woke it.
	RewatchInterval time.Duration
	Logger          *slog.Logger
}

// Server is the FlowRun HTTP API server.
type Server struct {
	flows      FlowStore
	compiler   *compiler.Compiler
	rt         runtime.Runtime
	runs       store.RunStore
	ledger     store.LedgerStore
	commands   CommandSubmitter
	observer   *observe.Loop
	bus        bus.EventBus
	eventStore bus.EventStore
	gatherer   prometheus.Gatherer
	corsOrigin string
	maxBody    int64
	rewatch    time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sessionsMu sync.Mutex
	sessions   map[string]chan struct{}
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Flows == nil {
		return nil, errors.New("server: flow store is nil")
	}
	if cfg.Runtime == nil || cfg.Runs == nil {
		return nil, errors.New("server: runtime and run store are required")
	}
	if cfg.Compiler == nil {
		cfg.Compiler = compiler.New(compiler.Config{Source: Source(cfg.Flows)})
	}
	if cfg.Ledger == nil {
		if l, ok := cfg.Runs.(store.LedgerStore); ok {
			cfg.Ledger = l
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	rewatch := cfg.RewatchInterval
	if rewatch <= 0 {
		rewatch = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		flows:      cfg.Flows,
		compiler:   cfg.Compiler,
		rt:         cfg.Runtime,
		runs:       cfg.Runs,
		ledger:     cfg.Ledger,
		commands:   cfg.Commands,
		observer:   cfg.Observer,
		bus:        cfg.Bus,
		eventStore: cfg.EventStore,
		gatherer:   cfg.Gatherer,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		rewatch:    rewatch,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]chan struct{}),
	}, nil
}

// Close stops background session tracking and waits for it to finish.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)

	mux.HandleFunc("GET /api/flows", s.handleListFlows)
	mux.HandleFunc("POST /api/flows", s.handleCreateFlow)
	mux.HandleFunc("GET /api/flows/{id}", s.handleGetFlow)
	mux.HandleFunc("PUT /api/flows/{id}", s.handleUpdateFlow)
	mux.HandleFunc("DELETE /api/flows/{id}", s.handleDeleteFlow)
	mux.HandleFunc("POST /api/flows/{id}/runs", s.handleStartRun)

	mux.HandleFunc("POST /api/commands", s.handleSubmitCommand)

	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{run_id}/ledger", s.handleRunLedger)
	if s.eventStore != nil && s.bus != nil {
		mux.Handle("GET /api/runs/{run_id}/events", sse.NewHandler(s.eventStore, s.bus))
		mux.HandleFunc("GET /api/runs/{run_id}/ws", s.handleRunSocket)
	}

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
