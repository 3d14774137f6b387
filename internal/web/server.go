package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/tabtrail/internal/logging"
	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

// DefaultListenAddr is used when Config.ListenAddr is empty.
const DefaultListenAddr = "127.0.0.1:8421"

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string
	Tracker    *tracker.Tracker

	// SourceRate limits inbound messages per source connection.
	// Zero means DefaultSourceRate.
	SourceRate  rate.Limit
	SourceBurst int
	// SourceQueueLimit caps events waiting to be applied per connection;
	// further events are refused with an error message. Zero means 4096.
	SourceQueueLimit int
}

// Server exposes the tracker over HTTP, SSE and WebSocket.
type Server struct {
	cfg        Config
	tracker    *tracker.Tracker
	hub        *SourceHub
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	treeSubscribersMu sync.Mutex
	treeSubscribers   map[chan struct{}]struct{}
}

// NewServer creates a new web server with base routes and middleware.
// A nil Config.Tracker gets a memory-only tracker.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Tracker == nil {
		cfg.Tracker = tracker.New(tracker.Options{})
	}

	s := &Server{
		cfg:             cfg,
		tracker:         cfg.Tracker,
		treeSubscribers: make(map[chan struct{}]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.hub = newSourceHub(hubOptions{
		sink:     cfg.Tracker,
		command:  s.runCommand,
		onChange: s.notifyTreesChanged,
		rate:     cfg.SourceRate,
		burst:    cfg.SourceBurst,

		queueLimit: cfg.SourceQueueLimit,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/command", s.requireToken(tokenInHeader, s.handleCommand))
	mux.HandleFunc("/api/tabs", s.requireToken(tokenInHeader, s.handleTabs))
	mux.HandleFunc("/events/trees", s.requireToken(tokenInHeaderOrQuery, s.handleTreeEvents))
	mux.HandleFunc("/ws/source", s.requireToken(tokenInHeaderOrQuery, s.handleSourceWS))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.NewStdLogger(logging.CompWeb),
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Source returns the WebSocket hub; it doubles as the tracker's NavProber.
func (s *Server) Source() *SourceHub {
	return s.hub
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("server_listening", slog.String("addr", s.cfg.ListenAddr), slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers (SSE/WS) to stop promptly.
		s.cancelBase()
	}
	s.hub.Close()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Hijacked and streaming connections may still block graceful shutdown.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}

	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

// runCommand is shared by POST /api/command and WebSocket command messages.
func (s *Server) runCommand(ctx context.Context, req tracker.Request) tracker.Response {
	if s.cfg.ReadOnly && tracker.IsMutating(req.Action) {
		return tracker.Response{Success: false, Error: ErrReadOnly.Error()}
	}
	before := s.tracker.Revision()
	resp := s.tracker.Dispatch(ctx, req)
	if s.tracker.Revision() != before {
		s.notifyTreesChanged()
	}
	return resp
}

func (s *Server) subscribeTreeChanges() chan struct{} {
	ch := make(chan struct{}, 1)
	s.treeSubscribersMu.Lock()
	s.treeSubscribers[ch] = struct{}{}
	s.treeSubscribersMu.Unlock()
	return ch
}

func (s *Server) unsubscribeTreeChanges(ch chan struct{}) {
	if ch == nil {
		return
	}
	s.treeSubscribersMu.Lock()
	if _, ok := s.treeSubscribers[ch]; ok {
		delete(s.treeSubscribers, ch)
		close(ch)
	}
	s.treeSubscribersMu.Unlock()
}

func (s *Server) notifyTreesChanged() {
	s.treeSubscribersMu.Lock()
	for ch := range s.treeSubscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.treeSubscribersMu.Unlock()
}
