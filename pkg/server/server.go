// Package server is the receiving service. It accepts producer connections on
// a TCP listener and on a WebSocket endpoint, serving one session at a time
// through the Apply Engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/tablesync/pkg/faults"
	"github.com/astromechza/tablesync/pkg/session"
	"github.com/astromechza/tablesync/pkg/status"
)

type State int32

const (
	Idle State = iota
	Listening
	Open
	Closed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

type Options struct {
	ReadTimeout  time.Duration
	MaxLineBytes int
	Events       *status.Emitter
	Logger       *slog.Logger
}

type Service struct {
	applier  session.Applier
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	state     atomic.Int32
	listening atomic.Bool
	// slot holds a token while a session is active, on either transport.
	slot chan struct{}

	mu     sync.Mutex
	active string
}

func New(applier session.Applier, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		applier: applier,
		opts:    opts,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		slot: make(chan struct{}, 1),
	}
}

// State reports Open whenever a session holds the slot, whichever transport
// it arrived on.
func (s *Service) State() State {
	if s.ActiveSession() != "" {
		return Open
	}
	return State(s.state.Load())
}

// ActiveSession returns the id of the session being served, if any.
func (s *Service) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
}

// Serve accepts connections from ln one at a time until ctx is cancelled, at
// which point the listener and any active session are closed. Serve owns ln.
// Accept failures are logged and retried with backoff.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() {
		s.listening.Store(false)
		s.setState(Stopped)
		s.opts.Events.Emit(status.Event{Kind: status.Stopped, Message: "stopped listening on " + ln.Addr().String()})
		s.logger.Info("stopped listening", "addr", ln.Addr().String())
	}()

	s.listening.Store(true)
	s.logger.Info("listening", "addr", ln.Addr().String())
	s.opts.Events.Emit(status.Event{Kind: status.Listening, Message: ln.Addr().String()})

	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(Listening)
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// resource exhaustion and similar accept failures are retried
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.logger.Error("failed to accept", "err", err, "retry_in", backoff)
			s.opts.Events.Emit(status.Event{Kind: status.Fault, Message: "accept failed", Err: err})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		// a WebSocket session may hold the slot, the producer waits on its connection
		select {
		case s.slot <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
		s.runSession(ctx, session.NewStreamConn(conn, s.opts.MaxLineBytes))
		<-s.slot
	}
}

// Handler returns the HTTP surface: /sync upgrades to a WebSocket session,
// /healthz reports the service state and /metrics exposes Prometheus
// metrics. Sessions started through it are cancelled with ctx.
func (s *Service) Handler(ctx context.Context) http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		s.syncWebsocket(ctx, writer, request)
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	return r
}

func (s *Service) syncWebsocket(ctx context.Context, writer http.ResponseWriter, request *http.Request) {
	select {
	case s.slot <- struct{}{}:
	default:
		http.Error(writer, "a sync session is already active", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.slot }()

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}

	sctx, cancel := context.WithCancel(request.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	s.runSession(sctx, session.NewWebsocketConn(conn, s.opts.MaxLineBytes))
}

func (s *Service) runSession(ctx context.Context, conn session.Conn) {
	sess := session.New(conn, session.Options{
		ReadTimeout: s.opts.ReadTimeout,
		Events:      s.opts.Events,
		Logger:      s.logger,
	})
	s.mu.Lock()
	s.active = sess.ID
	s.mu.Unlock()
	s.setState(Open)

	err := sess.Serve(ctx, s.applier)
	switch {
	case err == nil:
		s.logger.Info("session ended", "session", sess.ID)
	case ctx.Err() != nil:
		s.logger.Info("session closed for shutdown", "session", sess.ID)
	default:
		s.logger.Error("session failed", "session", sess.ID, "kind", faults.Kind(err), "err", err)
	}

	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
	s.setState(Closed)
	if s.listening.Load() {
		s.setState(Listening)
	}
}

type health struct {
	State         string `json:"state"`
	ActiveSession string `json:"active_session,omitempty"`
	DroppedEvents uint64 `json:"dropped_events"`
}

func (s *Service) healthz(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(health{
		State:         s.State().String(),
		ActiveSession: s.ActiveSession(),
		DroppedEvents: s.opts.Events.Dropped(),
	}); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}
