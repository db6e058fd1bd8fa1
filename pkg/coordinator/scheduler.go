package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/astromechza/tablesync/pkg/faults"
	"github.com/astromechza/tablesync/pkg/status"
)

// Conn is an open session to the receiver.
type Conn interface {
	Exchanger
	Close() error
}

// DialFunc opens a new session to the receiver.
type DialFunc func(ctx context.Context) (Conn, error)

type SchedulerOptions struct {
	Interval time.Duration
	Clock    clock.Clock
	Events   *status.Emitter
	Logger   *slog.Logger
}

// Scheduler triggers a SyncAll every interval over a connection it keeps
// open between cycles. A session fault drops the connection; the next cycle
// dials again.
type Scheduler struct {
	coord  *Coordinator
	dial   DialFunc
	opts   SchedulerOptions
	logger *slog.Logger
	conn   Conn
}

func NewScheduler(coord *Coordinator, dial DialFunc, opts SchedulerOptions) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{coord: coord, dial: dial, opts: opts, logger: logger}
}

// Run performs a cycle immediately and then once per interval until ctx is
// done. On return the open session, if any, is ended with the sentinel.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Disconnect()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sync cycle failed", "err", err, "kind", faults.Kind(err))
		}

		t := s.opts.Clock.NewTimer(s.opts.Interval)
		select {
		case <-t.Chan():
		case <-ctx.Done():
			t.Stop()
			s.logger.Info("stopping scheduled sync")
			s.opts.Events.Emit(status.Event{Kind: status.Stopped, Message: "scheduler stopped"})
			return nil
		}
	}
}

// RunOnce dials if needed and syncs every table once.
func (s *Scheduler) RunOnce(ctx context.Context) ([]Result, error) {
	if s.conn == nil {
		conn, err := s.dial(ctx)
		if err != nil {
			s.opts.Events.Emit(status.Event{Kind: status.Fault, Message: "dial failed", Err: err})
			return nil, err
		}
		s.conn = conn
		s.opts.Events.Emit(status.Event{Kind: status.SessionOpen, Message: "connected to receiver"})
	}

	results, err := s.coord.SyncAll(ctx, s.conn)
	if err != nil && (faults.IsSessionFatal(err) || ctx.Err() != nil) {
		s.drop()
	}
	return results, err
}

// Disconnect ends the current session, if any.
func (s *Scheduler) Disconnect() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("failed to close session", "err", err)
	}
	s.conn = nil
	s.opts.Events.Emit(status.Event{Kind: status.SessionClosed})
}

func (s *Scheduler) drop() {
	s.logger.Warn("dropping session after fault")
	s.Disconnect()
}
