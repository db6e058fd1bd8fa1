// Package session runs the line protocol over one connection: the receiving
// loop that applies batches and answers with acks, and the producing client
// that sends a batch and waits for its ack.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/tablesync/pkg/codec"
	"github.com/astromechza/tablesync/pkg/faults"
	"github.com/astromechza/tablesync/pkg/metrics"
	"github.com/astromechza/tablesync/pkg/status"
)

type State int32

const (
	Idle State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Applier applies a decoded batch and reports the confirmed watermark.
type Applier interface {
	Apply(ctx context.Context, batch codec.Batch) (codec.Ack, error)
}

type Options struct {
	// ReadTimeout bounds each wait for a line and each reply write. Zero
	// disables the deadline.
	ReadTimeout time.Duration
	Events      *status.Emitter
	Logger      *slog.Logger
}

// Session is the receiving end of one accepted connection.
type Session struct {
	ID string

	conn      Conn
	opts      Options
	logger    *slog.Logger
	state     atomic.Int32
	closeOnce sync.Once
}

func New(conn Conn, opts Options) *Session {
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:     id,
		conn:   conn,
		opts:   opts,
		logger: logger.With("session", id, "remote", conn.RemoteAddr()),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Serve reads one line per iteration until the sentinel arrives, the peer
// faults, or ctx is cancelled. A nil return means the peer ended the session
// cleanly. The connection is always closed on return.
func (s *Session) Serve(ctx context.Context, applier Applier) (err error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Open)) {
		return errors.New("session has already been served")
	}
	metrics.Sessions.Inc()
	s.opts.Events.Emit(status.Event{Kind: status.SessionOpen, Session: s.ID, Message: "accepted " + s.conn.RemoteAddr()})

	stop := context.AfterFunc(ctx, s.close)
	defer stop()
	defer func() {
		s.close()
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			s.logger.Info("session cancelled")
		default:
			metrics.SessionFaults.WithLabelValues(faults.Kind(err)).Inc()
			s.opts.Events.Emit(status.Event{Kind: status.Fault, Session: s.ID, Err: err})
		}
		s.opts.Events.Emit(status.Event{Kind: status.SessionClosed, Session: s.ID})
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setDeadline()
		line, err := s.conn.ReadLine()
		if err != nil {
			return s.ioFault(ctx, "read", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if codec.IsSentinel(line) {
			s.logger.Info("client closed the session")
			return nil
		}

		batch, err := codec.Decode(line)
		if err != nil {
			return err
		}
		s.logger.Info("received batch", "table", batch.Table, "rows", len(batch.Rows), "bytes", len(line))

		ack, err := applier.Apply(ctx, batch)
		if err != nil {
			var applyFault *faults.ApplyFault
			if !errors.As(err, &applyFault) {
				err = &faults.ApplyFault{Table: batch.Table, Err: err}
			}
			return err
		}
		s.opts.Events.Emit(status.Event{Kind: status.BatchApplied, Session: s.ID, Table: ack.Table, Value: ack.MaxID})

		s.setDeadline()
		if err := s.conn.WriteLine(codec.EncodeAck(ack)); err != nil {
			return s.ioFault(ctx, "write", err)
		}
		s.logger.Info("sent ack", "table", ack.Table, "max_id", ack.MaxID)
	}
}

func (s *Session) setDeadline() {
	if s.opts.ReadTimeout <= 0 {
		return
	}
	if err := s.conn.SetDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
		s.logger.Warn("failed to set deadline", "err", err)
	}
}

func (s *Session) ioFault(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var formatErr *faults.FormatError
	if errors.As(err, &formatErr) {
		return err
	}
	return &faults.ConnectionFault{Op: op, Err: err}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "err", err)
		}
	})
}
