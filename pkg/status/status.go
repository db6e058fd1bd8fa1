// Package status carries progress events from the sync workers to whoever is
// watching, without the workers ever blocking on the observer.
package status

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type Kind string

const (
	Listening         Kind = "listening"
	SessionOpen       Kind = "session_open"
	SessionClosed     Kind = "session_closed"
	BatchApplied      Kind = "batch_applied"
	BatchSent         Kind = "batch_sent"
	WatermarkAdvanced Kind = "watermark_advanced"
	Fault             Kind = "fault"
	Stopped           Kind = "stopped"
)

type Event struct {
	Time    time.Time
	Kind    Kind
	Session string
	Table   string
	Value   int64
	Message string
	Err     error
}

// Emitter publishes events onto a buffered channel. A nil Emitter is valid
// and discards everything.
type Emitter struct {
	ch      chan<- Event
	dropped atomic.Uint64
}

func NewEmitter(ch chan<- Event) *Emitter {
	return &Emitter{ch: ch}
}

// Emit sends ev if there is room, otherwise the event is dropped and counted.
func (e *Emitter) Emit(ev Event) {
	if e == nil || e.ch == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the observer lagged.
func (e *Emitter) Dropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Observe logs every event from ch until ctx is done or ch is closed.
func Observe(ctx context.Context, ch <-chan Event, logger *slog.Logger) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			Log(logger, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Log writes a single event with slog.
func Log(logger *slog.Logger, ev Event) {
	attrs := []any{"event", string(ev.Kind)}
	if ev.Session != "" {
		attrs = append(attrs, "session", ev.Session)
	}
	if ev.Table != "" {
		attrs = append(attrs, "table", ev.Table, "value", ev.Value)
	}
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Kind)
	}
	if ev.Err != nil {
		logger.Error(msg, append(attrs, "err", ev.Err)...)
		return
	}
	logger.Info(msg, attrs...)
}
