package status

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestEmitterDropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	e := NewEmitter(ch)
	e.Emit(Event{Kind: SessionOpen})
	e.Emit(Event{Kind: SessionClosed})
	if got := e.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	ev := <-ch
	if ev.Kind != SessionOpen || ev.Time.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestNilEmitter(t *testing.T) {
	var e *Emitter
	e.Emit(Event{Kind: Fault})
	if e.Dropped() != 0 {
		t.Fatalf("nil emitter should report zero drops")
	}
}

func TestObserveLogsUntilClosed(t *testing.T) {
	var buff bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buff, nil))
	ch := make(chan Event, 2)
	ch <- Event{Kind: BatchApplied, Table: "Orders", Value: 103, Session: "s1"}
	ch <- Event{Kind: Fault, Err: errors.New("boom")}
	close(ch)
	Observe(context.Background(), ch, logger)

	out := buff.String()
	for _, want := range []string{"event=batch_applied", "table=Orders", "value=103", "session=s1", "level=ERROR", "err=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
