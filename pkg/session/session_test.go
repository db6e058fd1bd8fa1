package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/astromechza/tablesync/pkg/codec"
	"github.com/astromechza/tablesync/pkg/faults"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingApplier struct {
	mu      sync.Mutex
	batches []codec.Batch
	err     error
}

func (a *recordingApplier) Apply(_ context.Context, batch codec.Batch) (codec.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return codec.Ack{}, a.err
	}
	a.batches = append(a.batches, batch)
	id, err := batch.LastID("SysId")
	if err != nil {
		return codec.Ack{}, err
	}
	return codec.Ack{Table: batch.Table, MaxID: id}, nil
}

// servePipe runs a session over one end of a net.Pipe and returns the peer
// end wrapped for line access, plus a channel carrying Serve's result.
func servePipe(t *testing.T, ctx context.Context, applier Applier, timeout time.Duration) (net.Conn, *bufio.Reader, *Session, <-chan error) {
	t.Helper()
	server, peer := net.Pipe()
	s := New(NewStreamConn(server, 0), Options{ReadTimeout: timeout})
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, applier) }()
	return peer, bufio.NewReader(peer), s, done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end in time")
		return nil
	}
}

func TestServeAppliesBatchAndAcks(t *testing.T) {
	applier := &recordingApplier{}
	peer, reader, s, done := servePipe(t, context.Background(), applier, time.Second)
	defer peer.Close()

	line, err := codec.Encode(codec.Batch{Table: "Orders", Rows: []codec.Row{
		{"SysId": int64(101)}, {"SysId": int64(102)}, {"SysId": int64(103)},
	}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := peer.Write([]byte("\n" + line + "\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply failed: %v", err)
	}
	if reply != "Orders,103\n" {
		t.Fatalf("reply = %q, want Orders,103", reply)
	}
	if s.State() != Open {
		t.Fatalf("state = %v, want open", s.State())
	}

	if _, err := peer.Write([]byte(codec.Sentinel + "\n")); err != nil {
		t.Fatalf("write sentinel failed: %v", err)
	}
	if err := waitResult(t, done); err != nil {
		t.Fatalf("Serve returned %v, want nil", err)
	}
	if s.State() != Closed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if len(applier.batches) != 1 || len(applier.batches[0].Rows) != 3 {
		t.Fatalf("unexpected applied batches %+v", applier.batches)
	}
}

func TestServeSentinelSendsNoReply(t *testing.T) {
	peer, reader, _, done := servePipe(t, context.Background(), &recordingApplier{}, time.Second)
	defer peer.Close()

	start := time.Now()
	if _, err := peer.Write([]byte(codec.Sentinel + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := waitResult(t, done); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("sentinel took %v to close the session", elapsed)
	}
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatalf("expected no reply after sentinel")
	}
}

func TestServeFormatErrorIsFatal(t *testing.T) {
	applier := &recordingApplier{}
	peer, reader, s, done := servePipe(t, context.Background(), applier, time.Second)
	defer peer.Close()

	if _, err := peer.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	err := waitResult(t, done)
	var formatErr *faults.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatalf("expected no reply after format error")
	}
	if len(applier.batches) != 0 {
		t.Fatalf("nothing should have been applied")
	}
}

func TestServeApplyFaultSendsNoAck(t *testing.T) {
	applier := &recordingApplier{err: errors.New("constraint violated")}
	peer, reader, _, done := servePipe(t, context.Background(), applier, time.Second)
	defer peer.Close()

	line, _ := codec.Encode(codec.Batch{Table: "Orders", Rows: []codec.Row{{"SysId": int64(1)}}})
	if _, err := peer.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	err := waitResult(t, done)
	var applyFault *faults.ApplyFault
	if !errors.As(err, &applyFault) || applyFault.Table != "Orders" {
		t.Fatalf("expected ApplyFault for Orders, got %v", err)
	}
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatalf("expected no ack after apply fault")
	}
}

func TestServePeerHangupIsConnectionFault(t *testing.T) {
	peer, _, _, done := servePipe(t, context.Background(), &recordingApplier{}, time.Second)
	_ = peer.Close()
	err := waitResult(t, done)
	var connFault *faults.ConnectionFault
	if !errors.As(err, &connFault) {
		t.Fatalf("expected ConnectionFault, got %v", err)
	}
}

func TestServeReadTimeout(t *testing.T) {
	peer, _, _, done := servePipe(t, context.Background(), &recordingApplier{}, 50*time.Millisecond)
	defer peer.Close()
	err := waitResult(t, done)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
	if faults.Kind(err) != "connection" {
		t.Fatalf("timeout should be a connection fault, got %s", faults.Kind(err))
	}
}

func TestServeCancellationUnblocksRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	peer, _, s, done := servePipe(t, ctx, &recordingApplier{}, 0)
	defer peer.Close()

	time.Sleep(20 * time.Millisecond)
	cancel()
	err := waitResult(t, done)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestServeOnlyOnce(t *testing.T) {
	peer, _, s, done := servePipe(t, context.Background(), &recordingApplier{}, time.Second)
	_ = peer.Close()
	_ = waitResult(t, done)
	if err := s.Serve(context.Background(), &recordingApplier{}); err == nil {
		t.Fatalf("expected second Serve to fail")
	}
}

func TestStreamConnLineLimit(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	conn := NewStreamConn(server, 8)
	defer conn.Close()
	go func() { _, _ = peer.Write([]byte(strings.Repeat("x", 64) + "\n")) }()
	_, err := conn.ReadLine()
	var formatErr *faults.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError for oversized line, got %v", err)
	}
}

func TestClientExchangeOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	applier := &recordingApplier{}
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- New(NewStreamConn(conn, 0), Options{ReadTimeout: time.Second}).Serve(context.Background(), applier)
	}()

	client, err := Dial(context.Background(), ln.Addr().String(), time.Second, 0)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	batch := codec.Batch{Table: "Orders", Rows: []codec.Row{{"SysId": int64(5), "Item": "a"}, {"SysId": int64(6), "Item": "b"}}}
	ack, err := client.Exchange(context.Background(), batch)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if diff := cmp.Diff(codec.Ack{Table: "Orders", MaxID: 6}, ack); diff != "" {
		t.Fatalf("ack mismatch (-want +got):\n%s", diff)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := waitResult(t, done); err != nil {
		t.Fatalf("server session ended with %v", err)
	}
	if _, err := client.Exchange(context.Background(), batch); faults.Kind(err) != "connection" {
		t.Fatalf("exchange after close should be a connection fault, got %v", err)
	}
}

func TestClientRejectsUnencodableBatch(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	client := NewClient(NewStreamConn(server, 0), time.Second)
	defer client.Close()
	go func() { _, _ = bufio.NewReader(peer).ReadString('\n') }()

	_, err := client.Exchange(context.Background(), codec.Batch{Table: "t", Rows: []codec.Row{{"SysId": int64(1), "v": "a\nb"}}})
	var encErr *faults.EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodeError, got %v", err)
	}
}

func TestClientMalformedAck(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	client := NewClient(NewStreamConn(server, 0), time.Second)
	defer client.Close()
	go func() {
		r := bufio.NewReader(peer)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		_, _ = peer.Write([]byte("garbage\n"))
		_, _ = r.ReadString('\n')
	}()

	_, err := client.Exchange(context.Background(), codec.Batch{Table: "t", Rows: []codec.Row{{"SysId": int64(1)}}})
	var formatErr *faults.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestClientCancelledWhileWaiting(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	client := NewClient(NewStreamConn(server, 0), 0)
	defer client.Close()
	go func() { _, _ = bufio.NewReader(peer).ReadString('\n') }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Exchange(ctx, codec.Batch{Table: "t", Rows: []codec.Row{{"SysId": int64(1)}}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWebsocketTransport(t *testing.T) {
	applier := &recordingApplier{}
	done := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			done <- err
			return
		}
		done <- New(NewWebsocketConn(conn, 0), Options{ReadTimeout: time.Second}).Serve(r.Context(), applier)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebsocket(context.Background(), url, time.Second, 0)
	if err != nil {
		t.Fatalf("DialWebsocket failed: %v", err)
	}
	ack, err := client.Exchange(context.Background(), codec.Batch{Table: "Orders", Rows: []codec.Row{{"SysId": int64(9)}}})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if ack.MaxID != 9 || ack.Table != "Orders" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := waitResult(t, done); err != nil {
		t.Fatalf("websocket session ended with %v", err)
	}
}
