package session

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/tablesync/pkg/codec"
	"github.com/astromechza/tablesync/pkg/faults"
)

// Client is the producing end of a session. It is strictly half-duplex: one
// batch is in flight at a time and each Exchange waits for exactly one reply.
type Client struct {
	conn    Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewClient wraps an established connection. timeout bounds each exchange;
// zero waits forever.
func NewClient(conn Conn, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

// Dial opens a TCP session to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration, maxLine int) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &faults.ConnectionFault{Op: "dial", Err: err}
	}
	return NewClient(NewStreamConn(conn, maxLine), timeout), nil
}

// DialWebsocket opens a session over a websocket at url (ws:// or wss://).
func DialWebsocket(ctx context.Context, url string, timeout time.Duration, maxLine int) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &faults.ConnectionFault{Op: "dial", Err: err}
	}
	return NewClient(NewWebsocketConn(conn, maxLine), timeout), nil
}

// Exchange sends batch and blocks for its ack. Any error other than an
// EncodeError leaves the connection unusable.
func (c *Client) Exchange(ctx context.Context, batch codec.Batch) (codec.Ack, error) {
	line, err := codec.Encode(batch)
	if err != nil {
		return codec.Ack{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return codec.Ack{}, &faults.ConnectionFault{Op: "write", Err: net.ErrClosed}
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return codec.Ack{}, c.fault(ctx, "write", err)
		}
	}
	if err := c.conn.WriteLine(line); err != nil {
		return codec.Ack{}, c.fault(ctx, "write", err)
	}

	var reply string
	for strings.TrimSpace(reply) == "" {
		if reply, err = c.conn.ReadLine(); err != nil {
			return codec.Ack{}, c.fault(ctx, "read", err)
		}
	}
	ack, err := codec.DecodeAck(reply)
	if err != nil {
		c.closed = true
		_ = c.conn.Close()
		return codec.Ack{}, err
	}
	return ack, nil
}

// Close sends the sentinel, best effort, and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.SetDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteLine(codec.Sentinel)
	return c.conn.Close()
}

func (c *Client) fault(ctx context.Context, op string, err error) error {
	c.closed = true
	_ = c.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &faults.ConnectionFault{Op: op, Err: err}
}
