package session

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/tablesync/pkg/faults"
)

// DefaultMaxLineBytes bounds a single protocol line.
const DefaultMaxLineBytes = 16 << 20

// Conn is a bidirectional stream of text lines. Implementations allow one
// reader and one writer at a time; Close may be called concurrently to
// unblock either.
type Conn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	SetDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

type streamConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	maxLine int
}

// NewStreamConn frames lines with '\n' over a byte stream such as TCP.
func NewStreamConn(conn net.Conn, maxLine int) Conn {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &streamConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		maxLine: maxLine,
	}
}

func (c *streamConn) ReadLine() (string, error) {
	var buff []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return "", err
		}
		buff = append(buff, chunk...)
		if len(buff) > c.maxLine {
			return "", &faults.FormatError{Reason: fmt.Sprintf("line exceeds %d bytes", c.maxLine)}
		}
		if !isPrefix {
			return string(buff), nil
		}
	}
}

func (c *streamConn) WriteLine(line string) error {
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *streamConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

type websocketConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn carries one line per websocket text message.
func NewWebsocketConn(conn *websocket.Conn, maxLine int) Conn {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	conn.SetReadLimit(int64(maxLine))
	return &websocketConn{conn: conn}
}

func (c *websocketConn) ReadLine() (string, error) {
	_, p, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(p), "\r\n"), nil
}

func (c *websocketConn) WriteLine(line string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *websocketConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *websocketConn) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

func (c *websocketConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
