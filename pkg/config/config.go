// Package config loads the INI files read by the two binaries. Every key has
// a default so a missing file still yields a runnable configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/astromechza/tablesync/pkg/apply"
	"github.com/astromechza/tablesync/pkg/session"
	"github.com/astromechza/tablesync/pkg/sqldb"
)

const (
	DefaultServerFile = "Config.ini"
	DefaultClientFile = "Client.ini"

	TransportTCP       = "tcp"
	TransportWebsocket = "websocket"

	BackendSQL  = "sql"
	BackendFile = "file"
)

// Database is the [DBConnection] section. An explicit DSN wins; otherwise one
// is assembled from the remaining keys.
type Database struct {
	Driver string
	DSN    string
	// Mode 0 connects to a local server by name, any other value connects
	// over the network with credentials.
	Mode   int
	Server string
	IP     string
	Port   int
	UID    string
	PW     string
	DB     string
}

// DataSourceName returns the DSN handed to sqldb.Open.
func (d Database) DataSourceName() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}
	switch d.Driver {
	case sqldb.DriverSQLite3, sqldb.DriverSQLite:
		if d.DB == "" {
			return "tablesync.db", nil
		}
		return d.DB, nil
	case sqldb.DriverPostgres:
		if d.Mode == 0 {
			return fmt.Sprintf("host=%s dbname=%s", d.Server, d.DB), nil
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(d.IP, strconv.Itoa(d.Port)),
			Path:   "/" + d.DB,
		}
		if d.UID != "" {
			u.User = url.UserPassword(d.UID, d.PW)
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("DBConnection: unsupported driver %q", d.Driver)
	}
}

type Session struct {
	ReadTimeout  time.Duration
	MaxLineBytes int
}

// Tables is the [Tables] section: the synced tables in file order and the
// identifier column of each.
type Tables struct {
	Names     []string
	IDColumns map[string]string
}

type Server struct {
	Database Database
	// TCPAddr is the line protocol listener, from [TCPServer] IP and Port.
	TCPAddr string
	// HTTPAddr serves /sync, /healthz and /metrics. Empty disables it.
	HTTPAddr string
	Session  Session
	Tables   Tables
}

type Watermarks struct {
	Backend string
	File    string
	Table   string
}

type Client struct {
	Database Database
	// ServerAddr is the receiver's line protocol address.
	ServerAddr string
	// URL is the receiver's WebSocket endpoint.
	URL        string
	Transport  string
	Interval   time.Duration
	BatchSize  int
	Session    Session
	Tables     Tables
	Watermarks Watermarks
}

// LoadServer reads the receiver configuration from path.
func LoadServer(path string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := load(path, logger)
	if err != nil {
		return nil, err
	}
	db, err := database(f)
	if err != nil {
		return nil, err
	}
	sess, err := sessionSection(f)
	if err != nil {
		return nil, err
	}
	tcp := f.Section("TCPServer")
	return &Server{
		Database: db,
		TCPAddr:  net.JoinHostPort(tcp.Key("IP").MustString("0.0.0.0"), strconv.Itoa(tcp.Key("Port").MustInt(54321))),
		HTTPAddr: f.Section("HTTPServer").Key("Addr").MustString(":8080"),
		Session:  sess,
		Tables:   tables(f),
	}, nil
}

// LoadClient reads the producer configuration from path.
func LoadClient(path string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := load(path, logger)
	if err != nil {
		return nil, err
	}
	db, err := database(f)
	if err != nil {
		return nil, err
	}
	sess, err := sessionSection(f)
	if err != nil {
		return nil, err
	}

	tcp := f.Section("TCPServer")
	httpAddr := f.Section("HTTPServer").Key("Addr").MustString("127.0.0.1:8080")
	syncSec := f.Section("Sync")
	c := &Client{
		Database:   db,
		ServerAddr: net.JoinHostPort(tcp.Key("IP").MustString("127.0.0.1"), strconv.Itoa(tcp.Key("Port").MustInt(54321))),
		URL:        syncSec.Key("URL").MustString("ws://" + httpAddr + "/sync"),
		Transport:  strings.ToLower(syncSec.Key("Transport").MustString(TransportTCP)),
		Session:    sess,
		Tables:     tables(f),
		Watermarks: Watermarks{
			Backend: strings.ToLower(f.Section("Watermarks").Key("Backend").MustString(BackendSQL)),
			File:    f.Section("Watermarks").Key("File").MustString("LastID.ini"),
			Table:   f.Section("Watermarks").Key("Table").MustString("sync_watermarks"),
		},
	}
	if c.Interval, err = duration(syncSec, "Interval", 10*time.Second); err != nil {
		return nil, err
	}
	if syncSec.HasKey("BatchSize") {
		if c.BatchSize, err = syncSec.Key("BatchSize").Int(); err != nil {
			return nil, fmt.Errorf("Sync: invalid BatchSize: %w", err)
		}
	}
	if c.BatchSize < 0 {
		return nil, fmt.Errorf("Sync: BatchSize must not be negative, got %d", c.BatchSize)
	}
	switch c.Transport {
	case TransportTCP, TransportWebsocket:
	default:
		return nil, fmt.Errorf("Sync: unknown Transport %q", c.Transport)
	}
	switch c.Watermarks.Backend {
	case BackendSQL, BackendFile:
	default:
		return nil, fmt.Errorf("Watermarks: unknown Backend %q", c.Watermarks.Backend)
	}
	if len(c.Tables.Names) == 0 {
		logger.Warn("no tables configured, nothing will be synced", "path", path)
	}
	return c, nil
}

func load(path string, logger *slog.Logger) (*ini.File, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		logger.Warn("missing configuration file, loading defaults", "path", path)
	}
	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return f, nil
}

func database(f *ini.File) (Database, error) {
	s := f.Section("DBConnection")
	d := Database{
		Driver: s.Key("Driver").MustString(sqldb.DriverSQLite3),
		DSN:    s.Key("DSN").String(),
		Mode:   s.Key("Mode").MustInt(1),
		Server: s.Key("Server").MustString("localhost"),
		IP:     s.Key("IP").MustString("127.0.0.1"),
		Port:   s.Key("Port").MustInt(5432),
		UID:    s.Key("UID").String(),
		PW:     s.Key("PW").String(),
		DB:     s.Key("DB").String(),
	}
	if _, err := d.DataSourceName(); err != nil {
		return Database{}, err
	}
	return d, nil
}

func sessionSection(f *ini.File) (Session, error) {
	s := f.Section("Session")
	timeout, err := duration(s, "ReadTimeout", 30*time.Second)
	if err != nil {
		return Session{}, err
	}
	maxLine := s.Key("MaxLineBytes").MustInt(session.DefaultMaxLineBytes)
	if maxLine <= 0 {
		return Session{}, fmt.Errorf("Session: MaxLineBytes must be positive, got %d", maxLine)
	}
	return Session{ReadTimeout: timeout, MaxLineBytes: maxLine}, nil
}

func duration(s *ini.Section, key string, def time.Duration) (time.Duration, error) {
	if !s.HasKey(key) {
		return def, nil
	}
	d, err := s.Key(key).Duration()
	if err != nil {
		return 0, fmt.Errorf("%s: invalid %s: %w", s.Name(), key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: %s must be positive, got %s", s.Name(), key, d)
	}
	return d, nil
}

func tables(f *ini.File) Tables {
	t := Tables{IDColumns: make(map[string]string)}
	s, err := f.GetSection("Tables")
	if err != nil {
		return t
	}
	for _, k := range s.Keys() {
		col := strings.TrimSpace(k.String())
		if col == "" {
			col = apply.DefaultIDColumn
		}
		t.Names = append(t.Names, k.Name())
		t.IDColumns[k.Name()] = col
	}
	return t
}
