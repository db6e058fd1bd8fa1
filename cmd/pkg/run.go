// Package pkg holds the process plumbing shared by syncserver and syncclient.
package pkg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/astromechza/tablesync/pkg/config"
	"github.com/astromechza/tablesync/pkg/sqldb"
)

// DefaultErrorLog receives one line per fatal error.
const DefaultErrorLog = "Error.log"

// Logger returns a text logger on stderr at the named level.
func Logger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// AppendErrorLog appends err to path with a timestamp.
func AppendErrorLog(path string, err error) error {
	f, openErr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if openErr != nil {
		return fmt.Errorf("failed to open error log: %w", openErr)
	}
	defer f.Close()
	if _, writeErr := fmt.Fprintf(f, "%s %v\n", time.Now().Format(time.RFC3339), err); writeErr != nil {
		return fmt.Errorf("failed to write error log: %w", writeErr)
	}
	return nil
}

// Exit logs a fatal error, records it in the error log and exits non-zero.
func Exit(errorLog string, err error) {
	slog.Error(err.Error())
	if logErr := AppendErrorLog(errorLog, err); logErr != nil {
		slog.Error("failed to record fatal error", "err", logErr)
	}
	os.Exit(1)
}

// Recover turns a panic in the calling function into an error in *err.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic: %v", r)
	}
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives or ctx is done, and
// cancels in the first case.
func WaitForSignal(ctx context.Context, cancel context.CancelFunc) error {
	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exit)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
		cancel()
	case <-ctx.Done():
	}
	return nil
}

// OpenDatabase opens the [DBConnection] database.
func OpenDatabase(cfg config.Database) (*sqldb.DB, error) {
	dsn, err := cfg.DataSourceName()
	if err != nil {
		return nil, err
	}
	slog.Info("Opening database", "driver", cfg.Driver)
	return sqldb.Open(cfg.Driver, dsn)
}
