package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/tablesync/cmd/pkg"
	"github.com/astromechza/tablesync/pkg/config"
	"github.com/astromechza/tablesync/pkg/coordinator"
	"github.com/astromechza/tablesync/pkg/session"
	"github.com/astromechza/tablesync/pkg/sqldb"
	"github.com/astromechza/tablesync/pkg/status"
	"github.com/astromechza/tablesync/pkg/watermark"
)

func main() {
	configVar := flag.String("config", config.DefaultClientFile, "the configuration file to read")
	levelVar := flag.String("log-level", "info", "the minimum log level")
	errorLogVar := flag.String("error-log", pkg.DefaultErrorLog, "the file fatal errors are appended to")
	onceVar := flag.Bool("once", false, "run a single sync cycle and exit")
	flag.Parse()
	if err := mainInner(*configVar, *levelVar, *onceVar); err != nil {
		pkg.Exit(*errorLogVar, err)
	}
}

func mainInner(configPath, level string, once bool) (err error) {
	defer pkg.Recover(&err)

	logger, err := pkg.Logger(level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.LoadClient(configPath, logger)
	if err != nil {
		return err
	}
	db, err := pkg.OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	marks, err := openWatermarks(ctx, cfg.Watermarks, db)
	if err != nil {
		return err
	}
	source, err := coordinator.NewSQLSource(db)
	if err != nil {
		return err
	}

	events := make(chan status.Event, 256)
	emitter := status.NewEmitter(events)
	coord := coordinator.New(source, marks, coordinator.Options{
		Tables:    cfg.Tables.Names,
		IDColumns: cfg.Tables.IDColumns,
		BatchSize: cfg.BatchSize,
		Events:    emitter,
		Logger:    logger,
	})
	sched := coordinator.NewScheduler(coord, dialer(cfg), coordinator.SchedulerOptions{
		Interval: cfg.Interval,
		Events:   emitter,
		Logger:   logger,
	})

	if once {
		defer sched.Disconnect()
		results, runErr := sched.RunOnce(ctx)
		for _, r := range results {
			slog.Info("synced", "table", r.Table, "sent", r.Sent, "rows", r.Rows, "watermark", r.Watermark)
		}
		return runErr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		status.Observe(gctx, events, logger)
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return pkg.WaitForSignal(gctx, cancel)
	})
	return g.Wait()
}

func openWatermarks(ctx context.Context, cfg config.Watermarks, db *sqldb.DB) (watermark.Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		slog.Info("using watermark file", "path", cfg.File)
		store, err := watermark.OpenFileStore(cfg.File)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendSQL:
		store, err := watermark.NewSQLStore(ctx, db, cfg.Table)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown watermark backend %q", cfg.Backend)
	}
}

func dialer(cfg *config.Client) coordinator.DialFunc {
	return func(ctx context.Context) (coordinator.Conn, error) {
		var (
			client *session.Client
			err    error
		)
		if cfg.Transport == config.TransportWebsocket {
			slog.Info("connecting", "url", cfg.URL)
			client, err = session.DialWebsocket(ctx, cfg.URL, cfg.Session.ReadTimeout, cfg.Session.MaxLineBytes)
		} else {
			slog.Info("connecting", "addr", cfg.ServerAddr)
			client, err = session.Dial(ctx, cfg.ServerAddr, cfg.Session.ReadTimeout, cfg.Session.MaxLineBytes)
		}
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
