package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/tablesync/cmd/pkg"
	"github.com/astromechza/tablesync/pkg/apply"
	"github.com/astromechza/tablesync/pkg/config"
	"github.com/astromechza/tablesync/pkg/server"
	"github.com/astromechza/tablesync/pkg/status"
)

func main() {
	configVar := flag.String("config", config.DefaultServerFile, "the configuration file to read")
	levelVar := flag.String("log-level", "info", "the minimum log level")
	errorLogVar := flag.String("error-log", pkg.DefaultErrorLog, "the file fatal errors are appended to")
	flag.Parse()
	if err := mainInner(*configVar, *levelVar); err != nil {
		pkg.Exit(*errorLogVar, err)
	}
}

func mainInner(configPath, level string) (err error) {
	defer pkg.Recover(&err)

	logger, err := pkg.Logger(level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.LoadServer(configPath, logger)
	if err != nil {
		return err
	}
	db, err := pkg.OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	target, err := apply.NewSQLTarget(db)
	if err != nil {
		return err
	}
	engine := apply.NewEngine(target, apply.Options{
		IDColumns:      cfg.Tables.IDColumns,
		RestrictTables: len(cfg.Tables.Names) > 0,
		Logger:         logger,
	})

	events := make(chan status.Event, 256)
	svc := server.New(engine, server.Options{
		ReadTimeout:  cfg.Session.ReadTimeout,
		MaxLineBytes: cfg.Session.MaxLineBytes,
		Events:       status.NewEmitter(events),
		Logger:       logger,
	})

	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.TCPAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		status.Observe(gctx, events, logger)
		return nil
	})
	g.Go(func() error {
		return svc.Serve(gctx, ln)
	})
	if cfg.HTTPAddr != "" {
		httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: svc.Handler(gctx), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			slog.Info("serving http", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server listen failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return httpServer.Close()
		})
	}
	g.Go(func() error {
		return pkg.WaitForSignal(gctx, cancel)
	})

	return g.Wait()
}
