// Package server initializes and runs the curation service: it selects the
// record store, replays crash recovery, wires the staging and publish
// services and starts the HTTP API with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mozhii/curator/internal/logging"
	"github.com/mozhii/curator/internal/server/auth"
	"github.com/mozhii/curator/internal/server/config"
	"github.com/mozhii/curator/internal/server/httpapi"
	"github.com/mozhii/curator/internal/server/hub"
	"github.com/mozhii/curator/internal/server/ledger"
	"github.com/mozhii/curator/internal/server/publish"
	"github.com/mozhii/curator/internal/server/staging"
	"github.com/mozhii/curator/internal/server/store"
)

type App struct {
	config *config.Config
	logger logging.Logger
	server *httpapi.Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	st, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := st.Recover(ctx); err != nil {
		return nil, fmt.Errorf("store recovery: %w", err)
	}

	lg, err := ledger.OpenFileLedger(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("opening publish ledger: %w", err)
	}

	hubClient, err := hub.NewS3Client(ctx, hub.S3Options{
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		Region:       cfg.S3Region,
		Bucket:       cfg.S3Bucket,
		BaseEndpoint: cfg.S3BaseEndpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("hub client init: %w", err)
	}

	stagingService := staging.NewService(st, logger)
	publishService := publish.NewService(st, hubClient, lg, logger, cfg.UploadTimeout)
	authService := auth.NewService(cfg.AdminUser, cfg.AdminPassword, []byte(cfg.SecretKey), cfg.TokenValidityDuration)

	handler := httpapi.NewHandler(stagingService, publishService, authService, logger)
	router := httpapi.NewRouter(handler, authService, cfg.AllowOrigins)
	srv := httpapi.NewServer(cfg.EndpointAddrHTTP, router, logger)

	return &App{config: cfg, logger: logger, server: srv}, nil
}

// newStore picks the record store backend: a non-empty DSN selects postgres
// (running embedded migrations), otherwise the filesystem store under DataDir.
func newStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, error) {
	if cfg.DatabaseDSN != "" {
		ps, err := store.NewPostgresStore(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		if err := ps.RunMigrations(ctx); err != nil {
			return nil, fmt.Errorf("db migrations: %w", err)
		}
		logger.Info(ctx, "using postgres record store")
		return ps, nil
	}

	fs, err := store.NewFilesystemStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("filesystem store init: %w", err)
	}
	logger.Info(ctx, "using filesystem record store", "data_dir", cfg.DataDir)
	return fs, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app", "addr", app.config.EndpointAddrHTTP)

	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.Run(ctx)
	})

	err := g.Wait()
	if err != nil {
		app.logger.Error(ctx, "app stopped with error", "error", err)
		return err
	}
	app.logger.Info(ctx, "app stopped")
	return nil
}
