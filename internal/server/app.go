// Package server initializes and runs the vault server. It provisions
// the encrypted store, handles graceful shutdown and drives the
// periodic backup service.
package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/secvault/internal/logging"
	"github.com/dmitrijs2005/secvault/internal/server/backup"
	"github.com/dmitrijs2005/secvault/internal/server/config"
	"github.com/dmitrijs2005/secvault/internal/vault/postgres"
)

type App struct {
	config *config.Config
	logger logging.Logger
}

func NewApp(c *config.Config) (*App, error) {

	slog := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slog)

	return &App{config: c, logger: logger}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
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

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	backend, err := postgres.Open(ctx, postgres.StoreOptions{
		DSN:            app.config.DatabaseDSN,
		KeyMethod:      app.config.KeyMethod,
		PassKey:        []byte(app.config.PassKey),
		Profile:        app.config.Profile,
		MaxConnections: app.config.MaxConnections,
	}, app.logger)
	if err != nil {
		return err
	}

	app.logger.Info(ctx, "store opened", "profile", backend.GetActiveProfile())

	var wg sync.WaitGroup

	if app.config.BackupInterval > 0 {
		svc := backup.NewService(backend.DB(), app.config, app.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Run(ctx, app.config.BackupInterval)
		}()
	}

	<-ctx.Done()

	wg.Wait()

	if err := backend.Close(context.Background()); err != nil {
		app.logger.Error(ctx, "error closing store", "error", err.Error())
		return err
	}

	app.logger.Info(ctx, "app stopped")
	return nil
}
