package cli

import (
	"context"
	"fmt"

	"github.com/ppiankov/changebell/internal/config"
	"github.com/ppiankov/changebell/internal/logging"
	"github.com/ppiankov/changebell/internal/monitor"
	"github.com/ppiankov/changebell/internal/notify"
	"github.com/ppiankov/changebell/internal/store"
)

// app is the wired object graph shared by run, check and test-notify.
type app struct {
	cfg        *config.Config
	log        logging.Logger
	store      *store.Store
	dispatcher *notify.Dispatcher
	monitor    *monitor.Monitor
}

type appOptions struct {
	updater   monitor.ConfigUpdater
	scheduler monitor.Scheduler
}

func openApp(ctx context.Context, cfg *config.Config, log logging.Logger, opts appOptions) (*app, error) {
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	mechs, err := notify.FromConfig(cfg.Notification, stdout)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dispatcher := notify.NewDispatcher(mechs, cfg.Notification.RatePerMinute, log)

	m, err := monitor.New(ctx, cfg, monitor.Deps{
		Store:      db,
		Dispatcher: dispatcher,
		Scheduler:  opts.scheduler,
		Config:     opts.updater,
		Logger:     log,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, store: db, dispatcher: dispatcher, monitor: m}, nil
}

// reconfigure pushes notification settings that live outside the monitor.
func (a *app) reconfigure(cfg *config.Config) {
	mechs, err := notify.FromConfig(cfg.Notification, stdout)
	if err != nil {
		a.log.Error("notification mechanisms unchanged", logging.Err(err))
	} else {
		a.dispatcher.SetMechanisms(mechs)
	}
	a.dispatcher.SetRate(cfg.Notification.RatePerMinute)
}

func (a *app) Close() error {
	return a.store.Close()
}
