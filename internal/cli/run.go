package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/ppiankov/changebell/internal/config"
	"github.com/ppiankov/changebell/internal/control"
	"github.com/ppiankov/changebell/internal/logging"
	"github.com/ppiankov/changebell/internal/scheduler"
)

const lockFileName = "changebell.lock"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll sources on an interval and notify until interrupted",
	RunE:  runAction,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// Overridable in tests.
var sdNotify = daemon.SdNotify

func runAction(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, log, err := loadConfig()
	if err != nil {
		return err
	}

	mgr := config.NewManager(configDir, log)
	cfg, err := mgr.Load()
	if cfg == nil {
		return err
	}

	lock := flock.New(filepath.Join(filepath.Dir(cfg.Storage.Path), lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return errors.New("another changebell instance is already running")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("failed to release lock", logging.Err(err))
		}
	}()

	poller := scheduler.New(log)
	a, err := openApp(ctx, cfg, log, appOptions{updater: mgr, scheduler: poller})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	a.monitor.OnOpen(func(url string) {
		if err := openURL(ctx, url); err != nil {
			log.Warn("open url failed", logging.String("url", url), logging.Err(err))
		}
	})
	a.monitor.OnConfigChanged(a.reconfigure)
	a.monitor.Start(ctx)
	defer a.monitor.Stop()

	go func() {
		if err := mgr.Watch(ctx, a.monitor.ApplyConfig); err != nil {
			log.Warn("config watch stopped", logging.Err(err))
		}
	}()

	srvErr := make(chan error, 1)
	var srv *control.Server
	if cfg.Control.Listen != "" {
		srv = control.NewServer(ctx, a.monitor, a.store, log)
		go func() { srvErr <- srv.Serve(ctx, cfg.Control.Listen) }()
	}

	if ok, err := sdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("systemd notify failed", logging.Err(err))
	} else if ok {
		log.Debug("systemd notified ready")
	}
	log.Info("changebell running",
		logging.Int("sources", len(a.monitor.Status().Sources)),
		logging.Int("interval_minutes", cfg.Notification.PollIntervalMinutes),
		logging.String("control", cfg.Control.Listen),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("control api: %w", err)
		}
	}

	_, _ = sdNotify(false, daemon.SdNotifyStopping)
	log.Info("changebell stopping")
	stop()
	if srv != nil {
		srv.Wait()
	}
	return runErr
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
