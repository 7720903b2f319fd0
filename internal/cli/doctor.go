package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changebell/internal/config"
	"github.com/ppiankov/changebell/internal/privacy"
	"github.com/ppiankov/changebell/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, database and notification mechanisms",
	RunE:  doctorAction,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// Overridable in tests.
var lookPath = exec.LookPath

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		ok = false
	} else {
		printCheck(true, "config directory %s", configDir)
	}

	// Config file
	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		ok = false
	} else {
		sources := len(cfg.Feeds)
		if !cfg.Changelog.Disabled {
			sources++
		}
		printCheck(true, "config.yaml (%d sources, every %d min)", sources, cfg.Notification.PollIntervalMinutes)
	}

	// Database
	var db *store.Store
	if cfg != nil {
		db, err = store.Open(cfg.Storage.Path)
		if err != nil {
			printCheck(false, "database: %v", err)
			ok = false
		} else {
			defer func() { _ = db.Close() }()
			printCheck(true, "database %s", cfg.Storage.Path)
		}
	}

	if cfg != nil {
		if !checkMechanisms(cfg) {
			ok = false
		}
		if !cfg.Changelog.Disabled && cfg.Changelog.TokenEnv != "" && cfg.Changelog.Token == "" {
			printInfo("%s is not set; GitHub allows 60 unauthenticated API requests per hour", cfg.Changelog.TokenEnv)
		}
		if !cfg.Notification.Enabled {
			printInfo("notifications are disabled in config.yaml")
		}
	}

	// History health (info-level, non-fatal)
	if db != nil && cfg != nil {
		checkHistoryHealth(cmdContext(cmd), db, cfg)
	}

	if !ok {
		return errors.New("some checks failed")
	}
	fmt.Fprintln(stdout, "\nAll checks passed.")
	return nil
}

// checkMechanisms reports each configured mechanism. It passes when at least
// one of them can deliver.
func checkMechanisms(cfg *config.Config) bool {
	usable := 0
	for _, name := range cfg.Notification.Mechanisms {
		switch name {
		case config.MechanismTerminalNotifier, config.MechanismNotifySend:
			if path, err := lookPath(name); err != nil {
				printCheck(false, "%s not found in PATH", name)
			} else {
				printCheck(true, "%s (%s)", name, path)
				usable++
			}
		case config.MechanismNtfy:
			if cfg.Notification.Ntfy.TopicURL == "" {
				printCheck(false, "ntfy: notification.ntfy.topic_url is empty")
			} else {
				printCheck(true, "ntfy %s", privacy.URL(cfg.Notification.Ntfy.TopicURL))
				usable++
			}
		case config.MechanismConsole:
			printCheck(true, "console")
			usable++
		}
	}
	if usable == 0 {
		printCheck(false, "no usable notification mechanism")
		return false
	}
	return true
}

func checkHistoryHealth(ctx context.Context, db *store.Store, cfg *config.Config) {
	now := time.Now()
	states, err := db.LoadSourceStates(ctx)
	if err != nil {
		return
	}
	stats, err := db.DeliveryStats(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		return
	}

	fmt.Fprintln(stdout)
	for _, src := range statusSources(cfg, states, now) {
		if src.Stale {
			printInfo("stale: %s last checked %s", src.Label, formatAgo(now.Sub(src.LastCheckTime)))
		}
	}
	for _, st := range stats {
		if st.Total >= 3 && st.Failed == st.Total {
			printInfo("undelivered: all %d notifications for %s failed in the last 30 days", st.Total, st.Source)
		}
	}
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Fprintf(stdout, "[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Fprintf(stdout, "[INFO] %s\n", fmt.Sprintf(format, args...))
}
