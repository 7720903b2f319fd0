package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changebell/internal/config"
	"github.com/ppiankov/changebell/internal/store"
)

var (
	statusSince  string
	statusFormat string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show source state and recent notifications",
	RunE:  statusAction,
}

func init() {
	statusCmd.Flags().StringVar(&statusSince, "since", "7d", "time window for delivery stats (e.g. 7d, 48h)")
	statusCmd.Flags().StringVar(&statusFormat, "format", "terminal", "output format: terminal, json")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent notifications to list")
	rootCmd.AddCommand(statusCmd)
}

// staleChecks marks a source whose last check is older than this many poll
// intervals.
const staleChecks = 3

type statusSource struct {
	Name          string    `json:"name"`
	Label         string    `json:"label"`
	Kind          string    `json:"kind"`
	Target        string    `json:"target"`
	LastKnownID   string    `json:"last_known_id"`
	LastCheckTime time.Time `json:"last_check_time"`
	Stale         bool      `json:"stale"`
}

type statusOutput struct {
	Enabled         bool                        `json:"enabled"`
	SoundEnabled    bool                        `json:"sound_enabled"`
	IntervalMinutes int                         `json:"interval_minutes"`
	Sources         []statusSource              `json:"sources"`
	Stats           []store.SourceDeliveryStats `json:"stats"`
	Recent          []store.Delivery            `json:"recent"`
}

func statusAction(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	sinceDur, err := parseDuration(statusSince)
	if err != nil {
		return fmt.Errorf("parse --since: %w", err)
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx := cmdContext(cmd)
	states, err := db.LoadSourceStates(ctx)
	if err != nil {
		return err
	}
	stats, err := db.DeliveryStats(ctx, time.Now().Add(-sinceDur))
	if err != nil {
		return err
	}
	recent, err := db.RecentDeliveries(ctx, statusLimit)
	if err != nil {
		return err
	}

	out := statusOutput{
		Enabled:         cfg.Notification.Enabled,
		SoundEnabled:    cfg.Notification.SoundEnabled,
		IntervalMinutes: cfg.Notification.PollIntervalMinutes,
		Sources:         statusSources(cfg, states, time.Now()),
		Stats:           stats,
		Recent:          recent,
	}

	switch statusFormat {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "terminal", "":
		printStatus(stdout, out, sinceDur)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want terminal or json)", statusFormat)
	}
}

// statusSources lists configured sources in check order joined with their
// persisted state.
func statusSources(cfg *config.Config, states map[string]store.SourceState, now time.Time) []statusSource {
	staleAfter := time.Duration(staleChecks) * cfg.PollInterval()
	mark := func(s statusSource) statusSource {
		if st, ok := states[s.Name]; ok {
			s.LastKnownID = st.LastKnownID
			s.LastCheckTime = st.LastCheckTime
		}
		s.Stale = !s.LastCheckTime.IsZero() && now.Sub(s.LastCheckTime) > staleAfter
		return s
	}

	var out []statusSource
	if !cfg.Changelog.Disabled {
		out = append(out, mark(statusSource{
			Name:   cfg.Changelog.Name,
			Label:  cfg.Changelog.Label,
			Kind:   "changelog",
			Target: fmt.Sprintf("%s/%s:%s", cfg.Changelog.Owner, cfg.Changelog.Repo, cfg.Changelog.Path),
		}))
	}
	for _, f := range cfg.Feeds {
		out = append(out, mark(statusSource{Name: f.Name, Label: f.Label, Kind: "feed", Target: f.FeedURL}))
	}
	return out
}

func printStatus(w io.Writer, s statusOutput, since time.Duration) {
	state := "enabled"
	if !s.Enabled {
		state = "disabled"
	}
	sound := "on"
	if !s.SoundEnabled {
		sound = "off"
	}
	fmt.Fprintf(w, "changebell status: notifications %s, sound %s, every %d min\n\n", state, sound, s.IntervalMinutes)

	rows := make([][]string, 0, len(s.Sources))
	for _, src := range s.Sources {
		checked := "never"
		if !src.LastCheckTime.IsZero() {
			checked = formatAgo(time.Since(src.LastCheckTime))
			if src.Stale {
				checked += " (stale)"
			}
		}
		known := src.LastKnownID
		if known == "" {
			known = "-"
		}
		rows = append(rows, []string{src.Label, src.Kind, truncate(known, 40), checked})
	}
	fmt.Fprintln(w, renderTable([]string{"Source", "Kind", "Last Item", "Checked"}, rows, nil))

	if len(s.Stats) > 0 {
		fmt.Fprintf(w, "\nNotifications in the last %s:\n", formatStatsDuration(since))
		rows = rows[:0]
		for _, st := range s.Stats {
			rows = append(rows, []string{st.Source, strconv.Itoa(st.Total), strconv.Itoa(st.Failed), truncate(st.LastTitle, 40)})
		}
		fmt.Fprintln(w, renderTable([]string{"Source", "Sent", "Failed", "Latest"}, rows, []columnAlignment{alignLeft, alignRight, alignRight, alignLeft}))
	}

	if len(s.Recent) == 0 {
		fmt.Fprintln(w, "\nNo notifications yet. Run 'changebell check' or 'changebell run'.")
		return
	}
	fmt.Fprintln(w, "\nRecent:")
	rows = rows[:0]
	for _, d := range s.Recent {
		via := d.Mechanism
		if !d.Delivered() {
			via = "failed"
		}
		rows = append(rows, []string{d.CreatedAt.Local().Format("2006-01-02 15:04"), d.Source, truncate(d.Title, 40), via})
	}
	fmt.Fprintln(w, renderTable([]string{"When", "Source", "Title", "Via"}, rows, nil))
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// parseDuration handles both Go durations and "Nd" day notation.
func parseDuration(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}

func formatStatsDuration(d time.Duration) string {
	hours := int(d.Hours())
	if hours >= 24 && hours%24 == 0 {
		return fmt.Sprintf("%d days", hours/24)
	}
	return fmt.Sprintf("%dh", hours)
}
