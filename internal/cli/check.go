package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changebell/internal/monitor"
)

var checkFormat string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one check cycle and print what happened",
	RunE:  checkAction,
}

var testNotifyCmd = &cobra.Command{
	Use:   "test-notify",
	Short: "Send a test notification through the configured mechanisms",
	RunE:  testNotifyAction,
}

func init() {
	checkCmd.Flags().StringVar(&checkFormat, "format", "terminal", "output format: terminal, json")
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(testNotifyCmd)
}

func checkAction(cmd *cobra.Command, _ []string) error {
	if checkFormat != "terminal" && checkFormat != "json" && checkFormat != "" {
		return fmt.Errorf("unknown format %q (want terminal or json)", checkFormat)
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmdContext(cmd)
	a, err := openApp(ctx, cfg, log, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, err := a.monitor.CheckNow(ctx)
	if err != nil {
		return err
	}

	if checkFormat == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(stdout, report)
	return nil
}

func printReport(w io.Writer, r *monitor.CycleReport) {
	took := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(w, "changebell check: %d sources, %d notified, %d failed (%s)\n\n", len(r.Sources), r.Dispatched, r.Failed, took)

	rows := make([][]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		rows = append(rows, []string{s.Name, s.Kind, s.Result, reportItem(s), reportDetail(s)})
	}
	fmt.Fprintln(w, renderTable([]string{"Source", "Kind", "Result", "Item", "Detail"}, rows, nil))

	if r.Aborted {
		fmt.Fprintln(w, "\nCheck cancelled; items not announced stay pending for the next check.")
	}
	if r.AggregateError {
		fmt.Fprintln(w, "\nEvery source failed; an error notification was raised if notifications are enabled.")
	}
}

func reportItem(s monitor.SourceReport) string {
	if s.ItemTitle != "" {
		return truncate(s.ItemTitle, 50)
	}
	return s.ItemID
}

func reportDetail(s monitor.SourceReport) string {
	switch {
	case s.Error != "":
		return truncate(s.Error, 60)
	case s.DispatchError != "":
		return "not delivered: " + truncate(s.DispatchError, 45)
	case s.Suppressed:
		return "notifications disabled"
	case s.Mechanism != "":
		return "via " + s.Mechanism
	default:
		return ""
	}
}

func testNotifyAction(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmdContext(cmd)
	a, err := openApp(ctx, cfg, log, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.monitor.TestNotification(ctx); err != nil {
		return fmt.Errorf("test notification: %w", err)
	}
	fmt.Fprintf(stdout, "Test notification sent (mechanisms: %v).\n", a.dispatcher.Mechanisms())
	return nil
}
