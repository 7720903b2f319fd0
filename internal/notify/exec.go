package notify

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Overridable in tests.
var (
	execCommandContext = exec.CommandContext
	execLookPath       = exec.LookPath
)

const (
	terminalNotifierBin   = "terminal-notifier"
	notifySendBin         = "notify-send"
	terminalNotifierSound = "Submarine"
	notifySendSoundHint   = "string:sound-name:message-new-instant"

	// Upper bound for waiting on a click.
	notifySendInteractionTimeout = 30 * time.Minute
)

// notify-send --wait blocks until the notification closes; an exit within
// this window is treated as the delivery result.
var notifySendGrace = 750 * time.Millisecond

// TerminalNotifier delivers through the macOS terminal-notifier CLI. Clicks
// open the URL directly via -open.
type TerminalNotifier struct{}

func (TerminalNotifier) Name() string { return "terminal-notifier" }

func (TerminalNotifier) Deliver(ctx context.Context, req Request, _ ActionFunc) error {
	bin, err := execLookPath(terminalNotifierBin)
	if err != nil {
		return fmt.Errorf("terminal-notifier not found: %w", err)
	}

	args := []string{"-title", req.Title, "-message", req.Body, "-group", AppName}
	if req.URL != "" {
		args = append(args, "-open", req.URL)
	}
	if req.Sound {
		args = append(args, "-sound", terminalNotifierSound)
	}

	out, err := execCommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("terminal-notifier: %w%s", err, outputSuffix(out))
	}
	return nil
}

// NotifySend delivers through the freedesktop notify-send CLI. When the
// request has a URL it offers a default action and a named action and waits
// in the background for the user's choice.
type NotifySend struct{}

func (NotifySend) Name() string { return "notify-send" }

func (NotifySend) Deliver(ctx context.Context, req Request, onAction ActionFunc) error {
	bin, err := execLookPath(notifySendBin)
	if err != nil {
		return fmt.Errorf("notify-send not found: %w", err)
	}

	args := []string{"--app-name=" + AppName}
	if req.Sound {
		args = append(args, "--hint="+notifySendSoundHint)
	}
	if req.URL == "" {
		args = append(args, req.Title, req.Body)
		out, err := execCommandContext(ctx, bin, args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("notify-send: %w%s", err, outputSuffix(out))
		}
		return nil
	}

	label := req.ActionLabel
	if label == "" {
		label = "Open"
	}
	args = append(args, "--action=default=Open", "--action=open="+label, "--wait", req.Title, req.Body)

	// The wait outlives the dispatch call, so it is bounded on its own
	// rather than by ctx.
	waitCtx, cancel := context.WithTimeout(context.Background(), notifySendInteractionTimeout)
	cmd := execCommandContext(waitCtx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("notify-send: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("notify-send: %w", err)
	}

	type result struct {
		action string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		action := readAction(stdout)
		err := cmd.Wait()
		cancel()
		done <- result{action: action, err: err}
	}()

	report := func(r result) {
		if r.err != nil || onAction == nil {
			return
		}
		switch r.action {
		case "default":
			onAction(InteractionActivate)
		case "open":
			onAction(InteractionOpen)
		}
	}

	grace := time.NewTimer(notifySendGrace)
	defer grace.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("notify-send: %w%s", r.err, outputSuffix(stderr.Bytes()))
		}
		report(r)
		return nil
	case <-ctx.Done():
		// Delivery already started; let the background wait finish.
		go func() { report(<-done) }()
		return nil
	case <-grace.C:
		go func() { report(<-done) }()
		return nil
	}
}

func readAction(r io.Reader) string {
	var last string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last
}

func outputSuffix(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return ""
	}
	return ": " + s
}
