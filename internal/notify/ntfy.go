package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const ntfyUserAgent = "changebell/1.0"

// ErrNoTopic is returned by Ntfy when no topic URL is configured.
var ErrNoTopic = errors.New("ntfy topic not configured")

// Ntfy publishes to an ntfy topic over HTTP.
type Ntfy struct {
	endpoint string
	client   *http.Client
}

// NewNtfy returns an ntfy mechanism. An empty topic yields a mechanism that
// always fails with ErrNoTopic, so the dispatcher falls through to the next.
func NewNtfy(topicURL string, timeout time.Duration) *Ntfy {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Ntfy{
		endpoint: strings.TrimSpace(topicURL),
		client:   &http.Client{Timeout: timeout},
	}
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Deliver(ctx context.Context, req Request, _ ActionFunc) error {
	if n == nil || n.endpoint == "" {
		return ErrNoTopic
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	hreq.Header.Set("User-Agent", ntfyUserAgent)
	hreq.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if req.Title != "" {
		hreq.Header.Set("Title", req.Title)
	}
	if len(req.Tags) > 0 {
		hreq.Header.Set("Tags", strings.Join(req.Tags, ","))
	}
	if !req.Sound {
		hreq.Header.Set("Priority", "low")
	}
	if req.URL != "" {
		hreq.Header.Set("Click", req.URL)
		label := req.ActionLabel
		if label == "" {
			label = "Open"
		}
		hreq.Header.Set("Actions", fmt.Sprintf("view, %s, %s", label, req.URL))
	}

	resp, err := n.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
