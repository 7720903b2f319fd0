package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// Console writes notifications as single lines. Useful headless and in
// foreground runs.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Deliver(_ context.Context, req Request, _ ActionFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := fmt.Sprintf("[notify] %s: %s", req.Title, req.Body)
	if req.URL != "" {
		line += " <" + req.URL + ">"
	}
	if _, err := fmt.Fprintln(c.out, line); err != nil {
		return fmt.Errorf("write console notification: %w", err)
	}
	return nil
}
