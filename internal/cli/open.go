package cli

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const openTimeout = 10 * time.Second

// Overridable in tests.
var (
	execCommandContext = exec.CommandContext
	goos               = runtime.GOOS
)

// openURL hands url to the desktop's default handler.
func openURL(ctx context.Context, url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("refusing to open non-http url %q", url)
	}

	opener := "xdg-open"
	if goos == "darwin" {
		opener = "open"
	}

	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	out, err := execCommandContext(ctx, opener, url).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", opener, err, msg)
		}
		return fmt.Errorf("%s: %w", opener, err)
	}
	return nil
}
