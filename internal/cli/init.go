package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changebell/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory with an example config.yaml",
	RunE:  initAction,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func initAction(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	wrote, err := writeIfNotExists(configPath, []byte(exampleConfig))
	if err != nil {
		return err
	}

	if wrote {
		fmt.Fprintf(stdout, "Initialized %s.\n", configDir)
	} else {
		fmt.Fprintf(stdout, "Config directory %s already initialized.\n", configDir)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stdout, "  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# changebell configuration

notification:
  enabled: true
  sound_enabled: true
  poll_interval_minutes: 30
  # Tried in order until one accepts the notification.
  mechanisms: [terminal-notifier, notify-send, ntfy]
  rate_per_minute: 12
  ntfy:
    topic_url: ""        # e.g. https://ntfy.sh/my-changebell-topic
    timeout: 10s

changelog:
  disabled: false
  name: claude-code
  label: Claude Code
  owner: anthropics
  repo: claude-code
  path: CHANGELOG.md
  branch: main
  token_env: GITHUB_TOKEN

feeds:
  - name: react
    label: React Blog
    feed_url: https://react.dev/rss.xml
    web_url: https://react.dev/blog
  - name: nextjs
    label: Next.js Blog
    feed_url: https://nextjs.org/feed.xml
    web_url: https://nextjs.org/blog

storage:
  path: ""               # defaults to <config-dir>/changebell.db
  retain_days: 90
  # Regexps scrubbed from stored errors, e.g. ['internal\.example\.com']
  redact_patterns: []

control:
  listen: 127.0.0.1:7464 # empty disables the control API

log:
  level: info
  format: console
`
