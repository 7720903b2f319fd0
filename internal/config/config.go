package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/changebell/internal/privacy"
)

const (
	DefaultConfigFile          = "config.yaml"
	DefaultDatabaseFile        = "changebell.db"
	DefaultPollIntervalMinutes = 30
	DefaultRatePerMinute       = 12
	DefaultNtfyTimeout         = 10 * time.Second
	DefaultRetainDays          = 90
	DefaultControlListen       = "127.0.0.1:7464"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "console"
)

// Mechanism names accepted in notification.mechanisms.
const (
	MechanismTerminalNotifier = "terminal-notifier"
	MechanismNotifySend       = "notify-send"
	MechanismNtfy             = "ntfy"
	MechanismConsole          = "console"
)

var knownMechanisms = map[string]bool{
	MechanismTerminalNotifier: true,
	MechanismNotifySend:       true,
	MechanismNtfy:             true,
	MechanismConsole:          true,
}

// Duration wraps time.Duration for YAML/JSON encoding as strings like "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("duration must be a string: %s", data)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Notification NotificationConfig `yaml:"notification" json:"notification"`
	Changelog    ChangelogConfig    `yaml:"changelog" json:"changelog"`
	Feeds        []FeedConfig       `yaml:"feeds" json:"feeds"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Control      ControlConfig      `yaml:"control" json:"control"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

type NotificationConfig struct {
	Enabled             bool       `yaml:"enabled" json:"enabled"`
	SoundEnabled        bool       `yaml:"sound_enabled" json:"sound_enabled"`
	PollIntervalMinutes int        `yaml:"poll_interval_minutes" json:"poll_interval_minutes"`
	Mechanisms          []string   `yaml:"mechanisms" json:"mechanisms"`
	RatePerMinute       int        `yaml:"rate_per_minute" json:"rate_per_minute"`
	Ntfy                NtfyConfig `yaml:"ntfy" json:"ntfy"`
}

type NtfyConfig struct {
	TopicURL string   `yaml:"topic_url" json:"topic_url"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
}

type ChangelogConfig struct {
	Disabled bool   `yaml:"disabled" json:"disabled"`
	Name     string `yaml:"name" json:"name"`
	Label    string `yaml:"label" json:"label"`
	Owner    string `yaml:"owner" json:"owner"`
	Repo     string `yaml:"repo" json:"repo"`
	Path     string `yaml:"path" json:"path"`
	Branch   string `yaml:"branch" json:"branch"`
	TokenEnv string `yaml:"token_env" json:"token_env"`

	// Resolved from env var at load time.
	Token string `yaml:"-" json:"-"`
}

type FeedConfig struct {
	Name    string `yaml:"name" json:"name"`
	Label   string `yaml:"label" json:"label"`
	FeedURL string `yaml:"feed_url" json:"feed_url"`
	WebURL  string `yaml:"web_url" json:"web_url"`
}

type StorageConfig struct {
	Path       string `yaml:"path" json:"path"`
	RetainDays int    `yaml:"retain_days" json:"retain_days"`

	// Regexps scrubbed from stored history and served errors.
	RedactPatterns []string `yaml:"redact_patterns,omitempty" json:"redact_patterns,omitempty"`
}

type ControlConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the built-in configuration used when no file exists or the
// file cannot be read.
func Default() Config {
	return Config{
		Notification: NotificationConfig{
			Enabled:             true,
			SoundEnabled:        true,
			PollIntervalMinutes: DefaultPollIntervalMinutes,
			Mechanisms:          []string{MechanismTerminalNotifier, MechanismNotifySend, MechanismNtfy},
			RatePerMinute:       DefaultRatePerMinute,
			Ntfy:                NtfyConfig{Timeout: Duration{DefaultNtfyTimeout}},
		},
		Changelog: ChangelogConfig{
			Name:     "claude-code",
			Label:    "Claude Code",
			Owner:    "anthropics",
			Repo:     "claude-code",
			Path:     "CHANGELOG.md",
			Branch:   "main",
			TokenEnv: "GITHUB_TOKEN",
		},
		Feeds: []FeedConfig{
			{Name: "react", Label: "React Blog", FeedURL: "https://react.dev/rss.xml", WebURL: "https://react.dev/blog"},
			{Name: "nextjs", Label: "Next.js Blog", FeedURL: "https://nextjs.org/feed.xml", WebURL: "https://nextjs.org/blog"},
		},
		Storage: StorageConfig{RetainDays: DefaultRetainDays},
		Control: ControlConfig{Listen: DefaultControlListen},
		Log:     LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, DefaultConfigFile)
}

// Load reads config.yaml from dir on top of Default(), applies defaults,
// resolves env vars, and validates.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	finish(dir, cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default() so keys missing from the file keep their
// default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault never leaves the caller without a usable configuration. A
// missing file is created from defaults; an unreadable or invalid file yields
// the defaults together with a *ConfigError describing what went wrong.
func LoadOrDefault(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	path := Path(dir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(dir, &cfg); err != nil {
			finish(dir, &cfg)
			return &cfg, &ConfigError{Path: path, Err: err}
		}
		finish(dir, &cfg)
		return &cfg, nil
	}

	cfg, err := Load(dir)
	if err != nil {
		def := Default()
		finish(dir, &def)
		return &def, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// Save writes cfg to dir/config.yaml atomically.
func Save(dir string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	out := cfg.Clone()
	// Keep the file portable: a storage path defaulted from dir is not written back.
	if out.Storage.Path == filepath.Join(dir, DefaultDatabaseFile) {
		out.Storage.Path = ""
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	path := Path(dir)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Clone returns a deep copy of cfg.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Notification.Mechanisms = append([]string(nil), c.Notification.Mechanisms...)
	cp.Feeds = append([]FeedConfig(nil), c.Feeds...)
	cp.Storage.RedactPatterns = append([]string(nil), c.Storage.RedactPatterns...)
	return &cp
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Notification.PollIntervalMinutes) * time.Minute
}

func finish(dir string, cfg *Config) {
	applyDefaults(cfg)
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(dir, DefaultDatabaseFile)
	}
	resolveEnv(cfg)
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Notification.PollIntervalMinutes == 0 {
		cfg.Notification.PollIntervalMinutes = def.Notification.PollIntervalMinutes
	}
	if cfg.Notification.Mechanisms == nil {
		cfg.Notification.Mechanisms = def.Notification.Mechanisms
	}
	if cfg.Notification.RatePerMinute == 0 {
		cfg.Notification.RatePerMinute = def.Notification.RatePerMinute
	}
	if cfg.Notification.Ntfy.Timeout.Duration == 0 {
		cfg.Notification.Ntfy.Timeout = def.Notification.Ntfy.Timeout
	}
	if cfg.Changelog.Branch == "" {
		cfg.Changelog.Branch = def.Changelog.Branch
	}
	if cfg.Changelog.Path == "" {
		cfg.Changelog.Path = def.Changelog.Path
	}
	if cfg.Changelog.Name == "" {
		cfg.Changelog.Name = "changelog"
	}
	if cfg.Changelog.Label == "" {
		cfg.Changelog.Label = cfg.Changelog.Repo
	}
	if cfg.Feeds == nil {
		cfg.Feeds = def.Feeds
	}
	for i := range cfg.Feeds {
		if cfg.Feeds[i].Label == "" {
			cfg.Feeds[i].Label = cfg.Feeds[i].Name
		}
	}
	if cfg.Storage.RetainDays == 0 {
		cfg.Storage.RetainDays = def.Storage.RetainDays
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Changelog.TokenEnv != "" {
		cfg.Changelog.Token = os.Getenv(cfg.Changelog.TokenEnv)
	}
}

// Validate reports the first structural problem in cfg.
func Validate(cfg *Config) error {
	if cfg.Notification.PollIntervalMinutes < 1 {
		return fmt.Errorf("notification.poll_interval_minutes: must be at least 1, got %d", cfg.Notification.PollIntervalMinutes)
	}
	if cfg.Notification.RatePerMinute < 1 {
		return fmt.Errorf("notification.rate_per_minute: must be at least 1, got %d", cfg.Notification.RatePerMinute)
	}
	for _, m := range cfg.Notification.Mechanisms {
		if !knownMechanisms[m] {
			return fmt.Errorf("notification.mechanisms: unknown mechanism %q", m)
		}
	}

	names := make(map[string]bool)
	if !cfg.Changelog.Disabled {
		if cfg.Changelog.Owner == "" || cfg.Changelog.Repo == "" {
			return errors.New("changelog: owner and repo are required (or set disabled: true)")
		}
		names[cfg.Changelog.Name] = true
	}

	for i, f := range cfg.Feeds {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("feeds[%d]: name is required", i)
		}
		if strings.TrimSpace(f.FeedURL) == "" {
			return fmt.Errorf("feeds[%d] %s: feed_url is required", i, f.Name)
		}
		if names[f.Name] {
			return fmt.Errorf("feeds[%d]: duplicate source name %q", i, f.Name)
		}
		names[f.Name] = true
	}

	if cfg.Changelog.Disabled && len(cfg.Feeds) == 0 {
		return errors.New("sources: at least one source must be configured")
	}

	if _, err := privacy.Compile(cfg.Storage.RedactPatterns); err != nil {
		return fmt.Errorf("storage.redact_patterns: %w", err)
	}

	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q (want console or json)", cfg.Log.Format)
	}
	return nil
}
