package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PollConfig controls the getUpdates long-poll loop.
type PollConfig struct {
	// Limit is the max updates per getUpdates batch (Telegram caps at 100).
	Limit int `yaml:"limit"`
	// TimeoutSeconds is the server-side long-poll hold time. Also used as the
	// base retry sleep after a failed attempt.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// AllowedUpdates restricts the update kinds the server delivers.
	// Empty keeps the server default.
	AllowedUpdates []string `yaml:"allowed_updates"`
}

// DispatchConfig sizes the two worker pools.
type DispatchConfig struct {
	MessageWorkers  int `yaml:"message_workers"`
	CallbackWorkers int `yaml:"callback_workers"`
}

// SessionConfig controls per-chat session behavior.
type SessionConfig struct {
	// IdleTimeoutSeconds ends a session after this long without traffic.
	// 0 disables the inactivity timer.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// JournalConfig controls the sqlite update journal.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PruneCron     string `yaml:"prune_cron"`     // cron expression for retention pruning
	RetentionDays int    `yaml:"retention_days"` // 0 = keep forever
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "otlp-http", or "none"
	Endpoint string `yaml:"endpoint"` // OTLP endpoint when exporter is otlp-http
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Token is the Telegram bot token. Required; TELEGRAM_TOKEN overrides.
	Token string `yaml:"token"`
	// BaseURL overrides the Bot API endpoint (local Bot API servers, tests).
	BaseURL string `yaml:"base_url"`
	// RateLimitRPS caps outbound API calls per second. 0 disables the limiter.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`

	LogLevel string `yaml:"log_level"`

	Poll     PollConfig     `yaml:"poll"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Session  SessionConfig  `yaml:"session"`

	// DrainTimeoutSeconds bounds the shutdown drain (ending live sessions).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// CheckpointEnabled persists the ack offset so a restart resumes near
	// where it left off instead of replaying the server backlog.
	CheckpointEnabled bool `yaml:"checkpoint_enabled"`

	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the reloadable portion of the config.
// The watcher compares fingerprints to decide whether a file event changed
// anything worth re-applying.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|idle=%d|drain=%d|rps=%g",
		c.LogLevel, c.Session.IdleTimeoutSeconds, c.DrainTimeoutSeconds, c.RateLimitRPS)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Poll: PollConfig{
			Limit:          100,
			TimeoutSeconds: int((60 * time.Second).Seconds()),
		},
		Dispatch: DispatchConfig{
			MessageWorkers:  8,
			CallbackWorkers: 4,
		},
		Session: SessionConfig{
			IdleTimeoutSeconds: 0,
		},
		DrainTimeoutSeconds: 5,
		Journal: JournalConfig{
			PruneCron:     "0 3 * * *",
			RetentionDays: 30,
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}

// HomeDir resolves the data directory: $BOTLOOP_HOME or ~/.botloop.
func HomeDir() string {
	if override := os.Getenv("BOTLOOP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".botloop")
}

// Load reads config.yaml from the home directory, applies env overrides, and
// normalizes. A missing file is fine; defaults plus env carry a minimal setup.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create botloop home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Validate rejects configs the runtime cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("telegram token is required (config token or TELEGRAM_TOKEN)")
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.Poll.Limit <= 0 || cfg.Poll.Limit > 100 {
		cfg.Poll.Limit = 100
	}
	if cfg.Poll.TimeoutSeconds <= 0 {
		cfg.Poll.TimeoutSeconds = 60
	}
	if cfg.Dispatch.MessageWorkers <= 0 {
		cfg.Dispatch.MessageWorkers = 8
	}
	if cfg.Dispatch.CallbackWorkers <= 0 {
		cfg.Dispatch.CallbackWorkers = 4
	}
	if cfg.Session.IdleTimeoutSeconds < 0 {
		cfg.Session.IdleTimeoutSeconds = 0
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitRPS < 0 {
		cfg.RateLimitRPS = 0
	}
	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Journal.PruneCron) == "" {
		cfg.Journal.PruneCron = "0 3 * * *"
	}
	if cfg.Journal.RetentionDays < 0 {
		cfg.Journal.RetentionDays = 0
	}
	switch cfg.Telemetry.Exporter {
	case "stdout", "otlp-http", "none":
	default:
		cfg.Telemetry.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Token = raw
	}
	if raw := os.Getenv("BOTLOOP_TOKEN"); raw != "" {
		cfg.Token = raw
	}
	if raw := os.Getenv("BOTLOOP_BASE_URL"); raw != "" {
		cfg.BaseURL = raw
	}
	if raw := os.Getenv("BOTLOOP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BOTLOOP_POLL_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Poll.Limit = v
		}
	}
	if raw := os.Getenv("BOTLOOP_POLL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Poll.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("BOTLOOP_MESSAGE_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.MessageWorkers = v
		}
	}
	if raw := os.Getenv("BOTLOOP_CALLBACK_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.CallbackWorkers = v
		}
	}
	if raw := os.Getenv("BOTLOOP_IDLE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Session.IdleTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("BOTLOOP_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("BOTLOOP_RATE_LIMIT_RPS"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.RateLimitRPS = v
		}
	}
}
