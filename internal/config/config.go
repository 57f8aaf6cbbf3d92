// Package config loads fleetbridge configuration from <home>/config.yaml,
// applies environment overrides and fills defaults. All binaries share one
// file; each reads its own section.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rovercraft/fleetbridge/internal/otel"
)

// WatcherConfig drives the task queue and retry loop.
type WatcherConfig struct {
	// MaxAttempts bounds dispatch attempts per task. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// CoolOffSeconds is the delay between attempts. Default 30.
	CoolOffSeconds int `yaml:"cool_off_seconds"`

	// PollSeconds is the idle-poll interval. Default 2.
	PollSeconds int `yaml:"poll_seconds"`

	// DelegatorURL is the orchestration tier: its /health endpoint gates
	// dispatch and its /run endpoint receives instructions.
	DelegatorURL string `yaml:"delegator_url"`

	// UseAsync is forwarded with each dispatch.
	UseAsync bool `yaml:"use_async"`

	// PendingPath, CompletedPath and RunningPath override the flat-file
	// store locations. Empty means <home>/tasks/{pending,completed,running}.json.
	PendingPath   string `yaml:"pending_path"`
	CompletedPath string `yaml:"completed_path"`
	RunningPath   string `yaml:"running_path"`

	// HistoryDBPath overrides the attempt-history SQLite location.
	// Empty means <home>/history.db.
	HistoryDBPath string `yaml:"history_db_path"`

	// ValidateRecords toggles JSON Schema validation of pending records.
	ValidateRecords bool `yaml:"validate_records"`
}

// CoolOff returns the cool-off interval as a Duration.
func (w WatcherConfig) CoolOff() time.Duration {
	return time.Duration(w.CoolOffSeconds) * time.Second
}

// PollInterval returns the idle-poll interval as a Duration.
func (w WatcherConfig) PollInterval() time.Duration {
	return time.Duration(w.PollSeconds) * time.Second
}

// DelegatorConfig drives the session-coordinator HTTP service.
type DelegatorConfig struct {
	BindAddr string `yaml:"bind_addr"`

	// AuthToken, when set, is required as a Bearer token on mutating calls.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin headers accepted for browser WebSocket
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// ArtifactDir overrides the artifact store location.
	// Empty means <home>/artifacts.
	ArtifactDir string `yaml:"artifact_dir"`

	// RemoteWorkers are worker base URLs registered at startup. Each must
	// serve a registration card at the well-known discovery path.
	RemoteWorkers []string `yaml:"remote_workers"`
}

// WorkerConfig is one supervised fleet process.
type WorkerConfig struct {
	Name    string   `yaml:"name"`
	Dir     string   `yaml:"dir"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Optional components are skipped by default flags; workers named in
	// the allow-list always run.
	Optional bool `yaml:"optional"`

	// Port, when non-zero, is exported to the process as PORT.
	Port int `yaml:"port"`
}

// SupervisorConfig holds shutdown-escalation defaults, overridable by flags.
type SupervisorConfig struct {
	GraceIntSeconds  int  `yaml:"grace_int_seconds"`
	GraceTermSeconds int  `yaml:"grace_term_seconds"`
	HideAccess       bool `yaml:"hide_access"`
	NoColor          bool `yaml:"no_color"`
}

// PlannerConfig selects the model behind planning, evaluation and replanning.
type PlannerConfig struct {
	// Provider is one of "google", "anthropic", "openai". Empty defaults
	// to "google".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// APIKey returns the provider's API key from the environment.
func (p PlannerConfig) APIKey() string {
	switch p.Provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

// TelegramConfig enables completion notifications over Telegram.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// NotifyConfig groups outbound notification channels.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ScheduleConfig submits a recurring task on a cron schedule.
type ScheduleConfig struct {
	Cron    string `yaml:"cron"`
	Task    string `yaml:"task"`
	Urgency string `yaml:"urgency"`
}

type Config struct {
	HomeDir  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`

	Watcher    WatcherConfig    `yaml:"watcher"`
	Delegator  DelegatorConfig  `yaml:"delegator"`
	Workers    []WorkerConfig   `yaml:"workers"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Planner    PlannerConfig    `yaml:"planner"`
	Notify     NotifyConfig     `yaml:"notify"`
	Schedules  []ScheduleConfig `yaml:"schedules"`
	OTel       otel.Config      `yaml:"otel"`
}

// PendingPath returns the effective pending-store path.
func (c Config) PendingPath() string {
	if c.Watcher.PendingPath != "" {
		return c.Watcher.PendingPath
	}
	return filepath.Join(c.HomeDir, "tasks", "pending.json")
}

// CompletedPath returns the effective completed-store path.
func (c Config) CompletedPath() string {
	if c.Watcher.CompletedPath != "" {
		return c.Watcher.CompletedPath
	}
	return filepath.Join(c.HomeDir, "tasks", "completed.json")
}

// RunningPath returns the effective running-snapshot path.
func (c Config) RunningPath() string {
	if c.Watcher.RunningPath != "" {
		return c.Watcher.RunningPath
	}
	return filepath.Join(c.HomeDir, "tasks", "running.json")
}

// HistoryDBPath returns the effective attempt-history database path.
func (c Config) HistoryDBPath() string {
	if c.Watcher.HistoryDBPath != "" {
		return c.Watcher.HistoryDBPath
	}
	return filepath.Join(c.HomeDir, "history.db")
}

// ArtifactDir returns the effective artifact-store directory.
func (c Config) ArtifactDir() string {
	if c.Delegator.ArtifactDir != "" {
		return c.Delegator.ArtifactDir
	}
	return filepath.Join(c.HomeDir, "artifacts")
}

// Worker returns the named worker config, if present.
func (c Config) Worker(name string) (WorkerConfig, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return WorkerConfig{}, false
}

// Fingerprint returns a stable hash of the active config for startup logs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|attempts=%d|cooloff=%d|poll=%d|workers=%d",
		c.Delegator.BindAddr, c.LogLevel, c.Watcher.MaxAttempts,
		c.Watcher.CoolOffSeconds, c.Watcher.PollSeconds, len(c.Workers))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Watcher: WatcherConfig{
			MaxAttempts:    3,
			CoolOffSeconds: 30,
			PollSeconds:    2,
			DelegatorURL:   "http://127.0.0.1:18900",
		},
		Delegator: DelegatorConfig{
			BindAddr: "127.0.0.1:18900",
		},
		Supervisor: SupervisorConfig{
			GraceIntSeconds:  8,
			GraceTermSeconds: 6,
		},
		Planner: PlannerConfig{
			Provider: "google",
		},
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the fleetbridge home directory.
func HomeDir() string {
	if override := os.Getenv("FLEETBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetbridge")
}

// Load reads config.yaml from the fleetbridge home, creating the home
// directory if needed. A missing file yields pure defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleetbridge home: %w", err)
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETBRIDGE_BIND"); v != "" {
		cfg.Delegator.BindAddr = v
	}
	if v := os.Getenv("FLEETBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLEETBRIDGE_DELEGATOR_URL"); v != "" {
		cfg.Watcher.DelegatorURL = v
	}
	if v := os.Getenv("FLEETBRIDGE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Watcher.MaxAttempts = n
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.Telegram.Token = v
	}
	if v := os.Getenv("FLEETBRIDGE_AUTH_TOKEN"); v != "" {
		cfg.Delegator.AuthToken = v
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Watcher.MaxAttempts <= 0 {
		cfg.Watcher.MaxAttempts = 3
	}
	if cfg.Watcher.CoolOffSeconds <= 0 {
		cfg.Watcher.CoolOffSeconds = 30
	}
	if cfg.Watcher.PollSeconds <= 0 {
		cfg.Watcher.PollSeconds = 2
	}
	if cfg.Watcher.DelegatorURL == "" {
		cfg.Watcher.DelegatorURL = "http://" + cfg.Delegator.BindAddr
	}
	if cfg.Delegator.BindAddr == "" {
		cfg.Delegator.BindAddr = "127.0.0.1:18900"
	}
	if cfg.Supervisor.GraceIntSeconds <= 0 {
		cfg.Supervisor.GraceIntSeconds = 8
	}
	if cfg.Supervisor.GraceTermSeconds <= 0 {
		cfg.Supervisor.GraceTermSeconds = 6
	}
	if cfg.Planner.Provider == "" {
		cfg.Planner.Provider = "google"
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Workers))
	for _, w := range cfg.Workers {
		if w.Name == "" {
			return fmt.Errorf("worker with empty name")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate worker name %q", w.Name)
		}
		seen[w.Name] = true
		if w.Command == "" {
			return fmt.Errorf("worker %q has no command", w.Name)
		}
	}
	for _, s := range cfg.Schedules {
		if s.Cron == "" || s.Task == "" {
			return fmt.Errorf("schedule with empty cron or task")
		}
	}
	return nil
}
