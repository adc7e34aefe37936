// Package config loads stackrun settings from $STACKRUN_HOME/config.yaml
// with STACKRUN_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/stackrun/internal/otel"
)

// ProviderConfig holds per-provider LLM credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMConfig selects the provider behind the llm service.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OpenAICompatible config.
	CompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	CompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

type EngineConfig struct {
	MaxPropagationDepth int           `yaml:"max_propagation_depth"`
	LockStaleAfter      time.Duration `yaml:"lock_stale_after"`
	ScanLimit           int           `yaml:"scan_limit"`
	WorkerID            string        `yaml:"worker_id"`

	// WatchdogTimeout fails frames without progress for this long. 0 disables.
	WatchdogTimeout  time.Duration `yaml:"watchdog_timeout"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
}

type LivenessConfig struct {
	TriggerMinSpacing       time.Duration `yaml:"trigger_min_spacing"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	IdleChecksBeforeBackoff int           `yaml:"idle_checks_before_backoff"`
	Backoff                 time.Duration `yaml:"backoff"`
	MaxBurst                int           `yaml:"max_burst"`
	DisableTrigger          bool          `yaml:"disable_trigger"`
}

type WASMConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages"`
	InvokeTimeout    time.Duration `yaml:"invoke_timeout"`
	// Watch hot-loads modules dropped into the task directory.
	Watch bool `yaml:"watch"`
}

type SearchConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxResults int           `yaml:"max_results"`
}

type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBytes     int64         `yaml:"max_bytes"`
	AllowedHosts []string      `yaml:"allowed_hosts"`
}

type ServicesConfig struct {
	Search SearchConfig `yaml:"search"`
	HTTP   HTTPConfig   `yaml:"http"`
}

// RateLimitConfig bounds task submissions through the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// ScheduleConfig declares a cron schedule that submits a task run.
type ScheduleConfig struct {
	Name     string         `yaml:"name"`
	Cron     string         `yaml:"cron"`
	Task     string         `yaml:"task"`
	Input    map[string]any `yaml:"input"`
	Disabled bool           `yaml:"disabled"`
}

// InputJSON encodes the schedule input. An empty input becomes {}.
func (s ScheduleConfig) InputJSON() (json.RawMessage, error) {
	if len(s.Input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(s.Input)
	if err != nil {
		return nil, fmt.Errorf("schedule %s input: %w", s.Name, err)
	}
	return b, nil
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	DBPath    string `yaml:"db_path"`
	TaskDir   string `yaml:"task_dir"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists the browser origins accepted by the gateway.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// CronIntervalSeconds is how often due schedules are checked.
	CronIntervalSeconds int `yaml:"cron_interval_seconds"`

	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Engine    EngineConfig              `yaml:"engine"`
	Liveness  LivenessConfig            `yaml:"liveness"`
	WASM      WASMConfig                `yaml:"wasm"`
	Services  ServicesConfig            `yaml:"services"`
	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Telemetry otel.Config               `yaml:"telemetry"`
	Schedules []ScheduleConfig          `yaml:"schedules"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// LLMBaseURL returns the endpoint for the active provider, if any.
func (c Config) LLMBaseURL() string {
	if c.LLM.Provider == "openai_compatible" && c.LLM.CompatibleBaseURL != "" {
		return c.LLM.CompatibleBaseURL
	}
	if p, ok := c.Providers[c.LLM.Provider]; ok {
		return p.BaseURL
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that require a restart.
// log_level is left out because it reloads live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|tasks=%s|llm=%s/%s|origins=%v|engine=%+v|liveness=%+v",
		c.BindAddr, c.DBPath, c.TaskDir, c.LLM.Provider, c.LLM.Model, c.AllowOrigins, c.Engine, c.Liveness)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		CronIntervalSeconds: 60,
		Engine: EngineConfig{
			MaxPropagationDepth: 10,
			ScanLimit:           16,
			WatchdogInterval:    time.Minute,
		},
		Liveness: LivenessConfig{
			TriggerMinSpacing:       time.Second,
			PollInterval:            2 * time.Second,
			IdleChecksBeforeBackoff: 5,
			Backoff:                 30 * time.Second,
			MaxBurst:                100,
		},
		WASM: WASMConfig{
			Enabled:          true,
			MemoryLimitPages: 160,
			InvokeTimeout:    30 * time.Second,
			Watch:            true,
		},
		LLM: LLMConfig{Provider: "google"},
		Telemetry: otel.Config{
			Exporter:    "stdout",
			ServiceName: "stackrun",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STACKRUN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".stackrun")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir. A missing file yields defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create stackrun home: %w", err)
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

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "stackrun.db")
	}
	if strings.TrimSpace(cfg.TaskDir) == "" {
		cfg.TaskDir = filepath.Join(cfg.HomeDir, "tasks")
	}
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.Engine.MaxPropagationDepth <= 0 {
		cfg.Engine.MaxPropagationDepth = 10
	}
	if cfg.Engine.WatchdogInterval <= 0 {
		cfg.Engine.WatchdogInterval = time.Minute
	}
	if cfg.CronIntervalSeconds <= 0 {
		cfg.CronIntervalSeconds = 60
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible":
	default:
		return fmt.Errorf("llm.provider %q is not supported", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "openai_compatible" && cfg.LLM.CompatibleBaseURL == "" {
		return fmt.Errorf("llm.openai_compatible_base_url is required for provider openai_compatible")
	}
	names := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Name == "" || s.Cron == "" || s.Task == "" {
			return fmt.Errorf("schedule %q needs name, cron and task", s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		names[s.Name] = true
	}
	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1], got %v", cfg.Telemetry.SampleRate)
	}
	return nil
}

func envDuration(name string, dst *time.Duration) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			*dst = v
		}
	}
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envBool(name string, dst *bool) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STACKRUN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STACKRUN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STACKRUN_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("STACKRUN_TASK_DIR"); raw != "" {
		cfg.TaskDir = raw
	}
	if raw := os.Getenv("STACKRUN_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("STACKRUN_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("STACKRUN_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	envInt("STACKRUN_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	envInt("STACKRUN_MAX_PROPAGATION_DEPTH", &cfg.Engine.MaxPropagationDepth)
	envDuration("STACKRUN_LOCK_STALE_AFTER", &cfg.Engine.LockStaleAfter)
	envDuration("STACKRUN_WATCHDOG_TIMEOUT", &cfg.Engine.WatchdogTimeout)
	envDuration("STACKRUN_TRIGGER_MIN_SPACING", &cfg.Liveness.TriggerMinSpacing)
	envDuration("STACKRUN_POLL_INTERVAL", &cfg.Liveness.PollInterval)
	envDuration("STACKRUN_POLL_BACKOFF", &cfg.Liveness.Backoff)
	envBool("STACKRUN_DISABLE_TRIGGER", &cfg.Liveness.DisableTrigger)
	envBool("STACKRUN_WASM_ENABLED", &cfg.WASM.Enabled)
	envBool("STACKRUN_OTEL_ENABLED", &cfg.Telemetry.Enabled)
	if raw := os.Getenv("STACKRUN_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
		cfg.Telemetry.Exporter = "otlp"
	}
}
