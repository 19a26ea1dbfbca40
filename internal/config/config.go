package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Store     StoreConfig     `koanf:"store" yaml:"store"`
	Matcher   MatcherConfig   `koanf:"matcher" yaml:"matcher"`
	Scheduler SchedulerConfig `koanf:"scheduler" yaml:"scheduler"`
	Queue     QueueConfig     `koanf:"queue" yaml:"queue"`
	Sandbox   SandboxConfig   `koanf:"sandbox" yaml:"sandbox"`
	Events    EventsConfig    `koanf:"events" yaml:"events"`
	Models    ModelsConfig    `koanf:"models" yaml:"models"`
	Adapters  AdaptersConfig  `koanf:"adapters" yaml:"adapters"`
	Analytics AnalyticsConfig `koanf:"analytics" yaml:"analytics"`
	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics"`
	Daemon    DaemonConfig    `koanf:"daemon" yaml:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port" yaml:"port"`
	LogLevel        string `koanf:"log_level" yaml:"log_level"`
	ReadTimeout     string `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig selects the relational backend. Path is used by sqlite, DSN by
// mysql and postgres.
type StoreConfig struct {
	Driver       string `koanf:"driver" yaml:"driver"`
	Path         string `koanf:"path" yaml:"path"`
	DSN          string `koanf:"dsn" yaml:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns" yaml:"max_open_conns"`
	LockTimeout  string `koanf:"lock_timeout" yaml:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry" yaml:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry" yaml:"lock_max_retry"`
}

type MatcherConfig struct {
	DailyLimit         int    `koanf:"daily_limit" yaml:"daily_limit"`
	ResetTimezone      string `koanf:"reset_timezone" yaml:"reset_timezone"`
	ConditionTimeout   string `koanf:"condition_timeout" yaml:"condition_timeout"`
	ConditionMaxSteps  uint64 `koanf:"condition_max_steps" yaml:"condition_max_steps"`
	MaxConcurrentMatch int    `koanf:"max_concurrent_match" yaml:"max_concurrent_match"`
}

type SchedulerConfig struct {
	TickInterval    string `koanf:"tick_interval" yaml:"tick_interval"`
	BatchSize       int    `koanf:"batch_size" yaml:"batch_size"`
	MaxCatchupRuns  int    `koanf:"max_catchup_runs" yaml:"max_catchup_runs"`
	Timezone        string `koanf:"timezone" yaml:"timezone"`
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type QueueConfig struct {
	Workers         int     `koanf:"workers" yaml:"workers"`
	PollInterval    string  `koanf:"poll_interval" yaml:"poll_interval"`
	ClaimBatch      int     `koanf:"claim_batch" yaml:"claim_batch"`
	MaxRetries      int     `koanf:"max_retries" yaml:"max_retries"`
	Backoff         string  `koanf:"backoff" yaml:"backoff"`
	BaseDelay       string  `koanf:"base_delay" yaml:"base_delay"`
	MaxDelay        string  `koanf:"max_delay" yaml:"max_delay"`
	Multiplier      float64 `koanf:"multiplier" yaml:"multiplier"`
	LeaseDuration   string  `koanf:"lease_duration" yaml:"lease_duration"`
	RecoverInterval string  `koanf:"recover_interval" yaml:"recover_interval"`
	ShutdownTimeout string  `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type SandboxConfig struct {
	ActionTimeout  string `koanf:"action_timeout" yaml:"action_timeout"`
	MaxSteps       uint64 `koanf:"max_steps" yaml:"max_steps"`
	MaxOutputLines int    `koanf:"max_output_lines" yaml:"max_output_lines"`
}

type EventsConfig struct {
	Retention      string `koanf:"retention" yaml:"retention"`
	PruneInterval  string `koanf:"prune_interval" yaml:"prune_interval"`
	DedupTTL       string `koanf:"dedup_ttl" yaml:"dedup_ttl"`
	TestMaxResults int    `koanf:"test_max_results" yaml:"test_max_results"`
	MaxBodyBytes   int64  `koanf:"max_body_bytes" yaml:"max_body_bytes"`
}

type ModelsConfig struct {
	Default             string          `koanf:"default" yaml:"default"`
	Fallback            string          `koanf:"fallback" yaml:"fallback"`
	MaxFallbackAttempts int             `koanf:"max_fallback_attempts" yaml:"max_fallback_attempts"`
	SystemPrompt        string          `koanf:"system_prompt" yaml:"system_prompt"`
	Registry            []ModelRegistry `koanf:"registry" yaml:"registry"`
}

type ModelRegistry struct {
	Name           string `koanf:"name" yaml:"name"`
	Provider       string `koanf:"provider" yaml:"provider"`
	BaseURL        string `koanf:"base_url" yaml:"base_url"`
	APIKey         string `koanf:"api_key" yaml:"api_key"`
	RequestTimeout string `koanf:"request_timeout" yaml:"request_timeout"`
	MaxTokens      int    `koanf:"max_tokens" yaml:"max_tokens"`
}

type AdaptersConfig struct {
	Console  ConsoleConfig  `koanf:"console" yaml:"console"`
	Slack    SlackConfig    `koanf:"slack" yaml:"slack"`
	Telegram TelegramConfig `koanf:"telegram" yaml:"telegram"`
}

type ConsoleConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

// SlackConfig enables posting to Slack channels. With Inbound set, messages
// delivered to the events endpoint are submitted as "slack" events.
type SlackConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	BotToken      string `koanf:"bot_token" yaml:"bot_token"`
	SigningSecret string `koanf:"signing_secret" yaml:"signing_secret"`
	Inbound       bool   `koanf:"inbound" yaml:"inbound"`
}

// TelegramConfig enables sending to Telegram chats. With Inbound set, the bot
// long-polls for updates and submits them as "telegram" events.
type TelegramConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	BotToken      string `koanf:"bot_token" yaml:"bot_token"`
	Inbound       bool   `koanf:"inbound" yaml:"inbound"`
	UpdateTimeout int    `koanf:"update_timeout" yaml:"update_timeout"`
}

type AnalyticsConfig struct {
	Enabled   bool   `koanf:"enabled" yaml:"enabled"`
	RedisAddr string `koanf:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `koanf:"redis_db" yaml:"redis_db"`
	Password  string `koanf:"password" yaml:"password"`
	KeyPrefix string `koanf:"key_prefix" yaml:"key_prefix"`
	TTL       string `koanf:"ttl" yaml:"ttl"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Path    string `koanf:"path" yaml:"path"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval" yaml:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout" yaml:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout" yaml:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl" yaml:"stale_lock_ttl"`
	WorkspacePath          string `koanf:"workspace_path" yaml:"workspace_path"`
}

const (
	DefaultWorkspaceID                  = "default"
	DefaultServerPort                   = 8080
	DefaultServerLogLevel               = "info"
	DefaultServerReadTimeout            = "10s"
	DefaultServerWriteTimeout           = "10s"
	DefaultServerIdleTimeout            = "60s"
	DefaultServerShutdownTimeout        = "5s"
	DefaultStoreDriver                  = "sqlite"
	DefaultStoreMaxOpenConns            = 10
	DefaultStoreLockTimeout             = "30s"
	DefaultStoreLockRetry               = "100ms"
	DefaultStoreLockMaxRetry            = 300
	DefaultMatcherDailyLimit            = 5
	DefaultMatcherResetTimezone         = "UTC"
	DefaultMatcherConditionTimeout      = "5s"
	DefaultMatcherConditionMaxSteps     = 1_000_000
	DefaultMatcherMaxConcurrentMatch    = 8
	DefaultSchedulerTickInterval        = "30s"
	DefaultSchedulerBatchSize           = 100
	DefaultSchedulerMaxCatchupRuns      = 1
	DefaultSchedulerTimezone            = "UTC"
	DefaultSchedulerShutdownTimeout     = "30s"
	DefaultQueueWorkers                 = 4
	DefaultQueuePollInterval            = "1s"
	DefaultQueueClaimBatch              = 10
	DefaultQueueMaxRetries              = 3
	DefaultQueueBackoff                 = "exponential"
	DefaultQueueBaseDelay               = "30s"
	DefaultQueueMaxDelay                = "30m"
	DefaultQueueMultiplier              = 2.0
	DefaultQueueLeaseDuration           = "15m"
	DefaultQueueRecoverInterval         = "1m"
	DefaultQueueShutdownTimeout         = "30s"
	DefaultSandboxActionTimeout         = "600s"
	DefaultSandboxMaxSteps              = 0
	DefaultSandboxMaxOutputLines        = 1000
	DefaultEventsRetention              = "168h"
	DefaultEventsPruneInterval          = "1h"
	DefaultEventsDedupTTL               = "24h"
	DefaultEventsTestMaxResults         = 50
	DefaultEventsMaxBodyBytes           = 1 << 20
	DefaultModelDefault                 = "gpt-4o-mini"
	DefaultModelFallback                = "claude-3-5-haiku-latest"
	DefaultModelMaxFallbackAttempts     = 2
	DefaultModelSystemPrompt            = "You are a personal assistant woken by an automation. Act on the trigger below and reply with the message to send to the user."
	DefaultOpenAIBaseURL                = "https://api.openai.com/v1"
	DefaultOllamaBaseURL                = "http://localhost:11434/v1"
	DefaultOllamaAPIKey                 = "ollama"
	DefaultModelRequestTimeout          = "120s"
	DefaultModelMaxTokens               = 1024
	DefaultTelegramUpdateTimeout        = 30
	DefaultSlackEventsPath              = "/api/v1/sources/slack"
	DefaultAnalyticsRedisAddr           = "localhost:6379"
	DefaultAnalyticsKeyPrefix           = "karakuri"
	DefaultAnalyticsTTL                 = "720h"
	DefaultMetricsEnabled               = true
	DefaultMetricsPath                  = "/metrics"
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonPreflightTimeout       = "10s"
	DefaultDaemonStaleLockTTL           = "15m"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                  DefaultServerPort,
		"server.log_level":             DefaultServerLogLevel,
		"server.read_timeout":          DefaultServerReadTimeout,
		"server.write_timeout":         DefaultServerWriteTimeout,
		"server.idle_timeout":          DefaultServerIdleTimeout,
		"server.shutdown_timeout":      DefaultServerShutdownTimeout,
		"store.driver":                 DefaultStoreDriver,
		"store.max_open_conns":         DefaultStoreMaxOpenConns,
		"store.lock_timeout":           DefaultStoreLockTimeout,
		"store.lock_retry":             DefaultStoreLockRetry,
		"store.lock_max_retry":         DefaultStoreLockMaxRetry,
		"matcher.daily_limit":          DefaultMatcherDailyLimit,
		"matcher.reset_timezone":       DefaultMatcherResetTimezone,
		"matcher.condition_timeout":    DefaultMatcherConditionTimeout,
		"matcher.condition_max_steps":  DefaultMatcherConditionMaxSteps,
		"matcher.max_concurrent_match": DefaultMatcherMaxConcurrentMatch,
		"scheduler.tick_interval":      DefaultSchedulerTickInterval,
		"scheduler.batch_size":         DefaultSchedulerBatchSize,
		"scheduler.max_catchup_runs":   DefaultSchedulerMaxCatchupRuns,
		"scheduler.timezone":           DefaultSchedulerTimezone,
		"scheduler.shutdown_timeout":   DefaultSchedulerShutdownTimeout,
		"queue.workers":                DefaultQueueWorkers,
		"queue.poll_interval":          DefaultQueuePollInterval,
		"queue.claim_batch":            DefaultQueueClaimBatch,
		"queue.max_retries":            DefaultQueueMaxRetries,
		"queue.backoff":                DefaultQueueBackoff,
		"queue.base_delay":             DefaultQueueBaseDelay,
		"queue.max_delay":              DefaultQueueMaxDelay,
		"queue.multiplier":             DefaultQueueMultiplier,
		"queue.lease_duration":         DefaultQueueLeaseDuration,
		"queue.recover_interval":       DefaultQueueRecoverInterval,
		"queue.shutdown_timeout":       DefaultQueueShutdownTimeout,
		"sandbox.action_timeout":       DefaultSandboxActionTimeout,
		"sandbox.max_steps":            DefaultSandboxMaxSteps,
		"sandbox.max_output_lines":     DefaultSandboxMaxOutputLines,
		"events.retention":             DefaultEventsRetention,
		"events.prune_interval":        DefaultEventsPruneInterval,
		"events.dedup_ttl":             DefaultEventsDedupTTL,
		"events.test_max_results":      DefaultEventsTestMaxResults,
		"events.max_body_bytes":        DefaultEventsMaxBodyBytes,
		"models.default":               DefaultModelDefault,
		"models.fallback":              DefaultModelFallback,
		"models.max_fallback_attempts": DefaultModelMaxFallbackAttempts,
		"models.system_prompt":         DefaultModelSystemPrompt,
		"models.registry": []ModelRegistry{
			{Name: DefaultModelDefault, Provider: "openai"},
			{Name: DefaultModelFallback, Provider: "anthropic"},
		},
		"adapters.telegram.update_timeout": DefaultTelegramUpdateTimeout,
		"analytics.redis_addr":             DefaultAnalyticsRedisAddr,
		"analytics.key_prefix":             DefaultAnalyticsKeyPrefix,
		"analytics.ttl":                    DefaultAnalyticsTTL,
		"metrics.enabled":                  DefaultMetricsEnabled,
		"metrics.path":                     DefaultMetricsPath,
		"daemon.shutdown_timeout":          DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":     DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":  DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":         DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":            DefaultDaemonStaleLockTTL,
		"daemon.workspace_path":            filepath.Join(os.Getenv("HOME"), ".karakuri", "workspaces"),
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".karakuri", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// KARAKURI_QUEUE__MAX_RETRIES -> queue.max_retries
	k.Load(env.Provider("KARAKURI_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "KARAKURI_")), "__", ".")
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, m := range cfg.Models.Registry {
		if m.Provider == "" {
			cfg.Models.Registry[i].Provider = "openai"
		}
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	injectProviderKeys(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings that would make the engine misbehave at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite, mysql or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver != "sqlite" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}
	if c.Matcher.DailyLimit < 1 {
		return fmt.Errorf("matcher.daily_limit must be positive, got %d", c.Matcher.DailyLimit)
	}
	if _, err := time.LoadLocation(c.Matcher.ResetTimezone); err != nil {
		return fmt.Errorf("matcher.reset_timezone: %w", err)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	switch c.Queue.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("queue.backoff must be fixed or exponential, got %q", c.Queue.Backoff)
	}
	if c.Queue.Multiplier < 1 {
		return fmt.Errorf("queue.multiplier must be >= 1, got %v", c.Queue.Multiplier)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}

	lease, err := DurationOrDefault(c.Queue.LeaseDuration, DefaultQueueLeaseDuration)
	if err != nil {
		return fmt.Errorf("queue.lease_duration: %w", err)
	}
	actionTimeout, err := DurationOrDefault(c.Sandbox.ActionTimeout, DefaultSandboxActionTimeout)
	if err != nil {
		return fmt.Errorf("sandbox.action_timeout: %w", err)
	}
	if lease <= actionTimeout {
		return fmt.Errorf("queue.lease_duration (%s) must exceed sandbox.action_timeout (%s)", lease, actionTimeout)
	}
	return nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	workspacePath, err := expandConfiguredPath(cfg.Daemon.WorkspacePath)
	if err != nil {
		return err
	}
	if workspacePath != "" {
		cfg.Daemon.WorkspacePath = workspacePath
	}

	storePath, err := expandConfiguredPath(cfg.Store.Path)
	if err != nil {
		return err
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}

	return nil
}

func injectProviderKeys(cfg *Config) {
	keys := map[string]string{
		"openai":    os.Getenv("OPENAI_API_KEY"),
		"anthropic": os.Getenv("ANTHROPIC_API_KEY"),
		"gemini":    os.Getenv("GEMINI_API_KEY"),
	}
	for i, m := range cfg.Models.Registry {
		if m.APIKey != "" {
			continue
		}
		if key := keys[m.Provider]; key != "" {
			cfg.Models.Registry[i].APIKey = key
		}
	}
}

func expandConfiguredPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	return ExpandPath(path)
}
