package am

import (
	"fmt"
	"time"
)

// Config represents the idealgen configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	KV         KVConfig         `mapstructure:"kv"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Cooldown   CooldownConfig   `mapstructure:"cooldown"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// KVConfig selects the backend for queue, lease, heartbeat and cooldown keys
type KVConfig struct {
	Backend string `mapstructure:"backend"` // "sqlite" (default) or "memory"
}

// QueueConfig configures the per-resource lease queue
type QueueConfig struct {
	PollIntervalSeconds       int    `mapstructure:"poll_interval_seconds"`        // default: 5
	StaleCheckIntervalSeconds int    `mapstructure:"stale_check_interval_seconds"` // default: 30
	LeaseTTLSeconds           int    `mapstructure:"lease_ttl_seconds"`            // default: 1800
	QueueTTLSeconds           int    `mapstructure:"queue_ttl_seconds"`            // default: 86400
	MaxWaitSeconds            int    `mapstructure:"max_wait_seconds"`             // default: 3600
	Rollover                  string `mapstructure:"rollover"`                     // reenqueue, carry, drop
}

// HeartbeatConfig configures job liveness signals
type HeartbeatConfig struct {
	UpdateIntervalSeconds int `mapstructure:"update_interval_seconds"` // default: 30
	StalenessSeconds      int `mapstructure:"staleness_seconds"`       // default: 180
	TTLSeconds            int `mapstructure:"ttl_seconds"`             // default: 300
}

// CooldownConfig configures rate-limit cooldown defaults
type CooldownConfig struct {
	DefaultRetryAfterSeconds  int `mapstructure:"default_retry_after_seconds"`  // provider omitted Retry-After
	ScheduleRetryAfterSeconds int `mapstructure:"schedule_retry_after_seconds"` // schedule reschedule fallback
}

// RetryConfig configures the stage retrier
type RetryConfig struct {
	BaseDelaySeconds      int `mapstructure:"base_delay_seconds"`      // linear backoff unit
	OptionalStageAttempts int `mapstructure:"optional_stage_attempts"` // cap for title/image/tags
}

// ScheduleConfig configures the schedule ticker
type ScheduleConfig struct {
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // 0 = no periodic ticking
}

// OpenRouterConfig configures the OpenRouter generation backend
type OpenRouterConfig struct {
	APIKey               string  `mapstructure:"api_key"`
	BaseURL              string  `mapstructure:"base_url"`
	Model                string  `mapstructure:"model"`
	ImageModel           string  `mapstructure:"image_model"`
	Temperature          float64 `mapstructure:"temperature"`
	MaxTokens            int     `mapstructure:"max_tokens"`
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	MaxRequestsPerMinute int     `mapstructure:"max_requests_per_minute"` // local guard, 0 = unlimited
	MaxRequestsPerDay    int     `mapstructure:"max_requests_per_day"`    // local guard, 0 = unlimited
	AllowPrivateHosts    bool    `mapstructure:"allow_private_hosts"`     // base_url may be a local gateway
}

// TemplatesConfig configures the template directory
type TemplatesConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// NotifyConfig configures notification sinks
type NotifyConfig struct {
	RatePerSecond int            `mapstructure:"rate_per_second"`
	DefaultTarget string         `mapstructure:"default_target"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
	AMQP          AMQPConfig     `mapstructure:"amqp"`
}

// TelegramConfig configures the Telegram sink
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	APIURL  string `mapstructure:"api_url"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// AMQPConfig configures the AMQP event sink
type AMQPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// File system permission constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// PollInterval returns the queue poll interval
func (q QueueConfig) PollInterval() time.Duration { return seconds(q.PollIntervalSeconds) }

// StaleCheckInterval returns how often the holder's heartbeat is inspected
func (q QueueConfig) StaleCheckInterval() time.Duration {
	return seconds(q.StaleCheckIntervalSeconds)
}

// LeaseTTL returns the lease lifetime
func (q QueueConfig) LeaseTTL() time.Duration { return seconds(q.LeaseTTLSeconds) }

// QueueTTL returns the daily queue lifetime
func (q QueueConfig) QueueTTL() time.Duration { return seconds(q.QueueTTLSeconds) }

// MaxWait returns the default wait budget for a turn
func (q QueueConfig) MaxWait() time.Duration { return seconds(q.MaxWaitSeconds) }

// UpdateInterval returns the heartbeat write throttle
func (h HeartbeatConfig) UpdateInterval() time.Duration { return seconds(h.UpdateIntervalSeconds) }

// Staleness returns the window after which a heartbeat is considered dead
func (h HeartbeatConfig) Staleness() time.Duration { return seconds(h.StalenessSeconds) }

// TTL returns the heartbeat storage TTL
func (h HeartbeatConfig) TTL() time.Duration { return seconds(h.TTLSeconds) }

// DefaultRetryAfter returns the fallback cooldown duration
func (c CooldownConfig) DefaultRetryAfter() time.Duration {
	return seconds(c.DefaultRetryAfterSeconds)
}

// ScheduleRetryAfter returns the schedule reschedule fallback
func (c CooldownConfig) ScheduleRetryAfter() time.Duration {
	return seconds(c.ScheduleRetryAfterSeconds)
}

// BaseDelay returns the linear backoff unit
func (r RetryConfig) BaseDelay() time.Duration { return seconds(r.BaseDelaySeconds) }

// TickerInterval returns the schedule ticker interval
func (s ScheduleConfig) TickerInterval() time.Duration { return seconds(s.TickerIntervalSeconds) }

// Timeout returns the HTTP timeout for OpenRouter calls
func (o OpenRouterConfig) Timeout() time.Duration { return seconds(o.TimeoutSeconds) }

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "idealgen.db"
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, KV: %s, Queue: {Rollover: %s}, OpenRouter: {Model: %s}}",
		c.Database.Path, c.KV.Backend, c.Queue.Rollover, c.OpenRouter.Model)
}
