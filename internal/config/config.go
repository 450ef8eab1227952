// Package config provides configuration loading, validation, and defaults
// for the loyalbot service. Values come from config.yaml and BOT_* environment
// variables, with sane defaults for everything optional.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components of the
// loyalbot engine: logging, storage, HTTP ingress, Telegram integration,
// campaign dispatch tuning, and scheduled tasks.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Messages  MessagesConfig  `mapstructure:"messages"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// HTTPConfig configures the ingress server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s,max=1m"`
}

// TelegramConfig configures per-tenant bot clients. WebhookBaseURL empty means
// every tenant bot runs in long-polling mode.
type TelegramConfig struct {
	WebhookBaseURL string        `mapstructure:"webhook_base_url" validate:"omitempty,url"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"     validate:"min=1s,max=1m"`
	SendRate       float64       `mapstructure:"send_rate"        validate:"gt=0"`
	SendBurst      int           `mapstructure:"send_burst"       validate:"gt=0"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"      validate:"min=1m"`
}

// DispatchConfig tunes campaign broadcast batching. One batch of BatchSize
// recipients is sent concurrently, then the dispatcher pauses BatchDelay
// before starting the next batch.
type DispatchConfig struct {
	BatchSize   int           `mapstructure:"batch_size"   validate:"min=1,max=100"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"  validate:"min=0"`
	SendTimeout time.Duration `mapstructure:"send_timeout" validate:"min=1s,max=2m"`
	FlushEvery  int           `mapstructure:"flush_every"  validate:"min=1"`
}

// SchedulerConfig lists cron-driven background tasks keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig enables a named task with a cron schedule.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// MessagesConfig holds user-facing fallback texts. Tenant settings override
// the welcome message per tenant; these are the process-wide defaults.
type MessagesConfig struct {
	DefaultReply string `mapstructure:"default_reply" validate:"required"`
	GeneralError string `mapstructure:"general_error" validate:"required"`
	NotActive    string `mapstructure:"not_active"    validate:"required"`
	FormReceived string `mapstructure:"form_received" validate:"required"`
}

// Load reads configuration from defaults, an optional config.yaml in the
// working directory, and BOT_* environment variables, then validates the
// result.
func Load() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("BOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing config file is fine, defaults and env vars apply.
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.json", true)

	viper.SetDefault("database.path", "loyalbot.db")

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("http.shutdown_timeout", 10*time.Second)

	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.send_rate", 25.0)
	viper.SetDefault("telegram.send_burst", 5)
	viper.SetDefault("telegram.session_ttl", 30*time.Minute)

	viper.SetDefault("dispatch.batch_size", 10)
	viper.SetDefault("dispatch.batch_delay", 100*time.Millisecond)
	viper.SetDefault("dispatch.send_timeout", 10*time.Second)
	viper.SetDefault("dispatch.flush_every", 10)

	viper.SetDefault("scheduler.tasks", map[string]TaskConfig{
		"campaign_sweep":  {Enabled: true, Schedule: "* * * * *"},
		"session_cleanup": {Enabled: true, Schedule: "*/10 * * * *"},
		"bot_reconcile":   {Enabled: true, Schedule: "*/5 * * * *"},
	})

	viper.SetDefault("messages.default_reply", "Hi! Use the menu commands to check your points and rewards.")
	viper.SetDefault("messages.general_error", "Sorry, something went wrong. Please try again later.")
	viper.SetDefault("messages.not_active", "This option is not active.")
	viper.SetDefault("messages.form_received", "Thanks! Your answer has been recorded.")
}
