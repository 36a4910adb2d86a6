// Package config provides Viper configuration loading for supportd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// JSONLogFormat indicates JSON log format.
	JSONLogFormat = "json"
	// TextLogFormat indicates text log format.
	TextLogFormat = "text"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Format     string        `mapstructure:"format"`
	Level      zerolog.Level `mapstructure:"level"`
	WithCaller bool          `mapstructure:"with_caller"`
}

// SessionConfig holds cookie session configuration.
type SessionConfig struct {
	AuthenticationKey string        `mapstructure:"authentication_key"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
	CookieName        string        `mapstructure:"cookie_name"`
	CookieExpiry      time.Duration `mapstructure:"cookie_expiry"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds Redis configuration for queued audit delivery.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds audit delivery worker configuration.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// ImpersonationConfig holds the policy knobs of the impersonation subsystem.
type ImpersonationConfig struct {
	// HighValueThresholdCents forces manual approval for targets whose
	// balance exceeds it.
	HighValueThresholdCents int64 `mapstructure:"high_value_threshold_cents"`

	// MaxSessionAge is enforced at read time: an active session older than
	// this is treated as expired when looked up. Zero disables expiry.
	MaxSessionAge time.Duration `mapstructure:"max_session_age"`

	// FailClosed rejects requests when impersonation detection errors
	// internally. Default is fail open: the request proceeds as the admin.
	FailClosed bool `mapstructure:"fail_closed"`
}

// Config holds the full supportd configuration.
type Config struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	AdvertiseURL string `mapstructure:"advertise_url"`

	Session       SessionConfig       `mapstructure:"session"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Logging       LogConfig           `mapstructure:"logging"`
	Impersonation ImpersonationConfig `mapstructure:"impersonation"`
}

// EnvPrefix is the prefix for environment variables
// (e.g. SUPPORTD_LISTEN_ADDR).
const EnvPrefix = "SUPPORTD"

func setDefaults() {
	viper.SetDefault("listen_addr", ":8090")
	viper.SetDefault("database.path", "supportd.sqlite")
	viper.SetDefault("session.cookie_name", "supportd_session")
	viper.SetDefault("session.cookie_expiry", 24*time.Hour)
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", TextLogFormat)
	viper.SetDefault("logging.with_caller", false)
	viper.SetDefault("impersonation.high_value_threshold_cents", int64(10_000_00))
	viper.SetDefault("impersonation.max_session_age", 4*time.Hour)
	viper.SetDefault("impersonation.fail_closed", false)
}

// Load reads configuration from file and environment variables. If configPath
// is empty, it searches the default paths; otherwise it is treated as a
// direct file path. A missing config file is not an error: env vars and
// defaults still apply.
func Load(configPath string) error {
	log.Debug().Msg("Loading configuration")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath("/etc/supportd/")
		viper.AddConfigPath("$HOME/.supportd")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath == "" && errors.As(err, &notFound) {
			log.Debug().Msg("No config file found, using defaults and environment")
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	log.Debug().
		Str("config_file", viper.ConfigFileUsed()).
		Msg("Configuration loaded")

	return nil
}

// GetLogConfig returns the logging configuration from Viper.
func GetLogConfig() LogConfig {
	logLevelStr := viper.GetString("logging.level")
	logLevel, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	logFormatOpt := viper.GetString("logging.format")
	var logFormat string
	switch logFormatOpt {
	case JSONLogFormat:
		logFormat = JSONLogFormat
	case TextLogFormat, "":
		logFormat = TextLogFormat
	default:
		log.Warn().
			Str("format", logFormatOpt).
			Msg("Invalid log format, using text")
		logFormat = TextLogFormat
	}

	return LogConfig{
		Format:     logFormat,
		Level:      logLevel,
		WithCaller: viper.GetBool("logging.with_caller"),
	}
}

// Get returns the full configuration from Viper. Call after Load().
func Get() *Config {
	logConfig := GetLogConfig()
	zerolog.SetGlobalLevel(logConfig.Level)

	return &Config{
		ListenAddr:   viper.GetString("listen_addr"),
		AdvertiseURL: viper.GetString("advertise_url"),
		Logging:      logConfig,
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Concurrency: viper.GetInt("worker.concurrency"),
		},
		Session: SessionConfig{
			CookieName:        viper.GetString("session.cookie_name"),
			CookieExpiry:      viper.GetDuration("session.cookie_expiry"),
			AuthenticationKey: viper.GetString("session.authentication_key"),
			EncryptionKey:     viper.GetString("session.encryption_key"),
		},
		Impersonation: ImpersonationConfig{
			HighValueThresholdCents: viper.GetInt64("impersonation.high_value_threshold_cents"),
			MaxSessionAge:           viper.GetDuration("impersonation.max_session_age"),
			FailClosed:              viper.GetBool("impersonation.fail_closed"),
		},
	}
}

// ValidateRequired checks that required configuration fields are set.
func ValidateRequired(fields map[string]string) error {
	var missing []string
	for field, description := range fields {
		if viper.GetString(field) == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", field, description))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateSessionKeys validates that session keys are the correct length.
func ValidateSessionKeys() error {
	authKey := viper.GetString("session.authentication_key")
	encKey := viper.GetString("session.encryption_key")

	if len(authKey) != 32 {
		return fmt.Errorf("session.authentication_key must be 32 bytes, got %d", len(authKey))
	}
	if len(encKey) != 32 {
		return fmt.Errorf("session.encryption_key must be 32 bytes, got %d", len(encKey))
	}
	return nil
}
