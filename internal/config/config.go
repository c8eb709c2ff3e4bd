package config

import (
	"fmt"
	"time"

	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/spf13/viper"
)

// Config holds all configuration
type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Local       LocalConfig       `mapstructure:"local"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Compression CompressionConfig `mapstructure:"compression"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Network     NetworkConfig     `mapstructure:"network"`
	Sync        SyncConfig        `mapstructure:"sync"`
}

// StoreConfig holds remote document store configuration
type StoreConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	WSURL     string        `mapstructure:"ws_url"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LocalConfig holds local durable state configuration
type LocalConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LimitsConfig holds validation limits
type LimitsConfig struct {
	MaxTextLength      int `mapstructure:"max_text_length"`
	MaxAttachments     int `mapstructure:"max_attachments"`
	MaxAttachmentBytes int `mapstructure:"max_attachment_bytes"`
	MaxNameLength      int `mapstructure:"max_name_length"`
}

// RateLimitConfig holds sliding-window rate limit configuration
type RateLimitConfig struct {
	MaxSends int           `mapstructure:"max_sends"`
	Window   time.Duration `mapstructure:"window"`
}

// CompressionConfig holds attachment compression bounds
type CompressionConfig struct {
	MaxBytes     int `mapstructure:"max_bytes"`
	MaxDimension int `mapstructure:"max_dimension"`
	QualityStart int `mapstructure:"quality_start"`
	QualityFloor int `mapstructure:"quality_floor"`
	QualityStep  int `mapstructure:"quality_step"`
}

// QueueConfig holds offline queue replay configuration
type QueueConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// NetworkConfig holds connectivity monitor configuration
type NetworkConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Hysteresis    time.Duration `mapstructure:"hysteresis"`
}

// SyncConfig holds realtime listener configuration
type SyncConfig struct {
	ResubscribeInitial time.Duration `mapstructure:"resubscribe_initial"`
	ResubscribeMax     time.Duration `mapstructure:"resubscribe_max"`
	BufferSize         int           `mapstructure:"buffer_size"`
}

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.fillDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default filled in, suitable for
// tests and embedders that configure programmatically.
func Default() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

func (cfg *Config) fillDefaults() {
	if cfg.Store.TokenTTL == 0 {
		cfg.Store.TokenTTL = 24 * time.Hour
	}
	if cfg.Store.Timeout == 0 {
		cfg.Store.Timeout = 30 * time.Second
	}
	if cfg.Local.DBPath == "" {
		cfg.Local.DBPath = "amenchat.db"
	}
	if cfg.Limits.MaxTextLength == 0 {
		cfg.Limits.MaxTextLength = constant.MaxTextLength
	}
	if cfg.Limits.MaxAttachments == 0 {
		cfg.Limits.MaxAttachments = constant.MaxAttachments
	}
	if cfg.Limits.MaxAttachmentBytes == 0 {
		cfg.Limits.MaxAttachmentBytes = constant.MaxAttachmentBytes
	}
	if cfg.Limits.MaxNameLength == 0 {
		cfg.Limits.MaxNameLength = constant.MaxConversationNameLen
	}
	if cfg.RateLimit.MaxSends == 0 {
		cfg.RateLimit.MaxSends = constant.RateLimitMaxSends
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = constant.RateLimitWindowSeconds * time.Second
	}
	if cfg.Compression.MaxBytes == 0 {
		cfg.Compression.MaxBytes = constant.CompressMaxBytes
	}
	if cfg.Compression.MaxDimension == 0 {
		cfg.Compression.MaxDimension = constant.CompressMaxDimension
	}
	if cfg.Compression.QualityStart == 0 {
		cfg.Compression.QualityStart = constant.CompressQualityStart
	}
	if cfg.Compression.QualityFloor == 0 {
		cfg.Compression.QualityFloor = constant.CompressQualityFloor
	}
	if cfg.Compression.QualityStep == 0 {
		cfg.Compression.QualityStep = constant.CompressQualityStep
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = constant.QueueMaxAttempts
	}
	if cfg.Queue.InitialBackoff == 0 {
		cfg.Queue.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Queue.MaxBackoff == 0 {
		cfg.Queue.MaxBackoff = 30 * time.Second
	}
	if cfg.Network.ProbeInterval == 0 {
		cfg.Network.ProbeInterval = 10 * time.Second
	}
	if cfg.Network.Hysteresis == 0 {
		cfg.Network.Hysteresis = 1500 * time.Millisecond
	}
	if cfg.Sync.ResubscribeInitial == 0 {
		cfg.Sync.ResubscribeInitial = time.Second
	}
	if cfg.Sync.ResubscribeMax == 0 {
		cfg.Sync.ResubscribeMax = time.Minute
	}
	if cfg.Sync.BufferSize == 0 {
		cfg.Sync.BufferSize = 256
	}
}
