// Package config loads Crewdeck client configuration from the user's home
// directory, the project directory, and the environment.
package config

import "time"

// Config represents the full Crewdeck client configuration.
type Config struct {
	Version string `yaml:"version" mapstructure:"version"`

	// Server connection settings
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Sync engine settings
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Event channel settings
	Channel ChannelConfig `yaml:"channel" mapstructure:"channel"`

	// Offline mutation queue settings
	Queue QueueConfig `yaml:"queue" mapstructure:"queue"`

	// Logging settings
	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the connection to the Crewdeck server.
type ServerConfig struct {
	URL string `yaml:"url" mapstructure:"url"`

	// Token is the API token. Usually supplied via CREWDECK_SERVER_TOKEN
	// rather than the config file.
	Token string `yaml:"token" mapstructure:"token"`
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	// DataDir holds the local cache database and cross-context notices.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// Interval between periodic incremental syncs (0 disables).
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// ChannelConfig configures the push event channel.
type ChannelConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
}

// QueueConfig configures the offline mutation queue.
type QueueConfig struct {
	RetryCeiling int `yaml:"retry_ceiling" mapstructure:"retry_ceiling"`
}

// LogConfig configures rotating file logging.
type LogConfig struct {
	// File path; empty logs to stderr only.
	File string `yaml:"file" mapstructure:"file"`

	MaxSizeMB  int `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days" mapstructure:"max_age_days"`
}
