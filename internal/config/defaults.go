package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Sync: SyncConfig{
			DataDir:  defaultDataDir(),
			Interval: 5 * time.Minute,
		},
		Channel: ChannelConfig{
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  10,
			PingInterval: 15 * time.Second,
		},
		Queue: QueueConfig{
			RetryCeiling: 5,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewdeck"
	}
	return filepath.Join(home, ".crewdeck")
}

// WriteDefault writes a commented default configuration file.
func WriteDefault(path string) error {
	content := `# Crewdeck Client Configuration
version: "1"

# Server connection. The token is usually supplied via the
# CREWDECK_SERVER_TOKEN environment variable or 'crew login'.
server:
  url: ""

# Sync engine
sync:
  # data_dir: ~/.crewdeck
  interval: 5m

# Push event channel
channel:
  base_delay: 1s
  max_delay: 30s
  max_attempts: 10
  ping_interval: 15s

# Offline mutation queue
queue:
  retry_ceiling: 5

# Logging (file empty = stderr only)
log:
  file: ""
  max_size_mb: 10
  max_backups: 3
  max_age_days: 14
`
	return os.WriteFile(path, []byte(content), 0644)
}
