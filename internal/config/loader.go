package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load loads and merges configuration from the global config file, the
// project config file, and CREWDECK_* environment variables. Missing files
// fall back to defaults; a present-but-broken file is an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := GlobalConfigPath(); path != "" {
		if err := loadFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		projectPath := filepath.Join(cwd, ".crewdeck.yaml")
		if err := loadFile(projectPath, cfg); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(cfg)
}

// applyEnv overlays environment variables on top of file config. Nested
// keys use underscores: CREWDECK_SERVER_URL, CREWDECK_SERVER_TOKEN,
// CREWDECK_SYNC_DATA_DIR, CREWDECK_LOG_FILE.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CREWDECK_SERVER_URL"); v != "" {
		cfg.Server.URL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("CREWDECK_SERVER_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("CREWDECK_SYNC_DATA_DIR"); v != "" {
		cfg.Sync.DataDir = v
	}
	if v := os.Getenv("CREWDECK_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".crewdeck", "config.yaml")
}

// DatabasePath returns the cache database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Sync.DataDir, "crewdeck.db")
}

// NoticeDir returns the cross-context notice directory.
func (c *Config) NoticeDir() string {
	return filepath.Join(c.Sync.DataDir, "notices")
}

// CredentialsPath returns where 'crew login' stores the session.
func CredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".crewdeck", "credentials.yaml")
}
