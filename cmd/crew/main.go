// crew is the Crewdeck command-line client: a local-first view of your
// team's tasks that stays usable offline and reconciles with the server
// when connectivity returns.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/crewdeck/crewdeck/internal/config"
	"github.com/crewdeck/crewdeck/internal/engine"
	"github.com/crewdeck/crewdeck/internal/engine/api"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crewdeck task client with offline sync",
	Long: `crew is the Crewdeck command-line client.

Reads always come from the local cache, so listing tasks works offline.
Writes are applied locally first and queued for the server; 'crew sync'
(or the background 'crew run') reconciles both directions.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "session", Title: "Session Commands:"},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads config or exits; every command needs it.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// sessionProvider resolves credentials: explicit config/env first, then the
// saved login. Returns a provider that yields api.ErrNoSession when neither
// is present, which lets offline-capable commands keep working.
func sessionProvider(cfg *config.Config) api.SessionProvider {
	if cfg.Server.URL != "" && cfg.Server.Token != "" {
		return api.StaticSession{URL: cfg.Server.URL, Token: cfg.Server.Token}
	}
	if creds, err := config.LoadCredentials(); err == nil && creds != nil {
		return api.StaticSession{URL: creds.URL, Token: creds.Token}
	}
	return api.StaticSession{}
}

// newLogger builds the parent logger. With log.file set, output rotates via
// lumberjack; otherwise it goes to stderr.
func newLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}
	return log.New(out, "[crew] ", log.LstdFlags)
}

// newEngine assembles the engine for one command invocation. Callers own
// Stop (or Store.Close for commands that never Start).
func newEngine(cfg *config.Config) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Config:  cfg,
		Session: sessionProvider(cfg),
		Logger:  newLogger(cfg),
	})
}
