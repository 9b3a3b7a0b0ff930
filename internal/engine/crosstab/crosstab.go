// Package crosstab propagates cache-invalidation notices between execution
// contexts of the same user on one machine, so only one context needs a
// live event channel.
//
// Notices are small JSON files dropped into a shared directory; sibling
// contexts watch the directory and re-read the shared cache when a notice
// lands. Notices carry entity ids, never payloads, which keeps them cheap
// and avoids double-delivery of entity data.
package crosstab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// noticeSuffix marks notice files; anything else in the directory is
// ignored.
const noticeSuffix = ".notice.json"

// defaultTTL is how long a notice file survives before the janitor removes
// it. Consumers read notices within milliseconds; the TTL only bounds
// buildup from contexts that crashed mid-broadcast.
const defaultTTL = time.Minute

// Notice is the on-disk invalidation message.
type Notice struct {
	Origin     string            `json:"origin"`
	EntityType entity.EntityType `json:"entityType"`
	IDs        []string          `json:"ids,omitempty"`
	SentAt     time.Time         `json:"sentAt"`
}

// Config holds coordinator configuration.
type Config struct {
	// TTL before a notice file is garbage-collected (default one minute).
	TTL time.Duration

	// Logger for broadcast and watch diagnostics.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TTL:    defaultTTL,
		Logger: log.New(os.Stderr, "[crosstab] ", log.LstdFlags),
	}
}

// Coordinator broadcasts and receives cache-changed notices through a
// shared directory. Each coordinator instance represents one execution
// context and filters out its own broadcasts.
type Coordinator struct {
	dir     string
	context string
	config  *Config

	mu        sync.Mutex
	callbacks map[string]func(Notice)
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	seq       uint64
}

// New creates a coordinator using dir as the shared notice directory. The
// directory is created if missing.
func New(dir string, config *Config) (*Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[crosstab] ", log.LstdFlags)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create notice directory: %w", err)
	}

	return &Coordinator{
		dir:       dir,
		context:   uuid.NewString(),
		config:    config,
		callbacks: make(map[string]func(Notice)),
	}, nil
}

// BroadcastCacheUpdated drops a notice for sibling contexts. Delivery is
// fire-and-forget: any failure is logged and swallowed so the operation
// that triggered the broadcast still succeeds.
func (c *Coordinator) BroadcastCacheUpdated(et entity.EntityType, ids []string) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	notice := Notice{
		Origin:     c.context,
		EntityType: et,
		IDs:        ids,
		SentAt:     time.Now(),
	}
	data, err := json.Marshal(notice)
	if err != nil {
		c.config.Logger.Printf("Failed to encode notice: %v", err)
		return
	}

	// Write-then-rename so watchers never observe a partial file.
	name := fmt.Sprintf("%s-%d%s", c.context, seq, noticeSuffix)
	tmp := filepath.Join(c.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		c.config.Logger.Printf("Failed to write notice: %v", err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(c.dir, name)); err != nil {
		os.Remove(tmp)
		c.config.Logger.Printf("Failed to publish notice: %v", err)
	}
}

// OnCacheUpdated registers a callback for notices from sibling contexts.
// The coordinator's own broadcasts are filtered out. The first registration
// starts the directory watcher. Returns an unsubscribe func; removing the
// last registration stops the watcher.
func (c *Coordinator) OnCacheUpdated(callback func(Notice)) (func(), error) {
	id := uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.callbacks[id] = callback
	if c.watcher == nil {
		if err := c.startLocked(); err != nil {
			delete(c.callbacks, id)
			return nil, err
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.callbacks, id)
		stop := len(c.callbacks) == 0
		c.mu.Unlock()
		if stop {
			c.stopWatcher()
		}
	}, nil
}

// Close stops the watcher and drops all registrations.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.callbacks = make(map[string]func(Notice))
	c.mu.Unlock()
	c.stopWatcher()
	return nil
}

func (c *Coordinator) startLocked() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create directory watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch notice directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.watcher = watcher
	c.cancel = cancel

	c.wg.Add(2)
	go c.watch(ctx, watcher)
	go c.janitor(ctx)
	return nil
}

func (c *Coordinator) stopWatcher() {
	c.mu.Lock()
	watcher := c.watcher
	cancel := c.cancel
	c.watcher = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
	c.wg.Wait()
}

func (c *Coordinator) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Rename into place surfaces as Create; some platforms
			// report Rename instead.
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, noticeSuffix) {
				continue
			}
			c.consume(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// consume reads one notice file and fans it out. Own notices and unreadable
// files are skipped silently; another context may have already reaped the
// file.
func (c *Coordinator) consume(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var notice Notice
	if err := json.Unmarshal(data, &notice); err != nil {
		c.config.Logger.Printf("Skipping malformed notice %s: %v", filepath.Base(path), err)
		return
	}
	if notice.Origin == c.context {
		return
	}

	c.mu.Lock()
	callbacks := make([]func(Notice), 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(notice)
	}
}

// janitor periodically reaps expired notice files, including those left by
// contexts that exited uncleanly.
func (c *Coordinator) janitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.TTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reap()
		}
	}
}

func (c *Coordinator) reap() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.config.Logger.Printf("Failed to scan notice directory: %v", err)
		return
	}

	cutoff := time.Now().Add(-c.config.TTL)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), noticeSuffix) && !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
}
