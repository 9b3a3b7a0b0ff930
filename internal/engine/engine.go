// Package engine wires the Crewdeck sync engine together: local cache,
// offline mutation queue, push event channel, cross-context coordinator,
// and the sync coordinator that ties them to the server.
//
// Reads go against the cache (always available, even offline). Writes go
// through Engine.SubmitWrite, which applies optimistically to the cache and
// enqueues the mutation for replay. The channel pushes fine-grained change
// events that the coordinator applies to the cache; on reconnect the
// coordinator drains the queue and runs an incremental sync before the
// channel resumes pushing.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/crewdeck/crewdeck/internal/config"
	"github.com/crewdeck/crewdeck/internal/engine/api"
	"github.com/crewdeck/crewdeck/internal/engine/channel"
	"github.com/crewdeck/crewdeck/internal/engine/coordinator"
	"github.com/crewdeck/crewdeck/internal/engine/crosstab"
	"github.com/crewdeck/crewdeck/internal/engine/entity"
	"github.com/crewdeck/crewdeck/internal/engine/queue"
	"github.com/crewdeck/crewdeck/internal/engine/store"
	"github.com/crewdeck/crewdeck/internal/engine/transport"
	"github.com/google/uuid"
)

// Options configures engine construction. Config and Session are required;
// the rest default sensibly.
type Options struct {
	Config  *config.Config
	Session api.SessionProvider

	// Connectivity gates the channel and syncs (default assumes online).
	Connectivity api.ConnectivityObserver

	// Logger is the parent logger; components derive prefixed loggers
	// from its writer.
	Logger *log.Logger
}

// Engine owns the assembled sync stack. Construct with New, call Start to
// go live, Stop to shut down.
type Engine struct {
	Store       *store.Store
	Queue       *queue.Queue
	Client      *api.Client
	Channel     *channel.Channel
	Coordinator *coordinator.Coordinator
	CrossTab    *crosstab.Coordinator

	config *config.Config
	logger *log.Logger

	mu       sync.Mutex
	started  bool
	unsubs   []func()
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cacheObs map[string]func(et entity.EntityType, ids []string)
}

// New builds the engine: opens the cache database, creates the queue on the
// same database, and wires the channel, coordinator, and cross-context
// notices together. Nothing connects until Start.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine requires a config")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("engine requires a session provider")
	}
	if opts.Connectivity == nil {
		opts.Connectivity = api.AlwaysOnline{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	out := opts.Logger.Writer()

	cache, err := store.Open(opts.Config.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}

	q := queue.New(cache, &queue.Config{
		RetryCeiling: opts.Config.Queue.RetryCeiling,
		Logger:       log.New(out, "[queue] ", log.LstdFlags),
	})

	client := api.NewClient(opts.Session, &api.Config{
		Logger: log.New(out, "[api] ", log.LstdFlags),
	})

	tabs, err := crosstab.New(opts.Config.NoticeDir(), &crosstab.Config{
		Logger: log.New(out, "[crosstab] ", log.LstdFlags),
	})
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to start cross-context coordinator: %w", err)
	}

	coord := coordinator.New(cache, q, client, client, &coordinator.Config{
		Connectivity: opts.Connectivity,
		Notifier:     tabs,
		Logger:       log.New(out, "[sync] ", log.LstdFlags),
	})

	ws := transport.NewWebSocket(opts.Session, &transport.Config{
		Logger: log.New(out, "[transport] ", log.LstdFlags),
	})

	ch := channel.New(ws, &channel.Config{
		BaseDelay:    opts.Config.Channel.BaseDelay,
		MaxDelay:     opts.Config.Channel.MaxDelay,
		MaxAttempts:  opts.Config.Channel.MaxAttempts,
		PingInterval: opts.Config.Channel.PingInterval,
		Connectivity: opts.Connectivity,
		Logger:       log.New(out, "[channel] ", log.LstdFlags),
	})

	return &Engine{
		Store:       cache,
		Queue:       q,
		Client:      client,
		Channel:     ch,
		Coordinator: coord,
		CrossTab:    tabs,
		config:      opts.Config,
		logger:      opts.Logger,
		cacheObs:    make(map[string]func(entity.EntityType, []string)),
	}, nil
}

// Start brings the engine live: subscribes the coordinator to all entity
// events (which dials the channel), wires reconnects to incremental syncs,
// and starts the periodic sync loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	unsub := e.Channel.Subscribe([]entity.EventType{entity.EventWildcard},
		func(ev *entity.ChannelEvent) {
			e.Coordinator.HandleChannelEvent(runCtx, ev)
		}, "engine")
	e.unsubs = append(e.unsubs, unsub)

	// A genuine reconnect means events may have been missed beyond the
	// channel's resumption window; an incremental sync closes the gap.
	unsub = e.Channel.OnReconnection(func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			result := e.Coordinator.PerformIncrementalSync(runCtx, nil)
			if result.Status == coordinator.StatusError {
				e.logger.Printf("Post-reconnect sync failed: %s", result.Error)
			}
		}()
	})
	e.unsubs = append(e.unsubs, unsub)

	// A sibling context (another window or CLI invocation) that syncs
	// writes to the shared cache directly; its notice tells this context
	// to re-read rather than wait for its own next sync.
	unsubTabs, err := e.CrossTab.OnCacheUpdated(func(n crosstab.Notice) {
		e.logger.Printf("Cache updated by sibling context (%s, %d ids)", n.EntityType, len(n.IDs))
		e.notifyCacheChanged(n.EntityType, n.IDs)
	})
	if err != nil {
		// Notices are an optimization; without a watcher the periodic
		// sync still converges.
		e.logger.Printf("Cross-context notices unavailable: %v", err)
	} else {
		e.unsubs = append(e.unsubs, unsubTabs)
	}

	if e.config.Sync.Interval > 0 {
		e.wg.Add(1)
		go e.periodicSync(runCtx, e.config.Sync.Interval)
	}

	e.started = true
	e.logger.Printf("Engine started (db=%s)", e.config.DatabasePath())
	return nil
}

// Stop shuts the engine down: unsubscribes, closes the channel and the
// cross-context watcher, and closes the cache database.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	unsubs := e.unsubs
	e.unsubs = nil
	cancel := e.cancel
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.Channel.Close()
	e.CrossTab.Close()

	if err := e.Store.Close(); err != nil {
		return fmt.Errorf("failed to close local cache: %w", err)
	}
	e.logger.Printf("Engine stopped")
	return nil
}

// SubmitWrite applies a local write optimistically to the cache and
// enqueues the mutation for replay. The cache write and the enqueue share a
// database, so a crash between them cannot strand one without the other
// being recoverable on the next sync.
func (e *Engine) SubmitWrite(ctx context.Context, env *entity.Entity, op entity.MutationOp) (*entity.PendingMutation, error) {
	if op == entity.OpDelete {
		env.Deleted = true
	}
	if err := e.Store.ApplyLocal(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to apply local write: %w", err)
	}

	m := entity.NewPendingMutation(op, env.Type, env.ID, env.Payload)
	if err := e.Queue.Enqueue(ctx, m); err != nil {
		return nil, err
	}

	e.CrossTab.BroadcastCacheUpdated(env.Type, []string{env.ID})
	return m, nil
}

// OnCacheChanged registers an observer for cache updates made by sibling
// contexts, so views can re-read without polling. Returns an unsubscribe
// func.
func (e *Engine) OnCacheChanged(callback func(et entity.EntityType, ids []string)) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.cacheObs[id] = callback
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.cacheObs, id)
		e.mu.Unlock()
	}
}

func (e *Engine) notifyCacheChanged(et entity.EntityType, ids []string) {
	e.mu.Lock()
	obs := make([]func(entity.EntityType, []string), 0, len(e.cacheObs))
	for _, cb := range e.cacheObs {
		obs = append(obs, cb)
	}
	e.mu.Unlock()

	for _, cb := range obs {
		cb(et, ids)
	}
}

// periodicSync runs incremental syncs on the configured cadence. A cycle
// that overlaps a manual sync coalesces into an idle result and is skipped.
func (e *Engine) periodicSync(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := e.Coordinator.PerformIncrementalSync(ctx, nil)
			if result.Status == coordinator.StatusError {
				e.logger.Printf("Periodic sync failed: %s", result.Error)
			}
		}
	}
}
