// Package channel maintains the single live push connection per
// authenticated user and fans incoming events out to subscribers.
//
// The channel is demand-driven: the first subscription dials the transport,
// and removing the last subscription tears the connection down. Reconnection
// is automatic with exponential backoff; after too many consecutive
// failures a circuit breaker suspends retries until an external trigger
// (typically the host window becoming visible again) resets the attempt
// counter.
//
// Lifecycle of a connection:
//
//	Idle -> Connecting -> Connected -> {Erroring, GracefulReconnecting}
//	     -> Connecting (with backoff) -> ... -> Suspended
package channel

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/api"
	"github.com/crewdeck/crewdeck/internal/engine/entity"
	"github.com/google/uuid"
)

// Conn is a live push connection. ReadEvent blocks until the next event
// arrives, the context ends, or the connection drops.
type Conn interface {
	ReadEvent(ctx context.Context) (*entity.ChannelEvent, error)
	Close() error
}

// PushTransport dials the server's push endpoint. The since parameter asks
// the server to replay events newer than that timestamp, so no events are
// silently lost across a reconnect window. A zero since means "live only".
type PushTransport interface {
	Connect(ctx context.Context, since time.Time) (Conn, error)
}

// Config holds channel configuration. The numeric knobs are policy, not
// correctness constants; hosts tune them.
type Config struct {
	// BaseDelay is the first reconnect backoff step (default 1s).
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff (default 30s).
	MaxDelay time.Duration

	// MaxAttempts is the circuit breaker threshold: after this many
	// consecutive failed connection attempts, automatic retry stops
	// until TriggerReconnect (default 10).
	MaxAttempts int

	// PingInterval is the expected server heartbeat cadence. Silence for
	// 4x this window is treated as a dead connection (default 15s).
	PingInterval time.Duration

	// Connectivity gates connection attempts; while offline the channel
	// idles without burning attempts (default assumes online).
	Connectivity api.ConnectivityObserver

	// Logger for channel activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		PingInterval: 15 * time.Second,
		Connectivity: api.AlwaysOnline{},
		Logger:       log.New(os.Stderr, "[channel] ", log.LstdFlags),
	}
}

// Status is a snapshot of the channel for diagnostics surfaces.
type Status struct {
	Connected         bool      `json:"connected"`
	Connecting        bool      `json:"connecting"`
	Suspended         bool      `json:"suspended"`
	Attempts          int       `json:"attempts"`
	SubscriptionCount int       `json:"subscription_count"`
	LastEventTime     time.Time `json:"last_event_time"`
}

// subscription is one registered callback in the observer registry.
type subscription struct {
	id         string
	eventTypes map[entity.EventType]bool
	wildcard   bool
	callback   func(*entity.ChannelEvent)
	ownerTag   string
}

// Channel is the event channel. Construct with New and inject wherever
// live updates are consumed; there is no package-level instance.
type Channel struct {
	transport PushTransport
	config    *Config

	mu            sync.Mutex
	subs          map[string]*subscription
	connObs       map[string]func(bool)
	reconnObs     map[string]func()
	connected     bool
	connecting    bool
	suspended     bool
	attempts      int
	lastEventTime time.Time
	watermark     time.Time // last processed event timestamp, for resumption
	dropped       bool      // a genuine (non-graceful) disconnect happened

	running      bool
	gen          int // generation of the current run loop
	obsConnected bool // last state reported to connection observers
	cancel       context.CancelFunc
	kick         chan struct{}
	wg           sync.WaitGroup
}

// New creates a Channel over the given transport.
func New(transport PushTransport, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 15 * time.Second
	}
	if config.Connectivity == nil {
		config.Connectivity = api.AlwaysOnline{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[channel] ", log.LstdFlags)
	}
	return &Channel{
		transport: transport,
		config:    config,
		subs:      make(map[string]*subscription),
		connObs:   make(map[string]func(bool)),
		reconnObs: make(map[string]func()),
		kick:      make(chan struct{}, 1),
	}
}

// Subscribe registers a callback for a set of event types (or
// entity.EventWildcard for all entity events). The first subscription
// triggers a connect; the returned function unregisters the callback, and
// when the registration count reaches zero the channel disconnects.
func (c *Channel) Subscribe(eventTypes []entity.EventType, callback func(*entity.ChannelEvent), ownerTag string) func() {
	sub := &subscription{
		id:         uuid.NewString(),
		eventTypes: make(map[entity.EventType]bool, len(eventTypes)),
		callback:   callback,
		ownerTag:   ownerTag,
	}
	for _, et := range eventTypes {
		if et == entity.EventWildcard {
			sub.wildcard = true
			continue
		}
		sub.eventTypes[et] = true
	}

	c.mu.Lock()
	c.subs[sub.id] = sub
	count := len(c.subs)
	c.ensureRunningLocked()
	c.mu.Unlock()

	c.config.Logger.Printf("Subscribed %s (owner=%s, total=%d)", sub.id[:8], ownerTag, count)

	return func() {
		c.mu.Lock()
		if _, ok := c.subs[sub.id]; !ok {
			c.mu.Unlock()
			return
		}
		delete(c.subs, sub.id)
		remaining := len(c.subs)
		if remaining == 0 {
			c.stopLocked()
		}
		c.mu.Unlock()

		c.config.Logger.Printf("Unsubscribed %s (owner=%s, remaining=%d)", sub.id[:8], ownerTag, remaining)
	}
}

// OnConnectionChange registers an observer for connection-state
// transitions. It is invoked with the current state immediately on
// registration.
func (c *Channel) OnConnectionChange(callback func(connected bool)) func() {
	id := uuid.NewString()
	c.mu.Lock()
	c.connObs[id] = callback
	current := c.connected
	c.mu.Unlock()

	callback(current)

	return func() {
		c.mu.Lock()
		delete(c.connObs, id)
		c.mu.Unlock()
	}
}

// OnReconnection registers an observer invoked once after each genuine
// reconnect (not after a graceful server-directed cycle), after the
// connection-change observers, so dependents can trigger a
// resynchronization.
func (c *Channel) OnReconnection(callback func()) func() {
	id := uuid.NewString()
	c.mu.Lock()
	c.reconnObs[id] = callback
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.reconnObs, id)
		c.mu.Unlock()
	}
}

// GetStatus returns a snapshot of channel state.
func (c *Channel) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connected:         c.connected,
		Connecting:        c.connecting,
		Suspended:         c.suspended,
		Attempts:          c.attempts,
		SubscriptionCount: len(c.subs),
		LastEventTime:     c.lastEventTime,
	}
}

// TriggerReconnect resets the attempt counter and retries immediately.
// This is the external trigger that releases the circuit breaker, wired
// to host signals such as the window becoming visible.
func (c *Channel) TriggerReconnect() {
	c.mu.Lock()
	c.attempts = 0
	c.suspended = false
	hasSubs := len(c.subs) > 0
	if hasSubs {
		c.ensureRunningLocked()
	}
	c.mu.Unlock()

	if hasSubs {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Close tears the channel down regardless of remaining subscriptions.
func (c *Channel) Close() {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

// ensureRunningLocked starts the connection loop if it isn't running and
// the circuit breaker isn't tripped. Caller holds c.mu.
func (c *Channel) ensureRunningLocked() {
	if c.running || c.suspended {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.gen++
	gen := c.gen
	c.wg.Add(1)
	go c.run(ctx, gen)
}

// stopLocked cancels the connection loop. Caller holds c.mu.
func (c *Channel) stopLocked() {
	if !c.running {
		return
	}
	c.running = false
	c.cancel()
}

// run is the connection loop: dial, read until failure, back off, repeat.
// It exits when the context is cancelled or the circuit breaker trips.
func (c *Channel) run(ctx context.Context, gen int) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.gen != gen {
			// A newer loop owns the connection state; this one may still
			// be unwinding a cancelled read after its successor connected.
			c.mu.Unlock()
			return
		}
		c.running = false
		c.connecting = false
		c.connected = false
		notify := c.obsConnected
		c.obsConnected = false
		c.mu.Unlock()
		if notify {
			c.notifyConnChange(false)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if !c.config.Connectivity.Online() {
			// No attempt while offline: the OS will tell us when the
			// network is back, and TriggerReconnect kicks us early.
			select {
			case <-ctx.Done():
				return
			case <-c.kick:
			case <-time.After(c.config.BaseDelay):
			}
			continue
		}

		c.mu.Lock()
		attempts := c.attempts
		c.connecting = true
		c.mu.Unlock()

		if attempts > 0 {
			delay := backoffDelay(c.config.BaseDelay, c.config.MaxDelay, attempts)
			c.config.Logger.Printf("Reconnecting in %s (attempt %d)", delay, attempts+1)
			select {
			case <-ctx.Done():
				return
			case <-c.kick:
			case <-time.After(delay):
			}
		}

		c.mu.Lock()
		since := c.watermark
		c.mu.Unlock()

		conn, err := c.transport.Connect(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, api.ErrNoSession) {
				// Connectivity-class failure: do not burn attempts,
				// wait for a session to appear.
				c.config.Logger.Printf("No session, channel idle")
				select {
				case <-ctx.Done():
					return
				case <-c.kick:
				case <-time.After(c.config.BaseDelay):
				}
				continue
			}

			c.mu.Lock()
			c.attempts++
			tripped := c.attempts >= c.config.MaxAttempts
			if tripped {
				c.suspended = true
				if c.gen == gen {
					c.running = false
				}
				c.connecting = false
			}
			attempts := c.attempts
			notify := c.obsConnected
			c.obsConnected = false
			c.mu.Unlock()

			if notify {
				c.notifyConnChange(false)
			}
			c.config.Logger.Printf("Connect failed (attempt %d): %v", attempts, err)
			if tripped {
				c.config.Logger.Printf("Circuit breaker open after %d failures, retries suspended", attempts)
				return
			}
			continue
		}

		c.serveConn(ctx, conn)
	}
}

// serveConn reads events from one live connection until it drops.
func (c *Channel) serveConn(ctx context.Context, conn Conn) {
	defer conn.Close()

	c.mu.Lock()
	c.connected = true
	c.connecting = false
	c.attempts = 0
	reconnected := c.dropped
	c.dropped = false
	notify := !c.obsConnected
	c.obsConnected = true
	c.mu.Unlock()

	c.config.Logger.Printf("Connected")
	if notify {
		c.notifyConnChange(true)
	}
	if reconnected {
		c.notifyReconnection()
	}

	heartbeatTimeout := 4 * c.config.PingInterval

	for {
		readCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
		ev, err := conn.ReadEvent(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.config.Logger.Printf("Heartbeat timeout after %s, forcing reconnect", heartbeatTimeout)
			} else {
				c.config.Logger.Printf("Connection lost: %v", err)
			}
			c.markDropped()
			return
		}

		c.mu.Lock()
		c.lastEventTime = time.Now()
		if ev.Timestamp.After(c.watermark) {
			c.watermark = ev.Timestamp
		}
		c.mu.Unlock()

		switch ev.Type {
		case entity.EventHeartbeat:
			// Nothing to do; receiving it already reset the window.
		case entity.EventReconnect:
			// Server-directed graceful cycle: close and redial without
			// touching the failure counter or notifying observers.
			c.config.Logger.Printf("Server requested graceful reconnect")
			c.mu.Lock()
			c.connected = false
			c.connecting = true
			c.mu.Unlock()
			return
		default:
			c.dispatch(ev)
		}
	}
}

// markDropped records a genuine disconnect and notifies observers.
func (c *Channel) markDropped() {
	c.mu.Lock()
	c.connected = false
	c.dropped = true
	notify := c.obsConnected
	c.obsConnected = false
	c.mu.Unlock()
	if notify {
		c.notifyConnChange(false)
	}
}

// dispatch routes one entity event to every matching subscription, in
// arrival order. A panicking callback is caught and logged so one faulty
// subscriber cannot break delivery to others.
func (c *Channel) dispatch(ev *entity.ChannelEvent) {
	c.mu.Lock()
	targets := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.wildcard || sub.eventTypes[ev.Type] {
			targets = append(targets, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range targets {
		c.safeInvoke(sub, ev)
	}
}

func (c *Channel) safeInvoke(sub *subscription, ev *entity.ChannelEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.config.Logger.Printf("Subscriber %s (owner=%s) panicked on %s: %v",
				sub.id[:8], sub.ownerTag, ev.Type, r)
		}
	}()
	sub.callback(ev)
}

func (c *Channel) notifyConnChange(connected bool) {
	c.mu.Lock()
	obs := make([]func(bool), 0, len(c.connObs))
	for _, cb := range c.connObs {
		obs = append(obs, cb)
	}
	c.mu.Unlock()

	for _, cb := range obs {
		cb(connected)
	}
}

func (c *Channel) notifyReconnection() {
	c.mu.Lock()
	obs := make([]func(), 0, len(c.reconnObs))
	for _, cb := range c.reconnObs {
		obs = append(obs, cb)
	}
	c.mu.Unlock()

	for _, cb := range obs {
		cb()
	}
}

// backoffDelay computes base * 2^(attempts-1), capped at max.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
