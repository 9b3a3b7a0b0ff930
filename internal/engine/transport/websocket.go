// Package transport provides the WebSocket implementation of the push
// channel transport.
//
// The server's push endpoint streams one JSON-encoded ChannelEvent per
// WebSocket message and accepts a since parameter for resumption after a
// reconnect. Authentication rides on the standard bearer header.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/crewdeck/crewdeck/internal/engine/api"
	"github.com/crewdeck/crewdeck/internal/engine/channel"
	"github.com/crewdeck/crewdeck/internal/engine/entity"
)

// Config holds transport configuration.
type Config struct {
	// DialTimeout bounds a single connection attempt (default 10s).
	DialTimeout time.Duration

	// HTTPClient used for the WebSocket handshake.
	HTTPClient *http.Client

	// Logger for transport diagnostics.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout: 10 * time.Second,
		Logger:      log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// WebSocket dials the server's push endpoint. It implements
// channel.PushTransport.
type WebSocket struct {
	session api.SessionProvider
	config  *Config
}

// NewWebSocket creates a WebSocket transport bound to a session provider.
func NewWebSocket(session api.SessionProvider, config *Config) *WebSocket {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &WebSocket{session: session, config: config}
}

// Connect implements channel.PushTransport. A non-zero since asks the
// server to replay events newer than that timestamp before going live.
func (w *WebSocket) Connect(ctx context.Context, since time.Time) (channel.Conn, error) {
	sess, err := w.session.Session(ctx)
	if err != nil {
		return nil, err
	}

	u, err := eventsURL(sess.BaseURL, since)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.config.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.Token)

	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{
		HTTPClient: w.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial push endpoint: %w", err)
	}

	// Read limit guards against a misbehaving server; events are small.
	conn.SetReadLimit(1 << 20)

	return &wsConn{conn: conn, logger: w.config.Logger}, nil
}

// eventsURL converts the API base URL into the ws:// events URL with the
// resumption parameter.
func eventsURL(baseURL string, since time.Time) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/events")
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !since.IsZero() {
		q := u.Query()
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// wsConn adapts a websocket connection to channel.Conn.
type wsConn struct {
	conn   *websocket.Conn
	logger *log.Logger
}

// ReadEvent reads the next event. A malformed message is discarded and
// logged; the connection stays up and the read continues with the next
// message.
func (c *wsConn) ReadEvent(ctx context.Context) (*entity.ChannelEvent, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("push read failed: %w", err)
		}

		var ev entity.ChannelEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Printf("Discarding malformed event: %v", err)
			continue
		}
		if ev.Type == "" {
			c.logger.Printf("Discarding event with no type")
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		return &ev, nil
	}
}

// Close closes the connection cleanly.
func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
