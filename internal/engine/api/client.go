// Package api provides the HTTP client for the Crewdeck server's fetch and
// mutation endpoints, plus the small capability interfaces (session,
// connectivity) that keep the engine testable with in-memory fakes and
// portable to non-browser hosts.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
)

// ErrNoSession indicates no authenticated session is available. The channel
// does not attempt to connect and sync reports offline.
var ErrNoSession = errors.New("no authenticated session")

// ErrOffline indicates the connectivity observer reports no network.
var ErrOffline = errors.New("offline")

// Session carries what the engine needs to talk to the server.
type Session struct {
	BaseURL string
	Token   string
}

// SessionProvider supplies the current authenticated session. Returns
// ErrNoSession when the user is signed out.
type SessionProvider interface {
	Session(ctx context.Context) (Session, error)
}

// StaticSession is a SessionProvider with fixed credentials.
type StaticSession struct {
	URL   string
	Token string
}

// Session implements SessionProvider.
func (s StaticSession) Session(ctx context.Context) (Session, error) {
	if s.URL == "" || s.Token == "" {
		return Session{}, ErrNoSession
	}
	return Session{BaseURL: s.URL, Token: s.Token}, nil
}

// ConnectivityObserver reports whether the host believes it has network
// connectivity. Implementations may watch OS signals; the default assumes
// online and lets transport errors surface the truth.
type ConnectivityObserver interface {
	Online() bool
}

// AlwaysOnline is the default ConnectivityObserver.
type AlwaysOnline struct{}

// Online implements ConnectivityObserver.
func (AlwaysOnline) Online() bool { return true }

// FetchResponse is the server's reply to a list/fetch request.
//
// DeletedIDs carries tombstones so caches can remove entities rather than
// only ever receiving updates. ServerTime is the server clock at response
// time and is the authoritative cursor candidate.
type FetchResponse struct {
	Items      []entity.Entity `json:"items"`
	DeletedIDs []string        `json:"deletedIds"`
	ServerTime time.Time       `json:"serverTime"`
}

// Config holds client configuration.
type Config struct {
	// HTTPClient used for all requests; defaults to a 30s-timeout client.
	// The transport timeout doubles as the sync operation timeout: a hung
	// fetch fails here and surfaces as a sync error.
	HTTPClient *http.Client

	// Logger for request diagnostics.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     log.New(os.Stderr, "[api] ", log.LstdFlags),
	}
}

// Client talks to the server's fetch and mutation endpoints.
type Client struct {
	session SessionProvider
	http    *http.Client
	logger  *log.Logger
}

// NewClient creates an API client bound to a session provider.
func NewClient(session SessionProvider, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	return &Client{session: session, http: config.HTTPClient, logger: config.Logger}
}

// FetchEntities fetches entities of one type. With updatedSince set, only
// entities changed since that server timestamp (plus tombstones) are
// returned; without it the full collection is returned.
func (c *Client) FetchEntities(ctx context.Context, et entity.EntityType, updatedSince *time.Time) (*FetchResponse, error) {
	sess, err := c.session.Session(ctx)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(strings.TrimRight(sess.BaseURL, "/") + "/" + string(et) + "s")
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if updatedSince != nil {
		q := u.Query()
		q.Set("updatedSince", updatedSince.UTC().Format(time.RFC3339Nano))
		u.RawQuery = q.Encode()
	}

	var resp FetchResponse
	if err := c.getJSON(ctx, sess, u.String(), &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch %ss: %w", et, err)
	}
	return &resp, nil
}

// FetchComments fetches the current comments for one task.
func (c *Client) FetchComments(ctx context.Context, taskID string) ([]entity.Comment, error) {
	sess, err := c.session.Session(ctx)
	if err != nil {
		return nil, err
	}

	u := strings.TrimRight(sess.BaseURL, "/") + "/tasks/" + url.PathEscape(taskID) + "/comments"

	var resp struct {
		Items []entity.Comment `json:"items"`
	}
	if err := c.getJSON(ctx, sess, u, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch comments for task %s: %w", taskID, err)
	}
	return resp.Items, nil
}

// SubmitMutation sends one pending mutation to the server. The endpoint
// deduplicates by mutation ID, so retries after ambiguous failures are
// safe.
func (c *Client) SubmitMutation(ctx context.Context, m *entity.PendingMutation) error {
	sess, err := c.session.Session(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation %s: %w", m.ID, err)
	}

	u := strings.TrimRight(sess.BaseURL, "/") + "/mutations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit mutation %s: %w", m.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mutation %s rejected: server returned %d", m.ID, resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, sess Session, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
