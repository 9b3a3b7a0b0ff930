package transport

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/crewdeck/crewdeck/internal/engine/api"
	"github.com/crewdeck/crewdeck/internal/engine/entity"
)

// pushServer accepts one WebSocket client and writes the scripted raw
// messages, then holds the connection open.
func pushServer(t *testing.T, messages []string, onRequest func(*http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		ctx := r.Context()
		for _, msg := range messages {
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		<-ctx.Done()
	}))
}

func testTransport(srv *httptest.Server) *WebSocket {
	return NewWebSocket(api.StaticSession{URL: srv.URL, Token: "tok"}, &Config{
		DialTimeout: 5 * time.Second,
		HTTPClient:  srv.Client(),
		Logger:      log.New(io.Discard, "", 0),
	})
}

func TestConnectAndReadEvent(t *testing.T) {
	var gotAuth, gotSince string
	srv := pushServer(t, []string{
		`{"type":"task-updated","timestamp":"2026-08-25T12:00:00Z","data":{"id":"t1"}}`,
	}, func(r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSince = r.URL.Query().Get("since")
	})
	defer srv.Close()

	ctx := context.Background()
	since := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	conn, err := testTransport(srv).Connect(ctx, since)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer conn.Close()

	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotSince != since.Format(time.RFC3339Nano) {
		t.Errorf("since = %q, want %q", gotSince, since.Format(time.RFC3339Nano))
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, err := conn.ReadEvent(readCtx)
	if err != nil {
		t.Fatalf("ReadEvent() failed: %v", err)
	}
	if ev.Type != entity.EventTaskUpdated {
		t.Errorf("type = %s, want task-updated", ev.Type)
	}
}

func TestConnectOmitsZeroSince(t *testing.T) {
	var hadSince bool
	srv := pushServer(t, nil, func(r *http.Request) {
		hadSince = r.URL.Query().Has("since")
	})
	defer srv.Close()

	conn, err := testTransport(srv).Connect(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	conn.Close()

	if hadSince {
		t.Error("live-only connect sent a since parameter")
	}
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	srv := pushServer(t, []string{
		`{not json`,
		`{"timestamp":"2026-08-25T12:00:00Z"}`, // no type
		`{"type":"heartbeat"}`,                 // valid, zero timestamp backfilled
	}, nil)
	defer srv.Close()

	conn, err := testTransport(srv).Connect(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer conn.Close()

	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := conn.ReadEvent(readCtx)
	if err != nil {
		t.Fatalf("ReadEvent() failed: %v", err)
	}
	if ev.Type != entity.EventHeartbeat {
		t.Errorf("type = %s, want heartbeat (malformed frames skipped)", ev.Type)
	}
	if ev.Timestamp.IsZero() {
		t.Error("zero timestamp not backfilled")
	}
}

func TestConnectNoSession(t *testing.T) {
	tr := NewWebSocket(api.StaticSession{}, nil)
	if _, err := tr.Connect(context.Background(), time.Time{}); err != api.ErrNoSession {
		t.Errorf("error = %v, want ErrNoSession", err)
	}
}
