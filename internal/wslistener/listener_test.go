package wslistener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"alfred/internal/clock"
	"alfred/internal/store"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []fakeTimer
}

type fakeTimer struct {
	at        time.Time
	fn        func()
	cancelled bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0).UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) At(t time.Time, fn func()) clock.CancelFunc {
	c.mu.Lock()
	idx := len(c.pending)
	c.pending = append(c.pending, fakeTimer{at: t, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.pending[idx].cancelled = true
		c.mu.Unlock()
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := make([]fakeTimer, 0)
	remaining := c.pending[:0]
	for _, t := range c.pending {
		if !t.cancelled && !t.at.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

func newTestStore(t *testing.T, content string) *store.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	s := store.New(nil)
	fc := newFakeClock()
	if _, err := s.Mobilize(path, fc, fc); err != nil {
		t.Fatalf("mobilize: %v", err)
	}
	return s
}

func TestNonUpgradeRequestGets426(t *testing.T) {
	st := newTestStore(t, `{}`)
	l := New(st, clock.SystemClock{}, clock.SystemClock{}, http.DefaultClient, Config{CloseLinger: time.Second}, nil)
	srv := httptest.NewServer(l)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
	if got := resp.Header.Get("Upgrade"); got != "websocket" {
		t.Fatalf("Upgrade header = %q, want websocket", got)
	}
}

func TestScenarioAuthByKeyOverRealSocket(t *testing.T) {
	st := newTestStore(t, `{"Roles":{"key:abc":["editor"]}}`)
	l := New(st, clock.SystemClock{}, clock.SystemClock{}, http.DefaultClient, Config{
		AuthTimeout: time.Minute,
		CloseLinger: 100 * time.Millisecond,
	}, nil)
	srv := httptest.NewServer(l)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "Authenticate", "key": "abc"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply map[string]interface{}
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply["type"] != "Authenticated" {
		t.Fatalf("reply = %#v, want type=Authenticated", reply)
	}
}

func TestScenarioWSAuthTimeoutClosesWithCode1005(t *testing.T) {
	st := newTestStore(t, `{}`)
	l := New(st, clock.SystemClock{}, clock.SystemClock{}, http.DefaultClient, Config{
		AuthTimeout: 100 * time.Millisecond,
		CloseLinger: 50 * time.Millisecond,
	}, nil)
	srv := httptest.NewServer(l)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var errFrame map[string]interface{}
	if err := wsjson.Read(ctx, conn, &errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame["type"] != "Error" || errFrame["message"] != "Authentication timeout" {
		t.Fatalf("frame = %#v, want Error(Authentication timeout)", errFrame)
	}

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to be closed by the server")
	}
}

func TestScenarioBadCredentialClosesWithLimiterEnabled(t *testing.T) {
	st := newTestStore(t, `{"Roles":{}}`)
	l := New(st, clock.SystemClock{}, clock.SystemClock{}, http.DefaultClient, Config{
		AuthTimeout:       time.Minute,
		CloseLinger:       100 * time.Millisecond,
		AuthAttemptLimit:  1,
		AuthAttemptWindow: time.Minute,
	}, nil)
	srv := httptest.NewServer(l)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "Authenticate", "key": "nope"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply map[string]interface{}
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if reply["type"] != "Error" || reply["message"] != "unknown credential" {
		t.Fatalf("reply = %#v, want Error(unknown credential)", reply)
	}

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to close after one attempt against a limit of 1")
	}
}
