// Package wslistener upgrades HTTP requests on /ws into WS Sessions,
// keeps a registry of live sessions keyed by a generated id, and runs the
// linger-delayed close protocol described in spec §4.4.
package wslistener

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"alfred/internal/clock"
	"alfred/internal/outbound"
	"alfred/internal/ratelimit"
	"alfred/internal/store"
	"alfred/internal/wsapi"
	"alfred/pkg/metrics"
)

// Logger receives diagnostics the listener can't surface any other way.
type Logger interface {
	Errorf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Errorf(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{})  {}

// Config carries the WebSocket-related Configuration keys from spec §6.
type Config struct {
	MaxFrameSize   int64
	AuthTimeout    time.Duration
	CloseLinger    time.Duration
	OriginPatterns []string

	// AuthAttemptLimit bounds Authenticate attempts per connection within
	// AuthAttemptWindow; zero disables throttling.
	AuthAttemptLimit  int
	AuthAttemptWindow time.Duration
}

type entry struct {
	generation uint64
	conn       *websocket.Conn
	session    *wsapi.Session
	closeOnce  sync.Once
}

// Listener implements http.Handler for the /ws upgrade path.
type Listener struct {
	store      *store.Store
	clk        clock.Clock
	sched      clock.Scheduler
	httpClient *http.Client
	cfg        Config
	log        Logger
	limiter    *ratelimit.InMemoryLimiter
	metrics    *metrics.Registry

	mu             sync.Mutex
	sessions       map[string]*entry
	nextGeneration uint64
}

// New builds a Listener. httpClient is used by every Session's outbound
// transaction pool (Twitch validation).
func New(st *store.Store, clk clock.Clock, sched clock.Scheduler, httpClient *http.Client, cfg Config, log Logger) *Listener {
	if log == nil {
		log = noopLogger{}
	}
	window := cfg.AuthAttemptWindow
	if window <= 0 {
		window = time.Minute
	}
	return &Listener{
		store:      st,
		clk:        clk,
		sched:      sched,
		httpClient: httpClient,
		cfg:        cfg,
		log:        log,
		limiter:    ratelimit.NewInMemory(clk, window),
		sessions:   make(map[string]*entry),
	}
}

// ServeHTTP upgrades the connection and runs its session's read loop
// until the connection closes, matching spec §4.4's upgrade-then-spawn
// flow; on a non-WS request it responds 426 Upgrade Required.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !looksLikeUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		w.WriteHeader(http.StatusUpgradeRequired)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: l.cfg.OriginPatterns,
	})
	if err != nil {
		// coder/websocket has already written a response of its own on
		// failure; nothing further to send here.
		l.log.Warnf("ws upgrade failed: %v", err)
		return
	}
	if l.cfg.MaxFrameSize > 0 {
		conn.SetReadLimit(l.cfg.MaxFrameSize)
	}
	if l.metrics != nil {
		l.metrics.IncWSSessionOpened()
	}

	id := uuid.NewString()
	l.mu.Lock()
	gen := l.nextGeneration
	l.nextGeneration++
	e := &entry{generation: gen, conn: conn}
	l.sessions[id] = e
	l.mu.Unlock()

	pool := outbound.NewPool(l.httpClient)
	sender := &connSender{conn: conn}
	sessCfg := wsapi.Config{AuthTimeout: l.cfg.AuthTimeout, Metrics: l.metrics}
	if l.cfg.AuthAttemptLimit > 0 {
		sessCfg.Limiter = l.limiter
		sessCfg.AuthAttemptLimit = l.cfg.AuthAttemptLimit
	}
	sess := wsapi.NewSession(id, sender, l.store, pool, l.clk, l.sched,
		sessCfg, l.log,
		func(code int, reason string) { l.closeSession(id, gen, code, reason) })
	e.session = sess

	sess.OnOpened()

	l.readLoop(r.Context(), id, gen, conn, sess)
}

func (l *Listener) readLoop(ctx context.Context, id string, gen uint64, conn *websocket.Conn, sess *wsapi.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			l.closeSession(id, gen, 1005, "")
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		sess.OnText(ctx, data)
	}
}

// closeSession runs the close protocol exactly once per (id, generation):
// close the socket, deliver OnClosed, null the session reference, and
// schedule the registry-slot erase after CloseLinger. It may be invoked
// both bottom-up (from the session's own close delegate or a read
// error) and top-down (from CloseAll during Demobilize); the generation
// check and sync.Once together give the idempotent, single-entry-point
// close that the spec's recursive-mutex requirement is standing in for
// (see DESIGN.md Open Question #2).
func (l *Listener) closeSession(id string, gen uint64, code int, reason string) {
	l.mu.Lock()
	e, ok := l.sessions[id]
	l.mu.Unlock()
	if !ok || e.generation != gen {
		return
	}

	e.closeOnce.Do(func() {
		_ = e.conn.Close(websocket.StatusCode(code), reason)
		if e.session != nil {
			e.session.OnClosed()
		}
		l.mu.Lock()
		e.session = nil
		l.mu.Unlock()

		l.sched.At(l.clk.Now().Add(l.cfg.CloseLinger), func() {
			l.mu.Lock()
			if cur, ok := l.sessions[id]; ok && cur.generation == gen {
				delete(l.sessions, id)
			}
			l.mu.Unlock()
		})
	})
}

// CloseAll closes every live session, used when the service shell is
// shutting down.
func (l *Listener) CloseAll() {
	l.mu.Lock()
	targets := make([]struct {
		id  string
		gen uint64
	}, 0, len(l.sessions))
	for id, e := range l.sessions {
		targets = append(targets, struct {
			id  string
			gen uint64
		}{id, e.generation})
	}
	l.mu.Unlock()
	for _, t := range targets {
		l.closeSession(t.id, t.gen, 1005, "server shutting down")
	}
}

// SessionCount reports the number of registry entries (including nulled
// ones mid-linger).
func (l *Listener) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// SetMetrics attaches a Registry that future ServeHTTP upgrades and
// their Sessions report into. nil disables reporting (the default).
func (l *Listener) SetMetrics(m *metrics.Registry) {
	l.metrics = m
}

func looksLikeUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

type connSender struct {
	conn *websocket.Conn
}

func (c *connSender) Send(ctx context.Context, v interface{}) error {
	return wsjson.Write(ctx, c.conn, v)
}
