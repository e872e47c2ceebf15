// Package wsapi implements the WS Session state machine: per-connection
// authentication, typed message dispatch, outbound HTTP transactions a
// session originates, and the Error/close paths around all of that.
package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"alfred/internal/clock"
	"alfred/internal/document"
	"alfred/internal/outbound"
	"alfred/internal/ratelimit"
	"alfred/internal/store"
	"alfred/pkg/metrics"
)

type state int

const (
	StateOpened state = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosing
	StateDropped
)

func (s state) String() string {
	switch s {
	case StateOpened:
		return "Opened"
	case StateAwaitingAuth:
		return "AwaitingAuth"
	case StateAuthenticated:
		return "Authenticated"
	case StateClosing:
		return "Closing"
	case StateDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// closeCode1005 is the WS close code the server uses for every
// disconnect that follows an Error frame (spec §6).
const closeCode1005 = 1005

// Sender delivers a frame to the peer. internal/wslistener implements it
// over coder/websocket + wsjson; tests can fake it.
type Sender interface {
	Send(ctx context.Context, v interface{}) error
}

// Logger receives diagnostics the Session can't surface any other way.
type Logger interface {
	Errorf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Errorf(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{})  {}

// Config carries the per-session timing knobs read from Configuration.
type Config struct {
	AuthTimeout time.Duration

	// Limiter throttles repeated Authenticate attempts on one connection;
	// nil disables throttling (the default in tests that don't care).
	Limiter          ratelimit.Limiter
	AuthAttemptLimit int

	// Metrics reports session-lifecycle counters; nil disables reporting.
	Metrics *metrics.Registry
}

// Session is the per-connection state machine described in spec §4.3.
type Session struct {
	id    string
	sender Sender
	store *store.Store
	pool  *outbound.Pool
	clk   clock.Clock
	sched clock.Scheduler
	cfg   Config
	log   Logger

	// closeDelegate is invoked to ask the listener to run the
	// close/linger protocol; the session itself never touches the raw
	// connection or the listener's registry.
	closeDelegate func(code int, reason string)

	mu          sync.Mutex
	st          state
	identifiers document.Set
	roles       document.Set
	authCancel  clock.CancelFunc
}

// NewSession constructs a Session in state Opened. Call OnOpened once
// the WS upgrade has succeeded.
func NewSession(id string, sender Sender, st *store.Store, pool *outbound.Pool, clk clock.Clock, sched clock.Scheduler, cfg Config, log Logger, closeDelegate func(code int, reason string)) *Session {
	if log == nil {
		log = noopLogger{}
	}
	return &Session{
		id:            id,
		sender:        sender,
		store:         st,
		pool:          pool,
		clk:           clk,
		sched:         sched,
		cfg:           cfg,
		log:           log,
		closeDelegate: closeDelegate,
		st:            StateOpened,
		identifiers:   document.NewSet(),
		roles:         document.NewSet(),
	}
}

// ID is the session's listener-assigned identity (used for the registry
// key and as the WS-identity label in diagnostics).
func (s *Session) ID() string { return s.id }

// Roles returns a snapshot of the session's held role set.
func (s *Session) Roles() document.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles
}

// State reports the current state, mainly for tests and diagnostics.
func (s *Session) State() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// OnOpened transitions Opened -> AwaitingAuth and arms the authentication
// timeout timer.
func (s *Session) OnOpened() {
	s.mu.Lock()
	s.st = StateAwaitingAuth
	deadline := s.clk.Now().Add(s.cfg.AuthTimeout)
	s.authCancel = s.sched.At(deadline, s.onAuthTimeout)
	s.mu.Unlock()
}

func (s *Session) onAuthTimeout() {
	s.mu.Lock()
	if s.st != StateAwaitingAuth {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx := context.Background()
	_ = s.sender.Send(ctx, newErrorFrame("Authentication timeout"))
	s.requestClose(closeCode1005, "Authentication timeout")
}

// OnText dispatches one inbound WS text frame.
func (s *Session) OnText(ctx context.Context, raw []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.protocolError(ctx, "malformed message received", true)
		return
	}
	typeName, ok := msg["type"].(string)
	if !ok {
		s.protocolError(ctx, "malformed message received", true)
		return
	}
	handler, ok := dispatchTable[typeName]
	if !ok {
		_ = s.sender.Send(ctx, newErrorFrame(fmt.Sprintf("Unknown message type: %s", typeName)))
		return
	}
	handler(ctx, s, msg)
}

// OnClosed marks the session Dropped and abandons any in-flight outbound
// transactions. Called once by the listener's close protocol.
func (s *Session) OnClosed() {
	s.mu.Lock()
	s.st = StateDropped
	cancel := s.authCancel
	s.authCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.pool.AbandonAll()
}

// protocolError sends an Error frame and, if shouldClose, requests the
// listener close the connection with 1005.
func (s *Session) protocolError(ctx context.Context, message string, shouldClose bool) {
	_ = s.sender.Send(ctx, newErrorFrame(message))
	if shouldClose {
		s.requestClose(closeCode1005, message)
	}
}

func (s *Session) requestClose(code int, reason string) {
	s.mu.Lock()
	if s.st == StateClosing || s.st == StateDropped {
		s.mu.Unlock()
		return
	}
	s.st = StateClosing
	s.mu.Unlock()
	if s.closeDelegate != nil {
		s.closeDelegate(code, reason)
	}
}

var dispatchTable = map[string]func(ctx context.Context, s *Session, msg map[string]interface{}){
	"Authenticate": handleAuthenticate,
}

func handleAuthenticate(ctx context.Context, s *Session, msg map[string]interface{}) {
	s.mu.Lock()
	already := s.st == StateAuthenticated
	s.mu.Unlock()
	if already {
		s.protocolError(ctx, "Reauthentication is not permitted", true)
		return
	}

	if s.cfg.Limiter != nil {
		decision := s.cfg.Limiter.Allow(s.id+":Authenticate", s.cfg.AuthAttemptLimit)
		if !decision.Allowed {
			s.protocolError(ctx, "too many authentication attempts", true)
			return
		}
	}

	if keyRaw, ok := msg["key"]; ok {
		key, ok := keyRaw.(string)
		if !ok {
			s.protocolError(ctx, "malformed message received", true)
			return
		}
		s.authenticateByIdentifier(ctx, "key:"+key)
		return
	}
	if twitchRaw, ok := msg["twitch"]; ok {
		token, ok := twitchRaw.(string)
		if !ok {
			s.protocolError(ctx, "malformed message received", true)
			return
		}
		s.authenticateByTwitch(ctx, token)
		return
	}
	s.protocolError(ctx, "malformed message received", true)
}

// resolveIdentifierRoles looks identifier up in Store.Get(["Roles"], ∅)
// and returns the role set listed there.
func (s *Session) resolveIdentifierRoles(identifier string) (document.Set, bool) {
	rolesDoc := s.store.Get([]string{"Roles"}, document.NewSet())
	rolesObj, ok := document.AsObject(rolesDoc)
	if !ok {
		return nil, false
	}
	raw, ok := rolesObj[identifier]
	if !ok {
		return nil, false
	}
	return document.StringsToSet(raw), true
}

func (s *Session) authenticateByIdentifier(ctx context.Context, identifier string) {
	roles, ok := s.resolveIdentifierRoles(identifier)
	if !ok {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncAccessDenied()
		}
		s.protocolError(ctx, "unknown credential", true)
		return
	}
	s.completeAuthentication(ctx, identifier, roles)
}

func (s *Session) completeAuthentication(ctx context.Context, identifier string, roles document.Set) {
	s.mu.Lock()
	s.identifiers = s.identifiers.Add(identifier)
	s.roles = s.roles.Union(roles)
	s.st = StateAuthenticated
	cancel := s.authCancel
	s.authCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncWSSessionAuthenticated()
	}
	_ = s.sender.Send(ctx, AuthenticatedFrame{Type: "Authenticated"})
}

const twitchValidateURL = "https://id.twitch.tv/oauth2/validate"

func (s *Session) authenticateByTwitch(ctx context.Context, token string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, twitchValidateURL, nil)
	if err != nil {
		s.protocolError(ctx, "twitch validation failed", true)
		return
	}
	req.Header.Set("Authorization", "OAuth "+token)

	s.pool.Post(ctx, req, func(c outbound.Completion) {
		s.mu.Lock()
		gone := s.st == StateDropped || s.st == StateClosing
		s.mu.Unlock()
		if gone {
			if c.Response != nil {
				c.Response.Body.Close()
			}
			s.log.Warnf("session %s: outbound twitch validate completed after session gone, abandoned", s.id)
			return
		}
		s.handleTwitchValidateCompletion(ctx, c)
	})
}

func (s *Session) handleTwitchValidateCompletion(ctx context.Context, c outbound.Completion) {
	if c.Err != nil || c.Response == nil {
		s.protocolError(ctx, "twitch validation failed", true)
		return
	}
	defer c.Response.Body.Close()
	if c.Response.StatusCode != http.StatusOK {
		s.protocolError(ctx, "twitch validation failed", true)
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(c.Response.Body).Decode(&body); err != nil || body.UserID == "" {
		s.protocolError(ctx, "twitch validation failed", true)
		return
	}
	s.authenticateByIdentifier(ctx, "twitch:"+body.UserID)
}
