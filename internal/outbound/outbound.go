// Package outbound tracks HTTP transactions a WS Session originates (for
// example, the Twitch OAuth validate call), so that a Session which has
// already been destroyed can have its in-flight requests abandoned
// instead of delivering a completion callback into dead state.
package outbound

import (
	"context"
	"net/http"
	"sync"
)

// Pool is a per-Session registry of in-flight outbound requests, keyed
// by a monotonic local id. It has no knowledge of what a Session is —
// the caller (internal/wsapi) decides when to abandon it.
type Pool struct {
	client *http.Client

	mu      sync.Mutex
	nextID  uint64
	cancels map[uint64]context.CancelFunc
}

// NewPool builds a Pool using client to perform requests. client should
// already be instrumented (see internal/telemetry.InstrumentClient).
func NewPool(client *http.Client) *Pool {
	return &Pool{client: client, cancels: make(map[uint64]context.CancelFunc)}
}

// Completion is delivered once a tracked request finishes, whether with
// a response, a transport error, or cancellation.
type Completion struct {
	Response *http.Response
	Err      error
}

// Post issues req asynchronously and invokes onComplete on a separate
// goroutine once it finishes. The returned id can be passed to Abandon,
// which removes the transaction from the pool without invoking
// onComplete — used when the owning Session has already been destroyed.
func (p *Pool) Post(ctx context.Context, req *http.Request, onComplete func(Completion)) (id uint64) {
	ctx, cancel := context.WithCancel(ctx)
	req = req.WithContext(ctx)

	p.mu.Lock()
	id = p.nextID
	p.nextID++
	p.cancels[id] = cancel
	p.mu.Unlock()

	go func() {
		resp, err := p.client.Do(req)
		p.mu.Lock()
		_, stillTracked := p.cancels[id]
		delete(p.cancels, id)
		p.mu.Unlock()

		if !stillTracked {
			// Abandoned: the Session is gone, don't deliver.
			if resp != nil {
				resp.Body.Close()
			}
			return
		}
		onComplete(Completion{Response: resp, Err: err})
	}()

	return id
}

// Abandon removes a transaction from the pool and cancels its context,
// without invoking its completion callback. Safe to call for an id that
// has already completed or never existed.
func (p *Pool) Abandon(id uint64) {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	delete(p.cancels, id)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// AbandonAll abandons every transaction currently tracked — called when
// the owning Session is destroyed.
func (p *Pool) AbandonAll() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for id, cancel := range p.cancels {
		cancels = append(cancels, cancel)
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
