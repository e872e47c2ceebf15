// Package store implements the Store component: the in-memory document
// tree, its role-projected reads, its subscription registry, and its
// coalesced background persister.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"alfred/internal/access"
	"alfred/internal/clock"
	"alfred/internal/config"
	"alfred/internal/document"
	"alfred/pkg/metrics"
)

// Logger receives diagnostics the Store cannot surface any other way
// (a save failure; stale save callbacks return silently). Grounded on the same
// diagnostics-sender shape the WS/HTTP layers use (internal/alog).
type Logger interface {
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Errorf(string, ...interface{}) {}

// Store owns the document tree in memory, mediates every read through
// the AccessEngine, and persists mutations to a backing JSON file no
// more often than once per MinSaveInterval.
type Store struct {
	mu sync.Mutex

	mobilized       bool
	filePath        string
	doc             document.Value
	minSaveInterval time.Duration
	generation      uint64

	clk       clock.Clock
	scheduler clock.Scheduler

	saving       bool
	dirty        bool
	nextSaveTime time.Time
	saveCancel   clock.CancelFunc

	subs      map[uint64]*subscription
	nextSubID uint64

	log     Logger
	metrics *metrics.Registry
}

type subscription struct {
	path      []string
	rolesHeld document.Set
	onUpdate  func(document.Value)
}

// New constructs an unmobilized Store. Pass nil for log to discard
// diagnostics.
func New(log Logger) *Store {
	if log == nil {
		log = noopLogger{}
	}
	return &Store{
		subs: make(map[uint64]*subscription),
		log:  log,
	}
}

// SetMetrics attaches a Registry that future schedule/save activity
// reports into. nil disables reporting (the default).
func (s *Store) SetMetrics(m *metrics.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Mobilize loads filePath, decodes it as the document tree, binds the
// clock/scheduler, and marks the Store ready to serve reads. Idempotent:
// calling it again while already mobilized returns (true, nil) without
// reloading.
func (s *Store) Mobilize(filePath string, clk clock.Clock, scheduler clock.Scheduler) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mobilized {
		return true, nil
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		return false, fmt.Errorf("read store file: %w", err)
	}
	var doc document.Value
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("decode store file: %w", err)
	}

	s.doc = doc
	s.filePath = filePath
	s.clk = clk
	s.scheduler = scheduler
	s.minSaveInterval = config.Decode(doc).MinSaveInterval
	s.nextSaveTime = clk.Now()
	s.dirty = false
	s.saving = false
	s.generation++
	s.mobilized = true
	return true, nil
}

// Demobilize cancels any pending save, detaches the clock, and marks the
// Store un-mobilized. Safe to call when not mobilized.
func (s *Store) Demobilize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mobilized {
		return
	}
	if s.saveCancel != nil {
		s.saveCancel()
		s.saveCancel = nil
	}
	s.dirty = false
	s.saving = false
	s.clk = nil
	s.scheduler = nil
	s.mobilized = false
}

// Get runs the AccessEngine projection under the store lock and returns
// the result. path == nil projects the root.
func (s *Store) Get(path []string, rolesHeld document.Set) document.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return access.Project(s.doc, path, rolesHeld)
}

// Subscribe registers a callback to be invoked with the initial
// projection now, and (once a mutation path exists to drive it — see
// spec §9 open question on update fan-out) on future changes to path
// visible to rolesHeld. The returned cancel func erases the
// subscription; calling it more than once is a no-op.
func (s *Store) Subscribe(path []string, rolesHeld document.Set, onUpdate func(document.Value)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = &subscription{path: path, rolesHeld: rolesHeld, onUpdate: onUpdate}
	initial := access.Project(s.doc, path, rolesHeld)
	s.mu.Unlock()

	onUpdate(initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// notifySubscribers delivers the current projection to every live
// subscription outside the store lock. Not yet reachable from any
// mutation path (spec §9 flags update fan-out as unimplemented in the
// source); wired here so the day a Set operation lands, broadcasting is
// a one-line call, not a new subsystem.
func (s *Store) notifySubscribers() {
	s.mu.Lock()
	snapshot := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		snapshot = append(snapshot, sub)
	}
	doc := s.doc
	s.mu.Unlock()

	for _, sub := range snapshot {
		sub.onUpdate(access.Project(doc, sub.path, sub.rolesHeld))
	}
}

// ScheduleSave arms the coalesced save algorithm (spec §4.2). Any
// mutation path is required to call this after applying its change.
func (s *Store) ScheduleSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleSaveLocked()
}

func (s *Store) scheduleSaveLocked() {
	if !s.mobilized {
		return
	}
	if s.metrics != nil {
		s.metrics.IncSaveScheduled()
	}
	now := s.clk.Now()
	next := s.nextSaveTime
	if next.Before(now) {
		next = now
	}
	if s.saving {
		s.dirty = true
		return
	}
	s.saving = true
	s.dirty = false
	gen := s.generation
	s.saveCancel = s.scheduler.At(next, func() { s.onSaveDue(gen) })
	s.nextSaveTime = next.Add(s.minSaveInterval)
}

func (s *Store) onSaveDue(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mobilized || s.generation != gen {
		return
	}
	s.saveLocked()
}

func (s *Store) saveLocked() {
	if err := writeDocumentFile(s.filePath, s.doc); err != nil {
		s.log.Errorf("save to %s failed: %v", s.filePath, err)
	} else if s.metrics != nil {
		s.metrics.IncSaveCompleted()
	}
	s.saving = false
	if s.dirty {
		s.scheduleSaveLocked()
	}
}

// writeDocumentFile pretty-prints doc and writes it via a temp-file-then-
// rename, so a crash mid-write leaves the previous file intact rather
// than truncated (spec §9's open question on crash safety, resolved in
// favor of the safer option since it costs nothing extra here).
func writeDocumentFile(path string, doc document.Value) error {
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".alfred-store-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}
