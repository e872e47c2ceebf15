// Package alog is the ambient logging/diagnostics collaborator for
// Alfred: it wraps glog, the leveled, timestamped, file-rotating logger
// the pack reaches for (see SPEC_FULL.md AMBIENT STACK), so the rest of
// the service never hand-rolls a log-line formatter. It also carries the
// audit trail, since Alfred has no database to sink one to.
package alog

import (
	"github.com/golang/glog"
)

// Logger satisfies internal/store.Logger, internal/wsapi.Logger, and
// internal/wslistener.Logger — they each declare their own narrow
// interface, but glog's leveled calls satisfy all of them structurally.
type Logger struct{}

// New returns the glog-backed Logger. glog is configured process-wide by
// its own flags (-log_dir, -logtostderr, …); cmd/alfred parses only its
// docopt options, so those flags keep their defaults.
func New() Logger { return Logger{} }

func (Logger) Infof(format string, args ...interface{}) {
	glog.Infof(format, args...)
}

func (Logger) Warnf(format string, args ...interface{}) {
	glog.Warningf(format, args...)
}

func (Logger) Errorf(format string, args ...interface{}) {
	glog.Errorf(format, args...)
}

// AuditEvent is one entry in the audit trail: an authentication outcome,
// a redaction decision worth recording, or a lifecycle transition.
type AuditEvent struct {
	Action     string
	Identifier string
	Detail     string
}

// Audit records an AuditEvent. Sunk to the same glog file as ordinary
// diagnostics (see DESIGN.md: the teacher's Postgres-backed audit.Writer
// has no host here since Alfred has no database).
func (Logger) Audit(event AuditEvent) {
	glog.Infof("AUDIT action=%s identifier=%s detail=%s", event.Action, event.Identifier, event.Detail)
}

// Flush forces any buffered log lines to disk; call before process exit.
func Flush() {
	glog.Flush()
}
