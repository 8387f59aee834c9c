// Package tracker defines the change-tracking contract the stager reports to,
// and the implementations used by the CLI and by tests.
package tracker

import (
	"sync"

	"github.com/phobologic/ptxstage/internal/model"
)

// Tracker decides which files need rebuilding and collects diagnostics
// about them. Paths are absolute.
type Tracker interface {
	// HasDelta reports whether path changed since the last recorded build,
	// or was never seen.
	HasDelta(path string) bool
	// RemoveMessages clears diagnostics previously reported for path.
	RemoveMessages(path string)
	// AddMessage records a diagnostic for path. cause may be nil.
	AddMessage(path string, line, column int, message string, severity model.Severity, cause error)
	// Refresh tells the tracker that the artifact at path was (re)written.
	Refresh(path string)
}

func newDiagnostic(path string, line, column int, message string, severity model.Severity, cause error) model.Diagnostic {
	d := model.Diagnostic{
		File:     path,
		Line:     line,
		Column:   column,
		Message:  message,
		Severity: severity,
	}
	if cause != nil {
		d.Cause = cause.Error()
	}
	return d
}

// Memory keeps everything in memory. It is safe for concurrent use.
type Memory struct {
	changed func(path string) bool

	mu        sync.Mutex
	queried   []string
	messages  map[string][]model.Diagnostic
	removed   []string
	refreshed []string
}

// NewMemory returns a Memory tracker. changed decides HasDelta; nil means
// every file has a delta.
func NewMemory(changed func(path string) bool) *Memory {
	return &Memory{
		changed:  changed,
		messages: make(map[string][]model.Diagnostic),
	}
}

func (m *Memory) HasDelta(path string) bool {
	m.mu.Lock()
	m.queried = append(m.queried, path)
	m.mu.Unlock()
	if m.changed == nil {
		return true
	}
	return m.changed(path)
}

func (m *Memory) RemoveMessages(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	delete(m.messages, path)
}

func (m *Memory) AddMessage(path string, line, column int, message string, severity model.Severity, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[path] = append(m.messages[path], newDiagnostic(path, line, column, message, severity, cause))
}

func (m *Memory) Refresh(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed = append(m.refreshed, path)
}

// Messages returns the diagnostics currently recorded for path, in the
// order they were added.
func (m *Memory) Messages(path string) []model.Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Diagnostic(nil), m.messages[path]...)
}

// Queried returns every path passed to HasDelta, in call order.
func (m *Memory) Queried() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queried...)
}

// Removed returns every path passed to RemoveMessages, in call order.
func (m *Memory) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// Refreshed returns every path passed to Refresh, in call order.
func (m *Memory) Refreshed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.refreshed...)
}

// Force wraps a tracker so that every file is reported as changed. The
// wrapped tracker is still asked, so it can snapshot the file.
type Force struct {
	Tracker
}

func (f Force) HasDelta(path string) bool {
	f.Tracker.HasDelta(path)
	return true
}

// Locked serialises all calls to the wrapped tracker, for trackers that are
// only safe to call from one goroutine at a time.
type Locked struct {
	mu sync.Mutex
	t  Tracker
}

func NewLocked(t Tracker) *Locked {
	return &Locked{t: t}
}

func (l *Locked) HasDelta(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t.HasDelta(path)
}

func (l *Locked) RemoveMessages(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.RemoveMessages(path)
}

func (l *Locked) AddMessage(path string, line, column int, message string, severity model.Severity, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.AddMessage(path, line, column, message, severity, cause)
}

func (l *Locked) Refresh(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Refresh(path)
}
