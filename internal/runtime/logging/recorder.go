package logging

import "sync"

// TraceEntry is one message captured by a TraceRecorder.
type TraceEntry struct {
	Level   TraceLevel
	Message string
	Cause   error
}

// TraceRecorder is a TraceWriter that keeps every message in memory. It is
// safe for concurrent use and meant for tests and diagnostics.
type TraceRecorder struct {
	mu      sync.Mutex
	entries []TraceEntry
}

func NewTraceRecorder() *TraceRecorder {
	return &TraceRecorder{}
}

func (r *TraceRecorder) add(level TraceLevel, msg string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, TraceEntry{Level: level, Message: msg, Cause: cause})
}

func (r *TraceRecorder) Error(msg string, cause error) { r.add(LevelError, msg, cause) }
func (r *TraceRecorder) Warning(msg string)            { r.add(LevelWarning, msg, nil) }
func (r *TraceRecorder) Info(msg string)               { r.add(LevelInfo, msg, nil) }
func (r *TraceRecorder) Verbose(msg string)            { r.add(LevelVerbose, msg, nil) }

// Entries returns a copy of everything recorded so far.
func (r *TraceRecorder) Entries() []TraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Messages returns the messages recorded at level, in order.
func (r *TraceRecorder) Messages(level TraceLevel) []string {
	var out []string
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// Count reports how often msg was recorded at level.
func (r *TraceRecorder) Count(level TraceLevel, msg string) int {
	n := 0
	for _, m := range r.Messages(level) {
		if m == msg {
			n++
		}
	}
	return n
}

// Reset drops all recorded entries.
func (r *TraceRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
