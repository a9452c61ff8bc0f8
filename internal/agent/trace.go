package agent

import (
	"sort"
	"sync"
	"time"
)

// ThinkingStep is one entry in a captured reasoning trace.
type ThinkingStep struct {
	Step    int    `json:"step"`
	Type    string `json:"type"` // "reasoning", "tool_selection", "result_analysis", "error_handling"
	Content string `json:"content"`
	Tool    string `json:"tool,omitempty"`
	// Confidence grades how directly the step was observed: tool
	// selections are explicit in the model output (0.9), reasoning and
	// error handling are read off the turn (0.8), result analysis is
	// inferred (0.7).
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// TraceStore holds captured thinking traces keyed by session (request)
// ID, backing the /api/thinking endpoints.
type TraceStore struct {
	mu     sync.RWMutex
	traces map[string][]ThinkingStep
}

// NewTraceStore creates an empty trace store.
func NewTraceStore() *TraceStore {
	return &TraceStore{traces: make(map[string][]ThinkingStep)}
}

// Append adds a step to a session's trace.
func (t *TraceStore) Append(session string, step ThinkingStep) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	step.Step = len(t.traces[session]) + 1
	t.traces[session] = append(t.traces[session], step)
}

// Get returns a copy of a session's trace.
func (t *TraceStore) Get(session string) ([]ThinkingStep, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	steps, ok := t.traces[session]
	if !ok {
		return nil, false
	}
	return append([]ThinkingStep(nil), steps...), true
}

// Sessions returns all session IDs with captured traces, sorted.
func (t *TraceStore) Sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.traces))
	for id := range t.traces {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Delete removes one session's trace. Reports whether it existed.
func (t *TraceStore) Delete(session string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.traces[session]
	delete(t.traces, session)
	return ok
}

// DeleteAll removes every trace and returns how many were dropped.
func (t *TraceStore) DeleteAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.traces)
	t.traces = make(map[string][]ThinkingStep)
	return n
}
