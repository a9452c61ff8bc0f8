// Package memory holds the conversation transcript: the rolling
// message history replayed into the model on every turn.
package memory

import (
	"sync"
	"time"
)

// Message is one transcript entry.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a bounded transcript. Writes keep at most window messages;
// older entries fall off the front.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	window   int
}

// NewStore creates a transcript store keeping the most recent window
// messages (default 20 when window <= 0).
func NewStore(window int) *Store {
	if window <= 0 {
		window = 20
	}
	return &Store{window: window}
}

// AppendExchange records a completed user/assistant exchange and trims
// the transcript to the window.
func (s *Store) AppendExchange(user, assistant string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages,
		Message{Role: "user", Content: user, Timestamp: now},
		Message{Role: "assistant", Content: assistant, Timestamp: now},
	)
	if len(s.messages) > s.window {
		s.messages = s.messages[len(s.messages)-s.window:]
	}
}

// Recent returns up to n of the most recent messages, oldest first.
// n <= 0 returns the whole stored window.
func (s *Store) Recent(n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]Message(nil), msgs...)
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Snapshot returns a copy of the stored messages for serialization.
func (s *Store) Snapshot() []Message {
	return s.Recent(0)
}

// Restore replaces the transcript with previously serialized messages,
// trimming to the window.
func (s *Store) Restore(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msgs) > s.window {
		msgs = msgs[len(msgs)-s.window:]
	}
	s.messages = append([]Message(nil), msgs...)
}
