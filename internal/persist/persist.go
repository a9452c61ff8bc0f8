// Package persist writes session state to flat JSON files so a
// restarted gateway resumes with its entity memory and conversation
// history intact. Persistence is strictly best-effort: a failed write
// is logged and swallowed, never surfaced to the user.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opsbridge/opsbridge/internal/entity"
	"github.com/opsbridge/opsbridge/internal/memory"
)

// File names under the data directory.
const (
	entityFile     = "entity_cache.json"
	transcriptFile = "conversation_history.json"
)

// PersistenceError wraps a failed load or save. Callers log it; it
// never fails the operation that triggered the write.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// transcriptDoc is the on-disk transcript envelope.
type transcriptDoc struct {
	Conversations []memory.Message `json:"conversations"`
	LastUpdated   time.Time        `json:"last_updated"`
	TotalMessages int              `json:"total_messages"`
}

// Store persists the entity cache and transcript under one directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a persistence store rooted at dir, creating the
// directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// SaveEntities writes the entity cache snapshot. Errors are logged and
// swallowed.
func (s *Store) SaveEntities(snap entity.Snapshot) {
	s.write(entityFile, snap)
}

// LoadEntities reads the entity cache snapshot. A missing or corrupt
// file yields an empty snapshot.
func (s *Store) LoadEntities() entity.Snapshot {
	var snap entity.Snapshot
	s.read(entityFile, &snap)
	return snap
}

// SaveTranscript writes the conversation history envelope. Errors are
// logged and swallowed.
func (s *Store) SaveTranscript(msgs []memory.Message) {
	s.write(transcriptFile, transcriptDoc{
		Conversations: msgs,
		LastUpdated:   time.Now(),
		TotalMessages: len(msgs),
	})
}

// LoadTranscript reads the conversation history. A missing or corrupt
// file yields an empty transcript.
func (s *Store) LoadTranscript() []memory.Message {
	var doc transcriptDoc
	s.read(transcriptFile, &doc)
	return doc.Conversations
}

// write marshals v and writes it temp-then-rename so readers never see
// a torn file.
func (s *Store) write(name string, v any) {
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Error("state save failed",
			"error", &PersistenceError{Path: path, Op: "marshal", Err: err})
		return
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("state save failed",
			"error", &PersistenceError{Path: path, Op: "write", Err: err})
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		s.logger.Error("state save failed",
			"error", &PersistenceError{Path: path, Op: "rename", Err: err})
		return
	}

	s.logger.Debug("state saved", "file", name, "bytes", len(data))
}

// read unmarshals the named file into v. Missing files are silent;
// corrupt files are logged and treated as empty.
func (s *Store) read(name string, v any) {
	path := filepath.Join(s.dir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("state load failed, starting empty",
				"error", &PersistenceError{Path: path, Op: "read", Err: err})
		}
		return
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("state file corrupt, starting empty",
			"error", &PersistenceError{Path: path, Op: "unmarshal", Err: err})
	}
}
