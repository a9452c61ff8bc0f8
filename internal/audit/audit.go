// Package audit keeps a durable SQLite log of every tool invocation:
// who called what, with which arguments, how long it took, and how it
// ended. The log feeds the /api/tools endpoints; writing to it never
// fails the tool call itself.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	service TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	arguments TEXT,
	result TEXT,
	error TEXT,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_request ON tool_calls(request_id, started_at);
CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
`

// ToolCall is one audit log row.
type ToolCall struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"request_id"`
	Service     string     `json:"service"`
	ToolName    string     `json:"tool_name"`
	Arguments   string     `json:"arguments,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// Log is the SQLite-backed audit log.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Log{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Begin records the start of a tool call and returns its audit ID.
// Failures are logged and swallowed; an empty ID means the call is
// untracked.
func (l *Log) Begin(requestID, service, tool, arguments string) string {
	id := uuid.NewString()
	_, err := l.db.Exec(`
		INSERT INTO tool_calls (id, request_id, service, tool_name, arguments, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, requestID, service, tool, arguments, time.Now())
	if err != nil {
		l.logger.Warn("audit insert failed", "tool", tool, "error", err)
		return ""
	}
	return id
}

// Complete records the outcome of a tool call started with Begin.
func (l *Log) Complete(id, result, errMsg string) {
	if id == "" {
		return
	}

	var startedAt time.Time
	if err := l.db.QueryRow(`SELECT started_at FROM tool_calls WHERE id = ?`, id).Scan(&startedAt); err != nil {
		l.logger.Warn("audit row missing on complete", "id", id, "error", err)
		return
	}

	now := time.Now()
	_, err := l.db.Exec(`
		UPDATE tool_calls
		SET result = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`, result, errMsg, now, now.Sub(startedAt).Milliseconds(), id)
	if err != nil {
		l.logger.Warn("audit update failed", "id", id, "error", err)
	}
}

// Recent returns recent tool calls, newest first, optionally filtered
// by tool name.
func (l *Log) Recent(tool string, limit int) []ToolCall {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var (
		rows *sql.Rows
		err  error
	)
	if tool != "" {
		rows, err = l.db.Query(`
			SELECT id, request_id, service, tool_name, arguments,
			       result, error, started_at, completed_at, duration_ms
			FROM tool_calls
			WHERE tool_name = ?
			ORDER BY started_at DESC
			LIMIT ?
		`, tool, limit)
	} else {
		rows, err = l.db.Query(`
			SELECT id, request_id, service, tool_name, arguments,
			       result, error, started_at, completed_at, duration_ms
			FROM tool_calls
			ORDER BY started_at DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		l.logger.Warn("audit query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var (
			tc          ToolCall
			args        sql.NullString
			result      sql.NullString
			errMsg      sql.NullString
			completedAt sql.NullTime
			durationMs  sql.NullInt64
		)
		if err := rows.Scan(&tc.ID, &tc.RequestID, &tc.Service, &tc.ToolName,
			&args, &result, &errMsg, &tc.StartedAt, &completedAt, &durationMs); err != nil {
			continue
		}
		tc.Arguments = args.String
		tc.Result = result.String
		tc.Error = errMsg.String
		if completedAt.Valid {
			tc.CompletedAt = &completedAt.Time
		}
		tc.DurationMs = durationMs.Int64
		calls = append(calls, tc)
	}
	return calls
}

// Stats returns aggregate usage statistics.
func (l *Log) Stats() map[string]any {
	stats := make(map[string]any)

	var total int
	_ = l.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&total)
	stats["total_calls"] = total

	byTool := make(map[string]int)
	rows, err := l.db.Query(`SELECT tool_name, COUNT(*) FROM tool_calls GROUP BY tool_name ORDER BY COUNT(*) DESC`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var name string
			var count int
			if err := rows.Scan(&name, &count); err != nil {
				continue
			}
			byTool[name] = count
		}
	}
	stats["by_tool"] = byTool

	var avgMs float64
	_ = l.db.QueryRow(`SELECT COALESCE(AVG(duration_ms), 0) FROM tool_calls WHERE completed_at IS NOT NULL`).Scan(&avgMs)
	stats["avg_duration_ms"] = avgMs

	var failures int
	_ = l.db.QueryRow(`SELECT COUNT(*) FROM tool_calls WHERE error IS NOT NULL AND error != ''`).Scan(&failures)
	if total > 0 {
		stats["error_rate"] = float64(failures) / float64(total)
	} else {
		stats["error_rate"] = 0.0
	}

	return stats
}
