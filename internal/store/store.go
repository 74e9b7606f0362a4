// Package store persists finished sessions in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	query        TEXT NOT NULL,
	status       TEXT NOT NULL,
	failure_code TEXT NOT NULL DEFAULT '',
	root_model   TEXT NOT NULL,
	iterations   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	result       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_created_at ON sessions (created_at);
`

// Summary is one row of a session listing.
type Summary struct {
	ID          string          `json:"session_id"`
	Query       string          `json:"query"`
	Status      types.Status    `json:"status"`
	FailureCode types.ErrorCode `json:"failure_code,omitempty"`
	RootModel   string          `json:"root_model"`
	Iterations  int             `json:"iterations"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	connString := fmt.Sprintf("%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would get its own in-memory database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores res, replacing any earlier record with the same id.
func (s *Store) Save(ctx context.Context, res *types.SessionResult) error {
	if res.SessionID == "" {
		return errors.New("session id is required")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", res.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, query, status, failure_code, root_model, iterations, created_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.SessionID, res.Query, string(res.Status), string(res.FailureCode), res.RootModel,
		res.Iterations, s.now().UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("save session %s: %w", res.SessionID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.SessionResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var res types.SessionResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &res, nil
}

// List returns the most recent sessions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, status, failure_code, root_model, iterations, created_at
		FROM sessions ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum       Summary
			status    string
			code      string
			createdAt int64
		)
		if err := rows.Scan(&sum.ID, &sum.Query, &status, &code, &sum.RootModel, &sum.Iterations, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Status = types.Status(status)
		sum.FailureCode = types.ErrorCode(code)
		sum.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}
