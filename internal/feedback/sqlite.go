package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore persists feedback in a feedback table. It can share a
// database handle with the checkpoint store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a feedback store using the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS feedback (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			key        TEXT NOT NULL,
			score      REAL NOT NULL,
			kwargs     TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_feedback_run
			ON feedback(run_id);
	`)
	return err
}

// Record inserts one feedback row.
func (s *SQLiteStore) Record(ctx context.Context, e *Entry) error {
	kwargs, err := json.Marshal(e.Kwargs)
	if err != nil {
		return fmt.Errorf("marshal kwargs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, run_id, key, score, kwargs, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.RunID, e.Key, e.Score, string(kwargs),
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// ByRun returns the entries recorded for a run, oldest first.
func (s *SQLiteStore) ByRun(ctx context.Context, runID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, key, score, kwargs, created_at
		FROM feedback
		WHERE run_id = ?
		ORDER BY created_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var idStr, kwargsJSON, createdStr string
		if err := rows.Scan(&idStr, &e.RunID, &e.Key, &e.Score, &kwargsJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		e.ID, _ = uuid.Parse(idStr)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		if err := json.Unmarshal([]byte(kwargsJSON), &e.Kwargs); err != nil {
			return nil, fmt.Errorf("decode kwargs: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
