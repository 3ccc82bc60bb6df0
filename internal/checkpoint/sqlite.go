package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// OpenDB opens the SQLite database at dbPath with WAL journaling and a
// busy timeout, suitable for concurrent readers alongside the ingest
// writer. The caller owns the returned handle and closes it on
// shutdown.
func OpenDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// SQLiteStore persists checkpoints in a table keyed by
// (thread_id, sequence_key). Snapshot and metadata are stored as JSON
// text so thread ownership can be queried with json_extract.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a checkpoint store using the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB returns the underlying database connection. This allows other
// stores (e.g. the feedback store) to share the checkpoint database
// without opening a separate connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id    TEXT NOT NULL,
			sequence_key TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			snapshot     TEXT NOT NULL,
			metadata     TEXT NOT NULL,
			PRIMARY KEY (thread_id, sequence_key)
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_user
			ON checkpoints(json_extract(metadata, '$.user_id'));
	`)
	return err
}

// Append inserts a new checkpoint row.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, sequence_key, created_at, snapshot, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ThreadID, rec.SequenceKey, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(snapshot), string(metadata))
	if err != nil {
		return unavailable("insert checkpoint", err)
	}
	return nil
}

// Latest returns the newest checkpoint for a thread by sequence key, or
// nil when the thread has none.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, sequence_key, created_at, snapshot, metadata
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY sequence_key DESC
		LIMIT 1
	`, threadID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("query latest checkpoint", err)
	}
	return rec, nil
}

// All returns every checkpoint for a thread ordered by sequence key
// ascending.
func (s *SQLiteStore) All(ctx context.Context, threadID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, sequence_key, created_at, snapshot, metadata
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY sequence_key ASC
	`, threadID)
	if err != nil {
		return nil, unavailable("query checkpoints", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate checkpoints", err)
	}
	return recs, nil
}

// Threads returns the distinct thread ids whose checkpoint metadata
// records the given user, ordered for stable output.
func (s *SQLiteStore) Threads(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT thread_id
		FROM checkpoints
		WHERE json_extract(metadata, '$.user_id') = ?
		ORDER BY thread_id
	`, userID)
	if err != nil {
		return nil, unavailable("query threads", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate threads", err)
	}
	return ids, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var createdStr, snapshotJSON, metadataJSON string

	err := row.Scan(&rec.ThreadID, &rec.SequenceKey, &createdStr, &snapshotJSON, &metadataJSON)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if err := json.Unmarshal([]byte(snapshotJSON), &rec.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &rec, nil
}
