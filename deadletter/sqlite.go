package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// EnsureSchema creates the dead-letter table if it doesn't exist
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS dead_letters (
  timestamp INTEGER NOT NULL,
  action TEXT NOT NULL UNIQUE,
  failure_reason TEXT NOT NULL,
  failure_count INTEGER NOT NULL DEFAULT 0,
  first_failure_time INTEGER NOT NULL,
  last_failure_time INTEGER NOT NULL,
  original_job_id TEXT,
  original_queue_name TEXT,
  original_event TEXT NOT NULL,
  metadata TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_timestamp ON dead_letters(timestamp);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteSink persists records in a SQLite table. The record ID is stored
// in the unique action column and payloads are stored as JSON.
type SQLiteSink[T any] struct {
	db     *sql.DB
	ownsDB bool
}

// OpenSQLiteSink opens (or creates) a database file and prepares the table
func OpenSQLiteSink[T any](path string) (*SQLiteSink[T], error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter database: %w", err)
	}
	// SQLite single writer
	db.SetMaxOpenConns(1)

	sink, err := NewSQLiteSink[T](db)
	if err != nil {
		db.Close()
		return nil, err
	}
	sink.ownsDB = true
	return sink, nil
}

// NewSQLiteSink uses an existing database handle
func NewSQLiteSink[T any](db *sql.DB) (*SQLiteSink[T], error) {
	if err := EnsureSchema(db); err != nil {
		return nil, fmt.Errorf("ensure dead-letter schema: %w", err)
	}
	return &SQLiteSink[T]{db: db}, nil
}

// Append inserts a record
func (s *SQLiteSink[T]) Append(ctx context.Context, record Record[T]) error {
	event, err := json.Marshal(record.OriginalPayload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO dead_letters (timestamp,action,failure_reason,failure_count,first_failure_time,last_failure_time,original_job_id,original_queue_name,original_event,metadata)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, record.LastFailureTime.UnixNano(), record.ID, record.FailureReason, record.FailureCount,
		record.FirstFailureTime.UnixNano(), record.LastFailureTime.UnixNano(),
		nullString(record.OriginalJobID), nullString(record.OriginalQueueID), string(event), string(metadata))
	return err
}

const selectColumns = `SELECT action,failure_reason,failure_count,first_failure_time,last_failure_time,original_job_id,original_queue_name,original_event,metadata FROM dead_letters`

// List returns all records ordered by insertion
func (s *SQLiteSink[T]) List(ctx context.Context) ([]Record[T], error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record[T]
	for rows.Next() {
		r, err := scanRecord[T](rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns a record by ID
func (s *SQLiteSink[T]) Get(ctx context.Context, id string) (Record[T], error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE action = ?`, id)
	r, err := scanRecord[T](row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record[T]{}, ErrNotFound
	}
	return r, err
}

// Delete removes a record
func (s *SQLiteSink[T]) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE action = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes expired records
func (s *SQLiteSink[T]) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE last_failure_time < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the database if the sink opened it
func (s *SQLiteSink[T]) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord[T any](row scanner) (Record[T], error) {
	var (
		r                   Record[T]
		first, last         int64
		jobID, queueName    sql.NullString
		event, metadataJSON string
	)
	if err := row.Scan(&r.ID, &r.FailureReason, &r.FailureCount, &first, &last, &jobID, &queueName, &event, &metadataJSON); err != nil {
		return Record[T]{}, err
	}
	r.FirstFailureTime = time.Unix(0, first)
	r.LastFailureTime = time.Unix(0, last)
	r.OriginalJobID = jobID.String
	r.OriginalQueueID = queueName.String

	if err := json.Unmarshal([]byte(event), &r.OriginalPayload); err != nil {
		return Record[T]{}, fmt.Errorf("decode payload of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &r.Metadata); err != nil {
		return Record[T]{}, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
