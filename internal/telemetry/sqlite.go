package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// SQLiteStore persists invocation records to a SQLite database so telemetry
// survives engine restarts.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and initializes) the database at path. An empty path
// uses an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry database: %w", err)
	}
	// Serialize access through one connection; the driver is not safe for
	// concurrent writers on separate connections to the same file.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parameters TEXT,
			summary TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_invocations_session
			ON invocations(session_id, started_at);
	`)
	if err != nil {
		return fmt.Errorf("create invocations table: %w", err)
	}
	return nil
}

// Insert appends a record.
func (s *SQLiteStore) Insert(ctx context.Context, record *models.InvocationRecord) error {
	params, err := marshalParams(record.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invocations (id, session_id, tool_id, status, parameters, summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		record.ID, record.SessionID, record.ToolID, string(record.Status),
		params, record.Summary, record.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert invocation record: %w", err)
	}
	return nil
}

// Close finalizes a pending record. The UPDATE's status guard makes the
// first-close-wins rule atomic at the database level.
func (s *SQLiteStore) Close(ctx context.Context, id string, status models.InvocationStatus, summary string, finishedAt time.Time) (*models.InvocationRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations
		SET status = ?, summary = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(status), summary, finishedAt.UnixNano(), id, string(models.InvocationPending))
	if err != nil {
		return nil, fmt.Errorf("close invocation record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("close invocation record: %w", err)
	}
	if affected == 0 {
		// Distinguish missing from already closed.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, id)
	}
	return s.Get(ctx, id)
}

// Get returns one record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.InvocationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tool_id, status, parameters, summary, started_at, finished_at
		FROM invocations WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return record, err
}

// List returns a session's records ordered by start time.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]*models.InvocationRecord, error) {
	query := `
		SELECT id, session_id, tool_id, status, parameters, summary, started_at, finished_at
		FROM invocations`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY started_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocation records: %w", err)
	}
	defer rows.Close()

	var out []*models.InvocationRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Shutdown closes the database.
func (s *SQLiteStore) Shutdown() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*models.InvocationRecord, error) {
	var (
		record     models.InvocationRecord
		status     string
		params     sql.NullString
		summary    sql.NullString
		startedAt  int64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(&record.ID, &record.SessionID, &record.ToolID, &status,
		&params, &summary, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan invocation record: %w", err)
	}
	record.Status = models.InvocationStatus(status)
	record.Summary = summary.String
	record.StartedAt = time.Unix(0, startedAt).UTC()
	if finishedAt.Valid {
		record.FinishedAt = time.Unix(0, finishedAt.Int64).UTC()
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &record.Parameters); err != nil {
			return nil, fmt.Errorf("decode record parameters: %w", err)
		}
	}
	return &record, nil
}

func marshalParams(params map[string]any) (sql.NullString, error) {
	if len(params) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode record parameters: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
