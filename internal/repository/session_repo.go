package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
)

// ErrRecordNotFound is returned when no record has the requested id.
var ErrRecordNotFound = errors.New("session record not found")

// DefaultListLimit bounds ListByUser when no limit is given.
const DefaultListLimit = 50

// SessionRepository provides data access for session records.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const recordColumns = `id, user_id, command, pid, status, end_reason, transcript_path, started_at, ended_at`

// Create inserts a new session record.
func (r *SessionRepository) Create(ctx context.Context, rec *model.SessionRecord) error {
	query := `
		INSERT INTO sessions (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Command,
		rec.PID,
		rec.Status,
		nullString(string(rec.EndReason)),
		nullString(rec.TranscriptPath),
		rec.StartedAt.UTC(),
		nullTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}

	return nil
}

// MarkEnded records the end of a running session. Marking an already ended
// record again keeps the first reason.
func (r *SessionRepository) MarkEnded(ctx context.Context, id string, reason model.Reason, endedAt time.Time) error {
	query := `
		UPDATE sessions
		SET status = ?, end_reason = ?, ended_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		model.SessionStatusEnded, string(reason), endedAt.UTC(), id, model.SessionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark session ended: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	exists, err := r.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}
	return nil
}

// MarkAllRunningEnded closes out records left running by a previous process
// and returns how many it changed.
func (r *SessionRepository) MarkAllRunningEnded(ctx context.Context, reason model.Reason, endedAt time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET status = ?, end_reason = ?, ended_at = ?
		WHERE status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		model.SessionStatusEnded, string(reason), endedAt.UTC(), model.SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// GetByID retrieves a session record by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM sessions WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return rec, nil
}

// ListByUser returns the user's most recent records, newest first. A limit of
// zero or less uses DefaultListLimit.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT ` + recordColumns + `
		FROM sessions
		WHERE user_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	var records []*model.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session records: %w", err)
	}

	return records, nil
}

// CountRunning returns the number of records still marked running.
func (r *SessionRepository) CountRunning(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE status = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, query, model.SessionStatusRunning).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count running sessions: %w", err)
	}
	return count, nil
}

// Exists checks if a session record exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	query := `SELECT 1 FROM sessions WHERE id = ? LIMIT 1`

	var exists int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session record existence: %w", err)
	}

	return true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var pid sql.NullInt64
	var endReason, transcriptPath sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Command,
		&pid,
		&rec.Status,
		&endReason,
		&transcriptPath,
		&rec.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	rec.EndReason = model.Reason(endReason.String)
	rec.TranscriptPath = transcriptPath.String
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}

	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
