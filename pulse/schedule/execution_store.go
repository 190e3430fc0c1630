package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// ExecutionStore handles persistence of schedule execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `
	id, schedule_id, status, started_at, completed_at, duration_ms,
	created_count, error_message, retry_after_seconds, created_at, updated_at`

// CreateExecution creates a new execution record
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedule_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.ScheduleID,
		exec.Status,
		exec.StartedAt,
		nullableString(exec.CompletedAt),
		nullableInt(exec.DurationMs),
		exec.CreatedCount,
		nullableString(exec.ErrorMessage),
		nullableInt(exec.RetryAfterSeconds),
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// UpdateExecution updates an existing execution record
func (s *ExecutionStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    created_count = ?,
		    error_message = ?,
		    retry_after_seconds = ?,
		    updated_at = ?
		WHERE id = ?`,
		exec.Status,
		nullableString(exec.CompletedAt),
		nullableInt(exec.DurationMs),
		exec.CreatedCount,
		nullableString(exec.ErrorMessage),
		nullableInt(exec.RetryAfterSeconds),
		exec.UpdatedAt,
		exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.Newf("execution not found: %s", exec.ID)
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM schedule_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Newf("execution not found: %s", id)
		}
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return exec, nil
}

// ListExecutions retrieves executions for a schedule, newest first, with an
// optional status filter. Returns the page and the total matching count.
func (s *ExecutionStore) ListExecutions(ctx context.Context, scheduleID string, limit, offset int, statusFilter string) ([]*Execution, int, error) {
	baseQuery := ` FROM schedule_executions WHERE schedule_id = ?`
	args := []interface{}{scheduleID}

	if statusFilter != "" {
		baseQuery += " AND status = ?"
		args = append(args, statusFilter)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count executions")
	}

	query := `SELECT ` + executionColumns + baseQuery + ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating executions")
	}

	return executions, total, nil
}

// CleanupOldExecutions deletes execution records started before now minus
// retentionDays and returns the number removed.
func (s *ExecutionStore) CleanupOldExecutions(ctx context.Context, retentionDays int, now time.Time) (int, error) {
	cutoff := formatTime(now.AddDate(0, 0, -retentionDays))

	result, err := s.db.ExecContext(ctx, `DELETE FROM schedule_executions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}

func scanExecution(row scanner) (*Execution, error) {
	var exec Execution
	var completedAt, errorMessage sql.NullString
	var durationMs, retryAfter sql.NullInt64

	if err := row.Scan(
		&exec.ID,
		&exec.ScheduleID,
		&exec.Status,
		&exec.StartedAt,
		&completedAt,
		&durationMs,
		&exec.CreatedCount,
		&errorMessage,
		&retryAfter,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if completedAt.Valid {
		exec.CompletedAt = &completedAt.String
	}
	if durationMs.Valid {
		d := int(durationMs.Int64)
		exec.DurationMs = &d
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}
	if retryAfter.Valid {
		r := int(retryAfter.Int64)
		exec.RetryAfterSeconds = &r
	}
	return &exec, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
