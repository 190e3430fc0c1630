package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// Store handles persistence of schedules
type Store struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return NewStoreWithClock(db, time.Now)
}

// NewStoreWithClock creates a schedule store with an injectable clock for created/updated stamps
func NewStoreWithClock(db *sql.DB, timeNow func() time.Time) *Store {
	return &Store{db: db, timeNow: timeNow}
}

// DB exposes the underlying handle for the execution store
func (s *Store) DB() *sql.DB {
	return s.db
}

const scheduleColumns = `
	id, name, template_name, resource, trigger_kind,
	interval_seconds, cron_expr, frequency, items_per_run, payload,
	run_count, max_runs, is_active, last_run_at, next_run_at,
	created_at, updated_at`

// formatTime stores timestamps as UTC RFC3339 so string comparison orders them
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// Create inserts a new schedule. CreatedAt/UpdatedAt are stamped when zero.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	now := s.timeNow()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", rec.ID)
	}

	var maxRuns interface{}
	if rec.MaxRuns != nil {
		maxRuns = *rec.MaxRuns
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.TemplateName, rec.Resource, string(rec.Trigger),
		rec.IntervalSeconds, rec.CronExpr, string(rec.Frequency), rec.ItemsPerRun, payload,
		rec.RunCount, maxRuns, rec.IsActive, nullableTime(rec.LastRun), nullableTime(rec.NextRun),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create schedule %s", rec.ID)
	}
	return nil
}

// Get retrieves a schedule by ID
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Newf("schedule not found: %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return rec, nil
}

// Update persists the mutable bookkeeping and trigger fields of a schedule
func (s *Store) Update(ctx context.Context, rec *Record) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", rec.ID)
	}

	var maxRuns interface{}
	if rec.MaxRuns != nil {
		maxRuns = *rec.MaxRuns
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.timeNow()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, template_name = ?, resource = ?, trigger_kind = ?,
		    interval_seconds = ?, cron_expr = ?, frequency = ?, items_per_run = ?, payload = ?,
		    run_count = ?, max_runs = ?, is_active = ?, last_run_at = ?, next_run_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.TemplateName, rec.Resource, string(rec.Trigger),
		rec.IntervalSeconds, rec.CronExpr, string(rec.Frequency), rec.ItemsPerRun, payload,
		rec.RunCount, maxRuns, rec.IsActive, nullableTime(rec.LastRun), nullableTime(rec.NextRun),
		formatTime(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", rec.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("schedule not found: %s", rec.ID)
	}
	return nil
}

// Delete removes a schedule and, through the foreign key, its executions
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("schedule not found: %s", id)
	}
	return nil
}

// ListDue returns active schedules whose next_run is at or before now, oldest first
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Record, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, formatTime(now))
}

// List returns every schedule ordered by creation time
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC, id ASC`)
}

// GetNext returns the active schedule that runs soonest, or nil when none is pending
func (s *Store) GetNext(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE is_active = 1 AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next schedule")
	}
	return rec, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var trigger, frequency, payload, createdAt, updatedAt string
	var maxRuns sql.NullInt64
	var lastRun, nextRun sql.NullString

	if err := row.Scan(
		&rec.ID, &rec.Name, &rec.TemplateName, &rec.Resource, &trigger,
		&rec.IntervalSeconds, &rec.CronExpr, &frequency, &rec.ItemsPerRun, &payload,
		&rec.RunCount, &maxRuns, &rec.IsActive, &lastRun, &nextRun,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Trigger = TriggerKind(trigger)
	rec.Frequency = Frequency(frequency)

	if maxRuns.Valid {
		n := int(maxRuns.Int64)
		rec.MaxRuns = &n
	}

	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, errors.WithDetailf(errors.Wrapf(err, "failed to parse payload for schedule %s", rec.ID),
				"payload: %s", payload)
		}
	}

	var err error
	// Parse failures indicate data corruption or schema mismatch
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for schedule %s", rec.ID)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for schedule %s", rec.ID)
	}
	if lastRun.Valid {
		t, err := time.Parse(time.RFC3339, lastRun.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse last_run_at for schedule %s", rec.ID)
		}
		rec.LastRun = &t
	}
	if nextRun.Valid {
		t, err := time.Parse(time.RFC3339, nextRun.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_run_at for schedule %s", rec.ID)
		}
		rec.NextRun = &t
	}
	return &rec, nil
}

func marshalPayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payload")
	}
	return string(data), nil
}
