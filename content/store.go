package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/internal/util"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// Store is the persistence the pipeline finalizer writes to
type Store interface {
	CreateRecord(ctx context.Context, rec Record) (string, error)
	CountToday(ctx context.Context, templateName string, now time.Time) (int, error)
	SaveGeneration(ctx context.Context, gen GenerationRecord) error
}

// SQLiteStore implements Store over the content_records and generation_records tables
type SQLiteStore struct {
	db      *sql.DB
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a content store over a migrated database
func NewSQLiteStore(db *sql.DB, log *zap.SugaredLogger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger.AddProseSymbol(log), timeNow: time.Now}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// CreateRecord inserts rec and returns its id. ID and CreatedAt are filled when empty.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.timeNow()
	}
	if rec.Status == "" {
		rec.Status = StatusDraft
	}
	tags, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal tags")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_records (id, template_name, title, body, image_ref, tags, author, category, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TemplateName, rec.Title, rec.Body, rec.ImageRef, string(tags),
		rec.Author, rec.Category, rec.Status, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return "", errors.WithDetailf(errors.Wrap(err, "failed to create content record"), "template: %s", rec.TemplateName)
	}

	s.logger.Infow("Content record created",
		"record_id", rec.ID,
		logger.FieldTemplate, rec.TemplateName,
		logger.FieldStatus, rec.Status)
	return rec.ID, nil
}

// GetRecord retrieves a content record by id
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	var rec Record
	var tags, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_name, title, body, image_ref, tags, author, category, status, created_at
		FROM content_records WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.TemplateName, &rec.Title, &rec.Body, &rec.ImageRef, &tags,
		&rec.Author, &rec.Category, &rec.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "content record %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get content record %s", id)
	}

	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tags for %s", id)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for %s", id)
	}
	return &rec, nil
}

// CountToday counts records of a template created on now's calendar day,
// in now's location
func (s *SQLiteStore) CountToday(ctx context.Context, templateName string, now time.Time) (int, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 0, 1)

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM content_records
		WHERE template_name = ? AND created_at >= ? AND created_at < ?`,
		templateName, formatTime(start), formatTime(end),
	).Scan(&count)
	if err != nil {
		return 0, errors.WithDetailf(errors.Wrap(err, "failed to count content records"), "template: %s", templateName)
	}
	return count, nil
}

// SaveGeneration inserts a generation record, truncating prompt and response
func (s *SQLiteStore) SaveGeneration(ctx context.Context, gen GenerationRecord) error {
	if gen.ID == "" {
		gen.ID = uuid.NewString()
	}
	errs, err := json.Marshal(nonNil(gen.Errors))
	if err != nil {
		return errors.Wrap(err, "failed to marshal errors")
	}

	var contentRef, finishedAt interface{}
	if gen.ContentRef != "" {
		contentRef = gen.ContentRef
	}
	if gen.FinishedAt != nil {
		finishedAt = formatTime(*gen.FinishedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generation_records (
			id, job_id, template_name, mode, status, content_ref, model_used,
			prompt, response, api_calls, retry_count, error_count, tokens_used,
			queue_position, heartbeat_updates, generation_time_seconds, errors,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.ID, gen.JobID, gen.TemplateName, gen.Mode, gen.Status, contentRef, gen.ModelUsed,
		util.TruncateRunes(gen.Prompt, MaxPromptRunes), util.TruncateRunes(gen.Response, MaxResponseRunes),
		gen.APICalls, gen.RetryCount, len(gen.Errors), gen.TokensUsed,
		gen.QueuePosition, gen.HeartbeatUpdates, gen.GenerationTimeSeconds, string(errs),
		formatTime(gen.StartedAt), finishedAt,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to save generation record"), "job_id: %s", gen.JobID)
	}
	return nil
}

// ListGenerations returns the generation records of a job, oldest first
func (s *SQLiteStore) ListGenerations(ctx context.Context, jobID string) ([]GenerationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, template_name, mode, status, content_ref, model_used,
		       prompt, response, api_calls, retry_count, tokens_used,
		       queue_position, heartbeat_updates, generation_time_seconds, errors,
		       started_at, finished_at
		FROM generation_records WHERE job_id = ? ORDER BY started_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list generation records")
	}
	defer rows.Close()

	var out []GenerationRecord
	for rows.Next() {
		var gen GenerationRecord
		var contentRef, finishedAt sql.NullString
		var errs, startedAt string
		if err := rows.Scan(&gen.ID, &gen.JobID, &gen.TemplateName, &gen.Mode, &gen.Status, &contentRef,
			&gen.ModelUsed, &gen.Prompt, &gen.Response, &gen.APICalls, &gen.RetryCount, &gen.TokensUsed,
			&gen.QueuePosition, &gen.HeartbeatUpdates, &gen.GenerationTimeSeconds, &errs,
			&startedAt, &finishedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan generation record")
		}
		gen.ContentRef = contentRef.String
		if err := json.Unmarshal([]byte(errs), &gen.Errors); err != nil {
			return nil, errors.Wrapf(err, "failed to parse errors for %s", gen.ID)
		}
		if gen.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, errors.Wrapf(err, "failed to parse started_at for %s", gen.ID)
		}
		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339, finishedAt.String)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse finished_at for %s", gen.ID)
			}
			gen.FinishedAt = &t
		}
		out = append(out, gen)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating generation records")
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
