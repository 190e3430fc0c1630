package generate

import (
	"time"

	"github.com/lukinterlab/idealimage-ru-sub001/content"
)

// Status is the terminal state of one Generate call
type Status string

const (
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
	StatusRateLimited  Status = "rate_limited"
	StatusQueueTimeout Status = "queue_timeout"
)

// Request is one generation job
type Request struct {
	// JobID identifies the job in queues and heartbeats; generated when empty
	JobID           string
	TemplateName    string
	Variables       map[string]any
	SchedulePayload map[string]any

	// Resource overrides the template's resource key when set
	Resource string
}

// Metrics is the per-job counter bag
type Metrics struct {
	APICalls              int       `json:"api_calls"`
	RetryCount            int       `json:"retry_count"`
	Errors                []string  `json:"errors,omitempty"`
	ModelUsed             string    `json:"model_used,omitempty"`
	TokensUsed            int       `json:"tokens_used"`
	QueuePosition         int       `json:"queue_position,omitempty"`
	HeartbeatUpdates      int       `json:"heartbeat_updates"`
	GenerationTimeSeconds float64   `json:"generation_time_seconds"`
	StartedAt             time.Time `json:"started_at"`
	FinishedAt            time.Time `json:"finished_at"`
}

// Preview is the interactive-mode payload
type Preview struct {
	Template string         `json:"template"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	ImageRef string         `json:"image_ref,omitempty"`
	Tags     []string       `json:"tags"`
	Context  map[string]any `json:"context"`
}

// Result is what Generate returns for every job. Err is set for every
// non-success status; a rate limit also carries RetryAfter.
type Result struct {
	JobID        string        `json:"job_id"`
	TemplateName string        `json:"template"`
	Mode         Mode          `json:"mode"`
	Status       Status        `json:"status"`
	Success      bool          `json:"success"`
	Title        string        `json:"title,omitempty"`
	Body         string        `json:"body,omitempty"`
	ImageRef     string        `json:"image_ref,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	RecordRef    string        `json:"record_ref,omitempty"`
	Preview      *Preview      `json:"preview,omitempty"`
	Stage        string        `json:"stage,omitempty"`
	Error        string        `json:"error,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	Metrics      Metrics       `json:"metrics"`

	Err error `json:"-"`
}

// generationRecord converts r into the persisted metrics trail
func (r *Result) generationRecord(prompt string) content.GenerationRecord {
	m := r.Metrics
	finished := m.FinishedAt
	return content.GenerationRecord{
		JobID:                 r.JobID,
		TemplateName:          r.TemplateName,
		Mode:                  string(r.Mode),
		Status:                string(r.Status),
		ContentRef:            r.RecordRef,
		ModelUsed:             m.ModelUsed,
		Prompt:                prompt,
		Response:              r.Body,
		APICalls:              m.APICalls,
		RetryCount:            m.RetryCount,
		TokensUsed:            m.TokensUsed,
		QueuePosition:         m.QueuePosition,
		HeartbeatUpdates:      m.HeartbeatUpdates,
		GenerationTimeSeconds: m.GenerationTimeSeconds,
		Errors:                m.Errors,
		StartedAt:             m.StartedAt,
		FinishedAt:            &finished,
	}
}
