package schedule

// Execution records one run of a schedule: timing, outcome and how many
// items it produced. Partial runs also carry the retry delay that was applied.
type Execution struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id"`

	Status string `json:"status"` // running, success, partial, failed

	StartedAt   string  `json:"started_at"`             // RFC3339
	CompletedAt *string `json:"completed_at,omitempty"` // nil while running
	DurationMs  *int    `json:"duration_ms,omitempty"`

	CreatedCount      int     `json:"created_count"`
	ErrorMessage      *string `json:"error_message,omitempty"`
	RetryAfterSeconds *int    `json:"retry_after_seconds,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Execution status constants
const (
	ExecutionStatusRunning = "running"
	ExecutionStatusSuccess = "success"
	ExecutionStatusPartial = "partial"
	ExecutionStatusFailed  = "failed"
)
