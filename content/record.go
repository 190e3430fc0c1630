// Package content persists generated content and per-job generation records.
package content

import "time"

// Record status values
const (
	StatusPublished = "published"
	StatusDraft     = "draft"
)

// Record is one generated piece of content
type Record struct {
	ID           string
	TemplateName string
	Title        string
	Body         string
	ImageRef     string
	Tags         []string
	Author       string
	Category     string
	Status       string
	CreatedAt    time.Time
}

// Generation record field caps, in runes
const (
	MaxPromptRunes   = 5000
	MaxResponseRunes = 10000
)

// GenerationRecord is the metrics trail of one non-interactive job
type GenerationRecord struct {
	ID                    string
	JobID                 string
	TemplateName          string
	Mode                  string
	Status                string
	ContentRef            string // empty when nothing was persisted
	ModelUsed             string
	Prompt                string
	Response              string
	APICalls              int
	RetryCount            int
	TokensUsed            int
	QueuePosition         int
	HeartbeatUpdates      int
	GenerationTimeSeconds float64
	Errors                []string
	StartedAt             time.Time
	FinishedAt            *time.Time
}
