package generate

import (
	"strings"

	"github.com/lukinterlab/idealimage-ru-sub001/content"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// Mode selects how a job is admitted, kept alive and finalized
type Mode string

const (
	// ModeAuto is a standalone job: queued, heart-beating, published and notified
	ModeAuto Mode = "auto"
	// ModeScheduled runs inside a schedule run, which already serializes items
	ModeScheduled Mode = "scheduled"
	// ModeInteractive produces a preview only and never waits for the queue
	ModeInteractive Mode = "interactive"
	// ModeBatch is queued bulk generation persisted as drafts
	ModeBatch Mode = "batch"
)

// ParseMode maps a flag value to a Mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeScheduled, ModeInteractive, ModeBatch:
		return m, nil
	default:
		return "", errors.WithHint(errors.Newf("unknown mode %q", s),
			"use auto, scheduled, interactive or batch")
	}
}

// profile is the per-mode row of behavior switches. It is read once, when
// the PipelineRunner is assembled.
type profile struct {
	queue        bool
	heartbeat    bool
	attempts     int
	persist      bool
	recordStatus string
	notify       bool
	failFast     bool // cooldowns fail instead of sleeping
	saveMetrics  bool
	dailyLimit   bool
}

var profiles = map[Mode]profile{
	ModeAuto: {
		queue:        true,
		heartbeat:    true,
		attempts:     3,
		persist:      true,
		recordStatus: content.StatusPublished,
		notify:       true,
		saveMetrics:  true,
		dailyLimit:   true,
	},
	ModeScheduled: {
		attempts:     3,
		persist:      true,
		recordStatus: content.StatusPublished,
		saveMetrics:  true,
	},
	ModeInteractive: {
		attempts: 1,
		failFast: true,
	},
	ModeBatch: {
		queue:        true,
		attempts:     2,
		persist:      true,
		recordStatus: content.StatusDraft,
		saveMetrics:  true,
	},
}
