package generate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lukinterlab/idealimage-ru-sub001/pulse/schedule"
)

// ScheduleItems runs schedule items through an orchestrator, normally a
// scheduled-mode one
type ScheduleItems struct {
	orch *Orchestrator
}

// NewScheduleItems adapts o to schedule.ItemRunner
func NewScheduleItems(o *Orchestrator) *ScheduleItems {
	return &ScheduleItems{orch: o}
}

// RunItem generates one item from the schedule's template and payload.
// A rate-limited job becomes a rate-limited outcome, not an error.
func (s *ScheduleItems) RunItem(ctx context.Context, rec *schedule.Record, index int) schedule.ItemOutcome {
	res := s.orch.Generate(ctx, Request{
		JobID:           fmt.Sprintf("%s-%d-%s", rec.ID, index+1, uuid.NewString()[:8]),
		TemplateName:    rec.TemplateName,
		Resource:        rec.Resource,
		SchedulePayload: rec.Payload,
	})

	switch res.Status {
	case StatusSuccess:
		return schedule.ItemOutcome{Created: true, RecordRef: res.RecordRef}
	case StatusRateLimited:
		return schedule.ItemOutcome{RateLimited: true, RetryAfter: res.RetryAfter, Err: res.Err}
	default:
		return schedule.ItemOutcome{Err: res.Err}
	}
}
