package generate

import (
	"context"
	"fmt"

	"github.com/lukinterlab/idealimage-ru-sub001/content"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/heartbeat"
)

// admitter decides whether a job may start and releases what admission took
type admitter interface {
	admit(ctx context.Context, j *job) error
	touch(ctx context.Context, j *job)
	release(ctx context.Context, j *job)
}

// pulser owns the job's own liveness signal
type pulser interface {
	start(ctx context.Context, j *job)
	beat(ctx context.Context, j *job)
	stop(ctx context.Context, j *job)
}

// finalizer turns a finished pipeline into its side effect
type finalizer interface {
	finalize(ctx context.Context, j *job) error
}

// PipelineRunner is the strategy set of one mode, assembled once by
// NewOrchestrator
type PipelineRunner struct {
	mode      Mode
	profile   profile
	admitter  admitter
	pulser    pulser
	finalizer finalizer
}

func newPipelineRunner(mode Mode, o *Orchestrator) (*PipelineRunner, error) {
	p, ok := profiles[mode]
	if !ok {
		return nil, errors.Newf("unknown mode %q", mode)
	}
	r := &PipelineRunner{mode: mode, profile: p}

	if p.queue {
		r.admitter = &queueAdmitter{o: o}
	} else {
		r.admitter = openAdmitter{}
	}
	if p.heartbeat {
		r.pulser = &jobPulser{o: o}
	} else {
		r.pulser = silentPulser{}
	}
	if p.persist {
		if o.content == nil {
			return nil, errors.Newf("mode %s needs a content store", mode)
		}
		r.finalizer = &persistFinalizer{o: o, status: p.recordStatus, notify: p.notify}
	} else {
		r.finalizer = previewFinalizer{}
	}
	return r, nil
}

// Mode returns the mode this runner was built for
func (r *PipelineRunner) Mode() Mode { return r.mode }

// queueAdmitter waits for the resource lease
type queueAdmitter struct {
	o *Orchestrator
}

func (a *queueAdmitter) admit(ctx context.Context, j *job) error {
	q := a.o.queueFor(j.resource)
	pos, err := q.Enqueue(ctx, j.id)
	if err != nil {
		return errors.Wrap(err, "enqueue")
	}
	j.result.Metrics.QueuePosition = pos
	j.queued = q

	ok, err := q.WaitForTurn(ctx, j.id, a.o.cfg.MaxWait)
	if err != nil {
		if errors.Is(err, errors.ErrDroppedAtRollover) {
			return errors.Mark(errors.Wrap(err, "wait for turn"), errors.ErrQueueTimeout)
		}
		return errors.Wrap(err, "wait for turn")
	}
	if !ok {
		return errors.WithDetailf(errors.ErrQueueTimeout, "resource: %s, position: %d", j.resource, pos)
	}
	return nil
}

func (a *queueAdmitter) touch(ctx context.Context, j *job) {
	if j.queued == nil {
		return
	}
	if err := j.queued.Touch(ctx, j.id); err != nil {
		j.logger.Warnw("Lease touch failed", logger.FieldError, err)
	}
}

func (a *queueAdmitter) release(ctx context.Context, j *job) {
	if j.queued == nil {
		return
	}
	j.result.Metrics.HeartbeatUpdates += j.queued.HeartbeatUpdates(j.id)
	if err := j.queued.Release(ctx, j.id); err != nil {
		j.logger.Errorw("Lease release failed", logger.FieldError, err)
	}
}

// openAdmitter admits immediately; the caller serializes or nothing needs to
type openAdmitter struct{}

func (openAdmitter) admit(context.Context, *job) error { return nil }
func (openAdmitter) touch(context.Context, *job)       {}
func (openAdmitter) release(context.Context, *job)     {}

// jobPulser writes task_heartbeat:<job id>
type jobPulser struct {
	o *Orchestrator
}

func (p *jobPulser) start(ctx context.Context, j *job) {
	j.signal = heartbeat.NewWithClock(p.o.kv, heartbeat.JobKey(j.id), p.o.cfg.Heartbeat, p.o.logger, p.o.timeNow)
	if err := j.signal.Start(ctx); err != nil {
		j.logger.Warnw("Heartbeat start failed", logger.FieldError, err)
	}
}

func (p *jobPulser) beat(ctx context.Context, j *job) {
	if j.signal == nil {
		return
	}
	if _, err := j.signal.Update(ctx, false); err != nil {
		j.logger.Warnw("Heartbeat update failed", logger.FieldError, err)
	}
}

func (p *jobPulser) stop(ctx context.Context, j *job) {
	if j.signal == nil {
		return
	}
	j.result.Metrics.HeartbeatUpdates += j.signal.Updates()
	if err := j.signal.Stop(ctx); err != nil {
		j.logger.Errorw("Heartbeat stop failed", logger.FieldError, err)
	}
}

type silentPulser struct{}

func (silentPulser) start(context.Context, *job) {}
func (silentPulser) beat(context.Context, *job)  {}
func (silentPulser) stop(context.Context, *job)  {}

// persistFinalizer stores the record and, for published auto jobs, notifies
type persistFinalizer struct {
	o      *Orchestrator
	status string
	notify bool
}

func (f *persistFinalizer) finalize(ctx context.Context, j *job) error {
	res := j.result
	ref, err := f.o.content.CreateRecord(ctx, content.Record{
		TemplateName: j.tmpl.Name,
		Title:        res.Title,
		Body:         res.Body,
		ImageRef:     res.ImageRef,
		Tags:         res.Tags,
		Author:       j.tmpl.Author,
		Category:     j.tmpl.ContentCategory,
		Status:       f.status,
	})
	if err != nil {
		return errors.Wrap(err, "persist content")
	}
	res.RecordRef = ref

	if f.notify && f.status == content.StatusPublished && f.o.notifier != nil {
		target := j.tmpl.NotifyTarget
		if target == "" {
			target = f.o.cfg.NotifyTarget
		}
		msg := fmt.Sprintf("Published %q from template %s", res.Title, j.tmpl.Name)
		if err := f.o.notifier.Notify(ctx, target, msg); err != nil {
			j.logger.Warnw("Notification failed", logger.FieldError, err)
		}
	}
	return nil
}

// previewFinalizer assembles the interactive payload; nothing is stored
type previewFinalizer struct{}

func (previewFinalizer) finalize(_ context.Context, j *job) error {
	res := j.result
	tags := res.Tags
	if tags == nil {
		tags = []string{}
	}
	res.Preview = &Preview{
		Template: j.tmpl.Name,
		Title:    res.Title,
		Body:     res.Body,
		ImageRef: res.ImageRef,
		Tags:     tags,
		Context:  j.vars,
	}
	return nil
}
