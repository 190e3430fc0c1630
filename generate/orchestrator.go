// Package generate drives one content job through admission, the
// content/title/image/tags stages and finalization. The mode chosen at
// construction fixes which of those steps queue, heart-beat or persist.
package generate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/ai/provider"
	"github.com/lukinterlab/idealimage-ru-sub001/am"
	"github.com/lukinterlab/idealimage-ru-sub001/content"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/internal/util"
	"github.com/lukinterlab/idealimage-ru-sub001/kv"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
	"github.com/lukinterlab/idealimage-ru-sub001/notify"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/cooldown"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/heartbeat"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/lease"
	"github.com/lukinterlab/idealimage-ru-sub001/template"
)

const (
	maxTags          = 10
	maxFallbackTitle = 100
)

// TemplateSource resolves template names. *template.Cache implements it.
type TemplateSource interface {
	Get(ctx context.Context, name string) (*template.Template, error)
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Templates TemplateSource
	Generator provider.Generator
	KV        kv.Store
	// Content is required by every mode except interactive
	Content  content.Store
	Notifier notify.Sink
	Logger   *zap.SugaredLogger
}

// Config holds orchestration timings and budgets
type Config struct {
	Queue   lease.Config
	MaxWait time.Duration

	Heartbeat heartbeat.Config

	BaseDelay        time.Duration
	OptionalAttempts int

	NotifyTarget string

	// Sleep replaces the retrier's sleeps; nil uses real timers
	Sleep Sleeper
}

// DefaultConfig returns production timings
func DefaultConfig() Config {
	return Config{
		Queue:            lease.DefaultConfig(),
		MaxWait:          time.Hour,
		Heartbeat:        heartbeat.DefaultConfig(),
		BaseDelay:        5 * time.Second,
		OptionalAttempts: 2,
	}
}

// ConfigFromAM maps the loaded configuration onto orchestration settings
func ConfigFromAM(c *am.Config) Config {
	hb := heartbeat.Config{
		UpdateInterval: c.Heartbeat.UpdateInterval(),
		Staleness:      c.Heartbeat.Staleness(),
		TTL:            c.Heartbeat.TTL(),
	}
	return Config{
		Queue: lease.Config{
			PollInterval:       c.Queue.PollInterval(),
			StaleCheckInterval: c.Queue.StaleCheckInterval(),
			LeaseTTL:           c.Queue.LeaseTTL(),
			QueueTTL:           c.Queue.QueueTTL(),
			Heartbeat:          hb,
			Rollover:           lease.RolloverPolicy(c.Queue.Rollover),
		},
		MaxWait:          c.Queue.MaxWait(),
		Heartbeat:        hb,
		BaseDelay:        c.Retry.BaseDelay(),
		OptionalAttempts: c.Retry.OptionalStageAttempts,
		NotifyTarget:     c.Notify.DefaultTarget,
	}
}

// Orchestrator runs jobs of one mode
type Orchestrator struct {
	templates TemplateSource
	gen       provider.Generator
	kv        kv.Store
	content   content.Store
	notifier  notify.Sink
	gate      *cooldown.Gate
	cfg       Config
	runner    *PipelineRunner
	logger    *zap.SugaredLogger
	timeNow   func() time.Time

	mu     sync.Mutex
	queues map[string]*lease.Queue
}

// NewOrchestrator assembles the strategy set for mode
func NewOrchestrator(mode Mode, deps Deps, cfg Config) (*Orchestrator, error) {
	return NewOrchestratorWithClock(mode, deps, cfg, time.Now)
}

// NewOrchestratorWithClock creates an orchestrator with an injectable clock
func NewOrchestratorWithClock(mode Mode, deps Deps, cfg Config, timeNow func() time.Time) (*Orchestrator, error) {
	if deps.Templates == nil || deps.Generator == nil || deps.KV == nil {
		return nil, errors.New("orchestrator needs templates, a generator and a kv store")
	}
	if cfg.OptionalAttempts < 1 {
		cfg.OptionalAttempts = 1
	}
	base := logger.OrNop(deps.Logger)
	o := &Orchestrator{
		templates: deps.Templates,
		gen:       deps.Generator,
		kv:        deps.KV,
		content:   deps.Content,
		notifier:  deps.Notifier,
		gate:      cooldown.NewGateWithClock(deps.KV, base, timeNow),
		cfg:       cfg,
		logger:    base.With(logger.FieldComponent, "generate", logger.FieldMode, string(mode)),
		timeNow:   timeNow,
		queues:    make(map[string]*lease.Queue),
	}
	runner, err := newPipelineRunner(mode, o)
	if err != nil {
		return nil, err
	}
	o.runner = runner
	return o, nil
}

// Mode returns the orchestrator's mode
func (o *Orchestrator) Mode() Mode { return o.runner.mode }

// Queue returns the lease queue guarding resource
func (o *Orchestrator) Queue(resource string) *lease.Queue { return o.queueFor(resource) }

func (o *Orchestrator) queueFor(resource string) *lease.Queue {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[resource]
	if !ok {
		q = lease.NewWithClock(o.kv, resource, o.cfg.Queue, o.logger, o.timeNow)
		o.queues[resource] = q
	}
	return q
}

// job is the mutable state of one Generate call
type job struct {
	id       string
	req      Request
	tmpl     *template.Template
	resource string
	vars     map[string]any
	prompt   string
	stage    string
	queued   *lease.Queue
	signal   *heartbeat.Signal
	beat     BeatFunc
	result   *Result
	logger   *zap.SugaredLogger
}

func (j *job) finish(status Status, err error) {
	j.result.Status = status
	j.result.Success = status == StatusSuccess
	j.result.Err = err
	if err != nil {
		j.result.Error = err.Error()
		j.result.Stage = j.stage
		if sf, ok := errors.AsStageFailure(err); ok {
			j.result.Stage = sf.Stage
		}
	}
}

func (j *job) fail(err error) { j.finish(StatusFailed, err) }

// Generate runs one job to a terminal state. It never panics and always
// releases the lease and stops the heartbeat before returning.
func (o *Orchestrator) Generate(ctx context.Context, req Request) *Result {
	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}
	ctx = logger.WithJobID(ctx, id)
	started := o.timeNow()
	j := &job{
		id:  id,
		req: req,
		result: &Result{
			JobID:        id,
			TemplateName: req.TemplateName,
			Mode:         o.runner.mode,
			Metrics:      Metrics{StartedAt: started},
		},
		logger: logger.FromContext(ctx, o.logger).With(logger.FieldTemplate, req.TemplateName),
	}

	// Cleanup and bookkeeping must survive a cancelled caller
	detached := context.WithoutCancel(ctx)
	func() {
		defer o.cleanup(detached, j)
		defer func() {
			if p := recover(); p != nil {
				j.logger.Errorw("Pipeline panic", "panic", p, logger.FieldStage, j.stage)
				j.fail(&errors.StageFailure{Stage: j.stage, Err: errors.Newf("panic: %v", p)})
			}
		}()
		o.run(ctx, j)
	}()

	finished := o.timeNow()
	m := &j.result.Metrics
	m.FinishedAt = finished
	m.GenerationTimeSeconds = finished.Sub(started).Seconds()

	if o.runner.profile.saveMetrics && o.content != nil {
		if err := o.content.SaveGeneration(detached, j.result.generationRecord(j.prompt)); err != nil {
			j.logger.Warnw("Failed to save generation record", logger.FieldError, err)
		}
	}

	fields := []interface{}{
		logger.FieldStatus, string(j.result.Status),
		logger.FieldDurationMS, finished.Sub(started).Milliseconds(),
		"api_calls", m.APICalls,
		"retry_count", m.RetryCount,
	}
	switch j.result.Status {
	case StatusSuccess:
		j.logger.Infow("Generation finished", fields...)
	case StatusRateLimited:
		j.logger.Warnw("Generation rate limited", append(fields, logger.FieldRetryAfter, j.result.RetryAfter.String())...)
	default:
		j.logger.Errorw("Generation failed", append(fields, logger.FieldStage, j.result.Stage, logger.FieldError, j.result.Error)...)
	}
	return j.result
}

// cleanup stops the heartbeat and releases the lease. It runs on every exit path.
func (o *Orchestrator) cleanup(ctx context.Context, j *job) {
	defer func() {
		if p := recover(); p != nil {
			j.logger.Errorw("Cleanup panic", "panic", p)
		}
	}()
	o.runner.pulser.stop(ctx, j)
	o.runner.admitter.release(ctx, j)
}

func (o *Orchestrator) run(ctx context.Context, j *job) {
	p := o.runner.profile

	j.stage = "init"
	tmpl, err := o.templates.Get(ctx, j.req.TemplateName)
	if err != nil {
		j.fail(err)
		return
	}
	j.tmpl = tmpl
	j.resource = tmpl.Resource()
	if r := strings.TrimSpace(j.req.Resource); r != "" {
		j.resource = r
	}
	j.logger = j.logger.With(logger.FieldResource, j.resource)

	if p.dailyLimit && tmpl.DailyLimit > 0 {
		n, err := o.content.CountToday(ctx, tmpl.Name, o.timeNow())
		if err != nil {
			j.fail(errors.Wrap(err, "count today's records"))
			return
		}
		if n >= tmpl.DailyLimit {
			j.fail(errors.WithDetailf(errors.ErrDailyLimitReached, "template: %s, limit: %d", tmpl.Name, tmpl.DailyLimit))
			return
		}
	}

	j.stage = "queue"
	if err := o.runner.admitter.admit(ctx, j); err != nil {
		if errors.Is(err, errors.ErrQueueTimeout) {
			j.finish(StatusQueueTimeout, err)
		} else {
			j.fail(err)
		}
		return
	}
	o.runner.pulser.start(ctx, j)

	j.beat = func(ctx context.Context) {
		o.runner.admitter.touch(ctx, j)
		o.runner.pulser.beat(ctx, j)
	}
	retrier := NewRetrier(o.gate, j.resource, j.beat, &j.result.Metrics, o.cfg.Sleep, j.logger)

	j.stage = "context"
	j.beat(ctx)
	j.vars = BuildContext(tmpl, o.timeNow(), j.req.Variables, j.req.SchedulePayload)

	j.stage = StageContent
	prompt, err := tmpl.Render(template.FieldPrompt, j.vars)
	if err == nil && prompt == "" {
		err = errors.New("prompt rendered empty")
	}
	if err != nil {
		j.fail(&errors.StageFailure{Stage: StageContent, Err: err})
		return
	}
	j.prompt = prompt

	body, err := o.runStage(ctx, j, retrier, o.textStage(StageContent, prompt, j), o.policy(p.attempts))
	if err != nil {
		if rl, ok := errors.AsRateLimited(err); ok {
			j.result.RetryAfter = rl.RetryAfter
			j.finish(StatusRateLimited, rl)
			return
		}
		j.fail(err)
		return
	}
	j.result.Body = strings.TrimSpace(body)

	optional := o.policy(min(o.cfg.OptionalAttempts, p.attempts))

	j.stage = StageTitle
	j.result.Title = o.runTitle(ctx, j, retrier, optional)

	j.stage = StageImage
	j.result.ImageRef = o.runImage(ctx, j, retrier, optional)

	j.stage = StageTags
	j.result.Tags = o.runTags(ctx, j, retrier, optional)

	j.stage = "finalize"
	if err := o.runner.finalizer.finalize(ctx, j); err != nil {
		j.fail(err)
		return
	}
	j.finish(StatusSuccess, nil)
}

func (o *Orchestrator) policy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		BaseDelay:    o.cfg.BaseDelay,
		FailFast:     o.runner.profile.failFast,
		BeatInterval: o.cfg.Heartbeat.UpdateInterval,
	}
}

// runStage refreshes the lease and job heartbeats at both stage boundaries.
// A single remote call can take most of the staleness window.
func (o *Orchestrator) runStage(ctx context.Context, j *job, r *Retrier, stage Stage, policy Policy) (string, error) {
	j.beat(ctx)
	out, err := r.Run(ctx, stage, policy)
	if err == nil {
		j.beat(ctx)
	}
	return out, err
}

func (o *Orchestrator) textStage(name, prompt string, j *job) Stage {
	return Stage{Name: name, Call: func(ctx context.Context) (string, error) {
		text, usage, err := provider.GenerateText(ctx, o.gen, prompt)
		if usage.Model != "" {
			j.result.Metrics.ModelUsed = usage.Model
		}
		j.result.Metrics.TokensUsed += usage.TotalTokens
		return text, err
	}}
}

// degrade records an optional stage failure; the caller substitutes its fallback
func (o *Orchestrator) degrade(j *job, stage string, err error) {
	j.result.Metrics.Errors = append(j.result.Metrics.Errors, fmt.Sprintf("%s: %v", stage, err))
	j.logger.Warnw("Optional stage degraded", logger.FieldStage, stage, logger.FieldError, err)
}

func (o *Orchestrator) runTitle(ctx context.Context, j *job, r *Retrier, policy Policy) string {
	fallback := j.tmpl.DefaultTitle
	if fallback == "" {
		fallback = util.TruncateRunes(firstLine(j.result.Body), maxFallbackTitle)
	}
	if !j.tmpl.Has(template.FieldTitlePrompt) {
		return fallback
	}

	prompt, err := j.tmpl.Render(template.FieldTitlePrompt, Merge(j.vars, map[string]any{"content": j.result.Body}))
	if err != nil {
		o.degrade(j, StageTitle, err)
		return fallback
	}
	out, err := o.runStage(ctx, j, r, o.textStage(StageTitle, prompt, j), policy)
	if err != nil {
		o.degrade(j, StageTitle, err)
		return fallback
	}
	if title := cleanTitle(out); title != "" {
		return title
	}
	return fallback
}

func (o *Orchestrator) runImage(ctx context.Context, j *job, r *Retrier, policy Policy) string {
	if !j.tmpl.Has(template.FieldImagePrompt) {
		return ""
	}
	prompt, err := j.tmpl.Render(template.FieldImagePrompt, Merge(j.vars, map[string]any{"title": j.result.Title}))
	if err != nil {
		o.degrade(j, StageImage, err)
		return ""
	}
	ref, err := o.runStage(ctx, j, r, Stage{Name: StageImage, Call: func(ctx context.Context) (string, error) {
		return o.gen.GenerateImage(ctx, prompt)
	}}, policy)
	if err != nil {
		o.degrade(j, StageImage, err)
		return ""
	}
	return strings.TrimSpace(ref)
}

func (o *Orchestrator) runTags(ctx context.Context, j *job, r *Retrier, policy Policy) []string {
	fallback := append([]string(nil), j.tmpl.Tags...)
	if !j.tmpl.Has(template.FieldTagPrompt) {
		return fallback
	}
	prompt, err := j.tmpl.Render(template.FieldTagPrompt,
		Merge(j.vars, map[string]any{"title": j.result.Title, "content": j.result.Body}))
	if err != nil {
		o.degrade(j, StageTags, err)
		return fallback
	}
	out, err := o.runStage(ctx, j, r, o.textStage(StageTags, prompt, j), policy)
	if err != nil {
		o.degrade(j, StageTags, err)
		return fallback
	}
	if tags := ParseTags(out); len(tags) > 0 {
		return tags
	}
	return fallback
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// cleanTitle keeps the first line of a model reply without markdown or quotes
func cleanTitle(s string) string {
	title := strings.TrimLeft(firstLine(s), "# ")
	return strings.TrimSpace(strings.Trim(title, `"'«»*`))
}

// ParseTags splits a comma or newline separated reply into at most ten
// unique tags, keeping first-seen order
func ParseTags(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == ';' })
	seen := make(map[string]bool)
	var tags []string
	for _, f := range fields {
		tag := strings.TrimSpace(strings.Trim(strings.TrimSpace(f), "#-*\"'."))
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}
