package generate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lukinterlab/idealimage-ru-sub001/content"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	igtest "github.com/lukinterlab/idealimage-ru-sub001/internal/testing"
	"github.com/lukinterlab/idealimage-ru-sub001/kv"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/cooldown"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/heartbeat"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/lease"
	"github.com/lukinterlab/idealimage-ru-sub001/template"
)

type staticTemplates map[string]*template.Template

func (s staticTemplates) Get(_ context.Context, name string) (*template.Template, error) {
	if t, found := s[name]; found {
		return t, nil
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "template %q", name)
}

// fakeGen answers by prompt prefix unless text is set
type fakeGen struct {
	mu      sync.Mutex
	prompts []string
	images  int
	text    func(prompt string) (string, error)
}

func (g *fakeGen) GenerateText(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.text != nil {
		return g.text(prompt)
	}
	return cannedReply(prompt), nil
}

func (g *fakeGen) GenerateImage(context.Context, string) (string, error) {
	g.mu.Lock()
	g.images++
	g.mu.Unlock()
	return "https://img.example/1.png", nil
}

func (g *fakeGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func cannedReply(prompt string) string {
	switch {
	case strings.HasPrefix(prompt, "Заголовок"):
		return `"Овен: удачный день"`
	case strings.HasPrefix(prompt, "Теги"):
		return "овен, удача, #гороскоп, Овен"
	default:
		return "Звёзды благоволят Овнам."
	}
}

type recordingSink struct {
	mu       sync.Mutex
	targets  []string
	messages []string
}

func (s *recordingSink) Notify(_ context.Context, target, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	s.messages = append(s.messages, message)
	return nil
}

func horoscopeTemplate() *template.Template {
	return &template.Template{
		Name:            "horoscope",
		Category:        "horoscope",
		Prompt:          "Гороскоп {{.zodiac}} на {{.date}}",
		TitlePrompt:     "Заголовок: {{.content}}",
		DefaultTitle:    "Гороскоп дня",
		ImagePrompt:     "Картинка {{.title}}",
		TagPrompt:       "Теги {{.title}}",
		Tags:            []string{"astro"},
		Variables:       []string{"zodiac"},
		Author:          "bot",
		ContentCategory: "horoscopes",
		NotifyTarget:    "ops",
	}
}

const horoscopeResource = "horoscope_generation"

type fixture struct {
	kv       *kv.MemoryStore
	content  *content.SQLiteStore
	gen      *fakeGen
	notifier *recordingSink
	tmpl     *template.Template
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		kv:       kv.NewMemoryStore(),
		content:  content.NewSQLiteStore(igtest.CreateTestDB(t), nil),
		gen:      &fakeGen{},
		notifier: &recordingSink{},
		tmpl:     horoscopeTemplate(),
	}
}

// testConfig polls fast and never really sleeps in the retrier
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Queue.PollInterval = 5 * time.Millisecond
	cfg.Queue.StaleCheckInterval = time.Hour
	cfg.MaxWait = time.Second
	cfg.BaseDelay = time.Second
	cfg.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return cfg
}

func (f *fixture) orchestrator(t *testing.T, mode Mode, mutate ...func(*Config)) *Orchestrator {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	o, err := NewOrchestrator(mode, Deps{
		Templates: staticTemplates{f.tmpl.Name: f.tmpl},
		Generator: f.gen,
		KV:        f.kv,
		Content:   f.content,
		Notifier:  f.notifier,
		Logger:    zaptest.NewLogger(t).Sugar(),
	}, cfg)
	require.NoError(t, err)
	return o
}

func request(jobID string) Request {
	return Request{JobID: jobID, TemplateName: "horoscope", Variables: map[string]any{"zodiac": "овен"}}
}

// assertReleased checks the lease, its heartbeat and the job heartbeat are gone
func assertReleased(t *testing.T, store kv.Store, jobID string) {
	t.Helper()
	ctx := context.Background()
	for _, key := range []string{
		lease.LeaseKey(horoscopeResource),
		lease.LeaseHeartbeatKey(horoscopeResource),
		heartbeat.JobKey(jobID),
	} {
		_, found, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found, "key %s left behind", key)
	}
}

// holdLease makes "other" the lease holder of the horoscope resource
func holdLease(t *testing.T, store kv.Store) *lease.Queue {
	t.Helper()
	ctx := context.Background()
	q := lease.New(store, horoscopeResource, testConfig().Queue, nil)
	_, err := q.Enqueue(ctx, "other")
	require.NoError(t, err)
	acquired, err := q.WaitForTurn(ctx, "other", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	t.Cleanup(func() { _ = q.Release(context.Background(), "other") })
	return q
}

func TestGenerate_AutoSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(t, ModeAuto)

	res := o.Generate(ctx, request("job-1"))
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.True(t, res.Success)
	assert.Nil(t, res.Err)

	assert.Equal(t, "Звёзды благоволят Овнам.", res.Body)
	assert.Equal(t, "Овен: удачный день", res.Title)
	assert.Equal(t, "https://img.example/1.png", res.ImageRef)
	assert.Equal(t, []string{"овен", "удача", "гороскоп"}, res.Tags)
	assert.True(t, strings.HasPrefix(f.gen.prompts[0], "Гороскоп овен на "))

	assert.Equal(t, 4, res.Metrics.APICalls)
	assert.Zero(t, res.Metrics.RetryCount)
	assert.Equal(t, 1, res.Metrics.QueuePosition)
	assert.GreaterOrEqual(t, res.Metrics.HeartbeatUpdates, 2)

	rec, err := f.content.GetRecord(ctx, res.RecordRef)
	require.NoError(t, err)
	assert.Equal(t, content.StatusPublished, rec.Status)
	assert.Equal(t, "bot", rec.Author)
	assert.Equal(t, "horoscopes", rec.Category)

	require.Len(t, f.notifier.messages, 1)
	assert.Equal(t, "ops", f.notifier.targets[0])
	assert.Contains(t, f.notifier.messages[0], "Овен: удачный день")

	gens, err := f.content.ListGenerations(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Equal(t, string(StatusSuccess), gens[0].Status)
	assert.Equal(t, res.RecordRef, gens[0].ContentRef)

	assertReleased(t, f.kv, "job-1")
	pos, err := o.Queue(horoscopeResource).Position(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestGenerate_RetryAccounting(t *testing.T) {
	f := newFixture(t)
	contentCalls := 0
	f.gen.text = func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Гороскоп") {
			contentCalls++
			if contentCalls <= 2 {
				return "", errors.New("upstream 502")
			}
		}
		return cannedReply(prompt), nil
	}

	res := f.orchestrator(t, ModeAuto).Generate(context.Background(), request("job-retry"))
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 2, res.Metrics.RetryCount)
	assert.Equal(t, 3, contentCalls)
	assertReleased(t, f.kv, "job-retry")
}

func TestGenerate_ContentStageFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.text = func(string) (string, error) { return "", errors.New("upstream 500") }

	res := f.orchestrator(t, ModeAuto).Generate(ctx, request("job-fail"))
	assert.Equal(t, StatusFailed, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, StageContent, res.Stage)
	_, isStage := errors.AsStageFailure(res.Err)
	assert.True(t, isStage)
	assert.Equal(t, 3, f.gen.calls())
	assert.Empty(t, f.notifier.messages)

	n, err := f.content.CountToday(ctx, "horoscope", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	gens, err := f.content.ListGenerations(ctx, "job-fail")
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Equal(t, string(StatusFailed), gens[0].Status)

	assertReleased(t, f.kv, "job-fail")
}

func TestGenerate_RateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.text = func(string) (string, error) { return "", errors.NewRateLimited(2*time.Minute, "429") }

	res := f.orchestrator(t, ModeAuto).Generate(ctx, request("job-rl"))
	assert.Equal(t, StatusRateLimited, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, 2*time.Minute, res.RetryAfter)
	_, isRL := errors.AsRateLimited(res.Err)
	assert.True(t, isRL)

	gate := cooldown.NewGate(f.kv, nil)
	assert.Greater(t, gate.Remaining(ctx, horoscopeResource), time.Duration(0))

	assertReleased(t, f.kv, "job-rl")
}

func TestGenerate_QueueTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	holdLease(t, f.kv)

	o := f.orchestrator(t, ModeAuto, func(c *Config) { c.MaxWait = 30 * time.Millisecond })
	res := o.Generate(ctx, request("job-late"))

	assert.Equal(t, StatusQueueTimeout, res.Status)
	assert.True(t, errors.Is(res.Err, errors.ErrQueueTimeout))
	assert.Equal(t, 2, res.Metrics.QueuePosition)
	assert.Zero(t, f.gen.calls())

	// The other job still holds; this job left nothing behind
	holder, _, err := f.kv.Get(ctx, lease.LeaseKey(horoscopeResource))
	require.NoError(t, err)
	assert.Equal(t, "other", holder)
	_, found, err := f.kv.Get(ctx, heartbeat.JobKey("job-late"))
	require.NoError(t, err)
	assert.False(t, found)
	pos, err := o.Queue(horoscopeResource).Position(ctx, "job-late")
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestGenerate_InteractiveBypassesQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	held := holdLease(t, f.kv)

	res := f.orchestrator(t, ModeInteractive).Generate(ctx, request("job-preview"))
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	require.NotNil(t, res.Preview)
	assert.Equal(t, "Овен: удачный день", res.Preview.Title)
	assert.Equal(t, "овен", res.Preview.Context["zodiac"])
	assert.Empty(t, res.RecordRef)
	assert.Empty(t, f.notifier.messages)

	st, err := held.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, st.Queue)
	assert.Equal(t, "other", st.Holder)

	n, err := f.content.CountToday(ctx, "horoscope", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	gens, err := f.content.ListGenerations(ctx, "job-preview")
	require.NoError(t, err)
	assert.Empty(t, gens)
}

func TestGenerate_InteractiveCooldownFailsFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, cooldown.NewGate(f.kv, nil).Set(ctx, horoscopeResource, time.Minute, "overloaded"))

	res := f.orchestrator(t, ModeInteractive).Generate(ctx, request("job-cool"))
	assert.Equal(t, StatusRateLimited, res.Status)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)
	assert.Zero(t, f.gen.calls())
}

func TestGenerate_OptionalStagesDegrade(t *testing.T) {
	f := newFixture(t)
	f.gen.text = func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Гороскоп") {
			return "Первая строка\nвторая", nil
		}
		return "", errors.New("title and tags unavailable")
	}

	res := f.orchestrator(t, ModeBatch).Generate(context.Background(), request("job-degrade"))
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "Гороскоп дня", res.Title)
	assert.Equal(t, []string{"astro"}, res.Tags)
	assert.Len(t, res.Metrics.Errors, 2)
	// Batch budget is 2, optional stages get min(2, 2)
	assert.Equal(t, 1+2+2, f.gen.calls())

	rec, err := f.content.GetRecord(context.Background(), res.RecordRef)
	require.NoError(t, err)
	assert.Equal(t, content.StatusDraft, rec.Status)
	assert.Empty(t, f.notifier.messages)
	assertReleased(t, f.kv, "job-degrade")
}

func TestGenerate_TitleFallsBackToFirstLine(t *testing.T) {
	f := newFixture(t)
	f.tmpl.TitlePrompt = ""
	f.tmpl.DefaultTitle = ""
	f.gen.text = func(string) (string, error) { return "\n  Первая строка  \nвторая", nil }

	res := f.orchestrator(t, ModeScheduled).Generate(context.Background(), request(""))
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "Первая строка", res.Title)
	assert.NotEmpty(t, res.JobID)
}

func TestGenerate_DailyLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tmpl.DailyLimit = 1
	_, err := f.content.CreateRecord(ctx, content.Record{TemplateName: "horoscope", Title: "earlier"})
	require.NoError(t, err)

	res := f.orchestrator(t, ModeAuto).Generate(ctx, request("job-limit"))
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, errors.Is(res.Err, errors.ErrDailyLimitReached))
	assert.Zero(t, f.gen.calls())
	assertReleased(t, f.kv, "job-limit")
}

func TestGenerate_PanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.gen.text = func(string) (string, error) { panic("provider exploded") }

	var res *Result
	require.NotPanics(t, func() {
		res = f.orchestrator(t, ModeAuto).Generate(context.Background(), request("job-panic"))
	})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StageContent, res.Stage)
	assert.Contains(t, res.Error, "provider exploded")
	assertReleased(t, f.kv, "job-panic")
}

func TestGenerate_UnknownTemplate(t *testing.T) {
	f := newFixture(t)
	res := f.orchestrator(t, ModeAuto).Generate(context.Background(), Request{JobID: "j", TemplateName: "nope"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, errors.IsNotFoundError(res.Err))
	assert.Equal(t, "init", res.Stage)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	f := newFixture(t)
	deps := Deps{Templates: staticTemplates{}, Generator: f.gen, KV: f.kv}

	_, err := NewOrchestrator(ModeAuto, deps, testConfig())
	assert.Error(t, err, "auto mode persists and needs a content store")

	o, err := NewOrchestrator(ModeInteractive, deps, testConfig())
	require.NoError(t, err)
	assert.Equal(t, ModeInteractive, o.Mode())

	_, err = NewOrchestrator(Mode("turbo"), deps, testConfig())
	assert.Error(t, err)

	_, err = NewOrchestrator(ModeAuto, Deps{}, testConfig())
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Batch ")
	require.NoError(t, err)
	assert.Equal(t, ModeBatch, m)

	_, err = ParseMode("turbo")
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, ParseTags("a, b;\n#c, A, ,"))
	assert.Len(t, ParseTags("1,2,3,4,5,6,7,8,9,10,11,12"), maxTags)
	assert.Empty(t, ParseTags(" , ,"))
}

// clockedGen spends two minutes of fake time on every call and records the
// heartbeats a waiting worker would have judged stale when the call returned
type clockedGen struct {
	fakeGen
	clock *igtest.Clock
	store kv.Store
	jobID string
	n     int
	stale []string
}

func (g *clockedGen) observe(ctx context.Context, call string) {
	g.n++
	g.clock.Advance(2 * time.Minute)
	for _, key := range []string{lease.LeaseHeartbeatKey(horoscopeResource), heartbeat.JobKey(g.jobID)} {
		stale, err := heartbeat.IsStale(ctx, g.store, key, heartbeat.DefaultConfig().Staleness, g.clock.Now())
		if err != nil || stale {
			g.stale = append(g.stale, call+": "+key)
		}
	}
}

func (g *clockedGen) GenerateText(ctx context.Context, prompt string) (string, error) {
	g.observe(ctx, prompt)
	return g.fakeGen.GenerateText(ctx, prompt)
}

func (g *clockedGen) GenerateImage(ctx context.Context, prompt string) (string, error) {
	g.observe(ctx, prompt)
	return g.fakeGen.GenerateImage(ctx, prompt)
}

func TestGenerate_SlowStagesKeepHeartbeatsFresh(t *testing.T) {
	ctx := context.Background()
	clock := igtest.NewClock(time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStoreWithClock(clock.Now)
	gen := &clockedGen{clock: clock, store: store, jobID: "job-slow"}
	f := newFixture(t)

	o, err := NewOrchestratorWithClock(ModeAuto, Deps{
		Templates: staticTemplates{f.tmpl.Name: f.tmpl},
		Generator: gen,
		KV:        store,
		Content:   f.content,
		Logger:    zaptest.NewLogger(t).Sugar(),
	}, testConfig(), clock.Now)
	require.NoError(t, err)

	res := o.Generate(ctx, request("job-slow"))
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 4, gen.n)
	assert.Empty(t, gen.stale, "content, title, image and tags each take 2m of a 3m window")

	// Lease and job heartbeat: one write on start plus one after each stage
	assert.Equal(t, 10, res.Metrics.HeartbeatUpdates)
	assertReleased(t, store, "job-slow")
}
