package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/ai/openrouter"
	"github.com/lukinterlab/idealimage-ru-sub001/am"
	"github.com/lukinterlab/idealimage-ru-sub001/content"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/generate"
	"github.com/lukinterlab/idealimage-ru-sub001/internal/util"
	"github.com/lukinterlab/idealimage-ru-sub001/kv"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
	"github.com/lukinterlab/idealimage-ru-sub001/notify"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/budget"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/schedule"
	"github.com/lukinterlab/idealimage-ru-sub001/template"
)

// app is the wired runtime shared by the commands that touch storage
type app struct {
	cfg       *am.Config
	db        *sql.DB
	kv        kv.Store
	content   *content.SQLiteStore
	schedules *schedule.Store
	templates *template.Cache
	notifier  *notify.Dispatcher
	gen       *openrouter.Client
	log       *zap.SugaredLogger
}

// openApp loads configuration and opens every backing store
func openApp() (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	notifier, err := notify.FromConfig(cfg.Notify, logger.ComponentLogger("notify"))
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		db:        database,
		kv:        newKVStore(cfg.KV.Backend, database),
		content:   content.NewSQLiteStore(database, logger.Logger),
		schedules: schedule.NewStore(database),
		templates: template.NewCache(cfg.Templates.Dir, logger.Logger),
		notifier:  notifier,
		gen:       newGenerator(cfg.OpenRouter),
		log:       logger.Logger,
	}
	return a, nil
}

// newKVStore picks the coordination backend. The memory backend only
// coordinates jobs inside one process.
func newKVStore(backend string, database *sql.DB) kv.Store {
	if backend == "memory" {
		return kv.NewMemoryStore()
	}
	return kv.NewSQLiteStore(database, logger.ComponentLogger("kv"))
}

func newGenerator(c am.OpenRouterConfig) *openrouter.Client {
	var limits budget.Chain
	if c.MaxRequestsPerMinute > 0 {
		limits = append(limits, budget.NewLimiter(c.MaxRequestsPerMinute))
	}
	if c.MaxRequestsPerDay > 0 {
		limits = append(limits, budget.NewDailyLimiter(c.MaxRequestsPerDay))
	}
	return openrouter.NewClient(openrouter.Config{
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		ImageModel:  c.ImageModel,
		Temperature: util.Ptr(c.Temperature),
		MaxTokens:   util.Ptr(c.MaxTokens),
		Timeout:     c.Timeout(),
		Title:       "idealgen",
		Limits:      limits,
		Logger:      logger.ComponentLogger("openrouter"),

		AllowPrivateHosts: c.AllowPrivateHosts,
	})
}

// orchestrator builds an orchestrator of mode over the app's stores
func (a *app) orchestrator(mode generate.Mode) (*generate.Orchestrator, error) {
	return generate.NewOrchestrator(mode, generate.Deps{
		Templates: a.templates,
		Generator: a.gen,
		KV:        a.kv,
		Content:   a.content,
		Notifier:  a.notifier,
		Logger:    a.log,
	}, generate.ConfigFromAM(a.cfg))
}

// runner builds a schedule runner whose items run in scheduled mode
func (a *app) runner() (*schedule.Runner, error) {
	orch, err := a.orchestrator(generate.ModeScheduled)
	if err != nil {
		return nil, err
	}
	return schedule.NewRunner(a.schedules, generate.NewScheduleItems(orch), a.notifier, schedule.RunnerConfig{
		DefaultRetryAfter: a.cfg.Cooldown.ScheduleRetryAfter(),
		NotifyTarget:      a.cfg.Notify.DefaultTarget,
	}, a.log), nil
}

func (a *app) Close() {
	if err := a.notifier.Close(); err != nil {
		a.log.Warnw("Failed to close notifier", logger.FieldError, err)
	}
	if err := a.db.Close(); err != nil {
		a.log.Warnw("Failed to close database", logger.FieldError, err)
	}
}
