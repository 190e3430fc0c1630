package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/am"
	"github.com/lukinterlab/idealimage-ru-sub001/db"
	"github.com/lukinterlab/idealimage-ru-sub001/kv"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/schedule"
	"github.com/lukinterlab/idealimage-ru-sub001/sym"
	"github.com/lukinterlab/idealimage-ru-sub001/template"
)

const (
	// purgeInterval is how often expired kv rows and old executions are deleted
	purgeInterval          = time.Hour
	executionRetentionDays = 30
)

// RunCmd runs the schedule daemon
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Pulse + " Run the schedule daemon",
	Long: sym.Pulse + ` Run the schedule daemon in the foreground.

The daemon:
- Checks for due schedules every schedule.ticker_interval_seconds
- Runs their items in scheduled mode and reschedules after rate limits
- Reloads templates when files under templates.dir change
- Runs until interrupted (Ctrl+C), finishing the current schedule first`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		runner, err := a.runner()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if a.cfg.Templates.Watch {
			if w, err := template.NewWatcher(a.templates, 0, a.log); err != nil {
				a.log.Warnw("Template watcher disabled", logger.FieldError, err)
			} else {
				w.Start()
				defer w.Stop()
			}
		}

		if cw := watchConfig(a.log); cw != nil {
			defer cw.Stop()
		}

		go purgeLoop(ctx, a)

		tickerCfg := schedule.DefaultTickerConfig()
		if d := a.cfg.Schedule.TickerInterval(); d > 0 {
			tickerCfg.Interval = d
		}
		ticker := schedule.NewTicker(ctx, a.schedules, runner, tickerCfg, a.log)
		ticker.Start()

		logger.PulseOpenInfow("Daemon started",
			"database", a.cfg.GetDatabasePath(),
			"templates", a.cfg.Templates.Dir,
			"interval", tickerCfg.Interval,
			"notify_sinks", a.notifier.Sinks())
		fmt.Printf("%s idealgen daemon started (interval %v)\n", sym.PulseOpen, tickerCfg.Interval)
		fmt.Printf("%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		fmt.Printf("\n%s Shutting down...\n", sym.PulseClose)
		ticker.Stop()
		cancel()
		logger.PulseCloseInfow("Daemon stopped", "stats", ticker.GetStats())
		return nil
	},
}

// watchConfig reloads the logger level when a config file changes. Queue and
// schedule timings apply on the next restart.
func watchConfig(log *zap.SugaredLogger) *am.ConfigWatcher {
	cw, err := am.NewConfigWatcher(log, am.ConfigPaths()...)
	if err != nil {
		log.Debugw("Config watcher disabled", logger.FieldError, err)
		return nil
	}
	cw.OnReload(func(cfg *am.Config) error {
		return logger.InitializeWithLevel(cfg.Log.JSON, logger.ParseLevel(cfg.Log.Level))
	})
	am.SetGlobalWatcher(cw)
	cw.Start()
	return cw
}

func purgeLoop(ctx context.Context, a *app) {
	execs := schedule.NewExecutionStore(a.db)
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		if store, ok := a.kv.(*kv.SQLiteStore); ok {
			n, err := store.PurgeExpired(ctx)
			if db.IsDatabaseClosed(err) {
				return
			}
			if err != nil && ctx.Err() == nil {
				a.log.Warnw("Failed to purge expired keys", logger.FieldError, err)
			} else if n > 0 {
				a.log.Debugw("Purged expired keys", logger.FieldCount, n)
			}
		}
		if n, err := execs.CleanupOldExecutions(ctx, executionRetentionDays, time.Now()); err != nil && ctx.Err() == nil {
			a.log.Warnw("Failed to clean up executions", logger.FieldError, err)
		} else if n > 0 {
			a.log.Debugw("Cleaned up old executions", logger.FieldCount, n)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
