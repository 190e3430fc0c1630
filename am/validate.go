package am

import "github.com/lukinterlab/idealimage-ru-sub001/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.KV.Backend {
	case "", "sqlite", "memory":
	default:
		return errors.Newf("kv.backend must be sqlite or memory, got %q", c.KV.Backend)
	}

	// Queue timings: 0 is invalid for intervals the lease loop divides time by
	if c.Queue.PollIntervalSeconds <= 0 {
		return errors.Newf("queue.poll_interval_seconds must be > 0, got %d", c.Queue.PollIntervalSeconds)
	}
	if c.Queue.StaleCheckIntervalSeconds <= 0 {
		return errors.Newf("queue.stale_check_interval_seconds must be > 0, got %d", c.Queue.StaleCheckIntervalSeconds)
	}
	if c.Queue.LeaseTTLSeconds <= 0 {
		return errors.Newf("queue.lease_ttl_seconds must be > 0, got %d", c.Queue.LeaseTTLSeconds)
	}
	if c.Queue.QueueTTLSeconds <= 0 {
		return errors.Newf("queue.queue_ttl_seconds must be > 0, got %d", c.Queue.QueueTTLSeconds)
	}
	if c.Queue.MaxWaitSeconds < 0 {
		return errors.Newf("queue.max_wait_seconds must be >= 0, got %d", c.Queue.MaxWaitSeconds)
	}
	switch c.Queue.Rollover {
	case "", RolloverReenqueue, RolloverCarry, RolloverDrop:
	default:
		return errors.Newf("queue.rollover must be reenqueue, carry or drop, got %q", c.Queue.Rollover)
	}

	if c.Heartbeat.UpdateIntervalSeconds < 0 {
		return errors.Newf("heartbeat.update_interval_seconds must be >= 0, got %d", c.Heartbeat.UpdateIntervalSeconds)
	}
	if c.Heartbeat.StalenessSeconds <= 0 {
		return errors.Newf("heartbeat.staleness_seconds must be > 0, got %d", c.Heartbeat.StalenessSeconds)
	}
	// A heartbeat that expires from storage before it goes stale makes every holder look dead
	if c.Heartbeat.TTLSeconds < c.Heartbeat.StalenessSeconds {
		return errors.Newf("heartbeat.ttl_seconds (%d) must be >= heartbeat.staleness_seconds (%d)",
			c.Heartbeat.TTLSeconds, c.Heartbeat.StalenessSeconds)
	}

	if c.Cooldown.DefaultRetryAfterSeconds < 1 {
		return errors.Newf("cooldown.default_retry_after_seconds must be >= 1, got %d", c.Cooldown.DefaultRetryAfterSeconds)
	}
	if c.Cooldown.ScheduleRetryAfterSeconds < 1 {
		return errors.Newf("cooldown.schedule_retry_after_seconds must be >= 1, got %d", c.Cooldown.ScheduleRetryAfterSeconds)
	}

	if c.Retry.BaseDelaySeconds < 0 {
		return errors.Newf("retry.base_delay_seconds must be >= 0, got %d", c.Retry.BaseDelaySeconds)
	}
	if c.Retry.OptionalStageAttempts < 1 {
		return errors.Newf("retry.optional_stage_attempts must be >= 1, got %d", c.Retry.OptionalStageAttempts)
	}

	// Ticker interval: 0 = no periodic ticking, negative = invalid
	if c.Schedule.TickerIntervalSeconds < 0 {
		return errors.Newf("schedule.ticker_interval_seconds must be >= 0, got %d", c.Schedule.TickerIntervalSeconds)
	}

	if c.OpenRouter.MaxRequestsPerMinute < 0 {
		return errors.Newf("openrouter.max_requests_per_minute must be >= 0, got %d", c.OpenRouter.MaxRequestsPerMinute)
	}
	if c.OpenRouter.MaxRequestsPerDay < 0 {
		return errors.Newf("openrouter.max_requests_per_day must be >= 0, got %d", c.OpenRouter.MaxRequestsPerDay)
	}

	if c.Notify.RatePerSecond < 0 {
		return errors.Newf("notify.rate_per_second must be >= 0, got %d", c.Notify.RatePerSecond)
	}
	if c.Notify.Telegram.Enabled && c.Notify.Telegram.Token == "" {
		return errors.WithHint(
			errors.New("notify.telegram.token cannot be empty when enabled"),
			"set IDEALGEN_TELEGRAM_TOKEN or notify.telegram.token",
		)
	}
	if c.Notify.AMQP.Enabled && c.Notify.AMQP.URL == "" {
		return errors.New("notify.amqp.url cannot be empty when enabled")
	}

	return nil
}
