package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukinterlab/idealimage-ru-sub001/internal/util"
)

var baseTime = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func TestNextRun(t *testing.T) {
	last := baseTime.Add(-10 * time.Minute)

	tests := []struct {
		name string
		rec  Record
		want *time.Time
	}{
		{"interval from now", Record{Trigger: TriggerInterval, IntervalSeconds: 3600}, util.Ptr(baseTime.Add(time.Hour))},
		{"interval from last run", Record{Trigger: TriggerInterval, IntervalSeconds: 3600, LastRun: &last}, util.Ptr(last.Add(time.Hour))},
		{"cron later today", Record{Trigger: TriggerCron, CronExpr: "0 9 * * *"}, util.Ptr(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))},
		{"cron descriptor", Record{Trigger: TriggerCron, CronExpr: "@daily"}, util.Ptr(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))},
		{"fixed daily", Record{Trigger: TriggerFixed, Frequency: FrequencyDaily}, util.Ptr(baseTime.AddDate(0, 0, 1))},
		{"fixed weekly", Record{Trigger: TriggerFixed, Frequency: FrequencyWeekly}, util.Ptr(baseTime.AddDate(0, 0, 7))},
		{"fixed biweekly", Record{Trigger: TriggerFixed, Frequency: FrequencyBiweekly}, util.Ptr(baseTime.AddDate(0, 0, 14))},
		{"fixed monthly", Record{Trigger: TriggerFixed, Frequency: FrequencyMonthly}, util.Ptr(baseTime.AddDate(0, 0, 30))},
		{"manual", Record{Trigger: TriggerManual}, nil},
	}

	clock := NewClock()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := clock.NextRun(&tt.rec, baseTime)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestNextRun_Errors(t *testing.T) {
	clock := NewClock()

	_, err := clock.NextRun(&Record{Trigger: TriggerCron, CronExpr: "not a cron"}, baseTime)
	assert.Error(t, err)

	_, err = clock.NextRun(&Record{Trigger: TriggerFixed, Frequency: "hourly"}, baseTime)
	assert.Error(t, err)

	_, err = clock.NextRun(&Record{Trigger: "sometimes"}, baseTime)
	assert.Error(t, err)
}

func TestAfterSuccess(t *testing.T) {
	clock := NewClock()
	rec := &Record{Trigger: TriggerInterval, IntervalSeconds: 600, IsActive: true}

	require.NoError(t, clock.AfterSuccess(rec, baseTime))
	assert.Equal(t, 1, rec.RunCount)
	assert.True(t, rec.IsActive)
	require.NotNil(t, rec.LastRun)
	assert.Equal(t, baseTime, *rec.LastRun)
	require.NotNil(t, rec.NextRun)
	assert.Equal(t, baseTime.Add(10*time.Minute), *rec.NextRun)
}

func TestAfterSuccess_DeactivatesAtMaxRuns(t *testing.T) {
	clock := NewClock()
	rec := &Record{Trigger: TriggerFixed, Frequency: FrequencyDaily, IsActive: true, RunCount: 1, MaxRuns: util.Ptr(2)}

	require.NoError(t, clock.AfterSuccess(rec, baseTime))
	assert.Equal(t, 2, rec.RunCount)
	assert.False(t, rec.IsActive)
	assert.Nil(t, rec.NextRun)
	require.NotNil(t, rec.LastRun)
}

func TestAfterRateLimited(t *testing.T) {
	clock := NewClock()

	t.Run("retry time used when normal run is later", func(t *testing.T) {
		rec := &Record{Trigger: TriggerInterval, IntervalSeconds: 3600, IsActive: true, RunCount: 4}
		require.NoError(t, clock.AfterRateLimited(rec, baseTime, 120*time.Second))

		require.NotNil(t, rec.NextRun)
		assert.Equal(t, baseTime.Add(120*time.Second), *rec.NextRun)
		assert.Equal(t, 4, rec.RunCount)
		assert.True(t, rec.IsActive)
		assert.Nil(t, rec.LastRun)
	})

	t.Run("sooner normal run is kept", func(t *testing.T) {
		rec := &Record{Trigger: TriggerInterval, IntervalSeconds: 60, IsActive: true}
		require.NoError(t, clock.AfterRateLimited(rec, baseTime, 300*time.Second))

		require.NotNil(t, rec.NextRun)
		assert.Equal(t, baseTime.Add(time.Minute), *rec.NextRun)
	})

	t.Run("overdue normal run does not win", func(t *testing.T) {
		last := baseTime.Add(-2 * time.Hour)
		rec := &Record{Trigger: TriggerInterval, IntervalSeconds: 60, IsActive: true, LastRun: &last}
		require.NoError(t, clock.AfterRateLimited(rec, baseTime, 300*time.Second))

		assert.Equal(t, baseTime.Add(300*time.Second), *rec.NextRun)
	})

	t.Run("manual schedule gets retry time", func(t *testing.T) {
		rec := &Record{Trigger: TriggerManual, IsActive: true}
		require.NoError(t, clock.AfterRateLimited(rec, baseTime, 90*time.Second))

		assert.Equal(t, baseTime.Add(90*time.Second), *rec.NextRun)
	})
}

func TestRecordValidate(t *testing.T) {
	valid := func() Record {
		return Record{ID: "s1", TemplateName: "horoscope", Trigger: TriggerInterval, IntervalSeconds: 60, ItemsPerRun: 1}
	}

	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr bool
	}{
		{"valid interval", func(*Record) {}, false},
		{"missing id", func(r *Record) { r.ID = "" }, true},
		{"missing template", func(r *Record) { r.TemplateName = "" }, true},
		{"zero items", func(r *Record) { r.ItemsPerRun = 0 }, true},
		{"zero max runs", func(r *Record) { r.MaxRuns = util.Ptr(0) }, true},
		{"zero interval", func(r *Record) { r.IntervalSeconds = 0 }, true},
		{"valid cron", func(r *Record) { r.Trigger = TriggerCron; r.CronExpr = "*/15 * * * *" }, false},
		{"bad cron", func(r *Record) { r.Trigger = TriggerCron; r.CronExpr = "61 * * * *" }, true},
		{"valid fixed", func(r *Record) { r.Trigger = TriggerFixed; r.Frequency = FrequencyMonthly }, false},
		{"bad fixed", func(r *Record) { r.Trigger = TriggerFixed; r.Frequency = "yearly" }, true},
		{"manual", func(r *Record) { r.Trigger = TriggerManual }, false},
		{"unknown trigger", func(r *Record) { r.Trigger = "random" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid()
			tt.mutate(&rec)
			err := rec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
