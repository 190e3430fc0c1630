package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "idealgen.db", cfg.Database.Path)
	assert.Equal(t, "sqlite", cfg.KV.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Queue.LeaseTTL())
	assert.Equal(t, 24*time.Hour, cfg.Queue.QueueTTL())
	assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.Queue.StaleCheckInterval())
	assert.Equal(t, RolloverReenqueue, cfg.Queue.Rollover)
	assert.Equal(t, 3*time.Minute, cfg.Heartbeat.Staleness())
	assert.Equal(t, 5*time.Minute, cfg.Heartbeat.TTL())
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.UpdateInterval())
	assert.Equal(t, 60*time.Second, cfg.Cooldown.DefaultRetryAfter())
	assert.Equal(t, 300*time.Second, cfg.Cooldown.ScheduleRetryAfter())
	assert.Equal(t, 2, cfg.Retry.OptionalStageAttempts)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"memory backend", func(c *Config) { c.KV.Backend = "memory" }, false},
		{"unknown backend", func(c *Config) { c.KV.Backend = "redis" }, true},
		{"zero poll interval", func(c *Config) { c.Queue.PollIntervalSeconds = 0 }, true},
		{"carry rollover", func(c *Config) { c.Queue.Rollover = RolloverCarry }, false},
		{"bad rollover", func(c *Config) { c.Queue.Rollover = "keep" }, true},
		{"heartbeat ttl below staleness", func(c *Config) { c.Heartbeat.TTLSeconds = 60 }, true},
		{"zero ticker is disabled", func(c *Config) { c.Schedule.TickerIntervalSeconds = 0 }, false},
		{"negative ticker", func(c *Config) { c.Schedule.TickerIntervalSeconds = -1 }, true},
		{"zero optional attempts", func(c *Config) { c.Retry.OptionalStageAttempts = 0 }, true},
		{"telegram without token", func(c *Config) { c.Notify.Telegram.Enabled = true }, true},
		{"telegram with token", func(c *Config) {
			c.Notify.Telegram.Enabled = true
			c.Notify.Telegram.Token = "123:abc"
		}, false},
		{"amqp without url", func(c *Config) {
			c.Notify.AMQP.Enabled = true
			c.Notify.AMQP.URL = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := `
[queue]
rollover = "drop"
poll_interval_seconds = 2

[openrouter]
model = "anthropic/claude-3-haiku"
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, RolloverDrop, cfg.Queue.Rollover)
	assert.Equal(t, 2*time.Second, cfg.Queue.PollInterval())
	assert.Equal(t, "anthropic/claude-3-haiku", cfg.OpenRouter.Model)
	// Untouched sections keep defaults
	assert.Equal(t, 1800, cfg.Queue.LeaseTTLSeconds)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestCheckFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := `
[queue]
rollover = "carry"
polll_interval_seconds = 2

[notify.telegram]
chat_id = 42
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	unknown, err := CheckFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"queue.polll_interval_seconds"}, unknown)
}

func TestCheckFile_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[queue\nrollover="), DefaultFilePermissions))

	_, err := CheckFile(path)
	assert.Error(t, err)
}

func TestSetOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Cleanup(Reset)

	require.NoError(t, SetOverride("queue.rollover", "carry"))
	require.NoError(t, SetOverride("queue.poll_interval_seconds", 9))

	path := GetOverridesPath()
	assert.Equal(t, filepath.Join(home, ".idealgen", OverridesFileName), path)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, RolloverCarry, cfg.Queue.Rollover)
	assert.Equal(t, 9, cfg.Queue.PollIntervalSeconds)

	// Second write rotated the first version into .back1
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestSetOverride_UnknownKey(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	err := SetOverride("queue.bogus", 1)
	assert.Error(t, err)
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/home/u/.idealgen/overrides.toml.back1"))
	assert.True(t, isBackupFile("idealgen.toml.back3"))
	assert.False(t, isBackupFile("idealgen.toml"))
	assert.False(t, isBackupFile("idealgen.toml.backup"))
}

func TestMaskedSettings(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("openrouter.api_key", "sk-secret")

	settings := MaskedSettings(v)
	openrouter := settings["openrouter"].(map[string]interface{})
	assert.Equal(t, "********", openrouter["api_key"])
	assert.Equal(t, "openai/gpt-4o-mini", openrouter["model"])
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, DefaultDirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(""), DefaultFilePermissions))

	t.Chdir(sub)
	found := findProjectConfig()
	// macOS tmp dirs resolve through /private
	resolvedRoot, _ := filepath.EvalSymlinks(root)
	resolvedFound, _ := filepath.EvalSymlinks(found)
	assert.Equal(t, filepath.Join(resolvedRoot, ConfigFileName), resolvedFound)
}

func TestConfigWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	t.Cleanup(Reset)

	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[queue]\nrollover = \"drop\"\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(nil, filepath.Join(dir, "missing.toml"), path)
	require.NoError(t, err)
	assert.Len(t, cw.Paths(), 1)
	cw.debounce = 100 * time.Millisecond

	got := make(chan string, 4)
	cw.OnReload(func(cfg *Config) error {
		got <- cfg.Queue.Rollover
		return nil
	})
	cw.Start()
	defer cw.Stop()

	// Invalid values never reach callbacks
	require.NoError(t, os.WriteFile(path, []byte("[queue]\nrollover = \"keep\"\n"), DefaultFilePermissions))
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, cw.Reloads())

	require.NoError(t, os.WriteFile(path, []byte("[queue]\nrollover = \"carry\"\n"), DefaultFilePermissions))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-got:
			if r == RolloverCarry {
				return
			}
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}

func TestConfigWatcher_OwnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(""), DefaultFilePermissions))

	cw, err := NewConfigWatcher(nil, path)
	require.NoError(t, err)
	defer cw.Stop()

	cw.MarkOwnWrite()
	cw.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})
	cw.mu.Lock()
	assert.Nil(t, cw.timer)
	assert.False(t, cw.ownWrite)
	cw.mu.Unlock()

	// Unwatched and backup files are ignored
	cw.handle(fsnotify.Event{Name: path + ".back1", Op: fsnotify.Write})
	cw.handle(fsnotify.Event{Name: filepath.Join(dir, "other.toml"), Op: fsnotify.Write})
	cw.mu.Lock()
	assert.Nil(t, cw.timer)
	cw.mu.Unlock()
}

func TestConfigWatcher_NothingToWatch(t *testing.T) {
	_, err := NewConfigWatcher(nil, filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
