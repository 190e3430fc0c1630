package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

const horoscopeYAML = `
name: horoscope
category: horoscope
prompt: "Гороскоп для {{.zodiac_sign}} на {{.date}}. {{.extra}}"
title_prompt: "Заголовок для {{.zodiac_sign}}"
default_title: "Гороскоп на завтра"
tags: [astro, daily]
variables: [zodiac_sign, extra]
rotation:
  key: zodiac_sign
  values: [Овен, Телец]
author: editor
target_date_offset: 1
daily_limit: 12
`

func writeTemplate(t *testing.T, dir, file, body string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	tmpl, err := ParseFile(writeTemplate(t, dir, "horoscope.yaml", horoscopeYAML))
	require.NoError(t, err)

	assert.Equal(t, "horoscope", tmpl.Name)
	assert.Equal(t, "horoscope_generation", tmpl.Resource())
	assert.Equal(t, []string{"astro", "daily"}, tmpl.Tags)
	assert.Equal(t, 12, tmpl.DailyLimit)
	require.NotNil(t, tmpl.Rotation)
	assert.Equal(t, "zodiac_sign", tmpl.Rotation.Key)
	assert.True(t, tmpl.Has(FieldTitlePrompt))
	assert.False(t, tmpl.Has(FieldImagePrompt))
}

func TestParseFile_NameFromFile(t *testing.T) {
	tmpl, err := ParseFile(writeTemplate(t, t.TempDir(), "recipes.yml", "prompt: cook\n"))
	require.NoError(t, err)
	assert.Equal(t, "recipes", tmpl.Name)
	assert.Equal(t, "content_generation", tmpl.Resource())
}

func TestParseFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := ParseFile(writeTemplate(t, dir, "a.yaml", "name: a\n"))
	assert.Error(t, err, "missing prompt")

	_, err = ParseFile(writeTemplate(t, dir, "b.yaml", "prompt: \"{{.x\"\n"))
	assert.Error(t, err, "unparsable prompt")

	_, err = ParseFile(writeTemplate(t, dir, "c.yaml", "prompt: [unclosed\n"))
	assert.Error(t, err, "bad yaml")

	_, err = ParseFile(writeTemplate(t, dir, "d.yaml", "prompt: p\nrotation:\n  key: k\n"))
	assert.Error(t, err, "rotation without values")
}

func TestRender(t *testing.T) {
	tmpl, err := ParseFile(writeTemplate(t, t.TempDir(), "horoscope.yaml", horoscopeYAML))
	require.NoError(t, err)

	out, err := tmpl.Render(FieldPrompt, map[string]any{"zodiac_sign": "Овен", "date": "11 марта 2026"})
	require.NoError(t, err)
	assert.Equal(t, "Гороскоп для Овен на 11 марта 2026.", out, "missing keys render empty")

	out, err = tmpl.Render(FieldImagePrompt, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "b.yaml", "name: beta\nprompt: b\n")
	writeTemplate(t, dir, "a.yml", "name: alpha\nprompt: a\n")
	writeTemplate(t, dir, "notes.txt", "ignored")

	templates, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "alpha", templates[0].Name)
	assert.Equal(t, "beta", templates[1].Name)

	writeTemplate(t, dir, "c.yaml", "name: alpha\nprompt: again\n")
	_, err = LoadDir(dir)
	assert.Error(t, err, "duplicate names")
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTemplate(t, dir, "news.yaml", "prompt: v1\n")

	cache := NewCache(dir, nil)
	assert.Zero(t, cache.Stats().Loads)

	tmpl, err := cache.Get(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, "v1", tmpl.Prompt)

	_, err = cache.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	// Changes are not seen until invalidated
	writeTemplate(t, dir, "news.yaml", "prompt: v2\n")
	tmpl, err = cache.Get(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, "v1", tmpl.Prompt)

	cache.Invalidate()
	tmpl, err = cache.Get(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, "v2", tmpl.Prompt)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Templates)
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.Loads)
	assert.False(t, stats.LoadedAt.IsZero())

	require.NoError(t, cache.Load(ctx, true))
	assert.Equal(t, int64(3), cache.Stats().Loads)

	names, err := cache.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, names)
}

func TestCache_FailedReloadKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTemplate(t, dir, "news.yaml", "prompt: v1\n")
	cache := NewCache(dir, nil)
	require.NoError(t, cache.Load(ctx, false))

	writeTemplate(t, dir, "broken.yaml", "name: x\n")
	assert.Error(t, cache.Load(ctx, true))
	assert.Equal(t, 1, cache.Stats().Templates)
}

func TestWatcher_InvalidatesOnChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeTemplate(t, dir, "news.yaml", "prompt: v1\n")

	cache := NewCache(dir, nil)
	require.NoError(t, cache.Load(ctx, false))

	w, err := NewWatcher(cache, 10*time.Millisecond, nil)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	writeTemplate(t, dir, "news.yaml", "prompt: v2\n")

	assert.Eventually(t, func() bool {
		tmpl, err := cache.Get(ctx, "news")
		return err == nil && tmpl.Prompt == "v2"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	w, err := NewWatcher(NewCache(t.TempDir(), nil), 0, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
