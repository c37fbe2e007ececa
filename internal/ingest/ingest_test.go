package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/engine"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/scrub"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// Vector the default gitleaks ruleset detects reliably across versions.
const openAIKey = "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"

func testConfig(t *testing.T, dir string, mutate ...func(*config.Config)) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Ingest.Dir = dir
	cfg.Ingest.Debounce = config.Duration(25 * time.Millisecond)
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

func newTestLoader(t *testing.T, dir string, mutate ...func(*config.Config)) (*Loader, *engine.Engine) {
	t.Helper()
	cfg := testConfig(t, dir, mutate...)
	eng, err := engine.New(cfg, nil, nil)
	require.NoError(t, err)
	l, err := New(cfg, eng, nil, nil)
	require.NoError(t, err)
	return l, eng
}

func writeDoc(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// sentenceBlock builds n sentences of exactly size bytes each, joined by
// single spaces, so token arithmetic in capacity tests is exact.
func sentenceBlock(t *testing.T, n, size int) string {
	t.Helper()
	parts := make([]string, n)
	for i := range parts {
		prefix := fmt.Sprintf("Notes entry %03d records ", i)
		parts[i] = prefix + strings.Repeat("x", size-len(prefix)-1) + "."
		require.Len(t, parts[i], size)
	}
	return strings.Join(parts, " ")
}

func TestNew_Validation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	eng, err := engine.New(cfg, nil, nil)
	require.NoError(t, err)

	_, err = New(nil, eng, nil, nil)
	require.EqualError(t, err, "config is required")

	_, err = New(cfg, nil, nil, nil)
	require.EqualError(t, err, "engine is required")

	noDir := testConfig(t, dir)
	noDir.Ingest.Dir = ""
	_, err = New(noDir, eng, nil, nil)
	require.EqualError(t, err, "ingest directory is required")

	l, err := New(cfg, eng, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestSeed_LoadsDocuments(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "conventions.toml", `
[[unit]]
layer = "core"
tags = ["style", "api"]
content = "Service handlers return typed errors and log with request scope."
`)
	writeDoc(t, dir, "playbooks.toml", `
[[unit]]
layer = "contextual"
content = "Rollback procedure: disable writes, restore snapshot, replay journal."

[[unit]]
id = "escalation"
layer = "deep"
content = "Escalation ladder: on-call, service owner, incident commander."
`)

	l, eng := newTestLoader(t, dir)
	require.NoError(t, l.Seed(context.Background()))

	u, err := eng.Store().Get(store.Core, "conventions")
	require.NoError(t, err)
	assert.Equal(t, []string{"style", "api"}, u.Tags)
	assert.Contains(t, u.Content, "typed errors")

	first, err := eng.Store().Get(store.Contextual, "playbooks/1")
	require.NoError(t, err)
	assert.Contains(t, first.Content, "Rollback procedure")

	esc, err := eng.Store().Get(store.Deep, "escalation")
	require.NoError(t, err)
	assert.Contains(t, esc.Content, "incident commander")
}

func TestSeed_MissingDirLoadsNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "absent")
	l, eng := newTestLoader(t, dir)

	require.NoError(t, l.Seed(context.Background()))

	for _, layer := range store.Layers {
		assert.Zero(t, eng.Store().Occupancy(layer))
	}
}

func TestSeed_SkipsMalformedDocument(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "broken.toml", "[[unit]\nlayer = core\n")
	writeDoc(t, dir, "good.toml", `
[[unit]]
layer = "contextual"
content = "Healthy document that must load despite its broken sibling."
`)

	tl := logging.NewTestLogger()
	cfg := testConfig(t, dir)
	eng, err := engine.New(cfg, nil, nil)
	require.NoError(t, err)
	l, err := New(cfg, eng, nil, tl.Logger)
	require.NoError(t, err)

	require.NoError(t, l.Seed(context.Background()))

	_, err = eng.Store().Get(store.Contextual, "good")
	require.NoError(t, err)
	tl.AssertLogged(t, zapcore.WarnLevel, "document skipped")
}

func TestSeed_SkipsInvalidUnits(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "annex.toml", `
[[unit]]
layer = "archive"
content = "Unknown layer name."

[[unit]]
layer = "deep"
content = ""
`)

	l, eng := newTestLoader(t, dir)
	require.NoError(t, l.Seed(context.Background()))

	for _, layer := range store.Layers {
		assert.Zero(t, eng.Store().Occupancy(layer))
	}
}

func TestSeed_CoreOverBudgetIsFatal(t *testing.T) {
	dir := t.TempDir()
	// The anchor fills the core budget almost exactly; the second unit
	// cannot compress into the sliver that remains.
	writeDoc(t, dir, "core.toml", fmt.Sprintf(`
[[unit]]
id = "anchor"
layer = "core"
content = '''
%s
'''

[[unit]]
id = "overflow"
layer = "core"
content = '''
%s
'''
`, sentenceBlock(t, 780, 40), sentenceBlock(t, 100, 40)))

	l, eng := newTestLoader(t, dir)
	err := l.Seed(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	var oerr *config.CoreOverBudgetError
	require.ErrorAs(t, err, &oerr)
	assert.Greater(t, oerr.Needed, oerr.Budget)

	_, gerr := eng.Store().Get(store.Core, "anchor")
	require.NoError(t, gerr)
	_, gerr = eng.Store().Get(store.Core, "overflow")
	assert.ErrorIs(t, gerr, store.ErrUnitNotFound)
}

func TestSeed_OversizedCoreUnitIsFatal(t *testing.T) {
	dir := t.TempDir()
	// 30250 raw tokens: even at the compression floor this exceeds the
	// core budget, so no strategy can ever admit it.
	writeDoc(t, dir, "giant.toml", fmt.Sprintf(`
[[unit]]
id = "giant"
layer = "core"
content = '''
%s
'''
`, strings.Repeat("x", 121000)))

	l, eng := newTestLoader(t, dir)
	err := l.Seed(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorIs(t, err, store.ErrCapacityExceeded)
	assert.Zero(t, eng.Store().Occupancy(store.Core))
}

func TestSeed_SkipsOversizedContextualUnit(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "giant.toml", fmt.Sprintf(`
[[unit]]
layer = "contextual"
content = '''
%s
'''
`, strings.Repeat("x", 121000)))

	tl := logging.NewTestLogger()
	cfg := testConfig(t, dir)
	eng, err := engine.New(cfg, nil, nil)
	require.NoError(t, err)
	l, err := New(cfg, eng, nil, tl.Logger)
	require.NoError(t, err)

	require.NoError(t, l.Seed(context.Background()))

	assert.Zero(t, eng.Store().Occupancy(store.Contextual))
	tl.AssertLogged(t, zapcore.WarnLevel, "document skipped")
}

func TestSeed_ScrubsSecretsBeforeStorage(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "creds.toml", fmt.Sprintf(`
[[unit]]
layer = "contextual"
content = '''
Deploy notes: export OPENAI_API_KEY=%s before running the pipeline.
'''
`, openAIKey))

	cfg := testConfig(t, dir)
	eng, err := engine.New(cfg, nil, nil)
	require.NoError(t, err)
	scrubber, err := scrub.New(cfg, nil)
	require.NoError(t, err)
	l, err := New(cfg, eng, scrubber, nil)
	require.NoError(t, err)

	require.NoError(t, l.Seed(context.Background()))

	u, err := eng.Store().Get(store.Contextual, "creds")
	require.NoError(t, err)
	assert.NotContains(t, u.Content, openAIKey)
	assert.Contains(t, u.Content, "[REDACTED:")
	assert.Contains(t, u.Content, "Deploy notes:")
}

func TestWatch_LoadsNewDocument(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l, eng := newTestLoader(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()

	// Give the watcher a beat to register before the first write.
	time.Sleep(50 * time.Millisecond)

	writeDoc(t, dir, "note.toml", `
[[unit]]
layer = "contextual"
content = "Fresh unit delivered by the filesystem watcher."
`)

	assert.Eventually(t, func() bool {
		_, err := eng.Store().Get(store.Contextual, "note")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatch_ReloadReplacesAndRemovesStale(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l, eng := newTestLoader(t, dir)

	path := writeDoc(t, dir, "refs.toml", `
[[unit]]
id = "keep"
layer = "contextual"
content = "Original revision of the kept unit."

[[unit]]
id = "stale"
layer = "deep"
content = "This unit disappears in the next revision."
`)
	require.NoError(t, l.Seed(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`
[[unit]]
id = "keep"
layer = "contextual"
content = "Second revision of the kept unit."
`), 0o644))

	assert.Eventually(t, func() bool {
		u, err := eng.Store().Get(store.Contextual, "keep")
		if err != nil || !strings.Contains(u.Content, "Second revision") {
			return false
		}
		_, serr := eng.Store().Get(store.Deep, "stale")
		return errors.Is(serr, store.ErrUnitNotFound)
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatch_RemoveDropsUnits(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	l, eng := newTestLoader(t, dir)

	path := writeDoc(t, dir, "volatile.toml", `
[[unit]]
layer = "deep"
content = "A unit whose document is about to be deleted."
`)
	require.NoError(t, l.Seed(context.Background()))
	_, err := eng.Store().Get(store.Deep, "volatile")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.Remove(path))

	assert.Eventually(t, func() bool {
		_, err := eng.Store().Get(store.Deep, "volatile")
		return errors.Is(err, store.ErrUnitNotFound)
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
