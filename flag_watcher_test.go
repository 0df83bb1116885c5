package corekit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFlagFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFlagWatcherAppliesInitialFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "flags.yaml")
	writeFlagFile(t, path, "flags:\n  beta:\n    enabled: true\n")

	e := NewFlagEvaluator(NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewFlagWatcher(path, e, NopLogger{})
	require.NoError(t, w.Watch(ctx))

	assert.True(t, e.IsEnabled("beta", nil), "initial file contents apply before Watch returns")
}

func TestFlagWatcherReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "flags.yaml")
	writeFlagFile(t, path, "flags:\n  beta:\n    enabled: true\n")

	e := NewFlagEvaluator(NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewFlagWatcher(path, e, NopLogger{})
	require.NoError(t, w.Watch(ctx))
	require.True(t, e.IsEnabled("beta", nil))

	writeFlagFile(t, path, "flags:\n  beta:\n    enabled: false\n  extra:\n    enabled: true\n")

	require.Eventually(t, func() bool {
		return !e.IsEnabled("beta", nil) && e.IsEnabled("extra", nil)
	}, 5*time.Second, 10*time.Millisecond, "edits to the file must be applied")
}

func TestFlagWatcherSurvivesAtomicRename(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	writeFlagFile(t, path, "flags:\n  beta:\n    enabled: true\n")

	e := NewFlagEvaluator(NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewFlagWatcher(path, e, NopLogger{})
	require.NoError(t, w.Watch(ctx))
	require.True(t, e.IsEnabled("beta", nil))

	// Save the way editors and config management do: write a temp file in
	// the same directory, then rename over the target.
	tmp := filepath.Join(dir, "flags.yaml.tmp")
	writeFlagFile(t, tmp, "flags:\n  beta:\n    enabled: false\n")
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		return !e.IsEnabled("beta", nil)
	}, 5*time.Second, 10*time.Millisecond, "a rename-replace must not end the watch")

	// The watch stays alive for subsequent replacements too.
	tmp = filepath.Join(dir, "flags.yaml.tmp")
	writeFlagFile(t, tmp, "flags:\n  beta:\n    enabled: true\n")
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		return e.IsEnabled("beta", nil)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFlagWatcherIgnoresSiblingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	writeFlagFile(t, path, "flags:\n  beta:\n    enabled: true\n")

	e := NewFlagEvaluator(NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewFlagWatcher(path, e, NopLogger{})
	require.NoError(t, w.Watch(ctx))
	require.True(t, e.IsEnabled("beta", nil))

	writeFlagFile(t, filepath.Join(dir, "other.yaml"), "flags:\n  beta:\n    enabled: false\n")
	time.Sleep(100 * time.Millisecond)
	assert.True(t, e.IsEnabled("beta", nil), "sibling files in the watched directory are not ours")
}

func TestFlagWatcherKeepsStateOnParseFailure(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "flags.yaml")
	writeFlagFile(t, path, "flags:\n  beta:\n    enabled: true\n")

	e := NewFlagEvaluator(NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewFlagWatcher(path, e, NopLogger{})
	require.NoError(t, w.Watch(ctx))
	require.True(t, e.IsEnabled("beta", nil))

	writeFlagFile(t, path, "flags: [not a mapping")
	time.Sleep(100 * time.Millisecond)
	assert.True(t, e.IsEnabled("beta", nil), "a broken file must not clobber the previous flag state")

	// A subsequent good write recovers.
	writeFlagFile(t, path, "flags:\n  beta:\n    enabled: false\n")
	require.Eventually(t, func() bool {
		return !e.IsEnabled("beta", nil)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFlagWatcherMissingFile(t *testing.T) {
	t.Parallel()
	e := NewFlagEvaluator(NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewFlagWatcher(filepath.Join(t.TempDir(), "missing.yaml"), e, NopLogger{})
	assert.Error(t, w.Watch(ctx), "watching a nonexistent file fails up front")
}
