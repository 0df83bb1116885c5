package corekit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const flagYAML = `
flags:
  new-dashboard:
    enabled: true
    rolloutPercentage: 25
    userSegments: [paid, admin]
    dependencies: [beta-program]
    rollbackOnError: true
    description: redesigned donation dashboard
  beta-program:
    enabled: true
`

const flagTOML = `
[flags.new-dashboard]
enabled = true
rolloutPercentage = 25
userSegments = ["paid", "admin"]
dependencies = ["beta-program"]
rollbackOnError = true
description = "redesigned donation dashboard"

[flags.beta-program]
enabled = true
`

func TestParseFlagConfigYAML(t *testing.T) {
	t.Parallel()
	flags, err := ParseFlagConfig([]byte(flagYAML), ".yaml")
	require.NoError(t, err)
	require.Contains(t, flags, "new-dashboard")

	cfg := flags["new-dashboard"]
	assert.True(t, cfg.Enabled)
	require.NotNil(t, cfg.RolloutPercentage)
	assert.Equal(t, 25, *cfg.RolloutPercentage)
	assert.Equal(t, []string{"paid", "admin"}, cfg.UserSegments)
	assert.Equal(t, []string{"beta-program"}, cfg.Dependencies)
	assert.True(t, cfg.RollbackOnError)
	assert.Equal(t, "redesigned donation dashboard", cfg.Description)
}

func TestParseFlagConfigTOML(t *testing.T) {
	t.Parallel()
	flags, err := ParseFlagConfig([]byte(flagTOML), ".toml")
	require.NoError(t, err)
	require.Contains(t, flags, "new-dashboard")
	assert.Equal(t, []string{"beta-program"}, flags["new-dashboard"].Dependencies)
	assert.True(t, flags["beta-program"].Enabled)
}

func TestParseFlagConfigErrors(t *testing.T) {
	t.Parallel()
	_, err := ParseFlagConfig([]byte(flagYAML), ".json")
	assert.ErrorIs(t, err, ErrFlagConfigUnsupportedFormat)

	_, err = ParseFlagConfig([]byte("flags: ["), ".yaml")
	assert.ErrorIs(t, err, ErrFlagConfigParseFailed)

	_, err = ParseFlagConfig([]byte("[flags"), ".toml")
	assert.ErrorIs(t, err, ErrFlagConfigParseFailed)
}

func TestParseFlagConfigEmptyDocument(t *testing.T) {
	t.Parallel()
	flags, err := ParseFlagConfig([]byte(""), ".yaml")
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestLoadFlagsFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(flagYAML), 0o644))

	flags, err := LoadFlagsFromFile(path)
	require.NoError(t, err)
	assert.Contains(t, flags, "new-dashboard")

	_, err = LoadFlagsFromFile("")
	assert.ErrorIs(t, err, ErrFlagConfigEmptyPath)

	_, err = LoadFlagsFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyFlagConfig(t *testing.T) {
	t.Parallel()
	e := NewFlagEvaluator(NopLogger{})
	flags, err := ParseFlagConfig([]byte(flagYAML), ".yaml")
	require.NoError(t, err)

	ApplyFlagConfig(e, flags)

	user := &UserContext{UserID: "u1", IsPaidUser: true}
	assert.True(t, e.IsEnabled("beta-program", user))
	state := e.ExportState()["new-dashboard"]
	assert.True(t, state.Config.Enabled)
	assert.Equal(t, []string{"beta-program"}, state.Config.Dependencies)
}

func TestApplyFlagConfigSkipsCoreFlags(t *testing.T) {
	t.Parallel()
	e := NewFlagEvaluator(NopLogger{})
	ApplyFlagConfig(e, map[string]*FlagConfig{
		FlagAuthentication: {Enabled: false},
		"extra":            {Enabled: true},
	})

	assert.True(t, e.IsEnabled(FlagAuthentication, nil), "core flags cannot be overridden from files")
	assert.True(t, e.IsEnabled("extra", nil))
	assert.NotContains(t, e.KnownFlags(), FlagAuthentication)
}

func TestFeedFlagsFromEnv(t *testing.T) {
	e := NewFlagEvaluator(NopLogger{}, WithFlags(map[string]*FlagConfig{
		"new-dashboard": {Enabled: true},
		"untouched":     {Enabled: true},
	}))

	t.Setenv("FLAGS_NEW_DASHBOARD_ENABLED", "false")
	t.Setenv("FLAGS_NEW_DASHBOARD_ROLLOUT", "50")

	require.NoError(t, FeedFlagsFromEnv(e, "FLAGS"))

	state := e.ExportState()["new-dashboard"]
	assert.False(t, state.Config.Enabled)
	require.NotNil(t, state.Config.RolloutPercentage)
	assert.Equal(t, 50, *state.Config.RolloutPercentage)
	assert.True(t, e.ExportState()["untouched"].Config.Enabled)
}

func TestFeedFlagsFromEnvMalformedValue(t *testing.T) {
	e := NewFlagEvaluator(NopLogger{}, WithFlags(map[string]*FlagConfig{
		"new-dashboard": {Enabled: true},
	}))

	t.Setenv("FLAGS_NEW_DASHBOARD_ENABLED", "false")
	t.Setenv("FLAGS_NEW_DASHBOARD_ROLLOUT", "half")

	err := FeedFlagsFromEnv(e, "FLAGS")
	assert.Error(t, err, "malformed overrides are reported")
	assert.False(t, e.ExportState()["new-dashboard"].Config.Enabled,
		"valid overrides still apply alongside malformed ones")
}
