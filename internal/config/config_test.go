package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lithammer/dedent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pgnodes/internal/config/notify"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "pgnodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dedent.Dedent(content)), 0o644))
	return path
}

func TestStoreDefaults(t *testing.T) {
	s := New()
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	st, err := s.Settings()
	require.NoError(t, err)
	assert.Equal(t, "info", st.LogLevel)
	assert.Equal(t, DefaultMaxArrayProbe, st.MaxArrayProbe)
	assert.Empty(t, st.HostVersion)
	assert.Empty(t, st.RulesFile)
	assert.Empty(t, st.DisabledFeatures)
	assert.Empty(t, st.RangeTable)
	assert.Empty(t, s.ConfigFile())
}

func TestStoreLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
		pgnodes:
		  logLevel: debug
		  hostVersion: 1.85.0
		  maxArrayProbe: 64
		  rulesFile: rules.yaml
		  rangeTable: root->parse->rtable
		  features:
		    disable:
		      - stackFocusEvents
	`)

	s := New(WithConfigFile(path))
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	st, err := s.Settings()
	require.NoError(t, err)
	assert.Equal(t, Settings{
		LogLevel:         "debug",
		HostVersion:      "1.85.0",
		MaxArrayProbe:    64,
		RulesFile:        "rules.yaml",
		DisabledFeatures: []string{"stackFocusEvents"},
		RangeTable:       "root->parse->rtable",
	}, st)
	assert.Equal(t, path, s.ConfigFile())
}

func TestStoreSearchPaths(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
		pgnodes:
		  logLevel: warn
	`)

	s := New(WithSearchPaths(t.TempDir(), dir))
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	level, err := s.GetString(KeyLogLevel)
	require.NoError(t, err)
	assert.Equal(t, "warn", level)
}

func TestStoreMissingSearchFileIsNotAnError(t *testing.T) {
	s := New(WithSearchPaths(t.TempDir()))
	defer s.Close()
	assert.NoError(t, s.Load(context.Background()))
}

func TestStoreMissingExplicitFile(t *testing.T) {
	s := New(WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")))
	defer s.Close()

	err := s.Load(context.Background())
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Path, "absent.yaml")
}

func TestStoreEnvironment(t *testing.T) {
	t.Setenv("PGNODES_LOGLEVEL", "error")
	t.Setenv("PGNODES_FEATURES_DISABLE", "leveledLogging, stackFocusEvents")

	s := New()
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	st, err := s.Settings()
	require.NoError(t, err)
	assert.Equal(t, "error", st.LogLevel)
	assert.Equal(t, []string{"leveledLogging", "stackFocusEvents"}, st.DisabledFeatures)
}

func TestStoreSetNotifiesScopedObservers(t *testing.T) {
	s := New()
	defer s.Close()

	var levelChanges []notify.Change
	probeChanges := 0
	s.OnDidChange(KeyLogLevel, func(c notify.Change) {
		levelChanges = append(levelChanges, c)
	})
	s.OnDidChange(KeyMaxArrayProbe, func(notify.Change) { probeChanges++ })

	s.Set(KeyLogLevel, "debug")
	s.Set(KeyLogLevel, "debug")

	require.Len(t, levelChanges, 1)
	assert.Equal(t, "info", levelChanges[0].Old)
	assert.Equal(t, "debug", levelChanges[0].New)
	assert.Equal(t, "set", levelChanges[0].Source)
	assert.Equal(t, 0, probeChanges)
}

func TestStoreSubscribeAndDispose(t *testing.T) {
	s := New()
	defer s.Close()

	calls := 0
	sub := s.Subscribe(func(notify.Change) { calls++ })
	s.Set(KeyRulesFile, "a.yaml")
	sub.Dispose()
	s.Set(KeyRulesFile, "b.yaml")

	assert.Equal(t, 1, calls)
}

func TestStoreReloadDiffsKnownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
		pgnodes:
		  logLevel: info
		  maxArrayProbe: 16
	`)

	s := New(WithConfigFile(path))
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	var sections []string
	s.Subscribe(func(c notify.Change) {
		sections = append(sections, c.Section)
		assert.Equal(t, "file", c.Source)
	})

	writeConfig(t, dir, `
		pgnodes:
		  logLevel: debug
		  maxArrayProbe: 16
	`)
	require.NoError(t, s.Reload())

	assert.Equal(t, []string{KeyLogLevel}, sections)
}

func TestStoreTypeMismatch(t *testing.T) {
	s := New()
	defer s.Close()

	s.Set(KeyMaxArrayProbe, "lots")

	_, err := s.GetInt(KeyMaxArrayProbe)
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	st, err := s.Settings()
	require.Error(t, err)
	assert.Equal(t, DefaultMaxArrayProbe, st.MaxArrayProbe)
}

func TestStoreUnknownKey(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.GetString("pgnodes.nope")
	assert.ErrorIs(t, err, ErrSettingNotFound)
}

func TestStoreClose(t *testing.T) {
	s := New()
	calls := 0
	s.Subscribe(func(notify.Change) { calls++ })

	s.Close()
	s.Close()
	s.Set(KeyLogLevel, "debug")

	assert.Equal(t, 0, calls)
}
