package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/dshills/pgnodes/internal/config/notify"
	"github.com/dshills/pgnodes/internal/host"
)

// Setting keys.
const (
	KeyLogLevel        = "pgnodes.logLevel"
	KeyHostVersion     = "pgnodes.hostVersion"
	KeyMaxArrayProbe   = "pgnodes.maxArrayProbe"
	KeyRulesFile       = "pgnodes.rulesFile"
	KeyDisableFeatures = "pgnodes.features.disable"
	KeyRangeTable      = "pgnodes.rangeTable"
)

// DefaultMaxArrayProbe bounds incremental array probing when neither the
// array's declared capacity nor configuration says otherwise.
const DefaultMaxArrayProbe = 1024

// knownKeys are diffed on every reload, in this order.
var knownKeys = []string{
	KeyLogLevel,
	KeyHostVersion,
	KeyMaxArrayProbe,
	KeyRulesFile,
	KeyDisableFeatures,
	KeyRangeTable,
}

// Settings is a typed snapshot of the pgnodes settings.
type Settings struct {
	LogLevel         string
	HostVersion      string
	MaxArrayProbe    int
	RulesFile        string
	DisabledFeatures []string
	RangeTable       string
}

// Store is the viper-backed configuration store.
type Store struct {
	mu sync.RWMutex

	v        *viper.Viper
	notifier *notify.Notifier

	// values holds the known keys as of the last load, set or reload.
	values map[string]any

	configFile  string
	searchPaths []string
	watch       bool
	closed      bool
}

// Option configures a Store.
type Option func(*Store)

// WithConfigFile reads settings from an explicit file. A missing file is an
// error.
func WithConfigFile(path string) Option {
	return func(s *Store) {
		s.configFile = path
	}
}

// WithSearchPaths sets the directories searched for pgnodes.{yaml,toml,json}
// when no explicit file is given.
func WithSearchPaths(dirs ...string) Option {
	return func(s *Store) {
		s.searchPaths = append(s.searchPaths, dirs...)
	}
}

// WithWatcher enables file watching for live reload.
func WithWatcher(enable bool) Option {
	return func(s *Store) {
		s.watch = enable
	}
}

// New creates a Store with defaults and environment bindings. Call Load to
// read the config file.
func New(opts ...Option) *Store {
	s := &Store{
		v:        viper.New(),
		notifier: notify.New(),
		values:   make(map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.v.SetDefault(KeyLogLevel, "info")
	s.v.SetDefault(KeyHostVersion, "")
	s.v.SetDefault(KeyMaxArrayProbe, DefaultMaxArrayProbe)
	s.v.SetDefault(KeyRulesFile, "")
	s.v.SetDefault(KeyDisableFeatures, []string{})
	s.v.SetDefault(KeyRangeTable, "")

	// pgnodes.logLevel is read from PGNODES_LOGLEVEL.
	s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	s.v.AutomaticEnv()

	s.snapshotLocked()
	return s
}

// Load reads the config file, if any, and starts the watcher when enabled.
// Not finding a file on the search paths is not an error.
func (s *Store) Load(_ context.Context) error {
	s.mu.Lock()

	if s.configFile != "" {
		s.v.SetConfigFile(s.configFile)
	} else {
		s.v.SetConfigName("pgnodes")
		for _, dir := range s.searchPaths {
			s.v.AddConfigPath(dir)
		}
	}

	if s.configFile != "" || len(s.searchPaths) > 0 {
		if err := s.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				path := s.configFile
				if path == "" {
					path = s.v.ConfigFileUsed()
				}
				s.mu.Unlock()
				return &ParseError{Path: path, Err: err}
			}
		}
	}

	changes := s.diffLocked("file")
	used := s.v.ConfigFileUsed()
	if s.watch && used != "" {
		s.v.OnConfigChange(func(e fsnotify.Event) {
			s.reloaded(e.Name)
		})
		s.v.WatchConfig()
	}
	s.mu.Unlock()

	commit(changes)
	return nil
}

// Reload re-reads the config file and notifies observers of every changed
// setting.
func (s *Store) Reload() error {
	s.mu.Lock()
	if s.v.ConfigFileUsed() == "" {
		s.mu.Unlock()
		return nil
	}
	if err := s.v.ReadInConfig(); err != nil {
		path := s.v.ConfigFileUsed()
		s.mu.Unlock()
		return &ParseError{Path: path, Err: err}
	}
	changes := s.diffLocked("file")
	s.mu.Unlock()

	commit(changes)
	return nil
}

// reloaded runs after viper's watcher re-read the file.
func (s *Store) reloaded(_ string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changes := s.diffLocked("file")
	s.mu.Unlock()

	commit(changes)
}

// ConfigFile returns the file settings were read from, if any.
func (s *Store) ConfigFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.ConfigFileUsed()
}

// Close stops change delivery. It is safe to call Close multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notifier.Close()
}

// Get returns the raw value of key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.v.IsSet(key) {
		return nil, false
	}
	return s.v.Get(key), true
}

// GetString returns a string setting.
func (s *Store) GetString(key string) (string, error) {
	v, ok := s.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	str, err := cast.ToStringE(v)
	if err != nil {
		return "", &TypeError{Key: key, Expected: "string", Actual: typeName(v)}
	}
	return str, nil
}

// GetInt returns an integer setting.
func (s *Store) GetInt(key string) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, &TypeError{Key: key, Expected: "int", Actual: typeName(v)}
	}
	return n, nil
}

// GetStringSlice returns a list setting. A scalar string is split on
// whitespace and commas, which is how list values arrive from the
// environment.
func (s *Store) GetStringSlice(key string) ([]string, error) {
	v, ok := s.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	if str, isString := v.(string); isString {
		return strings.FieldsFunc(str, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		}), nil
	}
	list, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, &TypeError{Key: key, Expected: "[]string", Actual: typeName(v)}
	}
	return list, nil
}

// Set overrides key at runtime and notifies observers when the value
// changed.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	old := s.v.Get(key)
	s.v.Set(key, value)
	current := s.v.Get(key)
	if _, known := s.values[key]; known {
		s.values[key] = current
	}
	s.mu.Unlock()

	if !reflect.DeepEqual(old, current) {
		s.notifier.NotifySet(key, old, current, "set")
	}
}

// Settings returns a typed snapshot. Values of the wrong type fall back to
// the defaults and are reported in the error.
func (s *Store) Settings() (Settings, error) {
	var errs []error
	st := Settings{MaxArrayProbe: DefaultMaxArrayProbe, LogLevel: "info"}

	if v, err := s.GetString(KeyLogLevel); err == nil {
		st.LogLevel = v
	} else {
		errs = append(errs, err)
	}
	if v, err := s.GetString(KeyHostVersion); err == nil {
		st.HostVersion = v
	} else {
		errs = append(errs, err)
	}
	if v, err := s.GetInt(KeyMaxArrayProbe); err == nil {
		st.MaxArrayProbe = v
	} else {
		errs = append(errs, err)
	}
	if v, err := s.GetString(KeyRulesFile); err == nil {
		st.RulesFile = v
	} else {
		errs = append(errs, err)
	}
	if v, err := s.GetStringSlice(KeyDisableFeatures); err == nil {
		st.DisabledFeatures = v
	} else {
		errs = append(errs, err)
	}
	if v, err := s.GetString(KeyRangeTable); err == nil {
		st.RangeTable = v
	} else {
		errs = append(errs, err)
	}

	return st, errors.Join(errs...)
}

// OnDidChange registers fn for changes affecting section.
func (s *Store) OnDidChange(section string, fn func(notify.Change)) host.Disposable {
	return s.notifier.SubscribeSection(section, notify.Observer(fn))
}

// Subscribe registers fn for every change.
func (s *Store) Subscribe(fn func(notify.Change)) host.Disposable {
	return s.notifier.Subscribe(notify.Observer(fn))
}

func (s *Store) snapshotLocked() {
	for _, key := range knownKeys {
		s.values[key] = s.v.Get(key)
	}
}

// diffLocked records the current values of the known keys and returns a
// batch of the ones that changed.
func (s *Store) diffLocked(source string) *notify.Batch {
	batch := s.notifier.NewBatch()
	for _, key := range knownKeys {
		current := s.v.Get(key)
		old := s.values[key]
		if !reflect.DeepEqual(old, current) {
			batch.Set(key, old, current, source)
		}
		s.values[key] = current
	}
	return batch
}

func commit(b *notify.Batch) {
	if b.Len() > 0 {
		b.Commit()
	}
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
