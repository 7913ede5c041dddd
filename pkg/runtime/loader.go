package runtime

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable view of the runtime keyspace. Snapshots are shared
// across workers; a reload publishes a new one.
type Snapshot struct {
	values map[string]string
	random func() uint64
}

// GetInteger returns the integer value for key, or def when the key is absent
// or not numeric.
func (s *Snapshot) GetInteger(key string, def uint64) uint64 {
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// FeatureEnabled samples the percentage gate stored at key (0-100),
// defaulting to defaultPercent.
func (s *Snapshot) FeatureEnabled(key string, defaultPercent uint64) bool {
	return s.random()%100 < s.GetInteger(key, defaultPercent)
}

// FeatureEnabledSeeded is the bucketed form: enabled when seed % buckets is
// below the configured value. The shadow sampler uses 10000 buckets.
func (s *Snapshot) FeatureEnabledSeeded(key string, defaultValue, seed, buckets uint64) bool {
	if buckets == 0 {
		buckets = 100
	}
	return seed%buckets < s.GetInteger(key, defaultValue)
}

// Loader owns the current snapshot and republishes it on override changes.
type Loader struct {
	current atomic.Pointer[Snapshot]
	base    map[string]string
	random  func() uint64
	log     *slog.Logger

	watcher      *fsnotify.Watcher
	overridePath string
	loadSuccess  atomic.Uint64
	loadFailure  atomic.Uint64
}

// NewLoader builds a loader over the static base values. base may be nil.
func NewLoader(base map[string]string, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	l := &Loader{
		base:   base,
		random: rand.Uint64,
		log:    log,
	}
	l.publish(nil)
	return l
}

// Snapshot returns the current snapshot. The result must not be retained
// across suspension points that should observe reloads.
func (l *Loader) Snapshot() *Snapshot { return l.current.Load() }

// SetRandom overrides the random source. Tests pin it for determinism.
func (l *Loader) SetRandom(fn func() uint64) {
	l.random = fn
	l.publish(l.currentOverrides())
}

func (l *Loader) currentOverrides() map[string]string {
	if l.overridePath == "" {
		return nil
	}
	overrides, err := readOverrides(l.overridePath)
	if err != nil {
		return nil
	}
	return overrides
}

func (l *Loader) publish(overrides map[string]string) {
	merged := make(map[string]string, len(l.base)+len(overrides))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	l.current.Store(&Snapshot{values: merged, random: l.random})
}

// WatchOverrides starts watching a YAML overrides file (flat string map) and
// republishes the snapshot whenever it changes. The initial content is loaded
// immediately.
func (l *Loader) WatchOverrides(path string) error {
	overrides, err := readOverrides(path)
	if err != nil {
		return err
	}
	l.overridePath = path
	l.publish(overrides)
	l.loadSuccess.Add(1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating runtime watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching runtime override dir: %w", err)
	}
	l.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				overrides, err := readOverrides(path)
				if err != nil {
					l.loadFailure.Add(1)
					l.log.Warn("runtime override reload failed", "path", path, "error", err)
					continue
				}
				l.publish(overrides)
				l.loadSuccess.Add(1)
				l.log.Info("runtime overrides reloaded", "path", path, "keys", len(overrides))
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the override watcher.
func (l *Loader) Close() {
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// LoadCounts returns successful and failed override loads, for the admin
// endpoint.
func (l *Loader) LoadCounts() (success, failure uint64) {
	return l.loadSuccess.Load(), l.loadFailure.Load()
}

func readOverrides(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runtime overrides: %w", err)
	}
	var typed map[string]interface{}
	if err := yaml.Unmarshal(raw, &typed); err != nil {
		return nil, fmt.Errorf("parsing runtime overrides: %w", err)
	}
	out := make(map[string]string, len(typed))
	for k, v := range typed {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out, nil
}
