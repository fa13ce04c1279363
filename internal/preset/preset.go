// Package preset resolves named server selections to tag queries.
//
// Presets live in a YAML file next to the gateway config. A session
// connecting with ?preset=name gets the preset's compiled query as its
// filter; when the file changes, every session bound to a changed
// preset is told to recompute through a PRESET_CHANGED event.
package preset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"junction/internal/events"
	"junction/internal/gwerr"
	"junction/internal/tagquery"
	"junction/pkg/logging"
)

// Strategy selects how a preset's definition becomes a query.
const (
	// StrategyOr matches servers carrying any of the preset's tags.
	StrategyOr = "or"
	// StrategyAnd matches servers carrying all of the preset's tags.
	StrategyAnd = "and"
	// StrategyAdvanced uses an explicit boolean tag query tree.
	StrategyAdvanced = "advanced"
)

const defaultDebounce = 100 * time.Millisecond

// Preset is one compiled named selection.
type Preset struct {
	Name     string
	Strategy string
	Tags     []string
	Query    *tagquery.Query
}

// rawPreset mirrors one YAML entry. The tag query stays untyped here;
// compilation goes through the JSON form of the query grammar.
type rawPreset struct {
	Strategy string         `yaml:"strategy"`
	Tags     []string       `yaml:"tags"`
	TagQuery map[string]any `yaml:"tagQuery"`
}

type fileFormat struct {
	Presets map[string]rawPreset `yaml:"presets"`
}

// Store is the file-backed preset store.
type Store struct {
	path     string
	bus      *events.Bus
	debounce time.Duration

	mu       sync.RWMutex
	raw      map[string]rawPreset
	compiled map[string]Preset
	timer    *time.Timer

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// Option tunes the store.
type Option func(*Store)

// WithDebounce overrides the file watch debounce window.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// New builds a store over the preset file at path. The bus may be nil
// in tests.
func New(path string, bus *events.Bus, opts ...Option) *Store {
	s := &Store{
		path:     path,
		bus:      bus,
		debounce: defaultDebounce,
		raw:      make(map[string]rawPreset),
		compiled: make(map[string]Preset),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the preset file. A missing file yields an empty store.
func (s *Store) Load() error {
	raw, compiled, err := s.parseFile()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.raw = raw
	s.compiled = compiled
	s.mu.Unlock()

	logging.Info("PresetStore", "Loaded %d presets from %s", len(compiled), s.path)
	return nil
}

func (s *Store) parseFile() (map[string]rawPreset, map[string]Preset, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]rawPreset{}, map[string]Preset{}, nil
		}
		return nil, nil, fmt.Errorf("reading presets %s: %w", s.path, err)
	}

	var file fileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing presets: %w", err)
	}

	raw := make(map[string]rawPreset, len(file.Presets))
	compiled := make(map[string]Preset, len(file.Presets))
	for name, entry := range file.Presets {
		p, err := compile(name, entry)
		if err != nil {
			logging.Warn("PresetStore", "Skipping preset %s: %v", name, err)
			continue
		}
		raw[name] = entry
		compiled[name] = p
	}
	return raw, compiled, nil
}

// compile turns a raw entry into a resolvable preset. The strategy
// defaults from the fields present: a tag query means advanced, tags
// alone mean or.
func compile(name string, entry rawPreset) (Preset, error) {
	strategy := entry.Strategy
	if strategy == "" {
		if entry.TagQuery != nil {
			strategy = StrategyAdvanced
		} else {
			strategy = StrategyOr
		}
	}

	var query *tagquery.Query
	switch strategy {
	case StrategyOr:
		if len(entry.Tags) == 0 {
			return Preset{}, fmt.Errorf("strategy %q requires tags", strategy)
		}
		query = tagquery.SimpleOr(entry.Tags)

	case StrategyAnd:
		if len(entry.Tags) == 0 {
			return Preset{}, fmt.Errorf("strategy %q requires tags", strategy)
		}
		if len(entry.Tags) == 1 {
			query = &tagquery.Query{Tag: entry.Tags[0]}
		} else {
			leaves := make([]*tagquery.Query, len(entry.Tags))
			for i, tag := range entry.Tags {
				leaves[i] = &tagquery.Query{Tag: tag}
			}
			query = &tagquery.Query{And: leaves}
		}

	case StrategyAdvanced:
		if entry.TagQuery == nil {
			return Preset{}, fmt.Errorf("strategy %q requires tagQuery", strategy)
		}
		encoded, err := json.Marshal(entry.TagQuery)
		if err != nil {
			return Preset{}, fmt.Errorf("encoding tagQuery: %w", err)
		}
		query, err = tagquery.Parse(encoded)
		if err != nil {
			return Preset{}, err
		}

	default:
		return Preset{}, fmt.Errorf("unknown strategy %q", strategy)
	}

	return Preset{Name: name, Strategy: strategy, Tags: entry.Tags, Query: query}, nil
}

// Resolve returns the compiled query for the named preset.
func (s *Store) Resolve(name string) (*tagquery.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.compiled[name]
	if !ok {
		return nil, gwerr.New(gwerr.KindNotFound, "preset %q not found", name)
	}
	return p.Query, nil
}

// Get returns the named preset.
func (s *Store) Get(name string) (Preset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.compiled[name]
	return p, ok
}

// Names returns the preset names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.compiled))
	for name := range s.compiled {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns the compiled presets in name order.
func (s *Store) All() []Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Preset, 0, len(s.compiled))
	for _, p := range s.compiled {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Put installs or replaces a preset and persists the file. Bound
// sessions are signalled through the bus.
func (s *Store) Put(name, strategy string, tags []string, query map[string]any) error {
	entry := rawPreset{Strategy: strategy, Tags: tags, TagQuery: query}
	p, err := compile(name, entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.raw[name] = entry
	s.compiled[name] = p
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publishChanged(name)
	return nil
}

// Delete removes a preset and persists the file. Sessions bound to it
// fall back to admitting nothing until they reconnect with a different
// filter.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	if _, ok := s.raw[name]; !ok {
		s.mu.Unlock()
		return gwerr.New(gwerr.KindNotFound, "preset %q not found", name)
	}
	delete(s.raw, name)
	delete(s.compiled, name)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publishChanged(name)
	return nil
}

// persistLocked writes the current raw map back to the file. Caller
// holds s.mu.
func (s *Store) persistLocked() error {
	data, err := yaml.Marshal(fileFormat{Presets: s.raw})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing presets %s: %w", s.path, err)
	}
	return nil
}

// Start begins watching the preset file for external edits. The watch
// sits on the parent directory because editors replace the file.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("preset store already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("creating preset watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		s.mu.Unlock()
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	s.watcher = watcher
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.processEvents(ctx)

	logging.Info("PresetStore", "Watching %s for preset changes", s.path)
	return nil
}

// Stop ends the watch.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	s.wg.Wait()
}

func (s *Store) processEvents(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFsEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("PresetStore", err, "Preset watcher error")
		}
	}
}

func (s *Store) handleFsEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(s.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.timer = nil
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}
		if err := s.Reload(); err != nil {
			logging.Error("PresetStore", err, "Applying preset change")
		}
	})
}

// Reload re-reads the file and signals the presets whose definition
// changed. A parse failure keeps the previous set.
func (s *Store) Reload() error {
	raw, compiled, err := s.parseFile()
	if err != nil {
		logging.Warn("PresetStore", "Preset reload failed, keeping previous set: %v", err)
		if s.bus != nil {
			s.bus.Publish(events.Event{Type: events.ValidationError, Message: err.Error()})
		}
		return nil
	}

	s.mu.Lock()
	changed := diffNames(s.raw, raw)
	s.raw = raw
	s.compiled = compiled
	s.mu.Unlock()

	for _, name := range changed {
		logging.Info("PresetStore", "Preset %s changed", name)
		s.publishChanged(name)
	}
	return nil
}

// diffNames returns the preset names added, removed or redefined
// between two raw maps, sorted.
func diffNames(prev, next map[string]rawPreset) []string {
	var out []string
	for name, entry := range next {
		old, ok := prev[name]
		if !ok || !reflect.DeepEqual(old, entry) {
			out = append(out, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) publishChanged(name string) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.PresetChanged, Server: name})
	}
}
