// Package reload watches the gateway configuration file and drives the
// fleet toward whatever the file currently declares. Changes are
// debounced, diffed field by field, surfaced on the event bus and then
// applied through Fleet.Reconcile. A broken file never tears down the
// running fleet: the previous authoritative map stays in force.
package reload

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"junction/internal/config"
	"junction/internal/events"
	"junction/internal/fleet"
	"junction/pkg/logging"
)

// defaultDebounce batches rapid successive writes into one reload.
const defaultDebounce = 100 * time.Millisecond

// Pipeline is the config reload pipeline. LoadInitial applies the file
// once at startup; Start then keeps the fleet in sync with it.
type Pipeline struct {
	path     string
	debounce time.Duration
	envSubst bool
	filter   func(map[string]config.ServerSpec) map[string]config.ServerSpec

	fleet *fleet.Fleet
	bus   *events.Bus

	mu sync.Mutex
	// current is the authoritative enabled server map the fleet runs.
	current   map[string]config.ServerSpec
	templates map[string]json.RawMessage
	settings  config.TemplateSettings
	timer     *time.Timer

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// Option tunes the pipeline.
type Option func(*Pipeline)

// WithDebounce overrides the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(p *Pipeline) { p.debounce = d }
}

// WithEnvSubst enables ${NAME} substitution in server string fields.
func WithEnvSubst(enabled bool) Option {
	return func(p *Pipeline) { p.envSubst = enabled }
}

// WithSpecFilter installs a filter over the desired server set before
// it is diffed, used to hide static servers shadowed by a template of
// the same name.
func WithSpecFilter(filter func(map[string]config.ServerSpec) map[string]config.ServerSpec) Option {
	return func(p *Pipeline) { p.filter = filter }
}

// New builds a pipeline for the config file at path.
func New(path string, f *fleet.Fleet, bus *events.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		path:     path,
		debounce: defaultDebounce,
		fleet:    f,
		bus:      bus,
		current:  make(map[string]config.ServerSpec),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns a copy of the authoritative enabled server map.
func (p *Pipeline) Current() map[string]config.ServerSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]config.ServerSpec, len(p.current))
	for k, v := range p.current {
		out[k] = v
	}
	return out
}

// Templates returns the raw template section from the last good load.
func (p *Pipeline) Templates() (map[string]json.RawMessage, config.TemplateSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.templates, p.settings
}

// LoadInitial loads the file and reconciles the fleet once. A missing
// file starts the gateway with an empty server set.
func (p *Pipeline) LoadInitial(ctx context.Context) error {
	cfg, issues, err := config.Load(p.path)
	if err != nil {
		return err
	}
	p.publishIssues(issues)
	return p.apply(ctx, cfg)
}

// Start begins watching the config file. The watch is placed on the
// parent directory: editors and config writers typically replace the
// file, which would orphan a watch on the file itself.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("reload pipeline already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		p.mu.Unlock()
		return fmt.Errorf("watching %s: %w", filepath.Dir(p.path), err)
	}

	p.watcher = watcher
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.processEvents(ctx)

	logging.Info("Reload", "Watching %s for configuration changes", p.path)
	return nil
}

// Stop ends the watch and cancels any pending debounce.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	watcher := p.watcher
	p.watcher = nil
	p.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	p.wg.Wait()
}

func (p *Pipeline) processEvents(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.handleFsEvent(ctx, event)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Reload", err, "Config watcher error")
		}
	}
}

func (p *Pipeline) handleFsEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(p.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	p.scheduleReload(ctx)
}

// scheduleReload debounces: every new write within the window resets
// the timer, so a burst of writes yields a single reload.
func (p *Pipeline) scheduleReload(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		p.timer = nil
		running := p.running
		p.mu.Unlock()
		if !running {
			return
		}
		if err := p.Reload(ctx); err != nil {
			logging.Error("Reload", err, "Applying config change")
		}
	})
}

// Reload re-reads the file and applies it. A parse failure leaves the
// previous authoritative map intact.
func (p *Pipeline) Reload(ctx context.Context) error {
	cfg, issues, err := config.Load(p.path)
	if err != nil {
		logging.Warn("Reload", "Config reload failed, keeping previous configuration: %v", err)
		p.publish(events.Event{
			Type:    events.ValidationError,
			Message: err.Error(),
			Time:    time.Now(),
		})
		return nil
	}
	p.publishIssues(issues)
	return p.apply(ctx, cfg)
}

// apply diffs the enabled set against the authoritative map, surfaces
// the per-server changes, reconciles the fleet and installs the new map.
func (p *Pipeline) apply(ctx context.Context, cfg *config.Config) error {
	desired := cfg.EnabledServers()
	if p.envSubst {
		for name, spec := range desired {
			desired[name] = config.SubstituteEnv(spec)
		}
	}
	p.mu.Lock()
	p.templates = cfg.Templates
	p.settings = cfg.TemplateSettings
	p.mu.Unlock()

	// The filter sees the freshly installed template section, so a
	// template added in this very reload already shadows its static
	// namesake.
	if p.filter != nil {
		desired = p.filter(desired)
	}

	p.mu.Lock()
	changes := config.Diff(p.current, desired)
	p.mu.Unlock()

	if len(changes) == 0 {
		logging.Debug("Reload", "Configuration unchanged")
		return nil
	}

	for _, change := range changes {
		logging.Info("Reload", "Server %s: %s %v", change.Name, change.Op, change.Fields)
		p.publish(events.Event{
			Type:   eventTypeFor(change.Op),
			Server: change.Name,
			Fields: change.Fields,
			Time:   time.Now(),
		})
	}

	if err := p.fleet.Reconcile(ctx, desired); err != nil {
		return fmt.Errorf("reconciling fleet: %w", err)
	}

	p.mu.Lock()
	p.current = desired
	p.mu.Unlock()

	p.publish(events.Event{Type: events.ConfigReloaded, Time: time.Now()})
	return nil
}

func (p *Pipeline) publishIssues(issues config.ValidationErrors) {
	for _, issue := range issues {
		p.publish(events.Event{
			Type:    events.ValidationError,
			Server:  issue.Server,
			Message: issue.Error(),
			Time:    time.Now(),
		})
	}
}

func (p *Pipeline) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

func eventTypeFor(op config.ChangeOp) events.Type {
	switch op {
	case config.OpAdded:
		return events.ServerAdded
	case config.OpRemoved:
		return events.ServerRemoved
	default:
		return events.ServerModified
	}
}
