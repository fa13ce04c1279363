// Package template renders per-session server definitions from the
// mcpTemplates config section and pools the resulting instances.
//
// A template is a JSON server definition with template actions inside;
// rendering it with a session's context bundle yields a concrete spec.
// Instances are keyed by a hash of the rendered spec, so sessions whose
// context renders identically share one upstream connection.
package template

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	texttemplate "text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"junction/internal/config"
	"junction/internal/fleet"
	"junction/internal/gateway"
	"junction/pkg/logging"
)

const (
	// defaultIdleWindow keeps an unreferenced shareable instance warm
	// for late-joining sessions before it is disposed.
	defaultIdleWindow = 5 * time.Minute

	// FailureModeStrict fails session binding on the first template
	// error; FailureModeGraceful skips the broken template with a
	// warning and binds the rest.
	FailureModeStrict   = "strict"
	FailureModeGraceful = "graceful"

	// hashLen is the length of the rendered-hash suffix in instance
	// names ("base:hash").
	hashLen = 8
)

// Pool owns the template-defined upstream instances. It implements
// gateway.SessionBinder: Bind renders every template with the session's
// context and attaches the resulting instances; Unbind releases them.
type Pool struct {
	fleet      *fleet.Fleet
	idleWindow time.Duration

	// launchMu serializes instance creation so two sessions rendering
	// to the same hash race into one Launch, not two.
	launchMu sync.Mutex

	mu        sync.Mutex
	templates map[string]*texttemplate.Template
	settings  config.TemplateSettings
	instances map[string]*instance
}

// instance is one pooled upstream, refcounted by session ID.
type instance struct {
	name     string
	base     string
	sessions map[string]struct{}
	timer    *time.Timer
}

// Option tunes the pool.
type Option func(*Pool)

// WithIdleWindow overrides how long an unreferenced shareable instance
// is kept before disposal.
func WithIdleWindow(d time.Duration) Option {
	return func(p *Pool) { p.idleWindow = d }
}

// New creates an empty pool over the fleet.
func New(f *fleet.Fleet, opts ...Option) *Pool {
	p := &Pool{
		fleet:      f,
		idleWindow: defaultIdleWindow,
		templates:  make(map[string]*texttemplate.Template),
		instances:  make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ gateway.SessionBinder = (*Pool)(nil)

// SetTemplates parses the raw template section from a config load.
// Templates that fail to parse (or to validate, when enabled) are
// skipped and reported; the healthy ones are installed.
func (p *Pool) SetTemplates(raw map[string]json.RawMessage, settings config.TemplateSettings) config.ValidationErrors {
	parsed := make(map[string]*texttemplate.Template, len(raw))
	var issues config.ValidationErrors

	for name, body := range raw {
		if err := config.ValidateServerName(name); err != nil {
			issues.Add(name, "name", err.Error())
			logging.Warn("TemplatePool", "Skipping template %s: %v", name, err)
			continue
		}
		tmpl, err := texttemplate.New(name).
			Funcs(sprig.TxtFuncMap()).
			Option("missingkey=zero").
			Parse(string(body))
		if err != nil {
			issues.Add(name, "", fmt.Sprintf("invalid template: %v", err))
			logging.Warn("TemplatePool", "Skipping template %s: %v", name, err)
			continue
		}
		if settings.ValidateTemplates {
			if err := renderCheck(tmpl); err != nil {
				issues.Add(name, "", fmt.Sprintf("template validation failed: %v", err))
				logging.Warn("TemplatePool", "Skipping template %s: %v", name, err)
				continue
			}
		}
		parsed[name] = tmpl
	}

	p.mu.Lock()
	p.templates = parsed
	p.settings = settings
	p.mu.Unlock()

	return issues
}

// renderCheck executes the template against an empty context and
// requires the output to be a JSON object. It catches structural
// mistakes early; context-dependent values render to zero here.
func renderCheck(tmpl *texttemplate.Template) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]string{}); err != nil {
		return err
	}
	var probe map[string]any
	if err := json.Unmarshal(buf.Bytes(), &probe); err != nil {
		return fmt.Errorf("rendered output is not a JSON object: %w", err)
	}
	return nil
}

// TemplateNames returns the installed template names, sorted.
func (p *Pool) TemplateNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.templates))
	for name := range p.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FilterStatic drops static servers shadowed by a template of the same
// name. Wired into the reload pipeline as its spec filter.
func (p *Pool) FilterStatic(desired map[string]config.ServerSpec) map[string]config.ServerSpec {
	p.mu.Lock()
	templates := p.templates
	p.mu.Unlock()

	if len(templates) == 0 {
		return desired
	}
	out := make(map[string]config.ServerSpec, len(desired))
	for name, spec := range desired {
		if _, shadowed := templates[name]; shadowed {
			logging.Warn("TemplatePool", "Static server %s is shadowed by the template of the same name", name)
			continue
		}
		out[name] = spec
	}
	return out
}

// Bind renders every template with the session's context and attaches
// the instances to the session. In graceful mode a broken template is
// skipped with a warning; in strict mode the first failure unwinds the
// bindings and is returned.
func (p *Pool) Bind(ctx context.Context, sess *gateway.Session) error {
	p.mu.Lock()
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	settings := p.settings
	p.mu.Unlock()
	sort.Strings(names)

	for _, base := range names {
		if err := p.bindOne(ctx, sess, base); err != nil {
			if settings.FailureMode == FailureModeStrict {
				p.Unbind(sess.ID())
				return fmt.Errorf("template %s: %w", base, err)
			}
			logging.Warn("TemplatePool", "Template %s unavailable for session %s: %v", base, sess.ID(), err)
		}
	}
	return nil
}

func (p *Pool) bindOne(ctx context.Context, sess *gateway.Session, base string) error {
	p.mu.Lock()
	tmpl, ok := p.templates[base]
	shareable := p.settings.CacheContext
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("template not installed")
	}

	spec, canonical, err := renderSpec(tmpl, base, sess.Context())
	if err != nil {
		return err
	}

	h := sha256.New()
	h.Write(canonical)
	if !shareable {
		// Without context caching every session gets its own instance,
		// even for identical renderings.
		h.Write([]byte(sess.ID()))
	}
	name := base + ":" + hex.EncodeToString(h.Sum(nil))[:hashLen]

	p.launchMu.Lock()
	defer p.launchMu.Unlock()

	p.mu.Lock()
	if inst, exists := p.instances[name]; exists {
		if inst.timer != nil {
			inst.timer.Stop()
			inst.timer = nil
		}
		inst.sessions[sess.ID()] = struct{}{}
		p.mu.Unlock()
		sess.BindInstance(name)
		logging.Debug("TemplatePool", "Session %s joined instance %s", sess.ID(), name)
		return nil
	}
	p.mu.Unlock()

	spec.Name = name
	client, err := p.fleet.Launch(ctx, spec)
	if err != nil {
		if client != nil {
			p.fleet.Remove(name)
		}
		return fmt.Errorf("starting instance: %w", err)
	}

	p.mu.Lock()
	p.instances[name] = &instance{
		name:     name,
		base:     base,
		sessions: map[string]struct{}{sess.ID(): {}},
	}
	p.mu.Unlock()

	sess.BindInstance(name)
	logging.Info("TemplatePool", "Started instance %s for session %s", name, sess.ID())
	return nil
}

// renderSpec executes the template with the context bundle and decodes
// the result into a validated spec. The canonical re-marshalled form is
// what gets hashed, so key order and whitespace in the template do not
// split otherwise identical instances.
func renderSpec(tmpl *texttemplate.Template, base string, context map[string]string) (config.ServerSpec, []byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, context); err != nil {
		return config.ServerSpec{}, nil, fmt.Errorf("rendering: %w", err)
	}

	var spec config.ServerSpec
	if err := json.Unmarshal(buf.Bytes(), &spec); err != nil {
		return config.ServerSpec{}, nil, fmt.Errorf("rendered definition is not valid: %w", err)
	}
	spec.Name = base
	if issues := spec.Validate(); issues.HasErrors() {
		return config.ServerSpec{}, nil, fmt.Errorf("rendered definition is not valid: %s", issues.Error())
	}

	canonical, err := json.Marshal(spec)
	if err != nil {
		return config.ServerSpec{}, nil, err
	}
	return spec, canonical, nil
}

// Unbind releases the session's instances. An instance whose last
// reference drops is disposed immediately, or after the idle window
// when instances are shareable.
func (p *Pool) Unbind(sessionID string) {
	var dispose []string

	p.mu.Lock()
	for name, inst := range p.instances {
		if _, bound := inst.sessions[sessionID]; !bound {
			continue
		}
		delete(inst.sessions, sessionID)
		if len(inst.sessions) > 0 {
			continue
		}
		if p.settings.CacheContext && p.idleWindow > 0 {
			p.armDisposeLocked(inst)
		} else {
			delete(p.instances, name)
			dispose = append(dispose, name)
		}
	}
	p.mu.Unlock()

	for _, name := range dispose {
		p.fleet.Remove(name)
		logging.Debug("TemplatePool", "Disposed instance %s", name)
	}
}

// armDisposeLocked schedules disposal after the idle window unless a
// session joins the instance in the meantime. Caller holds p.mu.
func (p *Pool) armDisposeLocked(inst *instance) {
	if inst.timer != nil {
		inst.timer.Stop()
	}
	inst.timer = time.AfterFunc(p.idleWindow, func() {
		p.mu.Lock()
		cur, ok := p.instances[inst.name]
		if !ok || cur != inst || len(cur.sessions) > 0 {
			p.mu.Unlock()
			return
		}
		delete(p.instances, inst.name)
		p.mu.Unlock()

		p.fleet.Remove(inst.name)
		logging.Debug("TemplatePool", "Disposed idle instance %s", inst.name)
	})
}

// InstanceInfo describes one pooled instance for status output.
type InstanceInfo struct {
	Name     string
	Template string
	Refs     int
}

// Instances returns a snapshot of the pooled instances, sorted by name.
func (p *Pool) Instances() []InstanceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]InstanceInfo, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, InstanceInfo{Name: inst.name, Template: inst.base, Refs: len(inst.sessions)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown disposes every instance regardless of references.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	names := make([]string, 0, len(p.instances))
	for name, inst := range p.instances {
		if inst.timer != nil {
			inst.timer.Stop()
		}
		names = append(names, name)
	}
	p.instances = make(map[string]*instance)
	p.mu.Unlock()

	for _, name := range names {
		p.fleet.Remove(name)
	}
}
