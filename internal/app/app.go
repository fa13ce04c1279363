// Package app assembles the gateway from its parts: config reload
// pipeline, client fleet, capability cache, template pool, preset
// store, session persistence and the inbound MCP server. The CLI only
// talks to this package.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"junction/internal/capcache"
	"junction/internal/config"
	"junction/internal/events"
	"junction/internal/fleet"
	"junction/internal/gateway"
	"junction/internal/metatools"
	"junction/internal/preset"
	"junction/internal/reload"
	"junction/internal/sessionstore"
	"junction/internal/template"
	"junction/pkg/logging"
)

const sessionSweepEvery = 5 * time.Minute

// Application owns every long-lived component and their shutdown order.
type Application struct {
	cfg Config

	bus      *events.Bus
	cache    *capcache.Cache
	fleet    *fleet.Fleet
	pool     *template.Pool
	pipeline *reload.Pipeline
	presets  *preset.Store
	store    *sessionstore.Store
	router   *gateway.Router
	server   *gateway.Server

	onReady func()
}

// OnReady installs a callback invoked once every component is up,
// used for supervisor readiness notifications.
func (a *Application) OnReady(fn func()) {
	a.onReady = fn
}

// NewApplication wires the components. Nothing is started yet; Run
// drives the lifecycle.
func NewApplication(cfg Config) (*Application, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr, cfg.JSONLog)

	bus := events.NewBus()
	cache := capcache.New(cfg.CacheEntries, cfg.CacheTTL)
	f := fleet.New(bus, cache)
	pool := template.New(f)

	// The spec filter refreshes the pool from the file just loaded and
	// hides static servers shadowed by templates.
	var pipeline *reload.Pipeline
	pipelineOpts := []reload.Option{
		reload.WithSpecFilter(func(desired map[string]config.ServerSpec) map[string]config.ServerSpec {
			raw, settings := pipeline.Templates()
			for _, issue := range pool.SetTemplates(raw, settings) {
				bus.Publish(events.Event{
					Type:    events.ValidationError,
					Server:  issue.Server,
					Message: issue.Error(),
				})
			}
			return pool.FilterStatic(desired)
		}),
	}
	if cfg.EnvSubst {
		pipelineOpts = append(pipelineOpts, reload.WithEnvSubst(true))
	}
	pipeline = reload.New(cfg.ConfigPath, f, bus, pipelineOpts...)

	presets := preset.New(cfg.PresetPath, bus)

	router := gateway.NewRouter(f, gateway.NewRegistry(), cache)

	gwOpts := []gateway.Option{
		gateway.WithPresetResolver(presets),
		gateway.WithSessionBinder(pool),
	}
	if cfg.Lazy {
		gwOpts = append(gwOpts, gateway.WithCapabilityProvider(
			metatools.NewProvider(router, cache, cfg.InternalTools)))
	}

	var store *sessionstore.Store
	if cfg.SessionDir != "" {
		var err error
		store, err = sessionstore.New(cfg.SessionDir)
		if err != nil {
			return nil, fmt.Errorf("opening session store: %w", err)
		}
		gwOpts = append(gwOpts, gateway.WithSessionStore(store))
	}

	server := gateway.NewServer(gateway.Config{
		Version:    cfg.Version,
		Host:       cfg.Host,
		Port:       cfg.Port,
		Transport:  config.Transport(cfg.Transport),
		Pagination: cfg.Pagination,
		SessionTTL: cfg.SessionTTL,
	}, router, bus, gwOpts...)

	return &Application{
		cfg:      cfg,
		bus:      bus,
		cache:    cache,
		fleet:    f,
		pool:     pool,
		pipeline: pipeline,
		presets:  presets,
		store:    store,
		router:   router,
		server:   server,
	}, nil
}

// Run starts everything and blocks until the context is cancelled,
// then shuts the components down in reverse dependency order.
func (a *Application) Run(ctx context.Context) error {
	go a.logEvents(a.bus.Subscribe())

	if err := a.presets.Load(); err != nil {
		logging.Warn("App", "Loading presets: %v", err)
	}
	if err := a.pipeline.LoadInitial(ctx); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	a.cache.StartSweeper(time.Minute)
	if err := a.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	if err := a.presets.Start(ctx); err != nil {
		return fmt.Errorf("starting preset watcher: %w", err)
	}
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway server: %w", err)
	}

	if a.store != nil {
		go a.sweepSessions(ctx)
	}

	logging.Info("App", "junction %s up (%d servers configured)", a.cfg.Version, len(a.pipeline.Current()))
	if a.onReady != nil {
		a.onReady()
	}

	<-ctx.Done()
	return a.shutdown()
}

func (a *Application) shutdown() error {
	logging.Info("App", "Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.server.Stop(stopCtx); err != nil {
		logging.Error("App", err, "Stopping gateway server")
	}
	a.presets.Stop()
	a.pipeline.Stop()
	a.pool.Shutdown()
	a.fleet.Shutdown()
	a.cache.Close()
	a.bus.Close()
	return nil
}

// logEvents mirrors every bus event into the log. The channel closes
// with the bus during shutdown.
func (a *Application) logEvents(sub <-chan events.Event) {
	for ev := range sub {
		switch ev.Type {
		case events.ServerModified:
			logging.Info("Events", "%s %s (fields: %s)", ev.Type, ev.Server, strings.Join(ev.Fields, ", "))
		case events.ServerStateChanged:
			if ev.Message != "" {
				logging.Info("Events", "%s %s -> %s: %s", ev.Type, ev.Server, ev.State, ev.Message)
			} else {
				logging.Info("Events", "%s %s -> %s", ev.Type, ev.Server, ev.State)
			}
		case events.AuthRequired:
			logging.Warn("Events", "%s %s: authorize at %s", ev.Type, ev.Server, ev.AuthorizationURL)
		case events.ValidationError:
			logging.Warn("Events", "%s %s: %s", ev.Type, ev.Server, ev.Message)
		default:
			if ev.Server != "" {
				logging.Info("Events", "%s %s", ev.Type, ev.Server)
			} else {
				logging.Info("Events", "%s", ev.Type)
			}
		}
	}
}

// sweepSessions garbage-collects expired persisted session records.
func (a *Application) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.store.Sweep()
		}
	}
}

// CompleteOAuth is the single ingress for the external authorization
// flow: it finishes the code exchange for a server sitting in
// AwaitingAuth and reconnects it.
func (a *Application) CompleteOAuth(ctx context.Context, server, authCode string) error {
	return a.fleet.CompleteOAuthAndReconnect(ctx, server, authCode)
}

// Servers returns the authoritative enabled server map, for the list
// command.
func (a *Application) Servers() map[string]config.ServerSpec {
	return a.pipeline.Current()
}

// Fleet exposes the client fleet for status output.
func (a *Application) Fleet() *fleet.Fleet {
	return a.fleet
}
