package app

import (
	"time"

	"junction/internal/capcache"
)

// Config holds the application-level settings assembled by the CLI.
type Config struct {
	// Version is injected from the build.
	Version string

	// Debug enables verbose logging; JSONLog switches the log handler
	// to JSON for process supervisors.
	Debug   bool
	JSONLog bool

	// ConfigPath is the gateway configuration file (mcpServers,
	// mcpTemplates, templateSettings).
	ConfigPath string
	// PresetPath is the preset store file.
	PresetPath string
	// SessionDir is the streaming session spool directory; empty
	// disables session persistence.
	SessionDir string

	// Inbound transport settings.
	Host      string
	Port      int
	Transport string

	// Lazy swaps the per-session tool union for the three meta-tools;
	// InternalTools additionally exposes the status tool.
	Lazy          bool
	InternalTools bool

	// Pagination enables cursor pagination on list responses.
	Pagination bool
	// EnvSubst enables ${NAME} substitution in server string fields.
	EnvSubst bool

	SessionTTL time.Duration

	// Capability cache tuning; zero selects the defaults.
	CacheEntries int
	CacheTTL     time.Duration
}

// NewConfig returns a Config with the defaults the CLI starts from.
func NewConfig() Config {
	return Config{
		ConfigPath:   "junction.json",
		PresetPath:   "presets.yaml",
		Host:         "localhost",
		Port:         8090,
		Transport:    "streamable-http",
		CacheEntries: capcache.DefaultMaxEntries,
		CacheTTL:     capcache.DefaultTTL,
	}
}
