package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transport identifies how the gateway reaches an upstream server.
type Transport string

const (
	// TransportStdio spawns the server as a child process.
	TransportStdio Transport = "stdio"
	// TransportStreamableHTTP speaks streamable HTTP against a single URL.
	TransportStreamableHTTP Transport = "streamable-http"
	// TransportSSE uses a long-lived SSE stream plus a message POST endpoint.
	TransportSSE Transport = "sse"
)

// Duration is a time.Duration that unmarshals from either a JSON number
// (milliseconds) or a Go duration string ("30s").
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a number of milliseconds or a duration string")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// OAuthSpec configures the OAuth gate for an HTTP-like upstream.
type OAuthSpec struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	AutoRegister bool     `json:"autoRegister,omitempty"`
}

// ServerSpec is the declarative, reloadable definition of one upstream
// MCP server. Exactly one of the stdio fields (Command) or the HTTP-like
// fields (URL) must be set.
type ServerSpec struct {
	Name     string   `json:"-"`
	Tags     []string `json:"tags,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`

	// stdio variant
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Cwd              string            `json:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	EnvFilter        []string          `json:"envFilter,omitempty"`
	InheritParentEnv *bool             `json:"inheritParentEnv,omitempty"`

	// http / sse variant
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	OAuth   *OAuthSpec        `json:"oauth,omitempty"`

	Timeout           Duration `json:"timeout,omitempty"`
	ConnectionTimeout Duration `json:"connectionTimeout,omitempty"`
	RequestTimeout    Duration `json:"requestTimeout,omitempty"`

	RestartOnExit bool     `json:"restartOnExit,omitempty"`
	MaxRestarts   int      `json:"maxRestarts,omitempty"`
	RestartDelay  Duration `json:"restartDelay,omitempty"`
}

// Transport returns the transport implied by the spec's fields.
// HTTP-like URLs ending in /sse select SSE; anything else is
// streamable HTTP.
func (s *ServerSpec) Transport() Transport {
	if s.Command != "" {
		return TransportStdio
	}
	if hasSuffixFold(s.URL, "/sse") {
		return TransportSSE
	}
	return TransportStreamableHTTP
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	for i := 0; i < len(suffix); i++ {
		a, b := tail[i], suffix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// TemplateSettings tunes the template instance pool.
type TemplateSettings struct {
	CacheContext      bool   `json:"cacheContext,omitempty"`
	ValidateTemplates bool   `json:"validateTemplates,omitempty"`
	FailureMode       string `json:"failureMode,omitempty"` // "strict" or "graceful"
}

// Config is the parsed top-level gateway configuration.
type Config struct {
	Servers          map[string]ServerSpec      `json:"-"`
	Templates        map[string]json.RawMessage `json:"-"`
	TemplateSettings TemplateSettings           `json:"-"`
}

// rawConfig mirrors the on-disk JSON shape. Individual server entries
// stay raw so a malformed entry can be skipped without failing the file.
type rawConfig struct {
	MCPServers       map[string]json.RawMessage `json:"mcpServers"`
	MCPTemplates     map[string]json.RawMessage `json:"mcpTemplates"`
	TemplateSettings TemplateSettings           `json:"templateSettings"`
}
