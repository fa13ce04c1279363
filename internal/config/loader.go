package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"junction/pkg/logging"
)

// Load reads and parses the gateway configuration file.
//
// A missing file is not an error: it yields an empty configuration so the
// gateway can start before the file exists and pick it up on creation.
// Individual server entries that fail to decode or validate are skipped;
// their issues are returned alongside the config so the reload pipeline
// can surface them without rejecting the healthy entries.
func Load(path string) (*Config, ValidationErrors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config file at %s, starting with empty server set", path)
			return &Config{Servers: map[string]ServerSpec{}}, nil, nil
		}
		return nil, nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes configuration bytes. See Load for the skip semantics.
func Parse(data []byte) (*Config, ValidationErrors, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := &Config{
		Servers:          make(map[string]ServerSpec, len(raw.MCPServers)),
		Templates:        raw.MCPTemplates,
		TemplateSettings: raw.TemplateSettings,
	}

	var issues ValidationErrors
	for name, entry := range raw.MCPServers {
		var spec ServerSpec
		if err := json.Unmarshal(entry, &spec); err != nil {
			issues.Add(name, "", fmt.Sprintf("invalid entry: %v", err))
			logging.Warn("ConfigLoader", "Skipping server %s: %v", name, err)
			continue
		}
		spec.Name = name

		if specIssues := spec.Validate(); specIssues.HasErrors() {
			issues = append(issues, specIssues...)
			logging.Warn("ConfigLoader", "Skipping server %s: %v", name, specIssues.Error())
			continue
		}

		cfg.Servers[name] = spec
	}

	return cfg, issues, nil
}

// EnabledServers returns the servers that the fleet should run, i.e. all
// specs that are not disabled.
func (c *Config) EnabledServers() map[string]ServerSpec {
	out := make(map[string]ServerSpec, len(c.Servers))
	for name, spec := range c.Servers {
		if !spec.Disabled {
			out[name] = spec
		}
	}
	return out
}
