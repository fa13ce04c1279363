package config

import (
	"sort"
	"time"
)

// ChangeOp classifies one entry of a config diff.
type ChangeOp string

const (
	OpAdded    ChangeOp = "ADDED"
	OpRemoved  ChangeOp = "REMOVED"
	OpModified ChangeOp = "MODIFIED"
)

// Change describes what happened to one server between two config loads.
// Fields lists the changed field names for MODIFIED entries.
type Change struct {
	Op     ChangeOp
	Name   string
	Fields []string
}

// MetadataOnly reports whether the change can be applied without
// restarting the server. Today that is a tags-only modification.
func (c Change) MetadataOnly() bool {
	if c.Op != OpModified || len(c.Fields) == 0 {
		return false
	}
	for _, f := range c.Fields {
		if f != "tags" {
			return false
		}
	}
	return true
}

// Diff computes the changes from prev to next. Results are ordered by
// name so a given pair of maps always diffs identically.
func Diff(prev, next map[string]ServerSpec) []Change {
	var changes []Change

	names := make([]string, 0, len(prev)+len(next))
	seen := make(map[string]bool, len(prev)+len(next))
	for name := range prev {
		names = append(names, name)
		seen[name] = true
	}
	for name := range next {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		oldSpec, inPrev := prev[name]
		newSpec, inNext := next[name]

		switch {
		case !inPrev:
			changes = append(changes, Change{Op: OpAdded, Name: name})
		case !inNext:
			changes = append(changes, Change{Op: OpRemoved, Name: name})
		default:
			if fields := changedFields(oldSpec, newSpec); len(fields) > 0 {
				changes = append(changes, Change{Op: OpModified, Name: name, Fields: fields})
			}
		}
	}

	return changes
}

func changedFields(a, b ServerSpec) []string {
	var fields []string
	add := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}

	add("command", a.Command != b.Command)
	add("args", !stringSlicesEqual(a.Args, b.Args))
	add("cwd", a.Cwd != b.Cwd)
	add("env", !stringMapsEqual(a.Env, b.Env))
	add("envFilter", !stringSlicesEqual(a.EnvFilter, b.EnvFilter))
	add("inheritParentEnv", !boolPtrsEqual(a.InheritParentEnv, b.InheritParentEnv))
	add("url", a.URL != b.URL)
	add("headers", !stringMapsEqual(a.Headers, b.Headers))
	add("oauth", !oauthEqual(a.OAuth, b.OAuth))
	add("tags", !stringSlicesEqual(a.Tags, b.Tags))
	add("disabled", a.Disabled != b.Disabled)
	add("timeout", time.Duration(a.Timeout) != time.Duration(b.Timeout))
	add("connectionTimeout", time.Duration(a.ConnectionTimeout) != time.Duration(b.ConnectionTimeout))
	add("requestTimeout", time.Duration(a.RequestTimeout) != time.Duration(b.RequestTimeout))
	add("restartOnExit", a.RestartOnExit != b.RestartOnExit)
	add("maxRestarts", a.MaxRestarts != b.MaxRestarts)
	add("restartDelay", time.Duration(a.RestartDelay) != time.Duration(b.RestartDelay))

	return fields
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func boolPtrsEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func oauthEqual(a, b *OAuthSpec) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ClientID == b.ClientID &&
		a.ClientSecret == b.ClientSecret &&
		a.AutoRegister == b.AutoRegister &&
		stringSlicesEqual(a.Scopes, b.Scopes)
}
