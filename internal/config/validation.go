package config

import (
	"fmt"
	"strings"
)

// MaxServerNameLength bounds server names; names are also letter-led.
const MaxServerNameLength = 50

// ValidationError represents a validation error with context.
type ValidationError struct {
	Server  string
	Field   string
	Message string
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	switch {
	case ve.Server != "" && ve.Field != "":
		return fmt.Sprintf("server '%s' field '%s': %s", ve.Server, ve.Field, ve.Message)
	case ve.Field != "":
		return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
	default:
		return ve.Message
	}
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors.
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add appends a new validation error.
func (ve *ValidationErrors) Add(server, field, message string) {
	*ve = append(*ve, ValidationError{Server: server, Field: field, Message: message})
}

// ValidateServerName enforces the name grammar: 1-50 characters,
// starting with a letter, then letters, digits, '-' or '_'.
func ValidateServerName(name string) error {
	if name == "" {
		return ValidationError{Field: "name", Message: "is required"}
	}
	if len(name) > MaxServerNameLength {
		return ValidationError{Field: "name", Message: fmt.Sprintf("must not exceed %d characters", MaxServerNameLength)}
	}

	first := name[0]
	if !isLetter(first) {
		return ValidationError{Field: "name", Message: "must start with a letter"}
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '-' && c != '_' {
			return ValidationError{Field: "name", Message: fmt.Sprintf("contains invalid character %q", c)}
		}
	}
	return nil
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

// Validate checks a single ServerSpec. Issues are collected rather than
// returned on first failure so a reload can report everything wrong with
// an entry at once.
func (s *ServerSpec) Validate() ValidationErrors {
	var issues ValidationErrors

	if err := ValidateServerName(s.Name); err != nil {
		ve := err.(ValidationError)
		ve.Server = s.Name
		issues = append(issues, ve)
	}

	hasCommand := s.Command != ""
	hasURL := s.URL != ""
	switch {
	case hasCommand && hasURL:
		issues.Add(s.Name, "command", "mutually exclusive with 'url'")
	case !hasCommand && !hasURL:
		issues.Add(s.Name, "command", "either 'command' or 'url' is required")
	}

	if hasCommand {
		if s.OAuth != nil {
			issues.Add(s.Name, "oauth", "only valid for url-based servers")
		}
		if len(s.Headers) > 0 {
			issues.Add(s.Name, "headers", "only valid for url-based servers")
		}
	}
	if hasURL {
		if len(s.Env) > 0 || len(s.EnvFilter) > 0 || s.Cwd != "" {
			issues.Add(s.Name, "env", "only valid for command-based servers")
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			issues.Add(s.Name, "url", "must start with http:// or https://")
		}
	}

	if s.Timeout < 0 {
		issues.Add(s.Name, "timeout", "must be non-negative")
	}
	if s.ConnectionTimeout < 0 {
		issues.Add(s.Name, "connectionTimeout", "must be non-negative")
	}
	if s.RequestTimeout < 0 {
		issues.Add(s.Name, "requestTimeout", "must be non-negative")
	}
	if s.MaxRestarts < 0 {
		issues.Add(s.Name, "maxRestarts", "must be non-negative")
	}
	if s.RestartDelay < 0 {
		issues.Add(s.Name, "restartDelay", "must be non-negative")
	}

	return issues
}
