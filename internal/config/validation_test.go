package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateServerName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "files", false},
		{"with digits", "srv2", false},
		{"with dash and underscore", "my-server_v2", false},
		{"empty", "", true},
		{"digit led", "2fast", true},
		{"dash led", "-srv", true},
		{"space", "my server", true},
		{"colon", "a:b", true},
		{"dot", "a.b", true},
		{"max length", strings.Repeat("a", MaxServerNameLength), false},
		{"over max length", strings.Repeat("a", MaxServerNameLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServerName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerSpec_Validate(t *testing.T) {
	tests := []struct {
		name      string
		spec      ServerSpec
		wantField string
	}{
		{
			name:      "command and url exclusive",
			spec:      ServerSpec{Name: "a", Command: "bin", URL: "https://x.test"},
			wantField: "command",
		},
		{
			name:      "neither command nor url",
			spec:      ServerSpec{Name: "a"},
			wantField: "command",
		},
		{
			name:      "oauth on stdio server",
			spec:      ServerSpec{Name: "a", Command: "bin", OAuth: &OAuthSpec{ClientID: "c"}},
			wantField: "oauth",
		},
		{
			name:      "headers on stdio server",
			spec:      ServerSpec{Name: "a", Command: "bin", Headers: map[string]string{"X": "y"}},
			wantField: "headers",
		},
		{
			name:      "env on url server",
			spec:      ServerSpec{Name: "a", URL: "https://x.test", Env: map[string]string{"K": "v"}},
			wantField: "env",
		},
		{
			name:      "bad url scheme",
			spec:      ServerSpec{Name: "a", URL: "ftp://x.test"},
			wantField: "url",
		},
		{
			name:      "negative timeout",
			spec:      ServerSpec{Name: "a", Command: "bin", Timeout: -1},
			wantField: "timeout",
		},
		{
			name:      "negative maxRestarts",
			spec:      ServerSpec{Name: "a", Command: "bin", MaxRestarts: -1},
			wantField: "maxRestarts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := tt.spec.Validate()
			require.True(t, issues.HasErrors())

			found := false
			for _, issue := range issues {
				if issue.Field == tt.wantField {
					found = true
				}
			}
			assert.True(t, found, "expected an issue on field %q, got: %v", tt.wantField, issues)
		})
	}
}

func TestServerSpec_Validate_OK(t *testing.T) {
	tests := []ServerSpec{
		{Name: "files", Command: "mcp-files", Args: []string{"--root", "/"}},
		{Name: "remote", URL: "https://example.com/mcp", Headers: map[string]string{"X-Key": "k"}},
		{Name: "oauthed", URL: "https://example.com/sse", OAuth: &OAuthSpec{AutoRegister: true}},
	}
	for _, spec := range tests {
		t.Run(spec.Name, func(t *testing.T) {
			assert.False(t, spec.Validate().HasErrors())
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	var ve ValidationErrors
	assert.Equal(t, "no validation errors", ve.Error())

	ve.Add("srv", "url", "must start with http:// or https://")
	assert.Contains(t, ve.Error(), "server 'srv' field 'url'")

	ve.Add("srv", "timeout", "must be non-negative")
	assert.Contains(t, ve.Error(), "validation failed:")
}
