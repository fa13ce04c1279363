package upstream

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"junction/internal/config"
	"junction/pkg/logging"
)

// defaultConnectTimeout bounds the handshake when the caller supplied
// no deadline and the spec has no connectionTimeout.
const defaultConnectTimeout = 10 * time.Second

// StdioClient reaches an upstream MCP server by spawning it as a child
// process and speaking JSON-RPC over its stdin/stdout.
type StdioClient struct {
	baseClient
	command string
	args    []string
	cwd     string
	env     []string
}

// NewStdioClient builds a stdio client from a server spec. The child's
// environment is resolved per the spec's env, envFilter and
// inheritParentEnv fields; the process is not started until Connect.
func NewStdioClient(spec config.ServerSpec) *StdioClient {
	return &StdioClient{
		baseClient: baseClient{server: spec.Name},
		command:    spec.Command,
		args:       spec.Args,
		cwd:        spec.Cwd,
		env:        resolveEnv(spec, os.Environ()),
	}
}

// Connect spawns the child process and performs the MCP handshake.
func (c *StdioClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StdioClient", "Spawning %s %v for server %s", c.command, c.args, c.server)

	var (
		mcpClient *client.Client
		err       error
	)
	if c.cwd != "" {
		cwd := c.cwd
		mcpClient, err = client.NewStdioMCPClientWithOptions(c.command, c.env, c.args,
			transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(ctx, command, args...)
				cmd.Env = env
				cmd.Dir = cwd
				return cmd, nil
			}))
	} else {
		mcpClient, err = client.NewStdioMCPClient(c.command, c.env, c.args...)
	}
	if err != nil {
		return fmt.Errorf("spawning %s: %w", c.command, err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, initRequest())
	if err != nil {
		logging.Error("StdioClient", err, "Handshake failed for server %s", c.server)
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Closing failed client for %s: %v", c.server, closeErr)
		}
		return fmt.Errorf("initializing MCP protocol: %w", err)
	}

	c.adopt(mcpClient, initResult.Capabilities)
	logging.Debug("StdioClient", "Server %s connected (%s %s)",
		c.server, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return nil
}

// Close terminates the child process.
func (c *StdioClient) Close() error {
	return c.closeClient()
}

// resolveEnv computes the child environment for a stdio spec.
//
// The parent environment is inherited unless inheritParentEnv=false.
// When envFilter is set, inherited variables must match one of its
// patterns; a pattern is an exact name or a prefix ending in '*', and
// a leading '!' turns it into an exclusion that overrides any include.
// The spec's own env map is applied last and is never filtered.
func resolveEnv(spec config.ServerSpec, parent []string) []string {
	inherit := spec.InheritParentEnv == nil || *spec.InheritParentEnv

	merged := make(map[string]string)
	if inherit {
		for _, kv := range parent {
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				continue
			}
			name, value := kv[:eq], kv[eq+1:]
			if envFilterAllows(spec.EnvFilter, name) {
				merged[name] = value
			}
		}
	}
	for k, v := range spec.Env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func envFilterAllows(filter []string, name string) bool {
	if len(filter) == 0 {
		return true
	}

	included := false
	for _, pattern := range filter {
		exclude := strings.HasPrefix(pattern, "!")
		if exclude {
			pattern = pattern[1:]
		}
		if !matchEnvPattern(pattern, name) {
			continue
		}
		if exclude {
			return false
		}
		included = true
	}
	return included
}

func matchEnvPattern(pattern, name string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	return pattern == name
}
