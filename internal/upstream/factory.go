package upstream

import (
	"fmt"

	"junction/internal/config"
)

// New creates the transport adapter implied by the spec's fields:
// command selects stdio, a /sse URL selects SSE, any other URL selects
// streamable HTTP.
func New(spec config.ServerSpec) (Client, error) {
	switch t := spec.Transport(); t {
	case config.TransportStdio:
		if spec.Command == "" {
			return nil, fmt.Errorf("server %s: command is required for stdio transport", spec.Name)
		}
		return NewStdioClient(spec), nil

	case config.TransportSSE:
		if spec.URL == "" {
			return nil, fmt.Errorf("server %s: url is required for sse transport", spec.Name)
		}
		return NewSSEClient(spec), nil

	case config.TransportStreamableHTTP:
		if spec.URL == "" {
			return nil, fmt.Errorf("server %s: url is required for streamable-http transport", spec.Name)
		}
		return NewStreamableHTTPClient(spec), nil

	default:
		return nil, fmt.Errorf("server %s: unsupported transport %s", spec.Name, t)
	}
}
