package upstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"junction/internal/gwerr"
)

// AuthRequiredError signals that the upstream answered the handshake
// with an OAuth challenge. The fleet parks the client in AwaitingAuth
// until the external flow completes.
type AuthRequiredError struct {
	Server string
	URL    string
	// Handler is the SDK's OAuth handler when the challenge carried
	// one; it drives the authorization-code exchange.
	Handler *transport.OAuthHandler
	Err     error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("server %s at %s requires authorization", e.Server, e.URL)
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Err
}

// IsAuthRequired reports whether err is an authorization challenge from
// either the typed SDK error or this package's own wrapper.
func IsAuthRequired(err error) bool {
	var authErr *AuthRequiredError
	return errors.As(err, &authErr) || gwerr.Is(err, gwerr.KindAuthRequired)
}

// checkAuthRequired inspects a failed connect and returns a typed
// AuthRequiredError when the failure was a 401/OAuth challenge, nil
// otherwise.
func checkAuthRequired(err error, server, url string) *AuthRequiredError {
	if err == nil {
		return nil
	}

	if client.IsOAuthAuthorizationRequiredError(err) {
		return &AuthRequiredError{
			Server:  server,
			URL:     url,
			Handler: client.GetOAuthHandler(err),
			Err:     err,
		}
	}

	// Servers without OAuth metadata still answer 401; treat that the
	// same way so the awaiting-auth path is uniform.
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized") {
		return &AuthRequiredError{Server: server, URL: url, Err: err}
	}

	return nil
}
