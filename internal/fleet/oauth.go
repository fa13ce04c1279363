package fleet

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"golang.org/x/oauth2"

	"junction/internal/config"
	"junction/internal/gwerr"
	"junction/internal/upstream"
	"junction/pkg/logging"
)

// authFlowTimeout bounds metadata discovery when building the
// authorization URL.
const authFlowTimeout = 10 * time.Second

// authFlow captures the state and PKCE verifier generated when a
// client entered AwaitingAuth, needed to finish the code exchange.
type authFlow struct {
	state      string
	verifier   string
	authURL    string
	viaHandler bool
}

func (f *Fleet) putAuthFlow(name string, flow *authFlow) {
	f.authFlowsMu.Lock()
	defer f.authFlowsMu.Unlock()
	f.authFlows[name] = flow
}

func (f *Fleet) takeAuthFlow(name string) *authFlow {
	f.authFlowsMu.Lock()
	defer f.authFlowsMu.Unlock()
	flow := f.authFlows[name]
	delete(f.authFlows, name)
	return flow
}

// prepareAuthFlow builds the browser authorization URL for a client
// sitting in AwaitingAuth and remembers the state/verifier pair for the
// later completion call. Returns the URL to surface in the event, or
// the server URL itself when nothing better is available.
func (f *Fleet) prepareAuthFlow(name string) string {
	client, err := f.Get(name)
	if err != nil {
		return ""
	}
	challenge := client.AuthChallenge()
	if challenge == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), authFlowTimeout)
	defer cancel()

	if challenge.Handler != nil {
		state, err := mcpclient.GenerateState()
		if err != nil {
			logging.Warn("Fleet", "Generating OAuth state for %s: %v", name, err)
			return challenge.URL
		}
		verifier, err := mcpclient.GenerateCodeVerifier()
		if err != nil {
			logging.Warn("Fleet", "Generating PKCE verifier for %s: %v", name, err)
			return challenge.URL
		}
		codeChallenge := mcpclient.GenerateCodeChallenge(verifier)

		authURL, err := challenge.Handler.GetAuthorizationURL(ctx, state, codeChallenge)
		if err != nil {
			logging.Warn("Fleet", "Building authorization URL for %s: %v", name, err)
			return challenge.URL
		}

		f.putAuthFlow(name, &authFlow{state: state, verifier: verifier, authURL: authURL, viaHandler: true})
		return authURL
	}

	spec := client.Spec()
	if spec.OAuth == nil {
		return challenge.URL
	}

	cfg := oauthConfigFor(spec)
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	f.putAuthFlow(name, &authFlow{state: state, verifier: verifier, authURL: authURL})
	return authURL
}

// CompleteOAuthAndReconnect is the single ingress for the external
// authorization flow: called with the code from the browser redirect,
// it finishes the token exchange and drives the client from
// AwaitingAuth back through Connecting.
func (f *Fleet) CompleteOAuthAndReconnect(ctx context.Context, name, authCode string) error {
	client, err := f.Get(name)
	if err != nil {
		return err
	}
	if client.State() != StateAwaitingAuth {
		return &gwerr.Error{Kind: gwerr.KindValidation, Server: name, Msg: "server is not awaiting authorization"}
	}

	flow := f.takeAuthFlow(name)
	challenge := client.AuthChallenge()

	if flow != nil && flow.viaHandler && challenge != nil && challenge.Handler != nil {
		if err := challenge.Handler.ProcessAuthorizationResponse(ctx, authCode, flow.state, flow.verifier); err != nil {
			// Put the flow back so the user can retry with a fresh code.
			f.putAuthFlow(name, flow)
			return &gwerr.Error{Kind: gwerr.KindAuthRequired, Server: name, Msg: "authorization code exchange failed", Err: err}
		}
	} else {
		if err := f.exchangeDirect(ctx, client, flow, authCode); err != nil {
			if flow != nil {
				f.putAuthFlow(name, flow)
			}
			return err
		}
	}

	logging.Info("Fleet", "Authorization completed for %s, reconnecting", name)

	f.cancelStart(name)
	client.disconnect()

	startCtx, cancel := context.WithCancel(ctx)
	handle := f.trackStart(name, cancel)
	defer f.untrackStart(name, handle)

	return client.start(startCtx)
}

// exchangeDirect performs the authorization-code exchange when the
// upstream issued a bare 401 without OAuth discovery metadata. The
// endpoints are derived from the server URL origin; the resulting
// token is seeded into the transport's token store so the reconnect
// carries it.
func (f *Fleet) exchangeDirect(ctx context.Context, client *Client, flow *authFlow, authCode string) error {
	spec := client.Spec()
	if spec.OAuth == nil {
		return &gwerr.Error{Kind: gwerr.KindAuthRequired, Server: spec.Name, Msg: "server has no oauth configuration"}
	}

	cfg := oauthConfigFor(spec)
	var opts []oauth2.AuthCodeOption
	if flow != nil {
		opts = append(opts, oauth2.VerifierOption(flow.verifier))
	}

	tok, err := cfg.Exchange(ctx, authCode, opts...)
	if err != nil {
		return &gwerr.Error{Kind: gwerr.KindAuthRequired, Server: spec.Name, Msg: "authorization code exchange failed", Err: err}
	}

	client.mu.RLock()
	adapter := client.transport
	client.mu.RUnlock()

	if sc, ok := adapter.(*upstream.StreamableHTTPClient); ok && sc.TokenStore() != nil {
		saveErr := sc.TokenStore().SaveToken(ctx, &transport.Token{
			AccessToken:  tok.AccessToken,
			TokenType:    tok.Type(),
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		})
		if saveErr != nil {
			return &gwerr.Error{Kind: gwerr.KindAuthRequired, Server: spec.Name, Msg: "storing exchanged token", Err: saveErr}
		}
	}

	return nil
}

// oauthConfigFor derives an oauth2 config from a server spec. Without
// discovery metadata the conventional /authorize and /token paths on
// the server origin are assumed.
func oauthConfigFor(spec config.ServerSpec) *oauth2.Config {
	origin := spec.URL
	if u, err := url.Parse(spec.URL); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	origin = strings.TrimSuffix(origin, "/")

	return &oauth2.Config{
		ClientID:     spec.OAuth.ClientID,
		ClientSecret: spec.OAuth.ClientSecret,
		Scopes:       spec.OAuth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  origin + "/authorize",
			TokenURL: origin + "/token",
		},
	}
}
