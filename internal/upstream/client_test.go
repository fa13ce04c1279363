package upstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"junction/internal/config"
	"junction/internal/gwerr"
)

func TestNew_TransportDispatch(t *testing.T) {
	tests := []struct {
		name string
		spec config.ServerSpec
		want any
	}{
		{"stdio", config.ServerSpec{Name: "a", Command: "bin"}, &StdioClient{}},
		{"sse", config.ServerSpec{Name: "a", URL: "https://x.test/sse"}, &SSEClient{}},
		{"http", config.ServerSpec{Name: "a", URL: "https://x.test/mcp"}, &StreamableHTTPClient{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.spec)
			require.NoError(t, err)
			assert.IsType(t, tt.want, c)
		})
	}
}

func TestNew_MissingFields(t *testing.T) {
	_, err := New(config.ServerSpec{Name: "a"})
	assert.Error(t, err)
}

func TestOperationsFailFastWhenNotConnected(t *testing.T) {
	c := NewStdioClient(config.ServerSpec{Name: "files", Command: "bin"})
	ctx := context.Background()

	_, err := c.ListTools(ctx)
	assert.True(t, gwerr.Is(err, gwerr.KindNotReady))

	_, err = c.CallTool(ctx, "t", nil)
	assert.True(t, gwerr.Is(err, gwerr.KindNotReady))

	_, err = c.ReadResource(ctx, "file:///x")
	assert.True(t, gwerr.Is(err, gwerr.KindNotReady))

	assert.True(t, gwerr.Is(c.Ping(ctx), gwerr.KindNotReady))
}

func TestCloseWithoutConnectIsNoop(t *testing.T) {
	c := NewSSEClient(config.ServerSpec{Name: "a", URL: "https://x.test/sse"})
	assert.NoError(t, c.Close())
}

func TestWrapCallError(t *testing.T) {
	base := errors.New("boom")

	err := wrapCallError(context.Background(), "srv", "tool", base)
	assert.True(t, gwerr.Is(err, gwerr.KindUpstream))
	assert.ErrorIs(t, err, base)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = wrapCallError(ctx, "srv", "tool", base)
	assert.True(t, gwerr.Is(err, gwerr.KindTimeout))
}

func TestCheckAuthRequired(t *testing.T) {
	assert.Nil(t, checkAuthRequired(nil, "srv", "https://x.test"))
	assert.Nil(t, checkAuthRequired(errors.New("connection refused"), "srv", "https://x.test"))

	authErr := checkAuthRequired(errors.New("request failed: 401 Unauthorized"), "srv", "https://x.test")
	require.NotNil(t, authErr)
	assert.Equal(t, "srv", authErr.Server)
	assert.True(t, IsAuthRequired(authErr))
}
