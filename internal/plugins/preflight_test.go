package plugins

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repoInput struct {
	Repo string `json:"repo" jsonschema:"owner/name of the repository"`
}

func repoTool(ctx context.Context, req *mcp.CallToolRequest, in repoInput) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Repo}}}, nil, nil
}

// newMCPServer serves an MCP server with two tools over streamable HTTP and
// records the Authorization header of every request.
func newMCPServer(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "github", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "list_issues", Description: "List issues"}, repoTool)
	mcp.AddTool(server, &mcp.Tool{Name: "create_repo", Description: "Create a repository"}, repoTool)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)

	var mu sync.Mutex
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), auth...)
	}
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func TestPreflightListsTools(t *testing.T) {
	srv, headers := newMCPServer(t)
	desc := &MCPDescriptor{
		Name:         "github",
		Capabilities: []string{"github"},
		Handler:      TransportHTTP,
		URL:          srv.URL,
		Config:       map[string]string{"Authorization": "env:GITHUB_TOKEN"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := Preflight(ctx, desc, lookupFrom(map[string]string{"GITHUB_TOKEN": "Bearer secret"}))
	require.NoError(t, err)

	assert.Equal(t, "github", res.Server)
	assert.Equal(t, []string{"create_repo", "list_issues"}, res.Tools)

	seen := headers()
	require.NotEmpty(t, seen)
	for _, h := range seen {
		assert.Equal(t, "Bearer secret", h)
	}
}

func TestPreflightMissingSecret(t *testing.T) {
	srv, headers := newMCPServer(t)
	desc := &MCPDescriptor{
		Name:    "github",
		Handler: TransportHTTP,
		URL:     srv.URL,
		Config:  map[string]string{"Authorization": "env:GITHUB_TOKEN"},
	}

	_, err := Preflight(context.Background(), desc, lookupFrom(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingSecret))
	assert.Contains(t, err.Error(), "GITHUB_TOKEN")
	assert.Empty(t, headers(), "no request is made without the secret")
}

func TestPreflightUnknownTransport(t *testing.T) {
	desc := &MCPDescriptor{Name: "ftp", Handler: "ftp"}

	_, err := Preflight(context.Background(), desc, lookupFrom(nil))
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestPreflightUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	desc := &MCPDescriptor{Name: "gone", Handler: TransportHTTP, URL: url}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Preflight(ctx, desc, lookupFrom(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone")
}
