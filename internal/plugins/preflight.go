package plugins

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// PreflightResult describes a reachable MCP server.
type PreflightResult struct {
	Server string
	Tools  []string
}

// headerTransport adds resolved config values as request headers.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// Preflight connects to the MCP server described by desc and lists its
// tools. Secrets are resolved through lookup. For stdio servers the resolved
// config is passed as environment; for http servers as request headers.
func Preflight(ctx context.Context, desc *MCPDescriptor, lookup func(string) (string, bool)) (*PreflightResult, error) {
	cfg, err := desc.ResolveConfig(lookup)
	if err != nil {
		return nil, err
	}

	var transport mcp.Transport
	switch desc.Handler {
	case TransportStdio:
		cmd := exec.CommandContext(ctx, desc.Command, desc.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcp.CommandTransport{Command: cmd}
	case TransportHTTP:
		transport = &mcp.StreamableClientTransport{
			Endpoint: desc.URL,
			HTTPClient: &http.Client{
				Timeout:   30 * time.Second,
				Transport: &headerTransport{base: http.DefaultTransport, headers: cfg},
			},
		}
	default:
		return nil, fmt.Errorf("%w: transport %q", ErrUnknownHandler, desc.Handler)
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "foreman",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server %s: %w", desc.Name, err)
	}
	defer session.Close()

	res, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools of %s: %w", desc.Name, err)
	}

	out := &PreflightResult{Server: desc.Name}
	for _, t := range res.Tools {
		out.Tools = append(out.Tools, t.Name)
	}
	sort.Strings(out.Tools)
	return out, nil
}
