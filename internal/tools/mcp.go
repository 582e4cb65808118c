package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPSeparator joins a server name and a tool name. Provider function-name
// rules rule out '.', so a double underscore is used.
const MCPSeparator = "__"

// MCPServerConfig describes a stdio MCP server.
type MCPServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// MCPSession is the subset of *mcp.ClientSession the bridge uses.
type MCPSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// MCPServer exposes the tools of one connected MCP server.
type MCPServer struct {
	name    string
	session MCPSession
	logger  *slog.Logger
}

// ConnectMCP starts the server process and completes the MCP handshake.
func ConnectMCP(ctx context.Context, cfg MCPServerConfig, logger *slog.Logger) (*MCPServer, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, errors.New("mcp server needs a name and a command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "mech", Version: "v1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", cfg.Name, err)
	}
	return NewMCPServer(cfg.Name, session, logger), nil
}

// NewMCPServer wraps an established session.
func NewMCPServer(name string, session MCPSession, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPServer{name: name, session: session, logger: logger}
}

// Name returns the server name used to namespace its tools.
func (s *MCPServer) Name() string { return s.name }

// Close ends the session and stops the server process.
func (s *MCPServer) Close() error { return s.session.Close() }

// Tools lists the server's tools as executable tools named
// "<server>__<tool>".
func (s *MCPServer) Tools(ctx context.Context) ([]Tool, error) {
	res, err := s.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", s.name, err)
	}

	out := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		if t == nil {
			continue
		}
		remote := t.Name
		out = append(out, New(
			s.name+MCPSeparator+remote,
			t.Description,
			schemaFromMCP(t.InputSchema),
			func(ctx context.Context, args map[string]any) (any, error) {
				return s.call(ctx, remote, args)
			},
		))
	}
	s.logger.Debug("mcp tools loaded", "server", s.name, "count", len(out))
	return out, nil
}

func (s *MCPServer) call(ctx context.Context, name string, args map[string]any) (any, error) {
	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp %s/%s: %w", s.name, name, err)
	}

	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" && res.StructuredContent != nil {
		text = Stringify(res.StructuredContent)
	}
	if res.IsError {
		return nil, fmt.Errorf("mcp %s/%s: %s", s.name, name, text)
	}
	return text, nil
}

// schemaFromMCP accepts whatever representation the SDK decoded the input
// schema into and normalizes it through JSON.
func schemaFromMCP(raw any) Schema {
	var s Schema
	if raw == nil {
		return s.normalized()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return s.normalized()
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}.normalized()
	}
	return s.normalized()
}

// SplitMCPName splits a namespaced tool name into server and tool.
func SplitMCPName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, MCPSeparator)
	return server, tool, ok
}
