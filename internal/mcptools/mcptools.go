// Package mcptools discovers tools exposed by configured Model Context
// Protocol servers at startup, for consumption by the agent registry and
// speaker selector.
package mcptools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/observability"
)

// ToolInfo describes one tool discovered on an MCP server, named
// "<server>_<tool>" to avoid collisions across servers.
type ToolInfo struct {
	Name        string
	Server      string
	Description string
}

// Manager holds live sessions to configured MCP servers and the tools they
// advertised at connect time.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*mcppkg.ClientSession
	tools    map[string][]ToolInfo // server name -> tools
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*mcppkg.ClientSession),
		tools:    make(map[string][]ToolInfo),
	}
}

// Close closes every active session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		_ = s.Close()
	}
}

// DiscoverAll connects to every configured server and lists its tools.
// A server that fails to connect is skipped rather than failing startup,
// since tool discovery degrades gracefully: agents simply advertise fewer
// tools.
func (m *Manager) DiscoverAll(ctx context.Context, servers []config.MCPServerConfig) {
	log := observability.LoggerWithTrace(ctx)
	for _, srv := range servers {
		if err := m.discoverOne(ctx, srv); err != nil {
			log.Warn().Err(err).Str("mcp_server", srv.Name).Msg("mcp server discovery failed")
		}
	}
}

func (m *Manager) discoverOne(ctx context.Context, srv config.MCPServerConfig) error {
	name := strings.TrimSpace(srv.Name)
	if name == "" {
		return fmt.Errorf("mcp server name required")
	}

	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "conclave", Version: "1"}, nil)

	var session *mcppkg.ClientSession
	var err error
	switch {
	case strings.TrimSpace(srv.Command) != "":
		cmd := exec.Command(srv.Command)
		session, err = client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	case strings.TrimSpace(srv.URL) != "":
		transport := &mcppkg.StreamableClientTransport{Endpoint: srv.URL}
		session, err = client.Connect(ctx, transport, nil)
	default:
		return fmt.Errorf("mcp server %q: neither command nor url configured", name)
	}
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var discovered []ToolInfo
	for tool, terr := range session.Tools(ctx, nil) {
		if terr != nil {
			break
		}
		discovered = append(discovered, ToolInfo{
			Name:        sanitizeName(name + "_" + tool.Name),
			Server:      name,
			Description: tool.Description,
		})
	}

	m.mu.Lock()
	m.sessions[name] = session
	m.tools[name] = discovered
	m.mu.Unlock()
	return nil
}

// ListTools returns every tool discovered across all connected servers.
func (m *Manager) ListTools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ToolInfo
	for _, ts := range m.tools {
		out = append(out, ts...)
	}
	return out
}

// ToolsForServer returns the tools discovered on one named server.
func (m *Manager) ToolsForServer(server string) []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolInfo, len(m.tools[server]))
	copy(out, m.tools[server])
	return out
}

func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
