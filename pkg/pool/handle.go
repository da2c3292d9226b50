package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/internal/observability"
	"github.com/luciuslab/concierge/pkg/agent"
	"github.com/luciuslab/concierge/pkg/mcpconn"
)

// State tracks the lifecycle of a session handle
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ToolConn is the connection a handle holds to one tool server.
type ToolConn interface {
	Name() string
	Info() (mcpconn.ServerInfo, bool)
	Running() bool
	ListTools(ctx context.Context) ([]mcpconn.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error)
	Close() error
}

// Connector establishes tool-server connections for a session.
type Connector interface {
	Connect(ctx context.Context, sessionKey string) ([]ToolConn, error)
}

// ToolServerConnector launches the configured tool-server subprocesses.
type ToolServerConnector struct {
	servers []config.ToolServerConfig
}

// NewToolServerConnector creates a connector for the configured servers.
func NewToolServerConnector(servers []config.ToolServerConfig) *ToolServerConnector {
	return &ToolServerConnector{servers: servers}
}

// Connect starts one client per configured server. The session key is
// passed through the environment so per-session credentials resolve.
func (c *ToolServerConnector) Connect(ctx context.Context, sessionKey string) ([]ToolConn, error) {
	sessionEnv := map[string]string{
		"CONCIERGE_SESSION_KEY": sessionKey,
	}

	conns := make([]ToolConn, 0, len(c.servers))
	for _, server := range c.servers {
		client := mcpconn.NewClient(server, sessionEnv)
		if err := client.Start(ctx); err != nil {
			for _, conn := range conns {
				_ = conn.Close()
			}
			return nil, err
		}
		conns = append(conns, client)
	}
	return conns, nil
}

// Handle owns the live resources for one session: the tool-server
// connections and the metadata captured when they initialized.
type Handle struct {
	key string

	mu            sync.Mutex
	state         State
	conns         []ToolConn
	createdAt     time.Time
	initializedAt time.Time
	lastUsed      time.Time
}

func newHandle(key string) *Handle {
	now := time.Now()
	return &Handle{
		key:       key,
		state:     StateUninitialized,
		createdAt: now,
		lastUsed:  now,
	}
}

// SessionKey returns the session key this handle belongs to.
func (h *Handle) SessionKey() string {
	return h.key
}

// State returns the current handle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Init establishes all tool-server connections. It moves the handle to
// Ready on success and tears down partial connections on failure.
func (h *Handle) Init(ctx context.Context, connector Connector) error {
	h.mu.Lock()
	if h.state == StateReady {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	start := time.Now()
	conns, err := connector.Connect(ctx, h.key)
	if err != nil {
		h.mu.Lock()
		h.state = StateUninitialized
		h.mu.Unlock()
		return faults.Wrap(err, faults.CodeInitFailed, "session initialization failed")
	}

	h.mu.Lock()
	old := h.conns
	h.conns = conns
	h.state = StateReady
	h.initializedAt = time.Now()
	h.mu.Unlock()

	for _, conn := range old {
		_ = conn.Close()
	}

	observability.RecordHandleInit(time.Since(start))
	log.Info().
		Str("sessionKey", h.key).
		Int("toolServers", len(conns)).
		Dur("duration", time.Since(start)).
		Msg("Session handle initialized")

	return nil
}

// MarkDegraded flags the handle so it is fully reinitialized before the
// next use. A request that timed out may still be holding the underlying
// connections.
func (h *Handle) MarkDegraded(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDegraded {
		return
	}
	h.state = StateDegraded
	log.Warn().Str("sessionKey", h.key).Str("reason", reason).Msg("Session handle degraded")
}

// Touch records use for idle-eviction accounting.
func (h *Handle) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUsed = time.Now()
}

// LastUsed returns when the handle was last checked out or returned.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// ServerInfos returns the stored initialize metadata per tool server.
// No network traffic happens here; connection probes rely on that.
func (h *Handle) ServerInfos() []mcpconn.ServerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]mcpconn.ServerInfo, 0, len(h.conns))
	for _, conn := range h.conns {
		if info, ok := conn.Info(); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// Healthy reports whether every connection still has valid stored
// metadata and a live process.
func (h *Handle) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateReady || len(h.conns) == 0 {
		return false
	}
	for _, conn := range h.conns {
		if _, ok := conn.Info(); !ok {
			return false
		}
		if !conn.Running() {
			return false
		}
	}
	return true
}

// Tools implements agent.ToolBroker by aggregating every connection's
// tool list. Names are prefixed with the server name on collision.
func (h *Handle) Tools(ctx context.Context) ([]agent.ToolSpec, error) {
	h.mu.Lock()
	conns := make([]ToolConn, len(h.conns))
	copy(conns, h.conns)
	h.mu.Unlock()

	seen := make(map[string]bool)
	specs := []agent.ToolSpec{}

	for _, conn := range conns {
		defs, err := conn.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools from %s: %w", conn.Name(), err)
		}
		for _, def := range defs {
			name := def.Name
			if seen[name] {
				name = conn.Name() + "__" + name
			}
			seen[name] = true

			spec := agent.ToolSpec{Name: name, Description: def.Description}
			if len(def.InputSchema) > 0 {
				var schema map[string]interface{}
				if err := json.Unmarshal(def.InputSchema, &schema); err == nil {
					spec.InputSchema = schema
				}
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

// CallTool implements agent.ToolBroker. It routes the call to whichever
// connection owns the tool.
func (h *Handle) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	h.mu.Lock()
	conns := make([]ToolConn, len(h.conns))
	copy(conns, h.conns)
	h.mu.Unlock()

	serverName, toolName := splitToolName(name)

	for _, conn := range conns {
		if serverName != "" && conn.Name() != serverName {
			continue
		}
		defs, err := conn.ListTools(ctx)
		if err != nil {
			continue
		}
		for _, def := range defs {
			if def.Name != toolName {
				continue
			}
			result, err := conn.CallTool(ctx, toolName, args)
			if err != nil {
				return "", err
			}
			return renderToolResult(result), nil
		}
	}

	return "", fmt.Errorf("tool not found: %s", name)
}

// Close tears down all connections. The handle is unusable afterwards.
func (h *Handle) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.state = StateUninitialized
	h.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func splitToolName(name string) (server, tool string) {
	if idx := strings.Index(name, "__"); idx > 0 {
		return name[:idx], name[idx+2:]
	}
	return "", name
}

// renderToolResult flattens a tool result into text for the model.
func renderToolResult(result map[string]interface{}) string {
	if content, ok := result["content"].([]interface{}); ok {
		var sb strings.Builder
		for _, item := range content {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(text)
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
