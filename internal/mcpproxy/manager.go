// Package mcpproxy fans one client-facing MCP endpoint out across many
// upstream MCP servers and in-process internal registries. It owns the
// upstream connection pool and its reconnect loops, indexes every
// server's tool catalog under prefixed announced names, filters the
// merged catalog by the active workflow phase, and routes tool calls to
// the owning connection.
package mcpproxy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sourcegraph/conc"

	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/gobbylog"
)

// announcedPrefix separates the owning server from the tool in the
// names the proxy announces to the client: mcp__<server>__<tool>.
const announcedPrefix = "mcp__"

// AnnouncedName builds the client-facing name for a server's tool.
func AnnouncedName(server, tool string) string {
	return announcedPrefix + server + "__" + tool
}

// SplitAnnouncedName is the inverse of AnnouncedName.
func SplitAnnouncedName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, announcedPrefix) {
		return "", "", false
	}
	rest := name[len(announcedPrefix):]
	i := strings.Index(rest, "__")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+2:], true
}

// InternalTool pairs a tool definition with its in-process handler.
type InternalTool struct {
	Tool    mcp.Tool
	Handler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// InternalServer is a virtual MCP server handled in-process against the
// daemon's storage (gobby-tasks, gobby-sessions, ...).
type InternalServer struct {
	Name  string
	Tools []InternalTool
}

// ToolFilter decides whether a tool (by announced name) is visible to a
// session given its current workflow phase. A nil filter announces
// everything.
type ToolFilter func(sessionID, announcedName string) bool

// StateListener observes upstream connection state transitions.
type StateListener func(upstream string, state ConnState)

// Manager is the proxy's composition point.
type Manager struct {
	log        *gobbylog.Logger
	dial       Dialer
	filter     ToolFilter
	listener   StateListener
	maxBackoff time.Duration

	wg     conc.WaitGroup
	runCtx context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	upstreams map[string]*Upstream
	internals map[string]*InternalServer
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer overrides the transport dialer (tests, embedding).
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dial = d } }

// WithToolFilter installs the phase-based catalog filter.
func WithToolFilter(f ToolFilter) Option { return func(m *Manager) { m.filter = f } }

// WithStateListener installs a connection state observer.
func WithStateListener(l StateListener) Option { return func(m *Manager) { m.listener = l } }

// WithMaxBackoff caps the reconnect backoff.
func WithMaxBackoff(d time.Duration) Option { return func(m *Manager) { m.maxBackoff = d } }

// NewManager creates a Manager with no servers configured yet.
func NewManager(log *gobbylog.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:       log,
		dial:      DefaultDialer,
		upstreams: map[string]*Upstream{},
		internals: map[string]*InternalServer{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddUpstream registers an upstream server from config. Connection does
// not start until Start.
func (m *Manager) AddUpstream(cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return gobbyerr.New(gobbyerr.InvalidInput, "mcp server entry has no name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.upstreams[cfg.Name]; dup {
		return gobbyerr.New(gobbyerr.Conflict, fmt.Sprintf("duplicate mcp server %q", cfg.Name))
	}
	if _, dup := m.internals[cfg.Name]; dup {
		return gobbyerr.New(gobbyerr.Conflict, fmt.Sprintf("mcp server %q collides with an internal registry", cfg.Name))
	}
	m.upstreams[cfg.Name] = newUpstream(cfg, m.dial, m.log.With(cfg.Name), m.maxBackoff, m.onStateChange)
	return nil
}

// Mount registers an internal registry as a virtual server.
func (m *Manager) Mount(reg *InternalServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.internals[reg.Name]; dup {
		return gobbyerr.New(gobbyerr.Conflict, fmt.Sprintf("duplicate internal registry %q", reg.Name))
	}
	if _, dup := m.upstreams[reg.Name]; dup {
		return gobbyerr.New(gobbyerr.Conflict, fmt.Sprintf("internal registry %q collides with an upstream", reg.Name))
	}
	m.internals[reg.Name] = reg
	return nil
}

func (m *Manager) onStateChange(name string, state ConnState) {
	// A mid-call degrade restarts the reconnect loop; maintain itself
	// guarantees at most one loop per upstream.
	if state == StateDegraded {
		m.mu.Lock()
		u, ok := m.upstreams[name]
		ctx := m.runCtx
		m.mu.Unlock()
		if ok && ctx != nil && ctx.Err() == nil {
			m.wg.Go(func() { u.maintain(ctx) })
		}
	}
	if m.listener != nil {
		m.listener(name, state)
	}
}

// Start launches the reconnect loop for every configured upstream.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.runCtx = ctx
	m.mu.Lock()
	ups := make([]*Upstream, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		ups = append(ups, u)
	}
	m.mu.Unlock()
	for _, u := range ups {
		u := u
		m.wg.Go(func() { u.maintain(ctx) })
	}
}

// Close tears everything down and waits for the maintain loops.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	for _, u := range m.upstreams {
		u.close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// UpstreamState reports one upstream's connection state.
func (m *Manager) UpstreamState(name string) (ConnState, bool) {
	m.mu.Lock()
	u, ok := m.upstreams[name]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return u.State(), true
}

// ListTools returns the merged, announced catalog visible to sessionID:
// every internal registry tool plus every connected upstream's
// last-known catalog, renamed with the owning server's prefix, with
// tools disallowed by the session's current phase removed.
func (m *Manager) ListTools(sessionID string) []mcp.Tool {
	m.mu.Lock()
	internals := make([]*InternalServer, 0, len(m.internals))
	for _, r := range m.internals {
		internals = append(internals, r)
	}
	ups := make([]*Upstream, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		ups = append(ups, u)
	}
	m.mu.Unlock()

	var out []mcp.Tool
	for _, reg := range internals {
		for _, t := range reg.Tools {
			announced := t.Tool
			announced.Name = AnnouncedName(reg.Name, t.Tool.Name)
			if m.visible(sessionID, announced.Name) {
				out = append(out, announced)
			}
		}
	}
	for _, u := range ups {
		for _, t := range u.Catalog() {
			announced := t
			announced.Name = AnnouncedName(u.Name, t.Name)
			if m.visible(sessionID, announced.Name) {
				out = append(out, announced)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) visible(sessionID, announcedName string) bool {
	return m.filter == nil || m.filter(sessionID, announcedName)
}

// CallTool routes an announced tool call to its owning server. Internal
// registry handlers run in-process and report their own structured
// errors; upstream transport failures surface as UpstreamUnavailable.
func (m *Manager) CallTool(ctx context.Context, sessionID, announcedName string, args map[string]any) (*mcp.CallToolResult, error) {
	server, tool, ok := SplitAnnouncedName(announcedName)
	if !ok {
		return nil, gobbyerr.New(gobbyerr.NotFound, fmt.Sprintf("tool %q is not announced by this proxy", announcedName))
	}
	if !m.visible(sessionID, announcedName) {
		return nil, gobbyerr.New(gobbyerr.PermissionDenied, fmt.Sprintf("tool %s is not available in the current phase", announcedName))
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	m.mu.Lock()
	reg, isInternal := m.internals[server]
	u, isUpstream := m.upstreams[server]
	m.mu.Unlock()

	if isInternal {
		for _, t := range reg.Tools {
			if t.Tool.Name == tool {
				return t.Handler(ctx, req)
			}
		}
		return nil, gobbyerr.New(gobbyerr.NotFound, fmt.Sprintf("internal registry %s has no tool %q", server, tool))
	}
	if isUpstream {
		return u.call(ctx, req)
	}
	return nil, gobbyerr.New(gobbyerr.NotFound, fmt.Sprintf("no server %q", server))
}
