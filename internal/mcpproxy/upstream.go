package mcpproxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/gobbylog"
)

// ConnState is one upstream connection's lifecycle state.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateReady      ConnState = "ready"
	StateDegraded   ConnState = "degraded"
	StateClosed     ConnState = "closed"
)

// UpstreamClient is the slice of the MCP client surface the proxy
// needs. *client.Client satisfies it; tests substitute fakes.
type UpstreamClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens a transport to an upstream described by cfg.
type Dialer func(ctx context.Context, cfg config.MCPServerConfig) (UpstreamClient, error)

// DefaultDialer opens a stdio or streamable-HTTP client per the config
// entry's transport field.
func DefaultDialer(ctx context.Context, cfg config.MCPServerConfig) (UpstreamClient, error) {
	switch cfg.Transport {
	case "", "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "http":
		c, err := client.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, gobbyerr.New(gobbyerr.InvalidInput, fmt.Sprintf("unknown MCP transport %q", cfg.Transport))
	}
}

const (
	initialBackoff = time.Second
	defaultMaxBackoff = 2 * time.Minute
)

// Upstream is one proxied MCP server connection with its state machine:
// idle -> connecting -> ready -> degraded -> closed. A degraded upstream
// keeps reporting its last-known catalog but refuses tool calls until it
// reconnects.
type Upstream struct {
	Name string

	cfg  config.MCPServerConfig
	dial Dialer
	log  *gobbylog.Logger

	maxBackoff time.Duration
	onChange   func(name string, state ConnState)

	mu          sync.Mutex
	state       ConnState
	client      UpstreamClient
	catalog     []mcp.Tool
	backoff     time.Duration
	gen         int
	maintaining bool
}

func newUpstream(cfg config.MCPServerConfig, dial Dialer, log *gobbylog.Logger, maxBackoff time.Duration, onChange func(string, ConnState)) *Upstream {
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Upstream{
		Name:       cfg.Name,
		cfg:        cfg,
		dial:       dial,
		log:        log,
		maxBackoff: maxBackoff,
		onChange:   onChange,
		state:      StateIdle,
		backoff:    initialBackoff,
	}
}

// State returns the current connection state.
func (u *Upstream) State() ConnState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Catalog returns the last-known tool catalog. The slice is the
// immutable catalog of the current connection generation; callers must
// not mutate it.
func (u *Upstream) Catalog() []mcp.Tool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.catalog
}

func (u *Upstream) setState(s ConnState) {
	u.mu.Lock()
	changed := u.state != s
	u.state = s
	u.mu.Unlock()
	if changed && u.onChange != nil {
		u.onChange(u.Name, s)
	}
}

// connect dials, initializes, and indexes the catalog. On success the
// upstream is ready and its backoff resets; on failure it is degraded
// and the caller owns scheduling the retry.
func (u *Upstream) connect(ctx context.Context) error {
	u.setState(StateConnecting)

	c, err := u.dial(ctx, u.cfg)
	if err != nil {
		u.setState(StateDegraded)
		return err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "gobby", Version: "1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		u.setState(StateDegraded)
		return err
	}

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		u.setState(StateDegraded)
		return err
	}

	u.mu.Lock()
	u.client = c
	u.catalog = tools.Tools
	u.gen++
	u.backoff = initialBackoff
	u.mu.Unlock()
	u.setState(StateReady)
	u.log.Info("upstream %s ready, %d tools", u.Name, len(tools.Tools))
	return nil
}

// maintain runs the reconnect loop until the upstream is ready, closed,
// or ctx is done, backing off exponentially between attempts. A loop
// entered because of a mid-call degrade waits out the backoff before
// redialing; at most one loop runs per upstream.
func (u *Upstream) maintain(ctx context.Context) {
	u.mu.Lock()
	if u.maintaining {
		u.mu.Unlock()
		return
	}
	u.maintaining = true
	delayFirst := u.state == StateDegraded
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.maintaining = false
		u.mu.Unlock()
	}()

	for {
		if u.State() == StateClosed {
			return
		}
		if delayFirst {
			select {
			case <-ctx.Done():
				return
			case <-time.After(u.nextBackoff()):
			}
			if u.State() == StateClosed {
				return
			}
		}
		delayFirst = true

		err := u.connect(ctx)
		if err == nil {
			return
		}
		u.log.Warn("upstream %s connect failed: %v", u.Name, err)
	}
}

func (u *Upstream) nextBackoff() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	wait := u.backoff
	u.backoff *= 2
	if u.backoff > u.maxBackoff {
		u.backoff = u.maxBackoff
	}
	return wait
}

// call routes one tool call to the upstream. A non-ready upstream, or a
// transport failure mid-call, yields UpstreamUnavailable; the transport
// failure also degrades the connection.
func (u *Upstream) call(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	u.mu.Lock()
	state, c := u.state, u.client
	u.mu.Unlock()

	if state != StateReady || c == nil {
		return nil, gobbyerr.New(gobbyerr.UpstreamUnavailable, fmt.Sprintf("upstream %s is %s", u.Name, state))
	}
	res, err := c.CallTool(ctx, req)
	if err != nil {
		u.setState(StateDegraded)
		return nil, gobbyerr.Wrap(gobbyerr.UpstreamUnavailable, fmt.Sprintf("upstream %s call failed", u.Name), err)
	}
	return res, nil
}

// close terminates the connection permanently.
func (u *Upstream) close() {
	u.mu.Lock()
	c := u.client
	u.client = nil
	u.mu.Unlock()
	if c != nil {
		c.Close()
	}
	u.setState(StateClosed)
}
