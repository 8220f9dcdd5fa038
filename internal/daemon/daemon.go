// Package daemon is the composition root: it loads configuration, opens
// the dual-write store, and wires evaluator -> rules -> workflow loader
// -> state -> engine -> actions -> MCP proxy -> hook pipeline ->
// autonomy -> lifecycle, top-down, with no package reaching for a
// global.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gobby-dev/gobby/internal/autonomy"
	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/eval"
	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/hookpipeline"
	"github.com/gobby-dev/gobby/internal/internalregistries"
	"github.com/gobby-dev/gobby/internal/lifecycle"
	"github.com/gobby-dev/gobby/internal/mcpproxy"
	"github.com/gobby-dev/gobby/internal/rules"
	"github.com/gobby-dev/gobby/internal/storage"
	"github.com/gobby-dev/gobby/internal/workflow/actions"
	"github.com/gobby-dev/gobby/internal/workflow/engine"
	"github.com/gobby-dev/gobby/internal/workflow/loader"
	"github.com/gobby-dev/gobby/internal/workflow/state"
)

// Options selects what New wires beyond the config file.
type Options struct {
	ProjectDir          string
	BundledWorkflowsDir string
	LLM                 actions.LLMClient // nil leaves LLM-backed actions as no-ops
}

// Daemon holds every running subsystem.
type Daemon struct {
	Config    *config.Config
	Store     *storage.Store
	Engine    *engine.Engine
	Pipeline  *hookpipeline.Pipeline
	Proxy     *mcpproxy.Manager
	Lifecycle *lifecycle.Manager
	Autonomy  *autonomy.Controller
	Workflows *loader.Registry

	watcher *loader.Watcher
	cancel  context.CancelFunc
	log     *gobbylog.Logger
}

// New wires a Daemon for the project at opts.ProjectDir. A project DB
// failure is fatal; a hub failure only disables mirroring.
func New(opts Options, log *gobbylog.Logger) (*Daemon, error) {
	cfg, err := config.Load(opts.ProjectDir)
	if err != nil {
		return nil, err
	}
	for _, warning := range config.AuditPermissions(cfg) {
		log.Warn("%s", warning)
	}

	hubPath := cfg.HubDatabasePath
	if hubPath == "" {
		hubPath, err = config.DefaultHubDatabasePath()
		if err != nil {
			log.Warn("no hub database path available, disabling hub writes: %v", err)
			hubPath = ""
		}
	}

	projectID := filepath.Base(opts.ProjectDir) + "-" + uuid.NewString()[:8]
	if existing, ok := readProjectID(opts.ProjectDir); ok {
		projectID = existing
	} else {
		writeProjectID(opts.ProjectDir, projectID, log)
	}

	store, err := storage.Open(opts.ProjectDir, projectID, hubPath, log.With("storage"))
	if err != nil {
		return nil, err
	}

	evaluator := eval.New()
	ruleReg := rules.NewRegistry()
	storedRules, err := store.Rules.All()
	if err != nil {
		log.Warn("loading stored rules: %v", err)
	}
	for i := range storedRules {
		ruleReg.Register(&storedRules[i])
	}
	if err := ruleReg.CompileAll(evaluator); err != nil {
		store.Close()
		return nil, err
	}

	workflows := loader.NewRegistry()
	if opts.BundledWorkflowsDir != "" {
		if err := workflows.LoadDir(opts.BundledWorkflowsDir, loader.TierBundled); err != nil {
			store.Close()
			return nil, err
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if err := workflows.LoadDir(filepath.Join(home, ".gobby", "workflows"), loader.TierUser); err != nil {
			log.Warn("loading user workflows: %v", err)
		}
	}
	if err := workflows.LoadDir(filepath.Join(opts.ProjectDir, ".gobby", "workflows"), loader.TierProject); err != nil {
		store.Close()
		return nil, err
	}

	stateMgr := state.New(store)
	spawner := &processSpawner{log: log.With("spawner")}
	ctrl := autonomy.New(store, spawner, log.With("autonomy"))
	executor := actions.NewExecutor()
	deps := &actions.Deps{
		Store:     store,
		State:     stateMgr,
		Evaluator: evaluator,
		Autonomy:  ctrl,
		LLM:       opts.LLM,
		Log:       log.With("actions"),
	}
	behaviors := rules.NewBehaviorRegistry()
	eng := engine.New(workflows, ruleReg, behaviors, stateMgr, store, evaluator, executor, deps, log.With("engine"))
	eng.DefaultWorkflow = "plan-execute"
	eng.AutonomousWorkflow = "auto-task"
	eng.LifecycleWorkflows = []string{"session-handoff"}

	proxy := mcpproxy.NewManager(log.With("mcpproxy"),
		mcpproxy.WithToolFilter(func(sessionID, announced string) bool {
			return eng.ToolVisible(sessionID, announced)
		}),
		mcpproxy.WithStateListener(func(name string, st mcpproxy.ConnState) {
			store.Bus.Publish(storage.ChangeEvent{Entity: "mcp_upstream", EntityID: name, Operation: string(st)})
		}),
	)
	for _, mc := range cfg.MCPServers {
		if err := proxy.AddUpstream(mc); err != nil {
			log.Warn("skipping mcp server %q: %v", mc.Name, err)
		}
	}
	registries := []*mcpproxy.InternalServer{
		internalregistries.Tasks(store),
		internalregistries.Sessions(store, ctrl),
		internalregistries.Workflows(workflows, eng),
		internalregistries.Memory(store),
		internalregistries.Skills(opts.ProjectDir),
	}
	for _, reg := range registries {
		if err := proxy.Mount(reg); err != nil {
			store.Close()
			return nil, err
		}
	}
	deps.MCP = &proxyCaller{proxy: proxy}

	pipe := hookpipeline.New(eng, store, log.With("pipeline"))
	pipe.Register("transcript-path", func(ctx context.Context, h *event.Hook) (event.Response, error) {
		if h.TranscriptPath != "" {
			if err := store.Sessions.SetTranscriptPath(h.SessionID, h.TranscriptPath); err != nil {
				return event.ContinueResponse(), err
			}
		}
		return event.ContinueResponse(), nil
	})

	lm := lifecycle.New(store, lifecycle.Config{
		ProjectDir:       opts.ProjectDir,
		DebounceInterval: time.Duration(cfg.AutonomousLoop.ExportDebounceSeconds) * time.Second,
		MemoriesJSONL:    cfg.Memory.Enabled,
	}, log.With("lifecycle"))

	watcher, err := loader.NewWatcher(workflows, log.With("watcher"))
	if err != nil {
		log.Warn("workflow watcher unavailable: %v", err)
		watcher = nil
	} else {
		watcher.OnReload = eng.Invalidate
		if opts.BundledWorkflowsDir != "" {
			watcher.WatchDir(opts.BundledWorkflowsDir, loader.TierBundled)
		}
		watcher.WatchDir(filepath.Join(opts.ProjectDir, ".gobby", "workflows"), loader.TierProject)
	}

	return &Daemon{
		Config:    cfg,
		Store:     store,
		Engine:    eng,
		Pipeline:  pipe,
		Proxy:     proxy,
		Lifecycle: lm,
		Autonomy:  ctrl,
		Workflows: workflows,
		watcher:   watcher,
		log:       log,
	}, nil
}

// Start launches the background machinery: upstream connections, the
// lifecycle loops, and the workflow watcher.
func (d *Daemon) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.Proxy.Start(ctx)
	d.Lifecycle.Start(ctx)
	if d.watcher != nil {
		go d.watcher.Run(ctx)
	}
}

// Close winds everything down in reverse dependency order.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.Lifecycle.Close()
	d.Proxy.Close()
	if err := d.Store.Close(); err != nil {
		d.log.Warn("closing store: %v", err)
	}
}

// proxyCaller adapts the proxy manager to the action executor's
// MCPCaller seam, flattening tool results into plain maps.
type proxyCaller struct {
	proxy *mcpproxy.Manager
}

func (p *proxyCaller) CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	res, err := p.proxy.CallTool(ctx, "", mcpproxy.AnnouncedName(server, tool), args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"is_error": res.IsError}
	var text string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	out["text"] = text
	if res.IsError {
		out["error"] = text
	}
	return out, nil
}

// projectIDFile pins the project's identity across daemon restarts.
const projectIDFile = "project-id"

func readProjectID(projectDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(projectDir, ".gobby", projectIDFile))
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func writeProjectID(projectDir, id string, log *gobbylog.Logger) {
	dir := filepath.Join(projectDir, ".gobby")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("creating .gobby: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, projectIDFile), []byte(id), 0o644); err != nil {
		log.Warn("persisting project id: %v", err)
	}
}
