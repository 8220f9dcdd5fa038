// Package hookpipeline is the single entry point for CLI hook events.
// It owns the per-session serialization lock, resolves the session the
// event belongs to, and converts anything unexpected — unknown event
// types, handler panics — into a continue response so a daemon fault
// never wedges the client CLI.
package hookpipeline

import (
	"context"
	"sync"

	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/storage"
)

// Evaluator is the workflow engine seam: the pipeline dispatches to it
// first, before any registered handlers.
type Evaluator interface {
	Handle(ctx context.Context, h *event.Hook) (event.Response, error)
}

// Handler is a non-workflow hook handler (artifact capture, metrics)
// run after the engine in registration order.
type Handler func(ctx context.Context, h *event.Hook) (event.Response, error)

type namedHandler struct {
	name string
	fn   Handler
}

// Pipeline serializes and dispatches hook events.
type Pipeline struct {
	engine Evaluator
	store  *storage.Store
	log    *gobbylog.Logger

	handlers []namedHandler

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Pipeline around the workflow engine.
func New(engine Evaluator, store *storage.Store, log *gobbylog.Logger) *Pipeline {
	return &Pipeline{
		engine: engine,
		store:  store,
		log:    log,
		locks:  map[string]*sync.Mutex{},
	}
}

// Register appends a post-engine handler. Registration order is
// execution order.
func (p *Pipeline) Register(name string, fn Handler) {
	p.handlers = append(p.handlers, namedHandler{name: name, fn: fn})
}

func (p *Pipeline) sessionLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[sessionID] = l
	}
	return l
}

// Dispatch runs one hook event through the workflow engine and the
// registered handlers, holding the session's lock for the whole pass.
// Events for different sessions run concurrently; events for the same
// session observe each other's completed state.
func (p *Pipeline) Dispatch(ctx context.Context, h *event.Hook) (resp event.Response) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("hook pipeline panic for session %s event %s: %v", h.SessionID, h.Type, r)
			resp = event.ContinueResponse()
		}
	}()

	if !event.IsKnown(h.Type) {
		p.log.Warn("unknown hook event type %q from session %s, passing through", h.Type, h.SessionID)
		return event.ContinueResponse()
	}

	lock := p.sessionLock(h.SessionID)
	lock.Lock()
	defer lock.Unlock()

	p.ensureSession(h)

	resp, err := p.engine.Handle(ctx, h)
	if err != nil {
		p.log.Warn("workflow engine error for session %s event %s, continuing: %v", h.SessionID, h.Type, err)
		resp = event.ContinueResponse()
	}
	if resp.Action == event.Block {
		return resp
	}

	for _, nh := range p.handlers {
		hr, err := nh.fn(ctx, h)
		if err != nil {
			p.log.Warn("hook handler %q error for session %s, continuing: %v", nh.name, h.SessionID, err)
			continue
		}
		resp = resp.Merge(hr)
		if resp.Action == event.Block {
			return resp
		}
	}

	p.finishSession(h)
	return resp
}

// ensureSession creates the session row on its first event, so the rest
// of the pass (and every later query) can resolve it.
func (p *Pipeline) ensureSession(h *event.Hook) {
	_, err := p.store.Sessions.Get(h.SessionID)
	if err == nil {
		return
	}
	if !gobbyerr.Is(err, gobbyerr.NotFound) {
		p.log.Warn("resolving session %s: %v", h.SessionID, err)
		return
	}

	source, _ := h.Metadata["source"].(string)
	if source == "" {
		source = "unknown"
	}
	autonomous, _ := h.Metadata["autonomous"].(bool)
	parent, _ := h.Metadata["parent_session_id"].(string)
	if _, err := p.store.Sessions.Create(h.SessionID, p.store.ProjectID, source, autonomous, parent); err != nil {
		p.log.Warn("creating session %s: %v", h.SessionID, err)
	}
}

// finishSession marks the session handoff_ready once its end event has
// been fully processed; the lifecycle manager's background sweep picks
// it up from there.
func (p *Pipeline) finishSession(h *event.Hook) {
	if h.Type != event.SessionEnd {
		return
	}
	if err := p.store.Sessions.SetStatus(h.SessionID, storage.SessionHandoff); err != nil {
		p.log.Warn("marking session %s handoff_ready: %v", h.SessionID, err)
	}
}
