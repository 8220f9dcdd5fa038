// Package lifecycle runs the daemon's out-of-band housekeeping: the
// debounced JSONL export of tasks and memories, processing of
// handoff_ready session transcripts, reaping of abandoned sessions, and
// the hub reconciliation sweep.
package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/memory"
	"github.com/gobby-dev/gobby/internal/storage"
)

// Config tunes the manager's cadences. Zero values pick the defaults.
type Config struct {
	ProjectDir string

	// DebounceInterval coalesces mutation bursts into one JSONL write.
	DebounceInterval time.Duration
	// SweepInterval paces transcript processing, reaping, and hub
	// reconciliation.
	SweepInterval time.Duration
	// SessionIdleTimeout is how long an active session may go without
	// an event before the reaper expires it.
	SessionIdleTimeout time.Duration
	// MemoriesJSONL enables the memories.jsonl export alongside tasks.
	MemoriesJSONL bool
}

const (
	defaultDebounce    = 5 * time.Second
	defaultSweep       = time.Minute
	defaultIdleTimeout = 6 * time.Hour
)

// Manager owns the background loops. Start launches them; Close stops
// them and flushes any pending export.
type Manager struct {
	store *storage.Store
	cfg   Config
	log   *gobbylog.Logger

	wg     conc.WaitGroup
	cancel context.CancelFunc

	mu            sync.Mutex
	tasksDirty    bool
	memoriesDirty bool
}

// New creates a Manager.
func New(store *storage.Store, cfg Config, log *gobbylog.Logger) *Manager {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaultDebounce
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = defaultIdleTimeout
	}
	return &Manager{store: store, cfg: cfg, log: log}
}

// Start launches the export and sweep loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	changes := m.store.Bus.Subscribe("lifecycle")

	m.wg.Go(func() { m.watchChanges(ctx, changes) })
	m.wg.Go(func() { m.exportLoop(ctx) })
	m.wg.Go(func() { m.sweepLoop(ctx) })
}

// Close stops the loops and flushes a final export.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.flushExports()
}

func (m *Manager) watchChanges(ctx context.Context, changes <-chan storage.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			m.mu.Lock()
			switch ev.Entity {
			case "task", "task_dependency":
				m.tasksDirty = true
			case "memory":
				m.memoriesDirty = true
			}
			m.mu.Unlock()
		}
	}
}

// exportLoop flushes dirty ledgers once per debounce interval: any
// number of mutations inside one interval coalesce into a single write.
func (m *Manager) exportLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DebounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushExports()
		}
	}
}

func (m *Manager) flushExports() {
	m.mu.Lock()
	tasks, memories := m.tasksDirty, m.memoriesDirty
	m.tasksDirty, m.memoriesDirty = false, false
	m.mu.Unlock()

	if tasks {
		path := filepath.Join(m.cfg.ProjectDir, ".gobby", "tasks.jsonl")
		if err := ExportTasksJSONL(m.store, m.store.ProjectID, path); err != nil {
			m.log.Warn("tasks.jsonl export failed: %v", err)
			m.mu.Lock()
			m.tasksDirty = true
			m.mu.Unlock()
		}
	}
	if memories && m.cfg.MemoriesJSONL {
		path := filepath.Join(m.cfg.ProjectDir, ".gobby", "memories.jsonl")
		if err := memory.ExportJSONL(m.store, m.store.ProjectID, path); err != nil {
			m.log.Warn("memories.jsonl export failed: %v", err)
			m.mu.Lock()
			m.memoriesDirty = true
			m.mu.Unlock()
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one pass of the out-of-band jobs. Exported so tests and
// the daemon's shutdown path can run it synchronously.
func (m *Manager) Sweep() {
	m.processHandoffReady()
	m.reapIdle()
	if n, err := m.store.ReconcileHub(); err != nil {
		m.log.Warn("hub reconciliation: %v", err)
	} else if n > 0 {
		m.log.Debug("hub reconciliation pushed %d rows", n)
	}
}

// processHandoffReady archives and aggregates each handoff_ready
// session's transcript, then marks the session expired.
func (m *Manager) processHandoffReady() {
	sessions, err := m.store.Sessions.ListHandoffReady(m.store.ProjectID)
	if err != nil {
		m.log.Warn("listing handoff-ready sessions: %v", err)
		return
	}
	for _, sess := range sessions {
		if err := m.processTranscript(sess); err != nil {
			m.log.Warn("processing transcript for session %s: %v", sess.ID, err)
			continue
		}
		if err := m.store.Sessions.SetStatus(sess.ID, storage.SessionExpired); err != nil {
			m.log.Warn("expiring session %s: %v", sess.ID, err)
		}
	}
}

func (m *Manager) processTranscript(sess *storage.Session) error {
	if sess.TranscriptPath == "" {
		return nil
	}
	f, err := os.Open(sess.TranscriptPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	tokens, cost := aggregateUsage(f)
	if tokens > 0 || cost > 0 {
		if err := m.store.Sessions.RecordUsage(sess.ID, tokens, cost); err != nil {
			return err
		}
	}
	return m.archiveTranscript(sess)
}

// aggregateUsage sums token and cost figures out of a JSONL transcript,
// tolerating the field layouts the supported CLI families produce.
func aggregateUsage(r io.Reader) (tokens int, cost float64) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		usage := findUsage(entry)
		if usage != nil {
			for _, key := range []string{"input_tokens", "output_tokens", "total_tokens"} {
				if v, ok := usage[key].(float64); ok {
					tokens += int(v)
				}
			}
		}
		for _, key := range []string{"costUSD", "cost_usd"} {
			if v, ok := entry[key].(float64); ok {
				cost += v
			}
		}
	}
	return tokens, cost
}

func findUsage(entry map[string]any) map[string]any {
	if u, ok := entry["usage"].(map[string]any); ok {
		return u
	}
	if msg, ok := entry["message"].(map[string]any); ok {
		if u, ok := msg["usage"].(map[string]any); ok {
			return u
		}
	}
	return nil
}

func (m *Manager) archiveTranscript(sess *storage.Session) error {
	archiveDir := filepath.Join(m.cfg.ProjectDir, ".gobby", "transcripts")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(sess.TranscriptPath)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(archiveDir, sess.ID+".jsonl"), data, 0o644)
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().UTC().Add(-m.cfg.SessionIdleTimeout).Format(time.RFC3339)
	n, err := m.store.Sessions.ExpireIdleBefore(cutoff)
	if err != nil {
		m.log.Warn("reaping idle sessions: %v", err)
		return
	}
	if n > 0 {
		m.log.Info("expired %d idle sessions", n)
	}
}
