// Package autonomy implements the autonomous loop controller: a
// stop-signal registry, a progress tracker, a stuck detector, and
// session chaining. None of it decides termination on its own — it is
// always consulted by workflow actions (internal/workflow/actions),
// which then transition state.
package autonomy

import (
	"context"
	"sync"
	"time"

	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/storage"
)

// StuckReason is the closed set of reasons the stuck detector can report.
type StuckReason string

const (
	StuckNone              StuckReason = ""
	StuckSameTaskRepeated  StuckReason = "same_task_repeated"
	StuckValidationFailing StuckReason = "validation_failing"
	StuckStagnant          StuckReason = "stagnant"
)

// Spawner starts a detached CLI process for the same project, passing a
// rendered handoff as its system prompt.
// The concrete process-management code is adapter territory; this interface is the
// seam.
type Spawner interface {
	Spawn(ctx context.Context, cli, prompt, systemPrompt, workingDir string) (sessionID string, err error)
}

// progressWindow is one session's rolling progress record.
type progressWindow struct {
	commits           int
	filesChanged      int
	validationAttempts int
	validationFailures int
	lastProgressAt    time.Time
	sameTaskStreak    int
	lastTaskID        string
}

// Controller bundles the stop registry, progress tracker, and stuck
// detector behind one dependency-injectable type.
type Controller struct {
	store   *storage.Store
	spawner Spawner
	log     *gobbylog.Logger

	mu       sync.Mutex
	progress map[string]*progressWindow
}

// New creates a Controller. spawner may be nil if session chaining is
// not wired in this deployment (e.g. tests) — Chain then returns an
// error rather than panicking.
func New(store *storage.Store, spawner Spawner, log *gobbylog.Logger) *Controller {
	return &Controller{store: store, spawner: spawner, log: log, progress: map[string]*progressWindow{}}
}

// IssueStop records a stop signal for sessionID. Persistence is best-effort dual-write via storage.Store so a
// daemon restart doesn't lose an in-flight stop.
func (c *Controller) IssueStop(sessionID, reason, source string) error {
	return c.store.Stops.Raise(sessionID, reason, source)
}

// ConsumeStop reads and clears any pending stop signal for sessionID,
// returning it (or nil if none is pending).
func (c *Controller) ConsumeStop(sessionID string) (*storage.StopSignal, error) {
	sig, err := c.store.Stops.Check(sessionID)
	if err != nil || sig == nil {
		return sig, err
	}
	if err := c.store.Stops.Clear(sessionID); err != nil {
		return sig, err
	}
	return sig, nil
}

func (c *Controller) window(sessionID string) *progressWindow {
	w, ok := c.progress[sessionID]
	if !ok {
		w = &progressWindow{lastProgressAt: time.Now()}
		c.progress[sessionID] = w
	}
	return w
}

// RecordKind is the closed set of progress events the tracker counts
type RecordKind string

const (
	RecordCommit           RecordKind = "commit"
	RecordFileChanged      RecordKind = "file_changed"
	RecordValidationPass   RecordKind = "validation_pass"
	RecordValidationFail   RecordKind = "validation_fail"
)

// Record updates sessionID's rolling progress window.
func (c *Controller) Record(sessionID string, kind RecordKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(sessionID)
	switch kind {
	case RecordCommit:
		w.commits++
		w.lastProgressAt = time.Now()
	case RecordFileChanged:
		w.filesChanged++
		w.lastProgressAt = time.Now()
	case RecordValidationPass:
		w.validationAttempts++
		w.lastProgressAt = time.Now()
	case RecordValidationFail:
		w.validationAttempts++
		w.validationFailures++
	}
}

// RecordTaskSelection tracks repeated selection of the same task, for
// the "same task selected N consecutive times" stuck signal.
func (c *Controller) RecordTaskSelection(sessionID, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(sessionID)
	if w.lastTaskID == taskID {
		w.sameTaskStreak++
	} else {
		w.sameTaskStreak = 1
		w.lastTaskID = taskID
	}
}

// IsStagnant reports whether sessionID has made no recorded progress
// within window.
func (c *Controller) IsStagnant(sessionID string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.progress[sessionID]
	if !ok {
		return false
	}
	return time.Since(w.lastProgressAt) > window
}

// StuckThresholds configures CheckStuck (loaded from a workflow's
// settings.stuck_detection block).
type StuckThresholds struct {
	SameTaskThreshold           int
	ValidationFailureThreshold int
	StagnationWindow            time.Duration
}

// CheckStuck combines the three stuck signals: same task
// selected too many times, too many validation failures, or
// stagnation. The first triggered reason wins, in that priority order.
func (c *Controller) CheckStuck(sessionID string, thresholds StuckThresholds) StuckReason {
	c.mu.Lock()
	w, ok := c.progress[sessionID]
	c.mu.Unlock()
	if !ok {
		return StuckNone
	}

	if thresholds.SameTaskThreshold > 0 && w.sameTaskStreak >= thresholds.SameTaskThreshold {
		return StuckSameTaskRepeated
	}
	if thresholds.ValidationFailureThreshold > 0 && w.validationFailures >= thresholds.ValidationFailureThreshold {
		return StuckValidationFailing
	}
	if thresholds.StagnationWindow > 0 && c.IsStagnant(sessionID, thresholds.StagnationWindow) {
		return StuckStagnant
	}
	return StuckNone
}

// ResetStuckTracking clears a session's progress window, called when a
// workflow successfully transitions out of a stuck/reflect phase.
func (c *Controller) ResetStuckTracking(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progress, sessionID)
}

// Chain spawns a detached continuation session for the same project and
// records the parent->child linkage.
func (c *Controller) Chain(ctx context.Context, parentSessionID, cli, prompt, systemPrompt, workingDir string) (string, error) {
	if c.spawner == nil {
		return "", errNoSpawner
	}
	childID, err := c.spawner.Spawn(ctx, cli, prompt, systemPrompt, workingDir)
	if err != nil {
		return "", err
	}

	parent, err := c.store.Sessions.Get(parentSessionID)
	if err != nil {
		return childID, err
	}
	if _, err := c.store.Sessions.Create(childID, parent.ProjectID, cli, true, parentSessionID); err != nil {
		return childID, err
	}
	c.log.Info("session %s chained from %s", childID, parentSessionID)
	return childID, nil
}

var errNoSpawner = sessionChainingError("autonomy: no session spawner configured")

type sessionChainingError string

func (e sessionChainingError) Error() string { return string(e) }
