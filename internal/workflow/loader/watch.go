package loader

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/gobby-dev/gobby/internal/gobbylog"
)

// Watcher reloads a tier's workflow files when they change on disk.
// A reload drops the cached resolution (and, through OnReload, the
// engine's compiled form) by workflow name, so running sessions pick up
// the new definition on their next event as well; a definition is not
// locked per session.
type Watcher struct {
	registry *Registry
	log      *gobbylog.Logger
	fs       *fsnotify.Watcher
	tiers    map[string]Tier // watched dir -> tier

	// OnReload, if set, is called with each workflow name whose source
	// file changed, after the registry has re-read it. The engine hooks
	// this to drop its compiled cache.
	OnReload func(name string)
}

// NewWatcher creates a Watcher over the registry.
func NewWatcher(registry *Registry, log *gobbylog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{registry: registry, log: log, fs: fs, tiers: map[string]Tier{}}, nil
}

// WatchDir adds a workflow directory at the given tier. Missing
// directories are skipped silently, same as Registry.LoadDir.
func (w *Watcher) WatchDir(dir string, tier Tier) error {
	if err := w.fs.Add(dir); err != nil {
		w.log.Debug("not watching %s: %v", dir, err)
		return nil
	}
	w.tiers[dir] = tier
	return nil
}

// Run processes filesystem events until ctx is done. Call in its own
// goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("workflow watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	name := ev.Name
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return
	}
	dir := filepath.Dir(name)
	tier, ok := w.tiers[dir]
	if !ok {
		return
	}

	def, err := parseFile(name)
	if err != nil {
		w.log.Warn("ignoring changed workflow file %s: %v", name, err)
		return
	}
	if err := w.registry.LoadDir(dir, tier); err != nil {
		w.log.Warn("reloading workflow dir %s: %v", dir, err)
		return
	}
	w.registry.Invalidate(def.Name)
	w.log.Info("workflow %q reloaded from %s", def.Name, name)
	if w.OnReload != nil {
		w.OnReload(def.Name)
	}
}
