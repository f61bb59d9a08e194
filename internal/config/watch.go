package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands each
// valid result to an apply callback. Invalid files are logged and skipped,
// leaving the running configuration untouched.
type Watcher struct {
	path     string
	load     func() (*Config, error)
	apply    func(*Config)
	log      *slog.Logger
	debounce time.Duration
	fs       *fsnotify.Watcher
}

// NewWatcher watches path. load builds a complete Config (file, env and any
// fixed overrides) and is called once per burst of changes.
func NewWatcher(path string, load func() (*Config, error), apply func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		load:     load,
		apply:    apply,
		log:      logger,
		debounce: defaultDebounce,
		fs:       fw,
	}, nil
}

// Run processes file events until ctx is cancelled, then releases the
// underlying watch.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("config.watch.error", "err", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.log.Warn("config.reload.rejected", "path", w.path, "err", err)
		return
	}
	w.apply(cfg)
	w.log.Info("config.reload", "path", w.path)
}
