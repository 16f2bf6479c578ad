package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long the watcher waits after the last file
// event before reloading.
const DefaultWatchDebounce = 250 * time.Millisecond

// WatchOptions tunes a Watcher.
type WatchOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher reloads a config file when it or a sibling config file changes.
// Reloads that fail to parse or validate are logged and skipped.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// Watch starts watching path. onChange receives every successfully
// reloaded config until ctx ends or Close is called.
func Watch(ctx context.Context, path string, onChange func(*Config), opts WatchOptions) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("config watch: onChange is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors often replace the file, so watch the directory.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultWatchDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:     absPath,
		onChange: onChange,
		debounce: opts.Debounce,
		logger:   opts.Logger.With("component", "config", "path", absPath),
		fsw:      fsw,
		cancel:   cancel,
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

// Close stops the watcher. Reloads that have not started are dropped.
func (w *Watcher) Close() error {
	w.cancel()
	w.wg.Wait()
	w.timerMu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && w.relevant(event.Name) {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	if filepath.Clean(name) == w.path {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json", ".json5":
		return true
	}
	return false
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed; keeping previous config", "error", err)
		return
	}
	w.logger.Info("config reloaded")
	w.onChange(cfg)
}
