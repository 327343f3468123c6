package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads a policy file into a Target whenever it changes. A file that fails to
// load or compile leaves the previous policy installed.
type Watcher struct {
	path     string
	root     string
	target   Target
	logger   *zap.Logger
	debounce time.Duration
	onReload func(*Compiled, error)

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
	started bool
	done    chan struct{}
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *zap.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l.Named("policy")
		}
	}
}

// WithDebounce sets how long to wait for writes to settle before reloading.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook is called after every reload attempt.
func WithReloadHook(fn func(*Compiled, error)) WatchOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a watcher for path. The directory is watched rather than the file
// so that editors replacing the file by rename are seen.
func NewWatcher(path, root string, target Target, opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		root:     root,
		target:   target,
		logger:   zap.NewNop(),
		debounce: defaultDebounce,
		watcher:  fw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Reload loads, compiles and applies the file once.
func (w *Watcher) Reload() (*Compiled, error) {
	f, err := Load(w.path)
	if err == nil {
		var c *Compiled
		c, err = f.Compile(w.root)
		if err == nil {
			c.Apply(w.target)
			w.logger.Info("policy reloaded",
				zap.String("path", w.path),
				zap.Int("deny_extra", len(f.Commands.Deny)),
				zap.Int("allow_extra", len(f.Commands.Allow)))
			w.notify(c, nil)
			return c, nil
		}
	}
	w.logger.Error("policy reload failed, keeping previous policy", zap.String("path", w.path), zap.Error(err))
	w.notify(nil, err)
	return nil, err
}

func (w *Watcher) notify(c *Compiled, err error) {
	if w.onReload != nil {
		w.onReload(c, err)
	}
}

// Start processes file events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.started = true
	go w.run(ctx)
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	if w.started {
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_, _ = w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}
