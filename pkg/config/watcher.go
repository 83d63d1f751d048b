package config

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher polls a configuration file and invokes a callback whenever its
// modification time or size changes.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func()
	logger   *zap.Logger

	mu   sync.Mutex
	last fileStamp
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is inspected.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onChange func(), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		onChange: onChange,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type fileStamp struct {
	modTime time.Time
	size    int64
	exists  bool
}

func (s fileStamp) equal(o fileStamp) bool {
	return s.exists == o.exists && s.size == o.size && s.modTime.Equal(o.modTime)
}

func (w *Watcher) stamp() fileStamp {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size(), exists: true}
}

// Acknowledge records the file's current state as seen, so a write the
// caller already reported does not fire the callback again.
func (w *Watcher) Acknowledge() {
	current := w.stamp()
	w.mu.Lock()
	w.last = current
	w.mu.Unlock()
}

// changed stores the current stamp and reports whether it differs from the
// last one seen.
func (w *Watcher) changed() (fileStamp, bool) {
	current := w.stamp()
	w.mu.Lock()
	defer w.mu.Unlock()
	if current.equal(w.last) {
		return current, false
	}
	w.last = current
	return current, true
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.Acknowledge()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current, changed := w.changed()
			if !changed {
				continue
			}
			w.logger.Info("config file changed", zap.String("path", w.path), zap.Bool("exists", current.exists))
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}
