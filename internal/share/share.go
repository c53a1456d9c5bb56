// Package share owns the shared directory: which directory is current, the
// watcher on it, and switching to another one at runtime.
package share

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/storage"
	"github.com/fruitsalade/lanshare/internal/watcher"
)

// ErrInvalidFolder means a requested shared directory is missing or is not
// a directory.
var ErrInvalidFolder = errors.New("invalid folder")

// Options configures a Share.
type Options struct {
	// Debounce is passed to every watcher the share starts.
	Debounce time.Duration
	// SuppressWindow is how long a path marked with Expect stays muted.
	SuppressWindow time.Duration
}

// Share is the process-wide shared directory.
type Share struct {
	setMu sync.Mutex // serializes Start, Retarget and Close

	mu      sync.RWMutex
	dir     *storage.Dir
	watcher *watcher.Watcher

	sink       func(watcher.Event)
	suppressor *watcher.Suppressor
	opts       Options
}

// New opens root, creating it if it does not exist.
func New(root string, opts Options) (*Share, error) {
	dir, err := storage.Open(root, true)
	if err != nil {
		return nil, err
	}
	return &Share{
		dir:        dir,
		suppressor: watcher.NewSuppressor(),
		opts:       opts,
	}, nil
}

// Start begins watching the current directory. Watcher events go to sink,
// and so do events from every directory the share is retargeted to.
func (s *Share) Start(sink func(watcher.Event)) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	if s.sink != nil {
		return errors.New("share already started")
	}
	dir := s.Current()
	w := s.newWatcher(dir.Root(), sink)
	if err := w.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
	s.sink = sink
	return nil
}

// Current returns the directory new requests should use. Callers keep the
// returned Dir for the whole request.
func (s *Share) Current() *storage.Dir {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

// Snapshot lists the current directory.
func (s *Share) Snapshot(ctx context.Context) ([]protocol.FileEntry, error) {
	return s.Current().List(ctx)
}

// Expect mutes watcher events for path for the configured window. Handlers
// call it before they touch a file so their own change is announced once.
func (s *Share) Expect(path string) {
	s.suppressor.Mark(path, s.opts.SuppressWindow)
}

// Unexpect withdraws an Expect for a path that was left untouched.
func (s *Share) Unexpect(path string) {
	s.suppressor.Unmark(path)
}

// Retarget switches the share to path. The new directory is being watched
// before Retarget returns, and the old watcher has delivered its last event.
// On failure the share is unchanged.
func (s *Share) Retarget(path string) (*storage.Dir, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: folder path is required", ErrInvalidFolder)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFolder, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s does not exist", ErrInvalidFolder, abs)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidFolder, abs)
	}
	dir, err := storage.Open(abs, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFolder, err)
	}

	s.setMu.Lock()
	defer s.setMu.Unlock()

	var w *watcher.Watcher
	if s.sink != nil {
		w = s.newWatcher(abs, s.sink)
		if err := w.Start(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	oldDir, oldWatcher := s.dir, s.watcher
	s.dir, s.watcher = dir, w
	s.mu.Unlock()

	// Stopped outside mu: the old watcher's sink may be waiting on a bus
	// that is itself reading Current.
	if oldWatcher != nil {
		oldWatcher.Stop()
	}

	metrics.RecordRetarget()
	logging.Info("shared directory changed",
		zap.String("from", oldDir.Root()), zap.String("to", abs))
	return dir, nil
}

// Close stops the active watcher.
func (s *Share) Close() {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

func (s *Share) newWatcher(root string, sink func(watcher.Event)) *watcher.Watcher {
	return watcher.New(root, sink, watcher.Options{
		Debounce:   s.opts.Debounce,
		Suppressor: s.suppressor,
	})
}
