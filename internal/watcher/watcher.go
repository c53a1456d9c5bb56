// Package watcher reports changes made to the shared directory by anything
// other than the daemon itself.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/storage"
)

// Event is a coalesced change. Kind is one of protocol.ChangeAdd,
// protocol.ChangeChange or protocol.ChangeDelete; Name is the entry that
// changed last within the debounce window.
type Event struct {
	Kind string
	Name string
}

// Options tunes a Watcher.
type Options struct {
	// Debounce coalesces bursts of events into one. Zero delivers every
	// event as it arrives.
	Debounce time.Duration
	// Suppressor, if set, drops events for paths the daemon marked.
	Suppressor *Suppressor
}

// Watcher watches one directory, non-recursively.
type Watcher struct {
	root string
	sink func(Event)
	opts Options

	fsw      *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher for root. sink is called from the watcher's
// goroutine, never after Stop returns.
func New(root string, sink func(Event), opts Options) *Watcher {
	return &Watcher{
		root: filepath.Clean(root),
		sink: sink,
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Root returns the watched directory.
func (w *Watcher) Root() string { return w.root }

// Start begins watching.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.root); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.fsw = fsw

	go w.watchLoop()
	logging.Info("watching shared directory", zap.String("path", w.root))
	return nil
}

// Stop stops the watcher and waits for its goroutine. A pending coalesced
// event is discarded. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.fsw == nil {
			return
		}
		close(w.stop)
		<-w.done
		if err := w.fsw.Close(); err != nil {
			logging.Warn("close watcher", zap.String("path", w.root), zap.Error(err))
		}
	})
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending Event
		have    bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			e, accepted := w.accept(ev)
			if !accepted {
				continue
			}
			metrics.RecordWatcherEvent(e.Kind)

			if w.opts.Debounce <= 0 {
				w.sink(e)
				continue
			}
			pending, have = e, true
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				timer.Reset(w.opts.Debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if have {
				have = false
				w.sink(pending)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", zap.String("path", w.root), zap.Error(err))
		}
	}
}

// accept filters and classifies a raw fsnotify event.
func (w *Watcher) accept(ev fsnotify.Event) (Event, bool) {
	name := filepath.Base(ev.Name)
	if storage.IsHidden(name) || filepath.Dir(filepath.Clean(ev.Name)) != w.root {
		return Event{}, false
	}

	var kind string
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			return Event{}, false
		}
		kind = protocol.ChangeAdd
	case ev.Has(fsnotify.Write):
		kind = protocol.ChangeChange
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = protocol.ChangeDelete
	default:
		return Event{}, false
	}

	if w.opts.Suppressor.Suppressed(ev.Name) {
		logging.Debug("suppressed self-inflicted change",
			zap.String("name", name), zap.String("op", ev.Op.String()))
		return Event{}, false
	}
	return Event{Kind: kind, Name: name}, true
}
