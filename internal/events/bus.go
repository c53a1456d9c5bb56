// Package events fans directory changes out to live sessions.
//
// Every producer (HTTP handlers, the change watcher, session connects)
// submits work to one queue; a single goroutine drains it, so all sessions
// see broadcasts in the order they were accepted.
package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/session"
)

// ErrClosed is returned when submitting to a closed bus.
var ErrClosed = errors.New("event bus closed")

// Trigger asks the bus to announce a change. Kind is a protocol.Change*
// value. A delete trigger with a Filename announces just that name;
// every other trigger carries a fresh snapshot.
type Trigger struct {
	Kind     string
	Filename string
}

// SnapshotFunc returns the current directory index.
type SnapshotFunc func(ctx context.Context) ([]protocol.FileEntry, error)

type job struct {
	trigger Trigger
	syncID  string
}

// Bus serializes change notifications.
type Bus struct {
	reg      *session.Registry
	snapshot SnapshotFunc
	queue    chan job

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewBus creates a bus that delivers to the sessions in reg. buffer bounds
// the number of pending triggers before submitters wait.
func NewBus(reg *session.Registry, snapshot SnapshotFunc, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		reg:      reg,
		snapshot: snapshot,
		queue:    make(chan job, buffer),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run processes submitted work until ctx is done or Close is called. Once
// Run returns the bus is closed, so submitters never wait on a dead queue.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case j := <-b.queue:
			b.process(ctx, j)
		}
	}
}

// Done is closed when Run has returned.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Close stops accepting work. Pending work is discarded.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Publish submits a change announcement. It waits for queue space but
// never for delivery.
func (b *Bus) Publish(t Trigger) error {
	return b.submit(job{trigger: t})
}

// Sync submits an initial files-list push for one session. Going through
// the queue keeps it ordered with broadcasts already accepted.
func (b *Bus) Sync(sessionID string) error {
	return b.submit(job{syncID: sessionID})
}

func (b *Bus) submit(j job) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.queue <- j:
		return nil
	case <-b.closed:
		return ErrClosed
	}
}

func (b *Bus) process(ctx context.Context, j job) {
	if j.syncID != "" {
		b.sync(ctx, j.syncID)
		return
	}

	t := j.trigger
	if t.Kind == protocol.ChangeDelete && t.Filename != "" {
		b.broadcast(t.Kind, protocol.EventFilesUpdated, protocol.FileDeleted{Type: t.Kind, Filename: t.Filename})
		return
	}

	files, err := b.list(ctx)
	if err != nil {
		logging.Warn("snapshot for broadcast failed", zap.String("type", t.Kind), zap.Error(err))
		return
	}
	b.broadcast(t.Kind, protocol.EventFilesUpdated, protocol.FilesUpdated{Type: t.Kind, Files: files})
}

func (b *Bus) sync(ctx context.Context, id string) {
	s, ok := b.reg.Get(id)
	if !ok {
		return
	}
	files, err := b.list(ctx)
	if err != nil {
		logging.Warn("snapshot for session sync failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	frame, err := encode(protocol.EventFilesList, files)
	if err != nil {
		logging.Error("encode files-list", zap.Error(err))
		return
	}
	if !s.Send(frame) {
		b.evict(id, s)
	}
}

// list takes a snapshot, never returning a nil slice so the wire form is
// always an array.
func (b *Bus) list(ctx context.Context) ([]protocol.FileEntry, error) {
	files, err := b.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []protocol.FileEntry{}
	}
	return files, nil
}

func (b *Bus) broadcast(kind, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		logging.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}

	delivered := 0
	b.reg.ForEach(func(id string, s session.Session) {
		if s.Send(frame) {
			delivered++
			return
		}
		b.evict(id, s)
	})
	metrics.RecordBroadcast(kind)
	logging.Debug("broadcast", zap.String("type", kind), zap.Int("sessions", delivered))
}

// evict drops a session that cannot keep up. A session that misses a
// broadcast would otherwise show a stale list indefinitely.
func (b *Bus) evict(id string, s session.Session) {
	if !b.reg.Unregister(id) {
		return
	}
	s.Close()
	metrics.RecordSessionEvicted()
	logging.Warn("evicted live session", zap.String("session_id", id), zap.String("transport", s.Transport()))
}

func encode(event string, data any) (session.Frame, error) {
	payload, err := protocol.NewMessage(event, data)
	if err != nil {
		return session.Frame{}, err
	}
	return session.Frame{Event: event, Payload: payload}, nil
}
