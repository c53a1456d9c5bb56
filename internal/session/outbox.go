package session

import "sync"

// outbox is a bounded, non-blocking send queue. The frame channel is never
// closed, so a Send racing with Close cannot panic.
type outbox struct {
	frames chan Frame
	closed chan struct{}
	once   sync.Once
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = 1
	}
	return &outbox{
		frames: make(chan Frame, size),
		closed: make(chan struct{}),
	}
}

func (o *outbox) send(f Frame) bool {
	select {
	case <-o.closed:
		return false
	default:
	}
	select {
	case o.frames <- f:
		return true
	default:
		return false
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.closed) })
}
