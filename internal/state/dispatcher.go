package state

import (
	"context"
	"sync"
)

// Dispatcher runs posted funcs one at a time, in order, on the goroutine
// that called Run. It is the single writer for a ConnectionState.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewDispatcher returns a Dispatcher that queues until Run is called.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run drains the queue until ctx ends. Funcs still queued when ctx ends are
// run before Run returns; later Posts are rejected.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		d.drain()

		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			d.drain()
			return
		case <-d.wake:
		}
	}
}

// Post queues fn and returns immediately. It reports false if the
// dispatcher has stopped.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Do queues fn and waits for it to run. It must not be called from a func
// running on the dispatcher. It reports false if fn was not run.
func (d *Dispatcher) Do(fn func()) bool {
	ran := make(chan struct{})
	if !d.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}

	select {
	case <-ran:
		return true
	case <-d.done:
		// Run may have drained fn on its way out.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
