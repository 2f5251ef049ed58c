package session

import "sync"

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventLog carries one log line in Message.
	EventLog EventKind = iota
	// EventConnected follows a successful Connect.
	EventConnected
	// EventDisconnected follows a Disconnect that tore down a session or
	// cancelled an attempt.
	EventDisconnected
	// EventError reports an out-of-band transport failure; Err is a
	// *TransportError.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLog:
		return "log"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers in the order the manager produced it.
type Event struct {
	Kind    EventKind
	Message string
	Err     error
}

// emitter queues events and delivers them to subscribers from whichever
// goroutine flushes first. enqueue never blocks on subscribers, so it is safe
// to call with manager locks held; flush must be called without them.
type emitter struct {
	mu       sync.Mutex
	queue    []Event
	draining bool
	nextID   uint64
	subs     map[uint64]func(Event)
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[uint64]func(Event))}
}

func (e *emitter) subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *emitter) enqueue(ev Event) {
	e.mu.Lock()
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
}

func (e *emitter) flush() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true

	for len(e.queue) > 0 {
		ev := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]

		subs := make([]func(Event), 0, len(e.subs))
		for _, fn := range e.subs {
			subs = append(subs, fn)
		}
		e.mu.Unlock()

		for _, fn := range subs {
			fn(ev)
		}

		e.mu.Lock()
	}

	e.draining = false
	e.mu.Unlock()
}
