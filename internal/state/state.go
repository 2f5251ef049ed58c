package state

import (
	"sync"

	"github.com/die-net/sshdirect/internal/config"
)

// Field names passed to observers.
const (
	FieldConnected        = "connected"
	FieldConnecting       = "connecting"
	FieldStatus           = "status"
	FieldActiveDescriptor = "active_descriptor"
	FieldCanConnect       = "can_connect"
	FieldCanDisconnect    = "can_disconnect"
)

// Snapshot is a point-in-time copy of a ConnectionState.
type Snapshot struct {
	Connected        bool
	Connecting       bool
	Status           string
	ActiveDescriptor *config.Descriptor
	CanConnect       bool
	CanDisconnect    bool
}

// ConnectionState is the user-facing view of the tunnel. Setters are meant to
// be called from a single writer (see Dispatcher); getters and Snapshot may
// be called from anywhere.
//
// Setting a field to its current value is a no-op. Changing Connected,
// Connecting or ActiveDescriptor also notifies CanConnect and CanDisconnect,
// whether or not their values moved. Connected and Connecting are never both
// true.
type ConnectionState struct {
	mu        sync.Mutex
	s         Snapshot
	observers map[uint64]func(field string, s Snapshot)
	nextID    uint64
}

// StatusIdle is the status of a fresh ConnectionState.
const StatusIdle = "Not connected"

// New returns a disconnected state with no active descriptor.
func New() *ConnectionState {
	return &ConnectionState{
		s:         Snapshot{Status: StatusIdle},
		observers: make(map[uint64]func(string, Snapshot)),
	}
}

// Observe registers fn to be called once per changed field. It returns a
// func that unregisters fn.
func (c *ConnectionState) Observe(fn func(field string, s Snapshot)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Snapshot returns a copy of the current state.
func (c *ConnectionState) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

func (c *ConnectionState) Connected() bool  { return c.Snapshot().Connected }
func (c *ConnectionState) Connecting() bool { return c.Snapshot().Connecting }
func (c *ConnectionState) Status() string   { return c.Snapshot().Status }

func (c *ConnectionState) ActiveDescriptor() *config.Descriptor {
	return c.Snapshot().ActiveDescriptor
}

// CanConnect is true when idle with a descriptor selected.
func (c *ConnectionState) CanConnect() bool { return c.Snapshot().CanConnect }

// CanDisconnect is true while connected.
func (c *ConnectionState) CanDisconnect() bool { return c.Snapshot().CanDisconnect }

// SetConnected sets Connected. Setting it true clears Connecting.
func (c *ConnectionState) SetConnected(v bool) {
	c.update(func(s *Snapshot) {
		s.Connected = v
		if v {
			s.Connecting = false
		}
	})
}

// SetConnecting sets Connecting. Setting it true clears Connected.
func (c *ConnectionState) SetConnecting(v bool) {
	c.update(func(s *Snapshot) {
		s.Connecting = v
		if v {
			s.Connected = false
		}
	})
}

func (c *ConnectionState) SetStatus(msg string) {
	c.update(func(s *Snapshot) { s.Status = msg })
}

// SetActiveDescriptor stores a copy of d; nil clears it.
func (c *ConnectionState) SetActiveDescriptor(d *config.Descriptor) {
	if d != nil {
		cp := *d
		d = &cp
	}
	c.update(func(s *Snapshot) { s.ActiveDescriptor = d })
}

// MarkConnecting records the start of an attempt against d.
func (c *ConnectionState) MarkConnecting(d config.Descriptor, status string) {
	c.update(func(s *Snapshot) {
		s.Connected = false
		s.Connecting = true
		s.ActiveDescriptor = &d
		s.Status = status
	})
}

// MarkConnected records a successful attempt.
func (c *ConnectionState) MarkConnected(status string) {
	c.update(func(s *Snapshot) {
		s.Connecting = false
		s.Connected = true
		s.Status = status
	})
}

// MarkDisconnected records that no session is in place.
func (c *ConnectionState) MarkDisconnected(status string) {
	c.update(func(s *Snapshot) {
		s.Connecting = false
		s.Connected = false
		s.Status = status
	})
}

func (c *ConnectionState) update(fn func(*Snapshot)) {
	c.mu.Lock()
	old := c.s
	fn(&c.s)
	c.s.CanConnect = !c.s.Connected && !c.s.Connecting && c.s.ActiveDescriptor != nil
	c.s.CanDisconnect = c.s.Connected && !c.s.Connecting
	now := c.s

	observers := make([]func(string, Snapshot), 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.mu.Unlock()

	for _, field := range changed(old, now) {
		for _, o := range observers {
			o(field, now)
		}
	}
}

func changed(old, now Snapshot) []string {
	var fields []string
	if old.Connected != now.Connected {
		fields = append(fields, FieldConnected)
	}
	if old.Connecting != now.Connecting {
		fields = append(fields, FieldConnecting)
	}
	if old.Status != now.Status {
		fields = append(fields, FieldStatus)
	}
	if !sameDescriptor(old.ActiveDescriptor, now.ActiveDescriptor) {
		fields = append(fields, FieldActiveDescriptor)
	}
	if len(fields) > 0 && (len(fields) > 1 || fields[0] != FieldStatus) {
		fields = append(fields, FieldCanConnect, FieldCanDisconnect)
	}
	return fields
}

func sameDescriptor(a, b *config.Descriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
