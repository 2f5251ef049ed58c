// Package control connects the session manager to the connection state:
// it starts and supersedes attempts, and applies their outcomes and the
// manager's transport errors to the state through its dispatcher.
package control

import (
	"context"
	"errors"
	"sync"

	"github.com/die-net/sshdirect/internal/config"
	"github.com/die-net/sshdirect/internal/session"
	"github.com/die-net/sshdirect/internal/state"
)

// Status messages applied to the connection state.
const (
	StatusConnectingPrefix = "Connecting to "
	StatusConnectedPrefix  = "Connected to "
	StatusDisconnected     = "Disconnected"
	StatusCancelled        = "Connection cancelled"
	StatusFailedPrefix     = "Failed: "
	StatusErrorPrefix      = "Error: "
)

// Controller drives a session.Manager on behalf of a user and keeps a
// state.ConnectionState in sync with it. State is only mutated on the
// dispatcher.
type Controller struct {
	mgr   *session.Manager
	state *state.ConnectionState
	disp  *state.Dispatcher

	unsubscribe func()

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// New subscribes to mgr's events. Call Close to unsubscribe.
func New(mgr *session.Manager, st *state.ConnectionState, disp *state.Dispatcher) *Controller {
	c := &Controller{mgr: mgr, state: st, disp: disp}
	c.unsubscribe = mgr.Subscribe(c.onEvent)
	return c
}

// Close stops following manager events. It does not disconnect.
func (c *Controller) Close() {
	c.unsubscribe()
}

// Connect cancels any attempt this controller has in flight, then connects
// to d with settings s. It returns the manager's outcome.
func (c *Controller) Connect(ctx context.Context, d config.Descriptor, s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Posting under c.mu keeps state updates in attempt order.
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.disp.Post(func() {
		c.state.MarkConnecting(d, StatusConnectingPrefix+d.DisplayName()+"...")
	})
	c.mu.Unlock()

	err := c.mgr.Connect(actx, d, session.OptionsFromSettings(s))

	c.mu.Lock()
	defer c.mu.Unlock()

	// A superseded attempt leaves the state to the newer one.
	if c.gen != gen {
		return err
	}
	c.cancel = nil

	var msg string
	switch {
	case err == nil:
		msg = StatusConnectedPrefix + d.DisplayName()
		c.disp.Post(func() {
			c.state.MarkConnected(msg)
		})
		return nil
	case errors.Is(err, session.ErrCancelled):
		msg = StatusCancelled
	default:
		msg = StatusFailedPrefix + err.Error()
	}
	c.disp.Post(func() {
		c.state.MarkDisconnected(msg)
	})
	return err
}

// Disconnect cancels any in-flight attempt and tears the session down. The
// state is left alone if there was nothing to disconnect.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.mgr.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.disp.Post(func() {
		if c.state.Connected() || c.state.Connecting() {
			c.state.MarkDisconnected(StatusDisconnected)
		}
	})
}

// onEvent applies transport errors to a connected state. Connection and
// disconnection are applied by Connect and Disconnect, which know whether
// their attempt is still current.
func (c *Controller) onEvent(ev session.Event) {
	if ev.Kind != session.EventError {
		return
	}
	c.disp.Post(func() {
		if c.state.Connected() {
			c.state.SetStatus(StatusErrorPrefix + ev.Message)
		}
	})
}
