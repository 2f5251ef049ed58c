package control

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/die-net/sshdirect/internal/config"
	"github.com/die-net/sshdirect/internal/session"
	"github.com/die-net/sshdirect/internal/state"
	"github.com/die-net/sshdirect/internal/testutil"
)

type harness struct {
	ctl   *Controller
	mgr   *session.Manager
	state *state.ConnectionState
	disp  *state.Dispatcher
}

func newHarness(ctx context.Context, t *testing.T) *harness {
	t.Helper()

	dctx, cancel := context.WithCancel(ctx)
	h := &harness{
		mgr:   session.New(session.Config{}),
		state: state.New(),
		disp:  state.NewDispatcher(),
	}
	go h.disp.Run(dctx)
	h.ctl = New(h.mgr, h.state, h.disp)

	t.Cleanup(func() {
		h.ctl.Disconnect()
		h.ctl.Close()
		cancel()
		<-h.disp.Done()
	})
	return h
}

// settle waits until every state mutation posted so far has been applied.
func (h *harness) settle(t *testing.T) state.Snapshot {
	t.Helper()

	if !h.disp.Do(func() {}) {
		t.Fatal("dispatcher stopped")
	}
	return h.state.Snapshot()
}

// waitFor polls the state until ok reports true.
func (h *harness) waitFor(ctx context.Context, t *testing.T, ok func(state.Snapshot) bool) bool {
	t.Helper()

	for {
		s := h.state.Snapshot()
		if h.disp.Do(func() { s = h.state.Snapshot() }) && ok(s) {
			return true
		}
		select {
		case <-ctx.Done():
			t.Errorf("state never matched, last %+v", s)
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func descriptorFor(addr string) config.Descriptor {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return config.Descriptor{ID: "id-1", Name: "lab", Host: host, Port: port, Username: "user", Secret: "pass"}
}

func settingsFor(t *testing.T) config.Settings {
	t.Helper()

	s := config.DefaultSettings()
	s.BindPort = testutil.FreePort(t)
	return s
}

func TestControllerConnectAndDisconnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := testutil.StartSSHServer(ctx, t, "user", "pass")
	h := newHarness(ctx, t)

	if s := h.settle(t); s.Status != state.StatusIdle || s.CanConnect {
		t.Fatalf("unexpected initial state %+v", s)
	}

	if err := h.ctl.Connect(ctx, descriptorFor(srv.Addr()), settingsFor(t)); err != nil {
		t.Fatal(err)
	}

	s := h.settle(t)
	if !s.Connected || s.Connecting || !s.CanDisconnect {
		t.Fatalf("unexpected state after connect %+v", s)
	}
	if s.Status != StatusConnectedPrefix+"lab" {
		t.Fatalf("status %q", s.Status)
	}
	if s.ActiveDescriptor == nil || s.ActiveDescriptor.ID != "id-1" {
		t.Fatalf("active descriptor %+v", s.ActiveDescriptor)
	}

	h.ctl.Disconnect()

	s = h.settle(t)
	if s.Connected || s.Connecting || !s.CanConnect {
		t.Fatalf("unexpected state after disconnect %+v", s)
	}
	if s.Status != StatusDisconnected {
		t.Fatalf("status %q", s.Status)
	}
}

func TestControllerConnectFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t)

	err := h.ctl.Connect(ctx, descriptorFor(testutil.UnusedAddr(t)), settingsFor(t))
	var cfe *session.ConnectionFailedError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected ConnectionFailedError, got %v", err)
	}

	s := h.settle(t)
	if s.Connected || s.Connecting {
		t.Fatalf("unexpected state %+v", s)
	}
	if !strings.HasPrefix(s.Status, StatusFailedPrefix) {
		t.Fatalf("status %q", s.Status)
	}

	// Nothing to disconnect: the failure status stays.
	h.ctl.Disconnect()
	if after := h.settle(t); after.Status != s.Status {
		t.Fatalf("no-op Disconnect changed status to %q", after.Status)
	}
}

func TestControllerCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hole := testutil.StartBlackHole(ctx, t)
	h := newHarness(ctx, t)

	attemptCtx, abort := context.WithCancel(ctx)
	time.AfterFunc(100*time.Millisecond, abort)

	err := h.ctl.Connect(attemptCtx, descriptorFor(hole.Addr().String()), settingsFor(t))
	if !errors.Is(err, session.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	s := h.settle(t)
	if s.Connected || s.Connecting || s.Status != StatusCancelled {
		t.Fatalf("unexpected state %+v", s)
	}
}

func TestControllerSupersede(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hole := testutil.StartBlackHole(ctx, t)
	srv := testutil.StartSSHServer(ctx, t, "user", "pass")
	h := newHarness(ctx, t)
	settings := settingsFor(t)

	slow := descriptorFor(hole.Addr().String())
	slow.ID = "slow"

	errc := make(chan error, 1)
	go func() { errc <- h.ctl.Connect(ctx, slow, settings) }()
	time.Sleep(100 * time.Millisecond)

	if err := h.ctl.Connect(ctx, descriptorFor(srv.Addr()), settings); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, session.ErrCancelled) {
		t.Fatalf("superseded attempt: expected ErrCancelled, got %v", err)
	}

	s := h.settle(t)
	if !s.Connected || s.Connecting {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.ActiveDescriptor == nil || s.ActiveDescriptor.ID != "id-1" {
		t.Fatalf("active descriptor %+v", s.ActiveDescriptor)
	}
}

func TestControllerSupersededSuccessNotApplied(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hole := testutil.StartBlackHole(ctx, t)
	srv := testutil.StartSSHServer(ctx, t, "user", "pass")
	h := newHarness(ctx, t)
	settings := settingsFor(t)

	slow := descriptorFor(hole.Addr().String())
	slow.ID = "slow"
	slow.Name = "slow"

	// Start the slow attempt once the fast one is connected in the manager
	// but before its Connect has returned.
	var once sync.Once
	errc := make(chan error, 1)
	unsubscribe := h.mgr.Subscribe(func(ev session.Event) {
		if ev.Kind != session.EventLog || !strings.HasPrefix(ev.Message, "Connected!") {
			return
		}
		once.Do(func() {
			go func() { errc <- h.ctl.Connect(ctx, slow, settings) }()
			h.waitFor(ctx, t, func(s state.Snapshot) bool {
				return s.Connecting && s.ActiveDescriptor != nil && s.ActiveDescriptor.ID == "slow"
			})
		})
	})
	defer unsubscribe()

	_ = h.ctl.Connect(ctx, descriptorFor(srv.Addr()), settings)

	s := h.settle(t)
	if s.Connected || !s.Connecting {
		t.Fatalf("superseded success was applied: %+v", s)
	}
	if s.ActiveDescriptor == nil || s.ActiveDescriptor.ID != "slow" {
		t.Fatalf("active descriptor %+v", s.ActiveDescriptor)
	}
	if s.Status != StatusConnectingPrefix+"slow..." {
		t.Fatalf("status %q", s.Status)
	}
	h.ctl.Disconnect()
	if err := <-errc; !errors.Is(err, session.ErrCancelled) {
		t.Fatalf("slow attempt: expected ErrCancelled, got %v", err)
	}

	s = h.settle(t)
	if s.Connected || s.Connecting || s.Status != StatusDisconnected {
		t.Fatalf("unexpected state after disconnect %+v", s)
	}
}

func TestControllerTransportError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := testutil.StartSSHServer(ctx, t, "user", "pass")
	h := newHarness(ctx, t)

	if err := h.ctl.Connect(ctx, descriptorFor(srv.Addr()), settingsFor(t)); err != nil {
		t.Fatal(err)
	}

	srv.DropConnections()

	for {
		s := h.settle(t)
		if strings.HasPrefix(s.Status, StatusErrorPrefix) {
			if !s.Connected {
				t.Fatal("transport error must leave the state connected")
			}
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("no error status, last state %+v", s)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestControllerRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t)

	s := config.DefaultSettings()
	s.BindPort = 0
	if err := h.ctl.Connect(ctx, descriptorFor("127.0.0.1:22"), s); err == nil {
		t.Fatal("expected error")
	}
	if st := h.settle(t); st.Connecting || st.Status != state.StatusIdle {
		t.Fatalf("invalid settings touched state: %+v", st)
	}
}
