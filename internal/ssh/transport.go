package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// keepAliveRequest is the global request OpenSSH uses for liveness checks.
const keepAliveRequest = "keepalive@openssh.com"

var (
	// ErrClosed is returned when using a transport after Close or Disconnect.
	ErrClosed = errors.New("ssh transport closed")
	// ErrNotConnected is returned when dialing before Connect succeeded.
	ErrNotConnected = errors.New("ssh transport not connected")
	// ErrRemoteClosed is reported when the server ends the connection cleanly.
	ErrRemoteClosed = errors.New("ssh connection closed by remote host")
)

// Forward is a local forwarder relaying through a Transport.
type Forward interface {
	Stop() error
}

// Transport is a single SSH client connection.
type Transport struct {
	addr   string
	cfg    ClientConfig
	dialer ContextDialer

	mu       sync.Mutex
	client   *ssh.Client
	pending  net.Conn
	onError  func(error)
	reported bool
	forwards map[Forward]struct{}
	alive    bool
	closing  bool
	closed   bool
	done     chan struct{}
}

// NewTransport returns an unconnected transport to the SSH server at addr.
func NewTransport(addr string, cfg ClientConfig, dialer ContextDialer) (*Transport, error) {
	if addr == "" {
		return nil, errors.New("ssh transport: missing ssh address")
	}
	if cfg.Username == "" {
		return nil, errors.New("ssh transport: missing username")
	}
	if cfg.Password == "" && len(cfg.Signers) == 0 {
		return nil, errors.New("ssh transport: missing password or key")
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	return &Transport{
		addr:     addr,
		cfg:      cfg,
		dialer:   dialer,
		forwards: make(map[Forward]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the SSH server address.
func (t *Transport) Addr() string {
	return t.addr
}

// Connect dials the SSH server and completes the handshake.
//
// Canceling ctx at any point before Connect returns closes the underlying
// socket and makes Connect fail with an error wrapping ctx.Err().
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.closed || t.closing:
		t.mu.Unlock()
		return ErrClosed
	case t.client != nil:
		t.mu.Unlock()
		return errors.New("ssh transport: already connected")
	}
	t.mu.Unlock()

	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ssh transport dial: %w", ctx.Err())
		}
		return fmt.Errorf("ssh transport dial: %w", err)
	}

	t.mu.Lock()
	if t.closed || t.closing {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.pending = conn
	t.mu.Unlock()

	// Close conn if ctx is canceled during handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	client, err := newClient(conn, t.cfg, t.addr)

	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()

	if !stop() {
		if client != nil {
			_ = client.Close()
		}
		return fmt.Errorf("ssh transport: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("ssh transport: %w", err)
	}

	t.mu.Lock()
	if t.closed || t.closing {
		t.mu.Unlock()
		_ = client.Close()
		return ErrClosed
	}
	t.client = client
	t.alive = true
	t.mu.Unlock()

	go t.monitor(client)
	if t.cfg.KeepAlive > 0 {
		go t.keepAliveLoop(client, t.cfg.KeepAlive)
	}

	return nil
}

// SetErrorHandler registers fn to receive out-of-band transport errors.
// Passing nil unregisters the current handler.
func (t *Transport) SetErrorHandler(fn func(error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

// Alive reports whether the SSH connection is established and has not ended.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// DialContext opens a "direct-tcpip" channel to address.
func (t *Transport) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh dial %s %s: unsupported network", network, address)
	}

	t.mu.Lock()
	client := t.client
	closed := t.closed || t.closing
	t.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if client == nil {
		return nil, ErrNotConnected
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", address, err)
	}
	return conn, nil
}

// AddForward attaches f so that releasing the transport also stops it.
func (t *Transport) AddForward(f Forward) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.forwards[f] = struct{}{}
	return nil
}

// RemoveForward detaches f. It does not stop it.
func (t *Transport) RemoveForward(f Forward) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.forwards[f]; !ok {
		return errors.New("ssh transport: forward not attached")
	}
	delete(t.forwards, f)
	return nil
}

// Disconnect actively closes the SSH connection. No error is reported to the
// error handler as a result. Disconnect on a transport that never connected is
// a no-op.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closing = true
	client := t.client
	pending := t.pending
	t.client = nil
	t.alive = false
	t.mu.Unlock()

	if pending != nil {
		_ = pending.Close()
	}
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("ssh disconnect: %w", err)
	}
	return nil
}

// Close releases the transport: forwards still attached are stopped and the
// connection is closed if Disconnect was not called. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.closing = true
	t.alive = false
	client := t.client
	pending := t.pending
	t.client = nil
	t.onError = nil
	forwards := make([]Forward, 0, len(t.forwards))
	for f := range t.forwards {
		forwards = append(forwards, f)
	}
	clear(t.forwards)
	close(t.done)
	t.mu.Unlock()

	if pending != nil {
		_ = pending.Close()
	}

	var errs []error
	for _, f := range forwards {
		if err := f.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if client != nil {
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// monitor blocks until the SSH connection ends and reports the cause unless
// the end was requested locally.
func (t *Transport) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	t.alive = false
	local := t.closing
	t.mu.Unlock()

	if local {
		return
	}
	if err == nil {
		err = ErrRemoteClosed
	}
	t.report(fmt.Errorf("ssh connection lost: %w", err))
}

func (t *Transport) keepAliveLoop(client *ssh.Client, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-tick.C:
			if !t.Alive() {
				return
			}
			if _, _, err := client.SendRequest(keepAliveRequest, true, nil); err != nil {
				t.report(fmt.Errorf("ssh keep-alive: %w", err))
				return
			}
		}
	}
}

// report delivers err to the handler. Only the first failure of a connection
// is reported; a dead link usually fails keep-alive and Wait together.
func (t *Transport) report(err error) {
	t.mu.Lock()
	if t.reported || t.closing {
		t.mu.Unlock()
		return
	}
	t.reported = true
	fn := t.onError
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
