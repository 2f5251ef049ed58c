package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/die-net/sshdirect/internal/config"
	"github.com/die-net/sshdirect/internal/dialer"
	"github.com/die-net/sshdirect/internal/metrics"
	"github.com/die-net/sshdirect/internal/proxy"
	"github.com/die-net/sshdirect/internal/socks5"
	"github.com/die-net/sshdirect/internal/ssh"
)

const (
	// DefaultTimeout stands in for "no timeout" when Options.Timeout is
	// left at its default.
	DefaultTimeout = 24 * time.Hour
	// DefaultKeepAlive is the keep-alive interval used when
	// Options.KeepAlive is left at its default.
	DefaultKeepAlive = 60 * time.Second
	// DefaultNegotiationTimeout bounds the SOCKS5 handshake with local
	// clients.
	DefaultNegotiationTimeout = 10 * time.Second
)

// Config holds the Manager settings that do not change between attempts.
type Config struct {
	// Dialer reaches the SSH server. Nil dials directly.
	Dialer dialer.Dialer

	// SSH supplies key-based auth and host key checking. Username and
	// Password are taken from each Descriptor.
	SSH ssh.ClientConfig

	// NegotiationTimeout bounds the SOCKS5 handshake. Zero means
	// DefaultNegotiationTimeout.
	NegotiationTimeout time.Duration

	// KeepAlive is applied to accepted SOCKS5 client connections.
	KeepAlive net.KeepAliveConfig

	// ProxyAuth, when Username is set, requires SOCKS5 clients to log in.
	ProxyAuth socks5.Auth

	// Output, if set, receives a copy of every log line.
	Output io.Writer

	// LogCapacity bounds Logs(). Zero means DefaultLogCapacity.
	LogCapacity int

	// Verbose logs per-connection SOCKS5 failures.
	Verbose bool
}

// Options are the per-attempt parameters of Connect.
type Options struct {
	BindAddress string
	BindPort    int
	// Timeout bounds the SSH handshake. Default means DefaultTimeout.
	Timeout config.Tunable
	// KeepAlive is the SSH keep-alive interval. Default means
	// DefaultKeepAlive.
	KeepAlive config.Tunable
}

// OptionsFromSettings converts caller settings to Connect options.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		BindAddress: s.BindAddress,
		BindPort:    s.BindPort,
		Timeout:     s.Timeout(),
		KeepAlive:   s.KeepAlive(),
	}
}

func (o Options) validate() error {
	if o.BindAddress == "" {
		return errors.New("missing bind address")
	}
	if o.BindPort < 1 || o.BindPort > 65535 {
		return fmt.Errorf("bind port %d out of range 1-65535", o.BindPort)
	}
	return nil
}

func (o Options) bindAddr() string {
	return net.JoinHostPort(o.BindAddress, strconv.Itoa(o.BindPort))
}

// Manager runs at most one tunnel session at a time.
type Manager struct {
	cfg    Config
	logs   *LogBuffer
	logger *log.Logger
	events *emitter

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	transport *ssh.Transport
	listener  *proxy.SOCKS5Listener

	// Test hooks, both called with mu held.
	testHookHandshakeDone func()
	testHookTeardownStep  func(name string)
}

// New returns an idle Manager.
func New(cfg Config) *Manager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}

	logs := NewLogBuffer(cfg.LogCapacity)
	var w io.Writer = logs
	if cfg.Output != nil {
		w = io.MultiWriter(logs, cfg.Output)
	}

	return &Manager{
		cfg:    cfg,
		logs:   logs,
		logger: log.New(w, "", log.Ltime),
		events: newEmitter(),
	}
}

// Logs returns the manager's log buffer.
func (m *Manager) Logs() *LogBuffer {
	return m.logs
}

// Subscribe registers fn for every future event and returns a func that
// unregisters it. Events are delivered in order, never concurrently, and
// never while the manager holds its lock, so fn may call back into the
// Manager.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.events.subscribe(fn)
}

// Alive reports whether a session is in place and its transport is up.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport != nil && m.listener != nil && m.transport.Alive()
}

// Addr returns the bound SOCKS5 address while a session is in place.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Connect tears down any existing session or in-flight attempt, then opens
// an SSH transport to d and starts a SOCKS5 listener on the bind address.
//
// It returns nil once the listener is serving, ErrCancelled if ctx ends or
// the attempt is superseded by Disconnect or another Connect, or a
// *ConnectionFailedError for any other failure. On error nothing is left
// running.
func (m *Manager) Connect(ctx context.Context, d config.Descriptor, opts Options) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
		return err
	}

	defer m.events.flush()

	start := time.Now()
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	sshCfg := m.cfg.SSH
	sshCfg.Username = d.Username
	sshCfg.Password = d.Secret
	sshCfg.KeepAlive = opts.KeepAlive.Or(DefaultKeepAlive)

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.teardownLocked(false)

	tr, err := ssh.NewTransport(d.Addr(), sshCfg, m.cfg.Dialer)
	if err != nil {
		m.cancel = nil
		m.mu.Unlock()
		return m.failed(d, err)
	}
	tr.SetErrorHandler(m.transportErrorHandler(tr))
	m.transport = tr
	m.mu.Unlock()

	m.logf("Connecting to %s...", d.Addr())
	m.events.flush()

	hctx, hcancel := context.WithTimeout(actx, opts.Timeout.Or(DefaultTimeout))
	err = tr.Connect(hctx)
	hcancel()

	m.mu.Lock()
	current := m.gen == gen
	if err == nil && (actx.Err() != nil || !current) {
		err = ErrCancelled
	}
	if err != nil {
		if current {
			m.teardownLocked(false)
			m.cancel = nil
		} else {
			_ = tr.Close()
		}
		m.mu.Unlock()

		if actx.Err() != nil || !current {
			return m.cancelled()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", opts.Timeout.Or(DefaultTimeout), err)
		}
		return m.failed(d, err)
	}

	if m.testHookHandshakeDone != nil {
		m.testHookHandshakeDone()
	}

	ln := proxy.NewSOCKS5Listener(opts.bindAddr(), proxy.Config{
		NegotiationTimeout: m.cfg.NegotiationTimeout,
		KeepAlive:          m.cfg.KeepAlive,
		Auth:               m.cfg.ProxyAuth,
		Dialer:             tr,
		Logger:             m.logger,
		Verbose:            m.cfg.Verbose,
	})
	m.listener = ln

	err = ln.Start(context.WithoutCancel(ctx))
	if err == nil {
		err = tr.AddForward(ln)
	}
	if err != nil || actx.Err() != nil {
		m.teardownLocked(false)
		m.cancel = nil
		m.mu.Unlock()

		if err != nil {
			return m.failed(d, fmt.Errorf("start SOCKS5 listener: %w", err))
		}
		return m.cancelled()
	}

	m.cancel = nil
	metrics.SessionUp.Set(1)
	metrics.ConnectAttemptsTotal.WithLabelValues(metrics.ResultConnected).Inc()
	metrics.ConnectDuration.Observe(time.Since(start).Seconds())

	m.logf("Connected! SOCKS5 proxy available on %s", ln.Addr())
	m.events.enqueue(Event{Kind: EventConnected, Message: ln.Addr().String()})
	m.mu.Unlock()

	return nil
}

// Disconnect cancels any in-flight attempt and tears down the current
// session. It always succeeds; failures of individual teardown steps are
// only logged. EventDisconnected is published only if there was something
// to cancel or tear down.
func (m *Manager) Disconnect() {
	defer m.events.flush()

	m.logf("Disconnecting...")

	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := m.cancel != nil
	if cancelled {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	tore := m.teardownLocked(true)

	m.logf("Disconnected.")
	if cancelled || tore {
		m.events.enqueue(Event{Kind: EventDisconnected})
	}
}

// teardownLocked releases the current session, if any, in a fixed order.
// Every step runs even if an earlier one fails. explicit additionally
// closes the SSH connection actively before it is released.
func (m *Manager) teardownLocked(explicit bool) bool {
	tr, ln := m.transport, m.listener
	if tr == nil && ln == nil {
		return false
	}

	steps := []step{
		{"stop listener", func() error {
			if ln == nil {
				return nil
			}
			return ln.Stop()
		}},
		{"detach listener", func() error {
			if ln == nil || tr == nil {
				return nil
			}
			return tr.RemoveForward(ln)
		}},
		{"disconnect transport", func() error {
			if !explicit || tr == nil {
				return nil
			}
			return tr.Disconnect()
		}},
		{"unregister error handler", func() error {
			if tr != nil {
				tr.SetErrorHandler(nil)
			}
			return nil
		}},
		{"release transport", func() error {
			if tr == nil {
				return nil
			}
			return tr.Close()
		}},
		{"clear handles", func() error {
			m.transport = nil
			m.listener = nil
			return nil
		}},
	}

	if hook := m.testHookTeardownStep; hook != nil {
		for i, s := range steps {
			steps[i].fn = func() error {
				hook(s.name)
				return s.fn()
			}
		}
	}
	runSteps(m.logf, steps...)

	metrics.SessionUp.Set(0)
	return true
}

// transportErrorHandler reports errors from tr while it is the current
// transport. An error raised as tr is being torn down is dropped, so it can
// never follow EventDisconnected.
func (m *Manager) transportErrorHandler(tr *ssh.Transport) func(error) {
	return func(err error) {
		m.mu.Lock()
		if m.transport != tr {
			m.mu.Unlock()
			return
		}
		metrics.TransportErrorsTotal.Inc()
		m.logf("SSH error: %v", err)
		m.events.enqueue(Event{Kind: EventError, Message: err.Error(), Err: &TransportError{Err: err}})
		m.mu.Unlock()

		m.events.flush()
	}
}

func (m *Manager) cancelled() error {
	metrics.ConnectAttemptsTotal.WithLabelValues(metrics.ResultCancelled).Inc()
	m.logf("Connection cancelled.")
	return ErrCancelled
}

func (m *Manager) failed(d config.Descriptor, err error) error {
	metrics.ConnectAttemptsTotal.WithLabelValues(metrics.ResultFailed).Inc()
	m.logf("Connection failed: %v", err)
	return &ConnectionFailedError{Addr: d.Addr(), Err: err}
}

// logf writes one line to the log buffer and queues it as an EventLog. It
// takes no manager locks.
func (m *Manager) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.logger.Print(msg)
	m.events.enqueue(Event{Kind: EventLog, Message: msg})
}
