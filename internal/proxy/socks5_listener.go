package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/die-net/sshdirect/internal/metrics"
	"github.com/die-net/sshdirect/internal/socks5"
)

// ErrListenerStopped is returned when starting a listener that was stopped.
var ErrListenerStopped = errors.New("socks5 listener stopped")

// SOCKS5Listener accepts local SOCKS5 CONNECT requests and relays each one
// through Config.Dialer.
type SOCKS5Listener struct {
	addr string
	cfg  Config

	mu      sync.Mutex
	ln      net.Listener
	cancel  context.CancelFunc
	conns   map[net.Conn]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewSOCKS5Listener returns an unstarted listener for addr ("host:port").
func NewSOCKS5Listener(addr string, cfg Config) *SOCKS5Listener {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &SOCKS5Listener{
		addr:  addr,
		cfg:   cfg,
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds the listening socket and serves in the background until Stop
// or until ctx is canceled. A bind failure is returned synchronously.
func (l *SOCKS5Listener) Start(ctx context.Context) error {
	if l.cfg.Dialer == nil {
		return errors.New("socks5 listener: missing dialer")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.stopped:
		return ErrListenerStopped
	case l.ln != nil:
		return errors.New("socks5 listener: already started")
	}

	ln, err := ListenTCP(ctx, "tcp", l.addr, l.cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("socks5 listener: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	l.ln = ln
	l.cancel = cancel

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		<-sctx.Done()
		_ = ln.Close()
	}()
	go func() {
		defer l.wg.Done()
		l.serve(sctx, ln)
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *SOCKS5Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listening socket and every relayed connection, and waits
// for the serving goroutines to exit. Stop is idempotent and may be called
// before Start.
func (l *SOCKS5Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	ln := l.ln
	cancel := l.cancel
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("socks5 listener close: %w", cerr)
		}
	}

	l.wg.Wait()
	return err
}

func (l *SOCKS5Listener) serve(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				l.logf("socks5 accept: %v", err)
			}
			return
		}

		if !l.track(conn) {
			_ = conn.Close()
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			l.handleConn(ctx, conn)
		}()
	}
}

func (l *SOCKS5Listener) track(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *SOCKS5Listener) untrack(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
	_ = c.Close()
}

func (l *SOCKS5Listener) handleConn(ctx context.Context, conn net.Conn) {
	if l.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(l.cfg.NegotiationTimeout))
	}

	req, err := socks5.ServerHandshake(conn, l.cfg.Auth)
	if err != nil {
		l.logf("socks5 handshake from %s: %v", conn.RemoteAddr(), err)
		return
	}

	dst := req.Address()
	up, err := l.cfg.Dialer.DialContext(ctx, "tcp", dst)
	if err != nil {
		l.logf("socks5 connect %s: %v", dst, err)
		socks5.WriteHostUnreachableReply(conn, req.Atyp)
		return
	}

	if !l.track(up) {
		_ = up.Close()
		return
	}
	defer l.untrack(up)

	if err := socks5.WriteSuccessReply(conn, up.LocalAddr()); err != nil {
		return
	}
	if l.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	metrics.ForwardActive.Inc()
	defer metrics.ForwardActive.Dec()

	upBytes, downBytes, _ := CopyBidirectional(ctx, conn, up)
	metrics.AddForwardBytes(upBytes, downBytes)
}

func (l *SOCKS5Listener) logf(format string, args ...any) {
	if l.cfg.Verbose {
		l.cfg.Logger.Printf(format, args...)
	}
}
