package dialer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/sshdirect/internal/socks5"
	"github.com/die-net/sshdirect/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(ctx, t)

			upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
				serveSOCKS5Connect(ctx, c, socks5.Auth{Username: tt.user, Password: tt.pass})
			})

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, upLn.Addr().String(), tt.user, tt.pass)

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEcho(t, conn, conn, []byte("hello"))
			_ = conn.Close()

			waitUp()
		})
	}
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hole := testutil.StartBlackHole(ctx, t)
	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, hole.Addr().String(), "", "")

	dialCtx, abort := context.WithCancel(ctx)
	time.AfterFunc(50*time.Millisecond, abort)

	_, err := f.DialContext(dialCtx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error")
	}
	if ctx.Err() != nil {
		t.Fatal("dial did not return promptly after cancel")
	}
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		req, err := socks5.ServerHandshake(c, socks5.Auth{})
		if err != nil {
			return
		}
		socks5.WriteConnectionRefusedReply(c, req.Atyp)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
	waitUp()
}

func TestSOCKS5ProxyDialerRejectsUDP(t *testing.T) {
	t.Parallel()

	f := NewSOCKS5ProxyDialer(Config{}, "127.0.0.1:1", "", "")
	if _, err := f.DialContext(context.Background(), "udp", "127.0.0.1:53"); err == nil {
		t.Fatal("expected error")
	}
}

// serveSOCKS5Connect is a minimal SOCKS5 CONNECT proxy for one client.
func serveSOCKS5Connect(ctx context.Context, c net.Conn, auth socks5.Auth) {
	req, err := socks5.ServerHandshake(c, auth)
	if err != nil {
		return
	}

	var d net.Dialer
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = txsocks5.NewReply(txsocks5.RepHostUnreachable, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(c)
		return
	}
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(dst, c)
		_ = dst.Close()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(c, dst)
		_ = c.Close()
		return err
	})
	_ = g.Wait()
}
