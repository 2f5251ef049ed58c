package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/sshdirect/internal/testutil"
)

func newTestHTTPProxyDialer(t *testing.T, addr, user, pass string) *HTTPProxyDialer {
	t.Helper()

	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, &url.URL{Scheme: "http", Host: addr}, user, pass)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)

	gotAuth := make(chan string, 1)
	upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		_ = req.Body.Close()
		gotAuth <- req.Header.Get("Proxy-Authorization")

		var d net.Dialer
		dst, err := d.DialContext(ctx, "tcp", req.Host)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

		var g errgroup.Group
		g.Go(func() error {
			_, err := io.Copy(dst, br)
			_ = dst.Close()
			return err
		})
		g.Go(func() error {
			_, err := io.Copy(c, dst)
			_ = c.Close()
			return err
		})
		_ = g.Wait()
	})

	f := newTestHTTPProxyDialer(t, upLn.Addr().String(), "user", "pass")

	conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, conn, conn, []byte("hello"))
	_ = conn.Close()

	if auth := <-gotAuth; auth != "Basic dXNlcjpwYXNz" {
		t.Fatalf("unexpected Proxy-Authorization %q", auth)
	}
	waitUp()
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\n\r\n")
	})

	f := newTestHTTPProxyDialer(t, upLn.Addr().String(), "", "")

	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
	waitUp()
}

func TestHTTPProxyDialerDialContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hole := testutil.StartBlackHole(ctx, t)
	f := newTestHTTPProxyDialer(t, hole.Addr().String(), "", "")

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

func TestNewHTTPProxyDialerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPProxyDialer(Config{}, nil, "", ""); err == nil {
		t.Fatal("expected error for nil url")
	}
	if _, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "ftp", Host: "proxy:21"}, "", ""); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}
