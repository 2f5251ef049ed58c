package testutil

import (
	"context"
	"net"
	"testing"
)

// StartSingleAcceptServer accepts one connection and passes it to handler.
// The returned wait func blocks until handler returns.
func StartSingleAcceptServer(ctx context.Context, t *testing.T, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	return ln, func() {
		select {
		case <-done:
		case <-ctx.Done():
			t.Error("single accept server did not finish")
		}
	}
}
