package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestCopyBidirectionalCounts(t *testing.T) {
	t.Parallel()

	clientApp, clientSide := net.Pipe()
	remoteSide, remoteApp := net.Pipe()

	type result struct {
		up, down int64
	}
	done := make(chan result, 1)
	go func() {
		up, down, _ := CopyBidirectional(context.Background(), clientSide, remoteSide)
		done <- result{up, down}
	}()

	go func() {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(remoteApp, buf)
		_, _ = remoteApp.Write([]byte("pong!!!"))
		_ = remoteApp.Close()
	}()

	if _, err := clientApp.Write([]byte("ping!")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 7)
	if _, err := io.ReadFull(clientApp, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong!!!" {
		t.Fatalf("got %q", got)
	}
	_ = clientApp.Close()

	select {
	case r := <-done:
		if r.up != 5 || r.down != 7 {
			t.Fatalf("up=%d down=%d", r.up, r.down)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CopyBidirectional did not return")
	}
}

func TestCopyBidirectionalCancel(t *testing.T) {
	t.Parallel()

	_, clientSide := net.Pipe()
	remoteSide, _ := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = CopyBidirectional(ctx, clientSide, remoteSide)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CopyBidirectional ignored cancellation")
	}
}
