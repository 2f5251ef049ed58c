package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays between client and remote until both directions
// finish or ctx is canceled, then closes both. It returns the bytes copied
// client to remote (up) and remote to client (down).
func CopyBidirectional(ctx context.Context, client, remote net.Conn) (up, down int64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = remote.Close()
		})
	}
	defer closeBoth()

	var wg sync.WaitGroup
	wg.Add(2)

	g.Go(func() error {
		defer wg.Done()
		n, err := copyBuffered(remote, client)
		up = n
		closeWrite(remote)
		return err
	})

	g.Go(func() error {
		defer wg.Done()
		n, err := copyBuffered(client, remote)
		down = n
		closeWrite(client)
		return err
	})

	// Unblock both copies on cancel or on the first error.
	done := make(chan struct{})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-done:
		}
		return nil
	})

	wg.Wait()
	close(done)
	err = g.Wait()
	return up, down, err
}

func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	return io.CopyBuffer(dst, src, *buf)
}

// closeWrite half-closes c when it supports it so the peer sees EOF.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
