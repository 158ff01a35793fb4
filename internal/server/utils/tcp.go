package utils

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const dialTimeout = 10 * time.Second

// Dialer returns the dialer used for upstream connections. A non-zero mark
// sets SO_MARK on Linux so policy routing can exempt proxy traffic.
func Dialer(mark int) *net.Dialer {
	d := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	if mark != 0 {
		d.Control = markControl(mark)
	}
	return d
}

// Connect dials the target address and returns the connection.
func Connect(ctx context.Context, d *net.Dialer, addr string) (net.Conn, error) {
	slog.Debug("Connecting", slog.String("dest_addr", addr))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	slog.Debug("Connected", slog.String("dest_addr", addr))
	return conn, nil
}

// Relay copies in both directions until both sides are done, half-closing
// each write side as its source drains. Both conns are closed on return.
func Relay(a, b net.Conn) (aToB, bToA int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		aToB = copyHalf(b, a)
	}()
	go func() {
		defer wg.Done()
		bToA = copyHalf(a, b)
	}()
	wg.Wait()
	_ = a.Close()
	_ = b.Close()
	return aToB, bToA
}

type closeWriter interface {
	CloseWrite() error
}

func copyHalf(dst, src net.Conn) int64 {
	n, _ := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
	return n
}
