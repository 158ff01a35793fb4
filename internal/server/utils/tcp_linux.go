//go:build linux

package utils

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

func markControl(mark int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		}); err != nil {
			return err
		}
		if serr != nil {
			slog.Debug("setsockopt SO_MARK", slog.Int("mark", mark), slog.Any("error", serr))
		}
		return serr
	}
}
