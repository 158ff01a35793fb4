//go:build !linux

package utils

import (
	"log/slog"
	"syscall"
)

func markControl(mark int) func(network, address string, c syscall.RawConn) error {
	slog.Warn("SO_MARK is only supported on Linux, ignoring", slog.Int("mark", mark))
	return nil
}
