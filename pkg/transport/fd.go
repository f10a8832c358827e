package transport

import (
	"golang.org/x/sys/unix"

	"github.com/buslink/buslink/pkg/buserr"
)

// setNonblocking puts fd in non-blocking mode. All transports in this
// package are non-blocking end to end: the dispatcher never wants a syscall
// that can stall its single thread.
func setNonblocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return buserr.Wrap(buserr.Connection, err)
	}
	return nil
}

// isTemporary reports whether err from a read/write syscall means "try
// again", rather than a fatal transport failure.
func isTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// closeFd closes fd, ignoring EINTR/EBADF the way a best-effort teardown
// path should (the descriptor is going away regardless).
func closeFd(fd int) error {
	err := unix.Close(fd)
	if err != nil && err != unix.EINTR && err != unix.EBADF {
		return buserr.Wrap(buserr.Connection, err)
	}
	return nil
}
