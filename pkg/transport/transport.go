// Package transport implements the non-blocking byte-stream abstraction the
// event dispatcher polls: a local Unix-domain socket (including the Linux
// abstract-namespace variant, with SCM_RIGHTS descriptor passing) and a TCP
// loopback socket. Both are driven entirely by raw, non-blocking file
// descriptors via golang.org/x/sys/unix rather than net.Conn, since the
// dispatcher needs direct access to the underlying descriptor for polling
// and to the ancillary-message machinery for descriptor passing.
package transport

import (
	"github.com/buslink/buslink/pkg/buserr"
)

// Transport is a non-blocking byte stream. All methods must be safe to call
// from the single dispatcher thread that owns the transport; none block.
type Transport interface {
	// Write attempts to send as much of b as the socket buffer allows.
	// Returns the number of bytes actually written. When the socket would
	// block it returns 0 and a WouldBlock-coded error (see WouldBlock),
	// which is not fatal. A fatal error closes
	// the transport and is returned alongside whatever was written before
	// the failure.
	Write(b []byte) (int, error)

	// Read fills buf with up to len(buf) bytes. Equivalent to ReadFds with
	// a nil descriptor sink.
	Read(buf []byte) (int, error)

	// ReadFds fills buf like Read, additionally collecting any ancillary
	// file descriptors carried by the underlying recvmsg call. Descriptors
	// only ever arrive attached to the first bytes of a message; callers
	// must consume the returned slice immediately; it is not buffered
	// between calls.
	ReadFds(buf []byte) (n int, fds []int, err error)

	// AvailableBytesForReading reports how many bytes the kernel currently
	// has queued for reading, to size the next Read/ReadFds call.
	AvailableBytesForReading() (int, error)

	// Close releases the underlying descriptor. Idempotent.
	Close() error

	// IsOpen reports whether Close has not yet been called (and no fatal
	// I/O error has already closed the transport).
	IsOpen() bool

	// FileDescriptor returns the raw descriptor the poller should watch.
	FileDescriptor() int
}

// WouldBlock reports whether err represents a non-fatal "try again later"
// condition from Write/Read/ReadFds, as opposed to a fatal transport error.
func WouldBlock(err error) bool {
	code, ok := buserr.CodeOf(err)
	return ok && code == buserr.WouldBlock
}

// FDWriter is implemented by transports that can attach ancillary file
// descriptors to an outbound write. Only the Unix-domain variant supports
// this; TCP loopback does not, so callers type-assert for it.
type FDWriter interface {
	WriteFds(b []byte, fds []int) (int, error)
}
