package transport

import (
	"golang.org/x/sys/unix"

	"github.com/buslink/buslink/internal/logger"
	"github.com/buslink/buslink/pkg/buserr"
)

// maxAncillaryFds bounds how many descriptors a single ReadFds call will
// accept from one recvmsg, guarding against a peer trying to exhaust our
// descriptor table through a single oversized control message.
const maxAncillaryFds = 64

// UnixTransport is a non-blocking Unix-domain socket, including the Linux
// abstract-namespace form, with SCM_RIGHTS ancillary descriptor passing.
type UnixTransport struct {
	fd   int
	open bool
}

// unixSockaddr builds the sockaddr for a filesystem path or, on Linux, an
// abstract-namespace name (requested by an empty leading byte per address
// convention: a path beginning with '\x00' in the parsed address).
func unixSockaddr(name string, abstract bool) *unix.SockaddrUnix {
	if abstract {
		return &unix.SockaddrUnix{Name: "\x00" + name}
	}
	return &unix.SockaddrUnix{Name: name}
}

// DialUnix connects to a listening Unix-domain socket at name, which is
// either a filesystem path or (when abstract is true) an abstract-namespace
// name with no leading NUL.
func DialUnix(name string, abstract bool) (*UnixTransport, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, buserr.Wrap(buserr.Connection, err)
	}
	if err := unix.Connect(fd, unixSockaddr(name, abstract)); err != nil {
		unix.Close(fd)
		return nil, buserr.Wrap(buserr.Connection, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &UnixTransport{fd: fd, open: true}, nil
}

// ListenUnix creates and binds a listening socket at name, returning the raw
// descriptor for busserver to hand to the poller and Accept on readability.
func ListenUnix(name string, abstract bool) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, buserr.Wrap(buserr.Connection, err)
	}
	if !abstract {
		_ = unix.Unlink(name)
	}
	if err := unix.Bind(fd, unixSockaddr(name, abstract)); err != nil {
		unix.Close(fd)
		return -1, buserr.Wrap(buserr.Connection, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, buserr.Wrap(buserr.Connection, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// AcceptUnix accepts one pending connection off a listening descriptor
// created by ListenUnix. Returns buserr.WouldBlock when nothing is pending.
func AcceptUnix(listenFd int) (*UnixTransport, error) {
	fd, _, err := unix.Accept(listenFd)
	if err != nil {
		if isTemporary(err) {
			return nil, buserr.New(buserr.WouldBlock)
		}
		return nil, buserr.Wrap(buserr.Connection, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &UnixTransport{fd: fd, open: true}, nil
}

// WrapUnixFD adopts an already-connected, already-accepted descriptor (used
// by tests and by socketpair-based in-process peers).
func WrapUnixFD(fd int) (*UnixTransport, error) {
	if err := setNonblocking(fd); err != nil {
		return nil, err
	}
	return &UnixTransport{fd: fd, open: true}, nil
}

func (t *UnixTransport) Write(b []byte) (int, error) {
	return t.WriteFds(b, nil)
}

// WriteFds writes b, attaching fds as an SCM_RIGHTS ancillary message on the
// first sendmsg call. Per the transport contract, descriptors only travel on
// the first bytes of a message, so callers must pass fds only on the call
// that carries the start of the message.
func (t *UnixTransport) WriteFds(b []byte, fds []int) (int, error) {
	if !t.open {
		return 0, buserr.New(buserr.TransportClosed)
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, err := unix.SendmsgN(t.fd, b, oob, nil, 0)
	if err != nil {
		if isTemporary(err) {
			return 0, buserr.New(buserr.WouldBlock)
		}
		t.fail(err)
		return n, buserr.Wrap(buserr.Connection, err)
	}
	return n, nil
}

func (t *UnixTransport) Read(buf []byte) (int, error) {
	n, _, err := t.ReadFds(buf)
	return n, err
}

func (t *UnixTransport) ReadFds(buf []byte) (int, []int, error) {
	if !t.open {
		return 0, nil, buserr.New(buserr.TransportClosed)
	}
	oob := make([]byte, unix.CmsgSpace(maxAncillaryFds*4))
	n, oobn, _, _, err := unix.Recvmsg(t.fd, buf, oob, 0)
	if err != nil {
		if isTemporary(err) {
			return 0, nil, buserr.New(buserr.WouldBlock)
		}
		t.fail(err)
		return 0, nil, buserr.Wrap(buserr.Connection, err)
	}
	if n == 0 {
		// Peer performed an orderly shutdown.
		t.fail(nil)
		return 0, nil, buserr.New(buserr.RemoteDisconnect)
	}

	var fds []int
	if oobn > 0 {
		fds, err = parseAncillaryFds(oob[:oobn])
		if err != nil {
			logger.Warn("failed to parse ancillary descriptors", logger.Err(err))
		}
	}
	return n, fds, nil
}

func parseAncillaryFds(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, buserr.Wrap(buserr.Connection, err)
	}
	var fds []int
	for _, msg := range msgs {
		rights, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func (t *UnixTransport) AvailableBytesForReading() (int, error) {
	if !t.open {
		return 0, buserr.New(buserr.TransportClosed)
	}
	n, err := unix.IoctlGetInt(t.fd, unix.FIONREAD)
	if err != nil {
		return 0, buserr.Wrap(buserr.Connection, err)
	}
	return n, nil
}

func (t *UnixTransport) Close() error {
	if !t.open {
		return nil
	}
	t.open = false
	return closeFd(t.fd)
}

// fail marks the transport closed in response to a fatal I/O error. cause
// may be nil for an orderly peer shutdown observed as a zero-length read.
func (t *UnixTransport) fail(cause error) {
	if !t.open {
		return
	}
	t.open = false
	_ = closeFd(t.fd)
	if cause != nil {
		logger.Debug("unix transport closed after fatal error", logger.Err(cause))
	}
}

func (t *UnixTransport) IsOpen() bool { return t.open }

func (t *UnixTransport) FileDescriptor() int { return t.fd }
