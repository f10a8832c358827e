package transport

import (
	"golang.org/x/sys/unix"

	"github.com/buslink/buslink/internal/logger"
	"github.com/buslink/buslink/pkg/buserr"
)

// TCPFamily selects the address family for a TCP loopback transport.
type TCPFamily int

const (
	TCPIPv4 TCPFamily = iota
	TCPIPv6
)

// TCPTransport is a non-blocking TCP loopback socket. It never passes
// descriptors; ReadFds always returns a nil fd slice.
type TCPTransport struct {
	fd   int
	open bool
}

// DialTCP connects to port over loopback TCP. host is not used: the socket
// always connects to the loopback address of the chosen family, and no DNS
// lookup is done on the dispatcher's non-blocking connect path.
func DialTCP(host string, port int, family TCPFamily) (*TCPTransport, error) {
	domain := unix.AF_INET
	if family == TCPIPv6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, buserr.Wrap(buserr.Connection, err)
	}
	sa, err := tcpSockaddr(host, port, family)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, buserr.Wrap(buserr.Connection, err)
	}
	return &TCPTransport{fd: fd, open: true}, nil
}

// tcpSockaddr resolves host:port to a loopback sockaddr. Only "localhost"
// and the loopback literals are meaningful here; arbitrary DNS names are
// out of scope for this loopback-only transport.
func tcpSockaddr(host string, port int, family TCPFamily) (unix.Sockaddr, error) {
	addr := loopbackAddr(family)
	if family == TCPIPv6 {
		return &unix.SockaddrInet6{Port: port, Addr: addr6(addr)}, nil
	}
	return &unix.SockaddrInet4{Port: port, Addr: addr4(addr)}, nil
}

func loopbackAddr(family TCPFamily) [16]byte {
	var a [16]byte
	if family == TCPIPv6 {
		a[15] = 1
	} else {
		a[0], a[1], a[2], a[3] = 127, 0, 0, 1
	}
	return a
}

func addr4(a [16]byte) [4]byte  { return [4]byte{a[0], a[1], a[2], a[3]} }
func addr6(a [16]byte) [16]byte { return a }

// ListenTCP creates a listening loopback socket on port (0 for any free
// port), returning the descriptor for busserver's accept loop.
func ListenTCP(port int, family TCPFamily) (int, error) {
	domain := unix.AF_INET
	if family == TCPIPv6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, buserr.Wrap(buserr.Connection, err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	sa, err := tcpSockaddr("localhost", port, family)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
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

// AcceptTCP accepts one pending connection off a listening descriptor
// created by ListenTCP. Returns buserr.WouldBlock when nothing is pending.
func AcceptTCP(listenFd int) (*TCPTransport, error) {
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
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &TCPTransport{fd: fd, open: true}, nil
}

func (t *TCPTransport) Write(b []byte) (int, error) {
	if !t.open {
		return 0, buserr.New(buserr.TransportClosed)
	}
	n, err := unix.Write(t.fd, b)
	if err != nil {
		if isTemporary(err) {
			return 0, buserr.New(buserr.WouldBlock)
		}
		t.fail(err)
		return n, buserr.Wrap(buserr.Connection, err)
	}
	return n, nil
}

func (t *TCPTransport) Read(buf []byte) (int, error) {
	n, _, err := t.ReadFds(buf)
	return n, err
}

// ReadFds never surfaces descriptors over TCP; it satisfies Transport so
// callers can treat every transport kind uniformly.
func (t *TCPTransport) ReadFds(buf []byte) (int, []int, error) {
	if !t.open {
		return 0, nil, buserr.New(buserr.TransportClosed)
	}
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if isTemporary(err) {
			return 0, nil, buserr.New(buserr.WouldBlock)
		}
		t.fail(err)
		return 0, nil, buserr.Wrap(buserr.Connection, err)
	}
	if n == 0 {
		t.fail(nil)
		return 0, nil, buserr.New(buserr.RemoteDisconnect)
	}
	return n, nil, nil
}

func (t *TCPTransport) AvailableBytesForReading() (int, error) {
	if !t.open {
		return 0, buserr.New(buserr.TransportClosed)
	}
	n, err := unix.IoctlGetInt(t.fd, unix.FIONREAD)
	if err != nil {
		return 0, buserr.Wrap(buserr.Connection, err)
	}
	return n, nil
}

func (t *TCPTransport) Close() error {
	if !t.open {
		return nil
	}
	t.open = false
	return closeFd(t.fd)
}

func (t *TCPTransport) fail(cause error) {
	if !t.open {
		return
	}
	t.open = false
	_ = closeFd(t.fd)
	if cause != nil {
		logger.Debug("tcp transport closed after fatal error", logger.Err(cause))
	}
}

func (t *TCPTransport) IsOpen() bool { return t.open }

func (t *TCPTransport) FileDescriptor() int { return t.fd }
