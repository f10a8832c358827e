package transport

import (
	"sync"

	"github.com/buslink/buslink/pkg/buserr"
)

// PipeTransport is an in-memory, non-blocking Transport used as a
// deterministic test double for busconn and message-layer tests that don't
// need a real socket. It never surfaces file descriptors and its
// FileDescriptor() is not meaningful to a real poller; tests drive it
// directly rather than through ioloop.
type PipeTransport struct {
	mu     sync.Mutex
	inbox  []byte
	peer   *PipeTransport
	open   bool
	closed chan struct{}
}

// NewPipe returns two PipeTransports wired to each other: bytes written to
// one arrive readable on the other.
func NewPipe() (a, b *PipeTransport) {
	a = &PipeTransport{open: true, closed: make(chan struct{})}
	b = &PipeTransport{open: true, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeTransport) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return 0, buserr.New(buserr.TransportClosed)
	}
	if p.peer == nil || !p.peer.open {
		return 0, buserr.New(buserr.RemoteDisconnect)
	}
	p.peer.mu.Lock()
	p.peer.inbox = append(p.peer.inbox, b...)
	p.peer.mu.Unlock()
	return len(b), nil
}

func (p *PipeTransport) Read(buf []byte) (int, error) {
	n, _, err := p.ReadFds(buf)
	return n, err
}

// ReadFds never carries descriptors; PipeTransport exists purely to drive
// the codec/connection layers without real sockets.
func (p *PipeTransport) ReadFds(buf []byte) (int, []int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return 0, nil, buserr.New(buserr.TransportClosed)
	}
	if len(p.inbox) == 0 {
		return 0, nil, buserr.New(buserr.WouldBlock)
	}
	n := copy(buf, p.inbox)
	p.inbox = p.inbox[n:]
	return n, nil, nil
}

func (p *PipeTransport) AvailableBytesForReading() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return 0, buserr.New(buserr.TransportClosed)
	}
	return len(p.inbox), nil
}

func (p *PipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return nil
	}
	p.open = false
	close(p.closed)
	return nil
}

func (p *PipeTransport) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// FileDescriptor returns -1: PipeTransport has no real descriptor and is
// never registered with a Poller.
func (p *PipeTransport) FileDescriptor() int { return -1 }
