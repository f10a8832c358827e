// Package busserver accepts inbound peer connections on a listen
// descriptor and hands each to application code as a server-role
// busconn.Connection: a blocking Serve accept loop, a context.Context-driven
// shutdown, and a semaphore bounding how many accepted connections may be
// open at once.
package busserver

import (
	"context"
	"sync"
	"time"

	"github.com/buslink/buslink/internal/logger"
	"github.com/buslink/buslink/pkg/busconn"
	"github.com/buslink/buslink/pkg/ioloop"
	"github.com/buslink/buslink/pkg/transport"
)

const defaultMaxConnections = 64

// AcceptFunc accepts one pending connection off a non-blocking listen fd,
// returning a WouldBlock-coded error (see transport.WouldBlock) when none
// is pending. transport.AcceptUnix and transport.AcceptTCP both satisfy
// this signature.
type AcceptFunc func(listenFd int) (transport.Transport, error)

// UnixAccept adapts transport.AcceptUnix to AcceptFunc.
func UnixAccept(listenFd int) (transport.Transport, error) { return transport.AcceptUnix(listenFd) }

// TCPAccept adapts transport.AcceptTCP to AcceptFunc.
func TCPAccept(listenFd int) (transport.Transport, error) { return transport.AcceptTCP(listenFd) }

// Config controls a Server's accept loop.
type Config struct {
	// MaxConcurrentConnections bounds connections accepted but not yet
	// disconnected. Zero means defaultMaxConnections.
	MaxConcurrentConnections int
}

// Server owns an epoll readiness watch on one listen fd; it never owns the
// listen fd itself (the caller closes whatever transport.ListenUnix or
// transport.ListenTCP returned).
type Server struct {
	listenFd   int
	accept     AcceptFunc
	dispatcher *ioloop.Dispatcher
	onConnect  func(*busconn.Connection)

	poller ioloop.Poller
	sem    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Server that accepts off listenFd using accept, constructs
// each accepted peer Connection on dispatcher, and hands it to onConnect.
// dispatcher is also where every accepted Connection's own I/O runs;
// Server itself runs its accept loop on a private Poller so a slow
// application callback never blocks the main dispatcher's readiness loop.
func New(listenFd int, accept AcceptFunc, dispatcher *ioloop.Dispatcher, cfg Config, onConnect func(*busconn.Connection)) (*Server, error) {
	poller, err := ioloop.NewPoller()
	if err != nil {
		return nil, err
	}
	if err := poller.Add(listenFd, ioloop.Readable); err != nil {
		poller.Close()
		return nil, err
	}

	max := cfg.MaxConcurrentConnections
	if max <= 0 {
		max = defaultMaxConnections
	}

	return &Server{
		listenFd:   listenFd,
		accept:     accept,
		dispatcher: dispatcher,
		onConnect:  onConnect,
		poller:     poller,
		sem:        make(chan struct{}, max),
		closed:     make(chan struct{}),
	}, nil
}

// Serve blocks, accepting connections, until ctx is cancelled or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	events := make([]ioloop.Event, 1)
	for {
		select {
		case <-s.closed:
			return nil
		default:
		}

		// A bounded wait lets the loop notice Close: closing the poller from
		// another goroutine does not wake a blocked epoll wait.
		n, err := s.poller.Wait(100*time.Millisecond, events)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
				return err
			}
		}
		if n > 0 {
			s.acceptReady()
		}
	}
}

func (s *Server) acceptReady() {
	for {
		tr, err := s.accept(s.listenFd)
		if err != nil {
			if transport.WouldBlock(err) {
				return
			}
			logger.Debug("busserver: accept error", logger.Err(err))
			return
		}

		select {
		case s.sem <- struct{}{}:
		default:
			logger.Debug("busserver: connection limit reached, rejecting")
			tr.Close()
			continue
		}

		conn := busconn.AcceptPeer(tr, s.dispatcher)
		var release sync.Once
		conn.SetDisconnectHandler(func(error) {
			release.Do(func() { <-s.sem })
		})
		if s.onConnect != nil {
			s.onConnect(conn)
		}
	}
}

// Close stops the accept loop and releases the private poller.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.poller.Close()
}
