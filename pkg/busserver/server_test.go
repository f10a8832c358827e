package busserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/buslink/buslink/pkg/busconn"
	"github.com/buslink/buslink/pkg/ioloop"
	"github.com/buslink/buslink/pkg/transport"
)

// boundAbstractName recovers the kernel-assigned name of an autobound
// (Name == "" at ListenUnix time) abstract-namespace socket, so a test can
// dial back into it.
func boundAbstractName(t *testing.T, fd int) string {
	t.Helper()
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	addr, ok := sa.(*unix.SockaddrUnix)
	require.True(t, ok)
	require.True(t, len(addr.Name) > 1, "expected the kernel to assign an abstract name")
	return addr.Name[1:]
}

func TestServer_AcceptsConnectionAndInvokesOnConnect(t *testing.T) {
	t.Parallel()

	listenFd, err := transport.ListenUnix("", true)
	require.NoError(t, err)
	defer unix.Close(listenFd)
	name := boundAbstractName(t, listenFd)

	d, err := ioloop.NewDispatcher()
	require.NoError(t, err)
	defer d.Close()

	accepted := make(chan *busconn.Connection, 1)
	srv, err := New(listenFd, UnixAccept, d, Config{}, func(c *busconn.Connection) {
		accepted <- c
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := transport.DialUnix(name, true)
	require.NoError(t, err)
	defer client.Close()

	select {
	case conn := <-accepted:
		assert.Equal(t, busconn.Connected, conn.State())
	case <-time.After(time.Second):
		t.Fatal("server never accepted the dialed connection")
	}
}

func TestServer_CloseStopsServeWithoutError(t *testing.T) {
	t.Parallel()

	listenFd, err := transport.ListenUnix("", true)
	require.NoError(t, err)
	defer unix.Close(listenFd)

	d, err := ioloop.NewDispatcher()
	require.NoError(t, err)
	defer d.Close()

	srv, err := New(listenFd, UnixAccept, d, Config{}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServer_RejectsConnectionsOverLimit(t *testing.T) {
	t.Parallel()

	listenFd, err := transport.ListenUnix("", true)
	require.NoError(t, err)
	defer unix.Close(listenFd)
	name := boundAbstractName(t, listenFd)

	d, err := ioloop.NewDispatcher()
	require.NoError(t, err)
	defer d.Close()

	accepted := make(chan *busconn.Connection, 4)
	srv, err := New(listenFd, UnixAccept, d, Config{MaxConcurrentConnections: 1}, func(c *busconn.Connection) {
		accepted <- c
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	first, err := transport.DialUnix(name, true)
	require.NoError(t, err)
	defer first.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("first connection was never accepted")
	}

	second, err := transport.DialUnix(name, true)
	require.NoError(t, err)
	defer second.Close()

	select {
	case <-accepted:
		t.Fatal("second connection should have been rejected over the concurrency limit")
	case <-time.After(50 * time.Millisecond):
	}
}
