package ioloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEpollPoller_ReportsReadable(t *testing.T) {
	t.Parallel()

	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], Readable))

	events := make([]Event, 4)
	n, err := p.Wait(10*time.Millisecond, events)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing written yet")

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	n, err = p.Wait(time.Second, events)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, fds[0], events[0].FD)
	assert.True(t, events[0].Readable)
}

func TestEpollPoller_RemoveStopsDelivery(t *testing.T) {
	t.Parallel()

	p, err := NewPoller()
	require.NoError(t, err)
	defer p.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], Readable))
	require.NoError(t, p.Remove(fds[0]))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events := make([]Event, 4)
	n, err := p.Wait(10*time.Millisecond, events)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
