package busconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buslink/buslink/pkg/buserr"
	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/message"
	"github.com/buslink/buslink/pkg/transport"
)

// pollUntil drains both dispatchers until cond is true or the deadline
// passes, so posted cross-thread events (which only run inside Poll) get a
// chance to execute even when primary and secondary share a goroutine in
// these tests.
func pollUntil(t *testing.T, cond func() bool, dispatchers ...interface {
	Poll(time.Duration) (bool, error)
}) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		for _, d := range dispatchers {
			d.Poll(5 * time.Millisecond)
		}
	}
	t.Fatal("condition never became true")
}

func TestNewSecondary_SendForwardsThroughPrimary(t *testing.T) {
	t.Parallel()

	primaryDispatcher := newTestDispatcher(t)
	secondaryDispatcher := newTestDispatcher(t)

	local, peer := transport.NewPipe()
	primary := ConnectPeer(local, primaryDispatcher)
	defer primary.Close()

	ref := primary.CreateCommRef()
	sec := NewSecondary(ref, secondaryDispatcher)

	pollUntil(t, func() bool {
		ref.link.primary.mu.Lock()
		defer ref.link.primary.mu.Unlock()
		return ref.link.secondary != nil
	}, primaryDispatcher, secondaryDispatcher)

	call := message.New(busdata.HostByteOrder(), message.TypeMethodCall)
	call.Path = "/org/buslink/Test"
	call.Method = "Echo"

	done := make(chan error, 1)
	sec.Send(call, time.Second, func(m *message.Message, err error) {
		done <- err
	})

	var sent *message.Message
	pollUntil(t, func() bool {
		avail, _ := peer.AvailableBytesForReading()
		if avail == 0 {
			return false
		}
		sent = readOneMessage(t, peer)
		return true
	}, primaryDispatcher, secondaryDispatcher)
	require.NotNil(t, sent)
	assert.Equal(t, "Echo", sent.Method)

	writeReply(t, peer, busdata.HostByteOrder(), sent.Serial, 42)
	primary.pump()

	pollUntil(t, func() bool {
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, primaryDispatcher, secondaryDispatcher)
}

func TestNewSecondary_MainDisconnectFailsSecondary(t *testing.T) {
	t.Parallel()

	primaryDispatcher := newTestDispatcher(t)
	secondaryDispatcher := newTestDispatcher(t)

	local, _ := transport.NewPipe()
	primary := ConnectPeer(local, primaryDispatcher)

	ref := primary.CreateCommRef()
	sec := NewSecondary(ref, secondaryDispatcher)

	pollUntil(t, func() bool {
		ref.link.primary.mu.Lock()
		defer ref.link.primary.mu.Unlock()
		return ref.link.secondary != nil
	}, primaryDispatcher, secondaryDispatcher)

	primary.Close()

	pollUntil(t, func() bool {
		return sec.State() == Unconnected
	}, primaryDispatcher, secondaryDispatcher)
}

func TestCreateCommRef_PanicsOnSecondary(t *testing.T) {
	t.Parallel()

	primaryDispatcher := newTestDispatcher(t)
	secondaryDispatcher := newTestDispatcher(t)

	local, _ := transport.NewPipe()
	primary := ConnectPeer(local, primaryDispatcher)
	defer primary.Close()

	ref := primary.CreateCommRef()
	sec := NewSecondary(ref, secondaryDispatcher)

	assert.Panics(t, func() { sec.CreateCommRef() })
}

func TestPendingReply_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, _ := transport.NewPipe()
	c := ConnectPeer(local, d)
	defer c.Close()

	call := message.New(busdata.HostByteOrder(), message.TypeMethodCall)
	call.Path = "/org/buslink/Test"
	call.Method = "Echo"

	calls := 0
	var gotErr error
	reply := c.Send(call, time.Minute, func(m *message.Message, err error) {
		calls++
		gotErr = err
	})
	reply.Cancel()
	reply.Cancel() // idempotent

	require.Equal(t, 1, calls)
	code, ok := buserr.CodeOf(gotErr)
	require.True(t, ok)
	assert.Equal(t, buserr.LocalDisconnect, code)
	assert.True(t, reply.Finished())
}
