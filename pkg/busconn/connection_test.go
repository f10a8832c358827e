package busconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buslink/buslink/pkg/buserr"
	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/ioloop"
	"github.com/buslink/buslink/pkg/message"
	"github.com/buslink/buslink/pkg/transport"
	"github.com/buslink/buslink/pkg/wire"
)

// newTestDispatcher returns a real Dispatcher, closed automatically at test
// end. busconn's own logic never touches the poller directly; it only
// needs Post/ScheduleTimer/Watch/Unwatch to exist and behave.
func newTestDispatcher(t *testing.T) *ioloop.Dispatcher {
	t.Helper()
	d, err := ioloop.NewDispatcher()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// readOneMessage parses exactly one frame out of tr's peer side, failing
// the test if the bytes written so far don't yet contain one.
func readOneMessage(t *testing.T, peer *transport.PipeTransport) *message.Message {
	t.Helper()
	var buf []byte
	deadline := time.Now().Add(time.Second)
	for {
		avail, err := peer.AvailableBytesForReading()
		require.NoError(t, err)
		if avail > 0 {
			chunk := make([]byte, avail)
			n, _, err := peer.ReadFds(chunk)
			require.NoError(t, err)
			buf = append(buf, chunk[:n]...)
			m, _, err := message.Parse(buf, nil)
			if err == nil {
				return m
			}
			if err != message.NeedMoreData {
				require.NoError(t, err)
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a message")
		}
	}
}

func writeReply(t *testing.T, peer *transport.PipeTransport, order busdata.ByteOrder, replySerial, serial uint32) {
	t.Helper()
	m := message.New(order, message.TypeMethodReturn)
	m.HasReply = true
	m.ReplySerial = replySerial
	m.Serial = serial

	w := encodeStringBody(t, order, "org.buslink.Test1234")
	m.SetBody(w)

	buf, err := m.Serialize()
	require.NoError(t, err)
	_, err = peer.Write(buf)
	require.NoError(t, err)
}

func encodeStringBody(t *testing.T, order busdata.ByteOrder, s string) busdata.Arguments {
	t.Helper()
	w := wire.NewWriter(order)
	require.NoError(t, w.WriteString(s))
	args, err := w.Finish()
	require.NoError(t, err)
	return args
}

func TestConnectPeer_SkipsAuthAndHello(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, _ := transport.NewPipe()
	c := ConnectPeer(local, d)
	defer c.Close()

	assert.Equal(t, Connected, c.State())
	assert.Equal(t, "", c.UniqueName())
}

func TestAcceptPeer_GoesStraightToConnected(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, _ := transport.NewPipe()
	c := AcceptPeer(local, d)
	defer c.Close()

	assert.Equal(t, Connected, c.State())
}

func TestSendNoReply_WritesFrameWithFlagSet(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, peer := transport.NewPipe()
	c := ConnectPeer(local, d)
	defer c.Close()

	m := message.New(busdata.HostByteOrder(), message.TypeSignal)
	m.Path = "/org/buslink/Test"
	m.Interface = "org.buslink.Test"
	m.Method = "Ping"

	require.NoError(t, c.SendNoReply(m))

	got := readOneMessage(t, peer)
	assert.Equal(t, message.TypeSignal, got.Type)
	assert.NotZero(t, got.Serial)
	assert.NotZero(t, got.Flags&message.FlagNoReplyExpected)
}

func TestSend_DeliversReplyToReceiver(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, peer := transport.NewPipe()
	c := ConnectPeer(local, d)
	defer c.Close()

	call := message.New(busdata.HostByteOrder(), message.TypeMethodCall)
	call.Path = "/org/buslink/Test"
	call.Method = "Echo"

	done := make(chan struct{})
	var gotMsg *message.Message
	var gotErr error
	reply := c.Send(call, time.Second, func(m *message.Message, err error) {
		gotMsg, gotErr = m, err
		close(done)
	})
	require.NotNil(t, reply)
	assert.Equal(t, call.Serial, reply.Serial())

	sent := readOneMessage(t, peer)
	writeReply(t, peer, busdata.HostByteOrder(), sent.Serial, 99)

	require.Eventually(t, func() bool {
		c.pump()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	require.NoError(t, gotErr)
	require.NotNil(t, gotMsg)
	assert.True(t, reply.Finished())
}

func TestSend_TimeoutFiresWhenNoReplyArrives(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, _ := transport.NewPipe()
	c := ConnectPeer(local, d)
	defer c.Close()

	call := message.New(busdata.HostByteOrder(), message.TypeMethodCall)
	call.Path = "/org/buslink/Test"
	call.Method = "Echo"

	done := make(chan error, 1)
	c.Send(call, 5*time.Millisecond, func(m *message.Message, err error) {
		done <- err
	})

	var timeoutDeadline bool
	deadlineAt := time.Now().Add(time.Second)
	for time.Now().Before(deadlineAt) {
		ok, err := d.Poll(10 * time.Millisecond)
		require.NoError(t, err)
		_ = ok
		select {
		case err := <-done:
			code, has := buserr.CodeOf(err)
			require.True(t, has)
			assert.Equal(t, buserr.Timeout, code)
			timeoutDeadline = true
		default:
		}
		if timeoutDeadline {
			break
		}
	}
	assert.True(t, timeoutDeadline, "expected the reply timer to fire")
}

func TestClose_FailsOutstandingRepliesWithLocalDisconnect(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, _ := transport.NewPipe()
	c := ConnectPeer(local, d)

	call := message.New(busdata.HostByteOrder(), message.TypeMethodCall)
	call.Path = "/org/buslink/Test"
	call.Method = "Echo"

	done := make(chan error, 1)
	c.Send(call, time.Minute, func(m *message.Message, err error) {
		done <- err
	})

	c.Close()

	select {
	case err := <-done:
		code, ok := buserr.CodeOf(err)
		require.True(t, ok)
		assert.Equal(t, buserr.LocalDisconnect, code)
	default:
		t.Fatal("expected the pending reply to be failed synchronously by Close")
	}
	assert.Equal(t, Unconnected, c.State())
}

func TestClose_IsIdempotent(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, _ := transport.NewPipe()
	c := ConnectPeer(local, d)

	c.Close()
	c.Close()
	assert.Equal(t, Unconnected, c.State())
}

// TestConnectBus_BeginPrecedesHelloOnWire guards against a regression where
// the post-auth Hello call raced ahead of the handshake's own BEGIN\r\n: if
// completeAuth's sendHello ever runs before drainAuthLines writes BEGIN\r\n,
// the bytes read off the wire here would start with the Hello frame instead
// of the literal string "BEGIN\r\n".
func TestConnectBus_BeginPrecedesHelloOnWire(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, peer := transport.NewPipe()

	readyErr := make(chan error, 1)
	c := ConnectBus(local, d, 1000, func(_ *Connection, err error) {
		readyErr <- err
	})
	defer c.Close()

	readLine := func() string {
		t.Helper()
		var buf []byte
		deadline := time.Now().Add(time.Second)
		for {
			avail, err := peer.AvailableBytesForReading()
			require.NoError(t, err)
			if avail > 0 {
				chunk := make([]byte, avail)
				n, _, err := peer.ReadFds(chunk)
				require.NoError(t, err)
				buf = append(buf, chunk[:n]...)
			}
			if idx := indexCRLF(buf); idx >= 0 {
				return string(buf[:idx])
			}
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for a handshake line")
			}
		}
	}

	authLine := readLine() // "\x00AUTH EXTERNAL <hex uid>"
	require.Contains(t, authLine, "AUTH EXTERNAL")

	_, err := peer.Write([]byte("OK 1234deadbeef1234deadbeef1234de\r\n"))
	require.NoError(t, err)
	c.pump()

	negotiateLine := readLine()
	assert.Equal(t, "NEGOTIATE_UNIX_FD", negotiateLine)

	_, err = peer.Write([]byte("AGREE_UNIX_FD\r\n"))
	require.NoError(t, err)
	c.pump()

	// Whatever completeAuth's sendHello wrote is now sitting on the pipe
	// right behind BEGIN\r\n; read exactly as many bytes as "BEGIN\r\n" and
	// require them to match that literal before anything else.
	begin := make([]byte, len("BEGIN\r\n"))
	deadline := time.Now().Add(time.Second)
	var n int
	for n < len(begin) {
		avail, err := peer.AvailableBytesForReading()
		require.NoError(t, err)
		if avail > 0 {
			got, _, err := peer.ReadFds(begin[n:])
			require.NoError(t, err)
			n += got
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for BEGIN\\r\\n")
		}
	}
	assert.Equal(t, "BEGIN\r\n", string(begin))

	hello := readOneMessage(t, peer)
	assert.Equal(t, "Hello", hello.Method)
	assert.Equal(t, "org.freedesktop.DBus", hello.Interface)

	writeReply(t, peer, busdata.HostByteOrder(), hello.Serial, 1)
	require.Eventually(t, func() bool {
		c.pump()
		select {
		case err := <-readyErr:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	assert.Equal(t, Connected, c.State())
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func TestSpontaneousMessageReceiver_GetsUnmatchedMessages(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)
	local, peer := transport.NewPipe()
	c := ConnectPeer(local, d)
	defer c.Close()

	received := make(chan *message.Message, 1)
	c.SetSpontaneousMessageReceiver(func(m *message.Message) {
		received <- m
	})

	sig := message.New(busdata.HostByteOrder(), message.TypeSignal)
	sig.Path = "/org/buslink/Test"
	sig.Interface = "org.buslink.Test"
	sig.Method = "Tick"
	sig.Serial = 5
	buf, err := sig.Serialize()
	require.NoError(t, err)
	_, err = peer.Write(buf)
	require.NoError(t, err)

	c.pump()

	select {
	case m := <-received:
		assert.Equal(t, "Tick", m.Method)
	default:
		t.Fatal("expected the signal to reach the spontaneous receiver")
	}
}
