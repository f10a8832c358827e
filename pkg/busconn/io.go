package busconn

import (
	"bytes"
	"context"

	"github.com/buslink/buslink/internal/logger"
	"github.com/buslink/buslink/internal/telemetry"
	"github.com/buslink/buslink/pkg/bufpool"
	"github.com/buslink/buslink/pkg/buserr"
	"github.com/buslink/buslink/pkg/ioloop"
	"github.com/buslink/buslink/pkg/message"
	"github.com/buslink/buslink/pkg/transport"
	"github.com/buslink/buslink/pkg/wire"
)

func newBodyReader(m *message.Message) *wire.Reader {
	return wire.NewReader(m.Body)
}

// watchTransport registers the connection's transport with its dispatcher.
// Write interest is added lazily, only while sendQueue has unflushed bytes.
func (c *Connection) watchTransport() {
	fd := c.transport.FileDescriptor()
	if fd < 0 {
		// PipeTransport (tests): driven directly by the caller, not a real
		// poller.
		return
	}
	c.dispatcher.Watch(fd, ioloop.Readable, c.onReadable, c.onWritable, c.onTransportErr)
}

func (c *Connection) onTransportErr() {
	c.fail(buserr.New(buserr.RemoteDisconnect))
}

// pump drains whatever is currently available to read. Tests driving a
// PipeTransport (which has no real fd to watch) call this directly after
// writing to the peer side.
func (c *Connection) pump() {
	c.onReadable()
}

func (c *Connection) onReadable() {
	for {
		avail, err := c.transport.AvailableBytesForReading()
		if err != nil {
			if transport.WouldBlock(err) {
				return
			}
			c.fail(err)
			return
		}
		if avail == 0 {
			avail = 4096
		}
		buf := bufpool.Get(avail)
		n, fds, err := c.transport.ReadFds(buf)
		if err != nil {
			bufpool.Put(buf)
			if transport.WouldBlock(err) {
				return
			}
			c.fail(err)
			return
		}
		if n == 0 {
			bufpool.Put(buf)
			return
		}
		c.readBuf = append(c.readBuf, buf[:n]...)
		bufpool.Put(buf)
		if len(fds) > 0 {
			c.pendingFds = append(c.pendingFds, fds...)
		}
		c.drainReadBuf()
	}
}

func (c *Connection) drainReadBuf() {
	if c.state == Authenticating {
		c.drainAuthLines()
		if c.state == Authenticating {
			return
		}
		// Fallthrough: bytes after BEGIN may already be sitting in readBuf
		// alongside the handshake lines.
	}
	c.drainMessages()
}

func (c *Connection) drainAuthLines() {
	for {
		idx := bytes.Index(c.readBuf, []byte("\r\n"))
		if idx < 0 {
			return
		}
		line := string(c.readBuf[:idx])
		c.readBuf = c.readBuf[idx+2:]

		reply, authenticated, err := c.authenticator.Feed(line)
		if err != nil {
			c.failAuth(err)
			return
		}
		// Reply bytes (NEGOTIATE_UNIX_FD\r\n, then BEGIN\r\n) must hit the
		// wire before completeAuth's Hello call does, since completeAuth
		// sends synchronously. Write first, react second.
		if len(reply) > 0 {
			c.rawWrite(reply)
		}
		if authenticated {
			c.completeAuth()
			return
		}
		if c.state != Authenticating {
			return
		}
	}
}

func (c *Connection) drainMessages() {
	for {
		fds := c.pendingFds
		m, consumed, err := message.Parse(c.readBuf, fds)
		if err != nil {
			if err == message.NeedMoreData {
				return
			}
			c.fail(err)
			return
		}
		c.readBuf = c.readBuf[consumed:]
		c.pendingFds = nil
		c.dispatchIncoming(m)
	}
}

func (c *Connection) dispatchIncoming(m *message.Message) {
	c.metrics.RecordReceive(messageTypeLabel(m.Type))
	switch m.Type {
	case message.TypeMethodReturn, message.TypeError:
		c.deliverReply(m)
	default:
		if c.spontaneous != nil {
			c.dispatchSpontaneous(m)
		}
	}
}

// dispatchSpontaneous wraps one inbound method-call or signal delivery in a
// span, the receive-side counterpart to the span Send opens for outbound
// calls, and logs its trace/span IDs alongside the routing headers.
func (c *Connection) dispatchSpontaneous(m *message.Message) {
	ctx, span := telemetry.StartDispatchSpan(context.Background(), messageTypeLabel(m.Type), m.Interface, m.Method)
	defer span.End()

	traceID, spanID := telemetry.IDs(ctx)
	logger.Debug("dispatching inbound message",
		logger.ConnectionID(c.connID),
		logger.MessageType(messageTypeLabel(m.Type)),
		logger.Interface(m.Interface),
		logger.Member(m.Method),
		logger.TraceID(traceID),
		logger.SpanID(spanID),
	)

	c.spontaneous(m)
}

func (c *Connection) deliverReply(m *message.Message) {
	slot, ok := c.replySlots[m.ReplySerial]
	if !ok {
		if c.spontaneous != nil {
			c.spontaneous(m)
		}
		return
	}
	delete(c.replySlots, m.ReplySerial)

	var err error
	if m.Type == message.TypeError {
		err = buildErrorFromMessage(m)
	}
	if slot.local != nil {
		slot.local.notifyDone(m, err)
		return
	}
	if slot.secondary != nil {
		serial := m.ReplySerial
		c.postToSecondary(slot.secondary, func(s *Connection) {
			if err != nil {
				s.deliverFailure(serial, err)
			} else {
				s.deliverSuccess(serial, m)
			}
		})
	}
}

func buildErrorFromMessage(m *message.Message) error {
	return &remoteError{name: m.ErrorName, msg: m}
}

// remoteError wraps an Error-type reply so callers can inspect ErrorName
// while still treating it as a plain error.
type remoteError struct {
	name string
	msg  *message.Message
}

func (e *remoteError) Error() string { return e.name }

// ErrorMessage returns the full Error-type Message behind a remote error,
// or nil if err is not one.
func ErrorMessage(err error) *message.Message {
	if re, ok := err.(*remoteError); ok {
		return re.msg
	}
	return nil
}

func (c *Connection) onWritable() {
	c.flushSendQueue()
	if len(c.sendQueue) == 0 && c.transport != nil && c.transport.IsOpen() && c.dispatcher != nil {
		if fd := c.transport.FileDescriptor(); fd >= 0 {
			_ = c.dispatcher.ModifyInterest(fd, ioloop.Readable)
		}
	}
}

// enqueueWrite appends a fully serialized frame to the send queue and
// attempts an immediate flush so the common no-backpressure case doesn't
// wait for a writability callback.
func (c *Connection) enqueueWrite(buf []byte) {
	c.sendQueue = append(c.sendQueue, buf)
	c.flushSendQueue()
}

func (c *Connection) rawWrite(buf []byte) {
	c.enqueueWrite(buf)
}

func (c *Connection) flushSendQueue() {
	for len(c.sendQueue) > 0 {
		buf := c.sendQueue[0]
		n, err := c.transport.Write(buf[c.writeOff:])
		if err != nil {
			if transport.WouldBlock(err) {
				c.requestWritable()
				return
			}
			c.fail(err)
			return
		}
		c.writeOff += n
		if c.writeOff >= len(buf) {
			c.sendQueue = c.sendQueue[1:]
			c.writeOff = 0
		} else {
			c.requestWritable()
			return
		}
	}
}

func (c *Connection) requestWritable() {
	fd := c.transport.FileDescriptor()
	if fd < 0 || c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.ModifyInterest(fd, ioloop.Readable|ioloop.Writable); err != nil {
		logger.Debug("failed to request writable interest", logger.ConnectionID(c.connID), logger.Err(err))
	}
}
