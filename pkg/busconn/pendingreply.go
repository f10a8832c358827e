package busconn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/buslink/buslink/internal/logger"
	"github.com/buslink/buslink/internal/telemetry"
	"github.com/buslink/buslink/pkg/buserr"
	"github.com/buslink/buslink/pkg/ioloop"
	"github.com/buslink/buslink/pkg/message"
)

// PendingReply correlates one outbound method call with its eventual
// MethodReturn, Error, timeout, or cancellation. Exactly one of its
// completion paths fires, exactly once.
type PendingReply struct {
	serial   uint32
	conn     *Connection
	timerID  ioloop.TimerID
	hasTimer bool
	receiver func(*message.Message, error)
	finished bool
	sentAt   time.Time

	spanCtx context.Context
	span    trace.Span
}

// Serial returns the serial this reply is keyed on.
func (p *PendingReply) Serial() uint32 { return p.serial }

// Finished reports whether the reply has already completed.
func (p *PendingReply) Finished() bool { return p.finished }

func (p *PendingReply) notifyDone(msg *message.Message, err error) {
	if p.finished {
		return
	}
	p.finished = true
	if p.hasTimer {
		p.conn.dispatcher.CancelTimer(p.timerID)
	}
	code, _ := buserr.CodeOf(err)
	p.conn.metrics.DecPendingReplies(time.Since(p.sentAt).Seconds(), code == buserr.Timeout)
	if p.span != nil {
		traceID, spanID := telemetry.IDs(p.spanCtx)
		telemetry.RecordError(p.spanCtx, err)
		p.span.End()
		logger.Debug("call completed",
			logger.ConnectionID(p.conn.connID),
			logger.Serial(p.serial),
			logger.TraceID(traceID),
			logger.SpanID(spanID),
			logger.DurationMs(time.Since(p.sentAt).Seconds()*1000),
			logger.Err(err),
		)
	}
	if p.receiver != nil {
		p.receiver(msg, err)
	}
}

// Cancel removes the reply slot and, if it is registered through a primary
// (this is a secondary's reply), posts a PendingReplyCancel event so the
// primary stops waiting for it.
func (p *PendingReply) Cancel() {
	if p.finished {
		return
	}
	delete(p.conn.replySlots, p.serial)
	delete(p.conn.pendingBySerial, p.serial)
	if p.conn.role == RoleSecondary && p.conn.link != nil {
		primary := p.conn.link.primary
		serial := p.serial
		primary.dispatcher.Post(func() {
			delete(primary.replySlots, serial)
		})
	}
	p.notifyDone(nil, buserr.New(buserr.LocalDisconnect))
}

func (c *Connection) deliverSuccess(serial uint32, msg *message.Message) {
	reply, ok := c.pendingBySerial[serial]
	if !ok {
		return
	}
	delete(c.pendingBySerial, serial)
	var err error
	if msg.Type == message.TypeError {
		err = buildErrorFromMessage(msg)
	}
	reply.notifyDone(msg, err)
}

func (c *Connection) deliverFailure(serial uint32, cause error) {
	reply, ok := c.pendingBySerial[serial]
	if !ok {
		return
	}
	delete(c.pendingBySerial, serial)
	reply.notifyDone(nil, cause)
}

// Send assigns a serial, serializes msg, enqueues it for the transport, and
// registers a reply slot keyed by that serial. If timeout is zero,
// DefaultReplyTimeout is used; pass a negative duration for no timeout.
// Returns immediately. If serialization fails, the returned PendingReply
// is already finished in an error state, with its receiver callback firing
// on the next dispatcher iteration (never synchronously, so callers can
// always treat Send as non-reentrant).
func (c *Connection) Send(msg *message.Message, timeout time.Duration, receiver func(*message.Message, error)) *PendingReply {
	reply := &PendingReply{conn: c, receiver: receiver, sentAt: time.Now()}
	serial := c.nextSerial()
	reply.serial = serial
	msg.Serial = serial

	reply.spanCtx, reply.span = telemetry.StartCallSpan(context.Background(), msg.Interface, msg.Method, msg.Destination, serial)

	buf, err := msg.Serialize()
	if err != nil {
		c.dispatcher.Post(func() { reply.notifyDone(nil, err) })
		return reply
	}
	c.metrics.RecordSend(messageTypeLabel(msg.Type))
	c.metrics.IncPendingReplies()

	if timeout == 0 {
		timeout = DefaultReplyTimeout
	}

	if c.role == RoleSecondary {
		c.pendingBySerial[serial] = reply
		primary := c.link.primary
		primary.dispatcher.Post(func() {
			primary.replySlots[serial] = replySlot{secondary: c}
			primary.enqueueWrite(buf)
		})
		if timeout > 0 {
			reply.timerID = c.dispatcher.ScheduleTimer(timeout, func() { c.timeoutSecondaryReply(serial) })
			reply.hasTimer = true
		}
		return reply
	}

	c.replySlots[serial] = replySlot{local: reply}
	if timeout > 0 {
		reply.timerID = c.dispatcher.ScheduleTimer(timeout, func() { c.timeoutLocalReply(serial) })
		reply.hasTimer = true
	}
	c.enqueueWrite(buf)
	return reply
}

func (c *Connection) timeoutLocalReply(serial uint32) {
	slot, ok := c.replySlots[serial]
	if !ok {
		return
	}
	delete(c.replySlots, serial)
	if slot.local != nil {
		slot.local.notifyDone(nil, buserr.New(buserr.Timeout))
	}
}

func (c *Connection) timeoutSecondaryReply(serial uint32) {
	reply, ok := c.pendingBySerial[serial]
	if !ok {
		return
	}
	delete(c.pendingBySerial, serial)
	primary := c.link.primary
	primary.dispatcher.Post(func() {
		delete(primary.replySlots, serial)
	})
	reply.notifyDone(nil, buserr.New(buserr.Timeout))
}

// SendNoReply serializes and enqueues msg with FlagNoReplyExpected set and
// registers no reply slot; failures are returned synchronously since there
// is no PendingReply to deliver them through.
func (c *Connection) SendNoReply(msg *message.Message) error {
	serial := c.nextSerial()
	msg.Serial = serial
	msg.Flags |= message.FlagNoReplyExpected

	buf, err := msg.Serialize()
	if err != nil {
		return err
	}
	c.metrics.RecordSend(messageTypeLabel(msg.Type))

	if c.role == RoleSecondary {
		primary := c.link.primary
		primary.dispatcher.Post(func() { primary.enqueueWrite(buf) })
		return nil
	}
	c.enqueueWrite(buf)
	return nil
}

func (c *Connection) nextSerial() uint32 {
	if c.role == RoleSecondary {
		return c.link.primary.serials.allocate()
	}
	return c.serials.allocate()
}
