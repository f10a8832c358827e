// Package busconn implements the connection state machine: authentication,
// unique-name acquisition, non-blocking framed I/O driven by an
// ioloop.Dispatcher, request/reply correlation with timeouts, and the
// primary/secondary cross-thread forwarding model. The connection
// lifecycle is driven by dispatcher callbacks over non-blocking I/O, with
// reply deadlines as dispatcher timers; receiver callbacks run without
// panic recovery.
package busconn

import (
	"sync"
	"time"

	"github.com/buslink/buslink/internal/logger"
	"github.com/buslink/buslink/pkg/auth"
	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/buserr"
	"github.com/buslink/buslink/pkg/busmetrics"
	"github.com/buslink/buslink/pkg/ioloop"
	"github.com/buslink/buslink/pkg/message"
	"github.com/buslink/buslink/pkg/transport"
)

// State names where a Connection sits in its lifecycle.
type State int

const (
	Unconnected State = iota
	ServerWaitingForClient
	Authenticating
	AwaitingUniqueName
	Connected
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "Unconnected"
	case ServerWaitingForClient:
		return "ServerWaitingForClient"
	case Authenticating:
		return "Authenticating"
	case AwaitingUniqueName:
		return "AwaitingUniqueName"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Role distinguishes a directly-I/O-owning Connection (client or server)
// from a secondary that forwards through a primary.
type Role int

const (
	RoleClient Role = iota
	RoleServer
	RoleSecondary
)

// DefaultReplyTimeout is used by Send when the caller passes zero.
const DefaultReplyTimeout = 25 * time.Second

// replySlot is either a local PendingReply or a reference to the secondary
// Connection that owns the reply, per the reply correlation map described
// by the connection design.
type replySlot struct {
	local     *PendingReply
	secondary *Connection
}

// Connection drives one end of the wire protocol: authentication (client
// role only), unique-name acquisition, framed send/receive, and reply
// correlation. A primary Connection owns a real Transport; a secondary
// Connection (see NewSecondary) owns none and forwards everything to its
// primary through posted dispatcher events.
type Connection struct {
	mu sync.Mutex // guards fields secondaries/commutex crossings touch

	role  Role
	state State

	transport  transport.Transport
	dispatcher *ioloop.Dispatcher
	order      busdata.ByteOrder

	authenticator *auth.Authenticator
	uid           uint32

	serials serialAllocator

	replySlots map[uint32]replySlot
	// pendingBySerial is populated only on a secondary: it maps a serial
	// this secondary itself sent to the PendingReply it returned to the
	// caller, so that a PendingReplySuccess/Failure event arriving from
	// the primary can be delivered to the right local object.
	pendingBySerial map[uint32]*PendingReply

	sendQueue [][]byte
	writeOff  int

	readBuf    []byte
	pendingFds []int

	uniqueName  string
	spontaneous func(*message.Message)
	onDisconnect func(error)

	// pendingOnReady is ConnectBus's onReady, held until drainAuthLines
	// observes the handshake complete and has written BEGIN\r\n; only then
	// does it fire sendHello, so Hello's bytes never race ahead of BEGIN on
	// the wire.
	pendingOnReady func(*Connection, error)

	linkSeq uint64
	links   map[uint64]*commLink // primary only: secondaries it has linked
	link    *commLink            // secondary only: the link back to its primary

	connID  string
	closed  bool
	metrics *busmetrics.Metrics
}

func newConnection(role Role, tr transport.Transport, d *ioloop.Dispatcher, order busdata.ByteOrder) *Connection {
	return &Connection{
		role:            role,
		transport:       tr,
		dispatcher:      d,
		order:           order,
		replySlots:      make(map[uint32]replySlot),
		pendingBySerial: make(map[uint32]*PendingReply),
		links:           make(map[uint64]*commLink),
	}
}

// ConnectBus creates a client Connection over tr, performs the
// AUTH EXTERNAL / NEGOTIATE_UNIX_FD / BEGIN handshake, then sends the
// implicit Hello call and waits for the bus to assign a unique name before
// invoking onReady. onReady receives a non-nil error if authentication or
// the Hello round trip failed; the transport is already closed in that
// case. onReady itself doesn't fire until drainAuthLines (pkg/busconn/io.go)
// has written the handshake's final BEGIN\r\n to the transport, so Hello
// never reaches the wire ahead of it.
func ConnectBus(tr transport.Transport, d *ioloop.Dispatcher, uid uint32, onReady func(*Connection, error)) *Connection {
	c := newConnection(RoleClient, tr, d, busdata.HostByteOrder())
	c.uid = uid
	c.state = Authenticating
	c.authenticator = auth.New(uid)
	c.pendingOnReady = onReady
	c.watchTransport()
	c.rawWrite(c.authenticator.Start())
	return c
}

// completeAuth runs once drainAuthLines observes Authenticator.Feed return
// authenticated=true and has already written its reply bytes: it advances
// to AwaitingUniqueName and sends the implicit Hello call.
func (c *Connection) completeAuth() {
	c.state = AwaitingUniqueName
	onReady := c.pendingOnReady
	c.pendingOnReady = nil
	c.sendHello(onReady)
}

// failAuth runs when drainAuthLines observes Feed return an error: it tears
// down the connection and reports the failure to ConnectBus's caller.
func (c *Connection) failAuth(err error) {
	c.fail(err)
	onReady := c.pendingOnReady
	c.pendingOnReady = nil
	if onReady != nil {
		onReady(nil, err)
	}
}

// ConnectPeer creates a client-role Connection that skips authentication
// and the Hello round trip entirely, for direct peer-to-peer use with no
// bus daemon.
func ConnectPeer(tr transport.Transport, d *ioloop.Dispatcher) *Connection {
	c := newConnection(RoleClient, tr, d, busdata.HostByteOrder())
	c.state = Connected
	c.watchTransport()
	return c
}

// AcceptPeer wraps a freshly accepted Transport (from pkg/busserver) as a
// server-role Connection: ServerWaitingForClient → Connected immediately,
// no Hello.
func AcceptPeer(tr transport.Transport, d *ioloop.Dispatcher) *Connection {
	c := newConnection(RoleServer, tr, d, busdata.HostByteOrder())
	c.state = ServerWaitingForClient
	c.watchTransport()
	c.state = Connected
	return c
}

func (c *Connection) sendHello(onReady func(*Connection, error)) {
	hello := message.New(c.order, message.TypeMethodCall)
	hello.Path = "/org/freedesktop/DBus"
	hello.Interface = "org.freedesktop.DBus"
	hello.Method = "Hello"
	hello.Destination = "org.freedesktop.DBus"

	c.Send(hello, DefaultReplyTimeout, func(reply *message.Message, err error) {
		if err != nil {
			c.fail(err)
			if onReady != nil {
				onReady(nil, err)
			}
			return
		}
		name, rerr := firstStringArg(reply)
		if rerr != nil {
			c.fail(rerr)
			if onReady != nil {
				onReady(nil, rerr)
			}
			return
		}
		c.uniqueName = name
		c.state = Connected
		if onReady != nil {
			onReady(c, nil)
		}
	})
}

func firstStringArg(m *message.Message) (string, error) {
	r := newBodyReader(m)
	return r.ReadString()
}

func disconnectCauseLabel(cause error) string {
	code, ok := buserr.CodeOf(cause)
	if !ok {
		return "unknown"
	}
	return code.String()
}

func messageTypeLabel(t message.Type) string {
	switch t {
	case message.TypeMethodCall:
		return "call"
	case message.TypeMethodReturn:
		return "return"
	case message.TypeError:
		return "error"
	case message.TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// UniqueName returns the bus-assigned unique name once Connected, or "".
func (c *Connection) UniqueName() string { return c.uniqueName }

// SetConnectionID attaches an identifier used only for log correlation.
func (c *Connection) SetConnectionID(id string) { c.connID = id }

// SetMetrics installs a metrics collector. A nil *busmetrics.Metrics (the
// default) makes every recording call a no-op.
func (c *Connection) SetMetrics(m *busmetrics.Metrics) { c.metrics = m }

// SetSpontaneousMessageReceiver installs the callback for messages that
// don't match any pending reply serial.
func (c *Connection) SetSpontaneousMessageReceiver(cb func(*message.Message)) {
	c.spontaneous = cb
}

// SetDisconnectHandler installs a callback run once when the connection
// transitions to Unconnected, whether by Close or a transport failure.
func (c *Connection) SetDisconnectHandler(cb func(error)) {
	c.onDisconnect = cb
}

// Close tears down the transport, cancels every outstanding pending reply
// with LocalDisconnect, and notifies linked secondaries. Idempotent.
func (c *Connection) Close() {
	c.fail(buserr.New(buserr.LocalDisconnect))
}

func (c *Connection) fail(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.state = Unconnected
	if c.dispatcher != nil && c.transport != nil && c.transport.FileDescriptor() >= 0 {
		c.dispatcher.Unwatch(c.transport.FileDescriptor())
	}
	if c.transport != nil {
		c.transport.Close()
	}

	for serial, slot := range c.replySlots {
		delete(c.replySlots, serial)
		if slot.local != nil {
			slot.local.notifyDone(nil, cause)
		} else if slot.secondary != nil {
			c.postToSecondary(slot.secondary, func(s *Connection) {
				s.deliverFailure(serial, cause)
			})
		}
	}
	for serial, reply := range c.pendingBySerial {
		delete(c.pendingBySerial, serial)
		reply.notifyDone(nil, cause)
	}

	c.notifySecondariesOfMainDisconnect()
	if c.role == RoleSecondary && c.link != nil {
		c.notifyPrimaryOfSecondaryDisconnect()
	}

	c.metrics.RecordDisconnect(disconnectCauseLabel(cause))
	logger.Debug("connection closed", logger.ConnectionID(c.connID), logger.State(c.state.String()), logger.Err(cause))
	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}
}
