package busconn

import (
	"github.com/buslink/buslink/pkg/buserr"
	"github.com/buslink/buslink/pkg/ioloop"
)

// NewSecondary constructs a secondary Connection bound to ref's primary and
// driven by d, the calling thread's own dispatcher. A secondary owns no
// Transport: Send/SendNoReply forward the serialized frame to the primary
// via a posted event, and the primary forwards replies and spontaneous
// messages back the same way. d is typically a different Dispatcher than
// the primary's, running on a different goroutine; all cross-thread state
// goes through the link's commutex and posted events, never direct field
// access.
func NewSecondary(ref *CommRef, d *ioloop.Dispatcher) *Connection {
	link := ref.link
	sec := newConnection(RoleSecondary, nil, d, link.primary.order)
	sec.link = link
	sec.state = Connected

	link.primary.dispatcher.Post(func() {
		link.primary.mu.Lock()
		link.secondary = sec
		link.state = linkLinked
		link.primary.mu.Unlock()
	})
	return sec
}

// postToSecondary hands fn to sec's own dispatcher so it runs on the
// secondary's thread, matching the cross-thread forwarding contract: a
// primary never touches a secondary's fields directly.
func (c *Connection) postToSecondary(sec *Connection, fn func(*Connection)) {
	if sec == nil || sec.dispatcher == nil {
		return
	}
	sec.dispatcher.Post(func() { fn(sec) })
}

// notifySecondariesOfMainDisconnect tells every secondary linked to c
// (a primary) that the main connection is gone, so each fails on its own
// thread instead of silently hanging on replies that will never arrive.
func (c *Connection) notifySecondariesOfMainDisconnect() {
	c.mu.Lock()
	links := make([]*commLink, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.links = make(map[uint64]*commLink)
	c.mu.Unlock()

	for _, link := range links {
		link.state = linkUnlinking
		sec := link.secondary
		if sec == nil {
			continue
		}
		c.postToSecondary(sec, func(s *Connection) {
			s.fail(buserr.New(buserr.RemoteDisconnect))
		})
	}
}

// notifyPrimaryOfSecondaryDisconnect unlinks c (a secondary) from its
// primary's link table, on the primary's own thread.
func (c *Connection) notifyPrimaryOfSecondaryDisconnect() {
	link := c.link
	if link == nil {
		return
	}
	primary := link.primary
	id := link.id
	primary.dispatcher.Post(func() {
		primary.mu.Lock()
		delete(primary.links, id)
		primary.mu.Unlock()
	})
}
