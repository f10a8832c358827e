package busconn

import "sync"

// Commutex pairs a primary-side half and a secondary-side half so a
// cross-thread teardown can't proceed unless both sides agree it's safe at
// that instant. Every crossing acquires both halves or bails out
// immediately; there is no blocking acquire, so neither side can deadlock
// waiting on the other while both are shutting down.
type Commutex struct {
	primary   sync.Mutex
	secondary sync.Mutex
}

// TryLock attempts to acquire both halves without blocking. On failure it
// releases whichever half it had already acquired and returns false — the
// "willSucceed" probe described by the cross-thread teardown contract.
func (c *Commutex) TryLock() bool {
	if !c.primary.TryLock() {
		return false
	}
	if !c.secondary.TryLock() {
		c.primary.Unlock()
		return false
	}
	return true
}

// Unlock releases both halves. Must only be called after a successful
// TryLock.
func (c *Commutex) Unlock() {
	c.secondary.Unlock()
	c.primary.Unlock()
}

// linkState tracks a commLink's teardown progress.
type linkState int

const (
	linkLinked linkState = iota
	linkUnlinking
	linkUnlinked
)

// commLink is the cross-thread bookkeeping shared by one primary and one
// secondary Connection: the commutex guarding teardown, the state machine,
// and back-pointers each side uses to post events to the other.
type commLink struct {
	commutex  Commutex
	state     linkState
	primary   *Connection
	secondary *Connection
	id        uint64
}

// CommRef is an opaque handle, safe to hand to another goroutine, that
// constructs a secondary Connection wired back to the primary that created
// it.
type CommRef struct {
	link *commLink
}

// CreateCommRef returns a handle another thread can use to build a
// secondary Connection bound to c. c must be a primary (client or server
// role) Connection; calling this on a secondary panics, matching the
// single-level nesting the design assumes.
func (c *Connection) CreateCommRef() *CommRef {
	if c.role == RoleSecondary {
		panic("busconn: CreateCommRef called on a secondary Connection")
	}
	c.linkSeq++
	link := &commLink{primary: c, id: c.linkSeq}
	c.mu.Lock()
	c.links[link.id] = link
	c.mu.Unlock()
	return &CommRef{link: link}
}

