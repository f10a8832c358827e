package ioloop

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/buslink/buslink/pkg/buserr"
)

// epollPoller is the default Poller, backed by Linux epoll in
// level-triggered mode (the dispatcher re-arms interest explicitly via
// Modify rather than relying on edge-triggered semantics).
type epollPoller struct {
	epfd int
	buf  []unix.EpollEvent
}

// NewPoller constructs the default OS-readiness-backed Poller.
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, buserr.Wrap(buserr.Connection, err)
	}
	return &epollPoller{epfd: fd, buf: make([]unix.EpollEvent, 64)}, nil
}

func interestToEpoll(interest Interest) uint32 {
	var events uint32
	if interest&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func (p *epollPoller) Add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return buserr.Wrap(buserr.Connection, err)
	}
	return nil
}

func (p *epollPoller) Modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return buserr.Wrap(buserr.Connection, err)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return buserr.Wrap(buserr.Connection, err)
	}
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration, events []Event) (int, error) {
	ms := -1
	if timeout >= 0 {
		// Round up so the wait never ends before the deadline it was given.
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	for {
		n, err := unix.EpollWait(p.epfd, p.buf, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, buserr.Wrap(buserr.Connection, err)
		}
		count := 0
		for i := 0; i < n && count < len(events); i++ {
			raw := p.buf[i]
			events[count] = Event{
				FD:       int(raw.Fd),
				Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
				Writable: raw.Events&unix.EPOLLOUT != 0,
				Err:      raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
			}
			count++
		}
		return count, nil
	}
}

func (p *epollPoller) Close() error {
	if err := unix.Close(p.epfd); err != nil {
		return buserr.Wrap(buserr.Connection, err)
	}
	return nil
}
