package ioloop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/buslink/buslink/pkg/buserr"
)

type watch struct {
	fd         int
	interest   Interest
	onReadable func()
	onWritable func()
	onErr      func()
}

// Dispatcher is a single-threaded event loop: one Poller, a timer queue,
// and a self-pipe for cross-thread wakeups. Watch/Unwatch/ScheduleX are
// only safe to call from the dispatcher's own thread during callback
// execution; Post and Interrupt are the only methods safe from any thread.
type Dispatcher struct {
	poller  Poller
	watches map[int]*watch
	timers  *timerQueue

	pipeR, pipeW int

	postMu sync.Mutex
	posted []func()

	// onPollReturn, if set, is called at the end of every Poll with
	// whether that return was an interrupt-only wakeup. Intended for a
	// metrics collector (see busmetrics.Metrics.RecordPollerWakeup); left
	// as a plain hook here rather than importing busmetrics, since ioloop
	// has no other reason to depend on it.
	onPollReturn func(interrupted bool)

	closed bool
}

// SetPollReturnHook installs fn to be called with the interrupted flag at
// the end of every Poll call, e.g. to record poller-wakeup metrics.
func (d *Dispatcher) SetPollReturnHook(fn func(interrupted bool)) {
	d.onPollReturn = fn
}

// NewDispatcher creates a dispatcher with a default epoll-backed poller and
// registers its self-pipe's read end as a permanent watch.
func NewDispatcher() (*Dispatcher, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		poller.Close()
		return nil, buserr.Wrap(buserr.Connection, err)
	}

	d := &Dispatcher{
		poller:  poller,
		watches: make(map[int]*watch),
		timers:  newTimerQueue(),
		pipeR:   fds[0],
		pipeW:   fds[1],
	}
	if err := d.poller.Add(d.pipeR, Readable); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Watch registers fd with the given interest and readiness callbacks.
// Either callback may be nil if that interest isn't requested.
func (d *Dispatcher) Watch(fd int, interest Interest, onReadable, onWritable, onErr func()) error {
	w := &watch{fd: fd, interest: interest, onReadable: onReadable, onWritable: onWritable, onErr: onErr}
	d.watches[fd] = w
	return d.poller.Add(fd, interest)
}

// ModifyInterest changes which readiness conditions fd is watched for,
// e.g. adding Writable once a partial write leaves data queued.
func (d *Dispatcher) ModifyInterest(fd int, interest Interest) error {
	w, ok := d.watches[fd]
	if !ok {
		return buserr.New(buserr.Connection)
	}
	w.interest = interest
	return d.poller.Modify(fd, interest)
}

// Unwatch removes fd. Safe to call during dispatch of that fd's own
// readiness callback; Poll iterates over a snapshot and re-checks
// existence before delivering each event.
func (d *Dispatcher) Unwatch(fd int) error {
	if _, ok := d.watches[fd]; !ok {
		return nil
	}
	delete(d.watches, fd)
	return d.poller.Remove(fd)
}

// ScheduleTimer runs fn once after the given delay.
func (d *Dispatcher) ScheduleTimer(after time.Duration, fn func()) TimerID {
	return d.timers.schedule(time.Now().Add(after), 0, fn)
}

// ScheduleRepeating runs fn once every period, starting one period from now.
func (d *Dispatcher) ScheduleRepeating(period time.Duration, fn func()) TimerID {
	return d.timers.schedule(time.Now().Add(period), period, fn)
}

// CancelTimer cancels a previously scheduled timer. A no-op if it already
// fired (and was one-shot) or was already cancelled.
func (d *Dispatcher) CancelTimer(id TimerID) {
	d.timers.cancel(id)
}

// Post enqueues fn to run on the dispatcher's own thread during its next
// Poll iteration, and wakes the dispatcher if it is currently blocked.
// Safe to call from any thread; this is how secondaries and the primary
// exchange cross-thread events (see busconn's commutex-mediated queue).
func (d *Dispatcher) Post(fn func()) {
	d.postMu.Lock()
	d.posted = append(d.posted, fn)
	d.postMu.Unlock()
	d.Interrupt()
}

// Interrupt wakes a blocked Poll call from any thread by writing one byte
// to the self-pipe.
func (d *Dispatcher) Interrupt() {
	if d.closed {
		return
	}
	var b [1]byte
	unix.Write(d.pipeW, b[:])
}

func (d *Dispatcher) drainSelfPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(d.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (d *Dispatcher) takePosted() []func() {
	d.postMu.Lock()
	defer d.postMu.Unlock()
	if len(d.posted) == 0 {
		return nil
	}
	fns := d.posted
	d.posted = nil
	return fns
}

// Poll waits for readiness, a due timer, or an interrupt (whichever comes
// soonest), then drains due timers in deadline order, delivers readiness
// to watched transports, and finally runs any posted cross-thread
// callbacks. Returns false iff the self-pipe was signalled during this
// wait (an Interrupt or Post), even if timers or I/O were also handled.
func (d *Dispatcher) Poll(timeout time.Duration) (bool, error) {
	if d.closed {
		return false, buserr.New(buserr.TransportClosed)
	}

	if deadline, ok := d.timers.nextDeadline(); ok {
		until := time.Until(deadline)
		if until < 0 {
			until = 0
		}
		if timeout < 0 || until < timeout {
			timeout = until
		}
	}

	events := make([]Event, 64)
	n, err := d.poller.Wait(timeout, events)
	if err != nil {
		return false, err
	}

	interrupted := false
	now := time.Now()
	d.timers.drainDue(now)

	// Snapshot so a listener that adds/removes watches mid-dispatch doesn't
	// corrupt iteration; re-check existence before each delivery.
	snapshot := events[:n]
	for _, ev := range snapshot {
		if ev.FD == d.pipeR {
			d.drainSelfPipe()
			interrupted = true
			continue
		}
		w, ok := d.watches[ev.FD]
		if !ok {
			continue
		}
		if ev.Err && w.onErr != nil {
			w.onErr()
			continue
		}
		if ev.Readable && w.interest&Readable != 0 && w.onReadable != nil {
			if _, stillWatched := d.watches[ev.FD]; stillWatched {
				w.onReadable()
			}
		}
		if ev.Writable && w.interest&Writable != 0 && w.onWritable != nil {
			if _, stillWatched := d.watches[ev.FD]; stillWatched {
				w.onWritable()
			}
		}
	}

	for _, fn := range d.takePosted() {
		fn()
	}

	if d.onPollReturn != nil {
		d.onPollReturn(interrupted)
	}
	return !interrupted, nil
}

// Close tears down the poller and self-pipe. Idempotent.
func (d *Dispatcher) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	unix.Close(d.pipeR)
	unix.Close(d.pipeW)
	return d.poller.Close()
}
