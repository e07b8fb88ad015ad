// Package reactor implements a shared-nothing, thread-per-core event loop.
// Each Reactor owns its sockets outright and never shares them with another
// goroutine; cross-shard communication happens exclusively through the
// lock-free queues wired up by a Cluster, never through shared memory.
package reactor

import (
	"sync/atomic"

	"github.com/facebookgo/stackerr"

	"github.com/penberg/sphinx/spsc"
)

// Pollable is anything a Backend can watch for readiness.
type Pollable interface {
	Fd() int
	// OnReadEvent is invoked when the fd becomes readable.
	OnReadEvent()
	// OnWriteEvent is invoked when the fd becomes writable. It reports
	// whether every pending write has now drained, in which case the
	// caller drops back to watching for readability only.
	OnWriteEvent() bool
}

// Backend is the OS-specific readiness-polling mechanism a Reactor drives.
// epollBackend is the only implementation today; the interface exists so
// platforms without epoll, or tests, can supply a fake.
type Backend interface {
	// Register starts watching fd for the given event set.
	Register(fd int, events uint32) error
	// Modify changes the event set already registered for fd.
	Modify(fd int, events uint32) error
	// Unregister stops watching fd. Unregistering an fd that was never
	// registered, or was already unregistered, is a no-op.
	Unregister(fd int) error
	// Wait blocks up to timeoutMs (0 = return immediately, -1 = forever)
	// and returns the fds that became ready, paired with their events.
	Wait(timeoutMs int) ([]ReadyFd, error)
	// Close releases the backend's own resources (e.g. the epoll fd).
	Close() error
}

// ReadyFd is one readiness notification returned from Backend.Wait.
type ReadyFd struct {
	Fd     int
	Events uint32
}

const (
	// EventRead and EventWrite are the two edge/level readiness bits a
	// Backend understands. Values deliberately mirror EPOLLIN/EPOLLOUT so
	// the epoll backend can pass them through unchanged.
	EventRead  uint32 = 0x001
	EventWrite uint32 = 0x004
)

// Message is a cross-shard command envelope handed from one Reactor's
// queue to another's. It is deliberately opaque to this package: reactor
// only moves it, the caller's OnMessage decides what it means.
type Message = any

// Cluster owns the state every Reactor in a fixed-size thread pool must be
// able to see: per-thread wakeup eventfds, per-thread sleep flags, and the
// nr_threads x nr_threads grid of SPSC queues messages travel through. One
// Cluster is shared by every shard's Reactor; each Reactor only ever
// touches its own row and column of it.
type Cluster struct {
	nrThreads int
	sleeping  []atomic.Bool
	queues    [][]*spsc.Queue[Message]
	wakers    []func() error
}

// queueCapacity bounds how many in-flight cross-shard messages one shard
// can have queued to another before send_msg starts reporting failure.
// Chosen generously: a command envelope is a few words, and callers are
// expected to turn a failed send into a synchronous back-pressure error
// rather than block.
const queueCapacity = 4096

// NewCluster builds the shared queue grid for a fixed number of reactor
// threads. Each thread's wakeup function is filled in by NewReactor, which
// registers a function that writes to that reactor's own eventfd.
func NewCluster(nrThreads int) *Cluster {
	c := &Cluster{
		nrThreads: nrThreads,
		sleeping:  make([]atomic.Bool, nrThreads),
		queues:    make([][]*spsc.Queue[Message], nrThreads),
		wakers:    make([]func() error, nrThreads),
	}
	for to := range c.queues {
		c.queues[to] = make([]*spsc.Queue[Message], nrThreads)
		for from := range c.queues[to] {
			if to == from {
				continue
			}
			c.queues[to][from] = spsc.NewQueue[Message](queueCapacity)
		}
	}
	return c
}

// Reactor runs one shard's event loop: it multiplexes socket readiness
// with incoming cross-shard messages, using a sleep/wakeup protocol so an
// idle thread can block in the kernel poll instead of spinning, without
// losing wakeups races with a concurrent sender.
type Reactor struct {
	threadID  int
	nrThreads int
	cluster   *Cluster
	backend   Backend

	onMessage func(from int, msg Message)

	pollables map[int]Pollable

	pendingWakeups []bool
	efd            *eventfdPollable
}

// NewReactor constructs a Reactor for threadID within cluster, using
// backend for readiness polling. onMessage is invoked, on this Reactor's
// own goroutine, for every cross-shard message this thread receives.
func NewReactor(threadID int, cluster *Cluster, backend Backend, onMessage func(from int, msg Message)) (*Reactor, error) {
	r := &Reactor{
		threadID:       threadID,
		nrThreads:      cluster.nrThreads,
		cluster:        cluster,
		backend:        backend,
		onMessage:      onMessage,
		pollables:      make(map[int]Pollable),
		pendingWakeups: make([]bool, cluster.nrThreads),
	}
	efd, err := newEventfdPollable()
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	r.efd = efd
	if err := r.backend.Register(efd.Fd(), EventRead); err != nil {
		return nil, stackerr.Wrap(err)
	}
	r.pollables[efd.Fd()] = efd
	cluster.wakers[threadID] = r.wake
	return r, nil
}

// ThreadID reports which shard this reactor drives.
func (r *Reactor) ThreadID() int {
	return r.threadID
}

// Accept starts watching listener for incoming connections.
func (r *Reactor) Accept(listener Pollable) error {
	if err := r.backend.Register(listener.Fd(), EventRead); err != nil {
		return stackerr.Wrap(err)
	}
	r.pollables[listener.Fd()] = listener
	return nil
}

// Recv starts watching an already-connected socket for reads.
func (r *Reactor) Recv(socket Pollable) error {
	if err := r.backend.Register(socket.Fd(), EventRead); err != nil {
		return stackerr.Wrap(err)
	}
	r.pollables[socket.Fd()] = socket
	return nil
}

// WatchWritable arranges for socket to also be polled for writability,
// used once a send could not complete synchronously and left data
// buffered.
func (r *Reactor) WatchWritable(socket Pollable) error {
	return r.backend.Modify(socket.Fd(), EventRead|EventWrite)
}

// WatchReadableOnly drops the writability watch once a socket's buffered
// writes have fully drained.
func (r *Reactor) WatchReadableOnly(socket Pollable) error {
	return r.backend.Modify(socket.Fd(), EventRead)
}

// Close stops watching socket and removes it from this reactor.
func (r *Reactor) Close(socket Pollable) error {
	delete(r.pollables, socket.Fd())
	return r.backend.Unregister(socket.Fd())
}

// SendMsg enqueues msg for delivery to remoteID's reactor. It reports
// whether the enqueue succeeded; a false return means the target's inbox
// from this thread is full and the caller should apply back-pressure
// rather than retry inline. remoteID must not equal this reactor's own
// thread id.
func (r *Reactor) SendMsg(remoteID int, msg Message) bool {
	if remoteID == r.threadID {
		panic("reactor: attempting to send message to self")
	}
	queue := r.cluster.queues[remoteID][r.threadID]
	if !queue.TryEmplace(msg) {
		return false
	}
	r.pendingWakeups[remoteID] = true
	return true
}

// wakeUpPending interrupts any thread this reactor queued a message for
// since the last time around the loop, but only if that thread was
// actually asleep: waking a busy thread would just cost it a syscall.
func (r *Reactor) wakeUpPending() error {
	for id, pending := range r.pendingWakeups {
		if !pending {
			continue
		}
		r.pendingWakeups[id] = false
		if r.cluster.sleeping[id].CompareAndSwap(true, false) {
			if err := r.cluster.wakers[id](); err != nil {
				return stackerr.Wrap(err)
			}
		}
	}
	return nil
}

// hasMessages reports whether any remote thread has a message waiting in
// this reactor's inbox, without consuming it.
func (r *Reactor) hasMessages() bool {
	for other := 0; other < r.nrThreads; other++ {
		if other == r.threadID {
			continue
		}
		if _, ok := r.cluster.queues[r.threadID][other].Front(); ok {
			return true
		}
	}
	return false
}

// pollMessages drains every inbox addressed to this thread, dispatching
// each message to onMessage. It reports whether it delivered anything.
func (r *Reactor) pollMessages() bool {
	delivered := false
	for other := 0; other < r.nrThreads; other++ {
		if other == r.threadID {
			continue
		}
		queue := r.cluster.queues[r.threadID][other]
		for {
			msg, ok := queue.Front()
			if !ok {
				break
			}
			delivered = true
			r.onMessage(other, msg)
			queue.Pop()
		}
	}
	return delivered
}

// Run drives the event loop until stop is closed or an unrecoverable
// backend error occurs. Each iteration: wake any thread this one queued
// a message for, drain incoming messages, then poll for socket
// readiness — sleeping in the kernel only when there is truly nothing
// else to do, and rechecking for a lost wakeup race right before
// committing to that sleep.
func (r *Reactor) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := r.wakeUpPending(); err != nil {
			return err
		}

		var ready []ReadyFd
		var err error
		if r.pollMessages() {
			// Messages just arrived; speculate there may be more and
			// skip the blocking wait this time around.
			ready, err = r.backend.Wait(0)
		} else {
			r.cluster.sleeping[r.threadID].Store(true)
			if r.hasMessages() {
				// A sender raced us between pollMessages and the
				// sleeping-flag store above; undo and go around again
				// instead of blocking on a wakeup that already fired.
				r.cluster.sleeping[r.threadID].Store(false)
				continue
			}
			ready, err = r.backend.Wait(-1)
			r.cluster.sleeping[r.threadID].Store(false)
		}
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			return stackerr.Wrap(err)
		}

		for _, ev := range ready {
			pollable, ok := r.pollables[ev.Fd]
			if !ok {
				_ = r.backend.Unregister(ev.Fd)
				continue
			}
			if ev.Events&EventRead != 0 {
				pollable.OnReadEvent()
			}
			if ev.Events&EventWrite != 0 {
				if pollable.OnWriteEvent() {
					if err := r.backend.Modify(ev.Fd, EventRead); err != nil {
						return stackerr.Wrap(err)
					}
				}
			}
		}
	}
}

func (r *Reactor) wake() error {
	return r.efd.write()
}
