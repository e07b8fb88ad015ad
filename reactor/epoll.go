package reactor

import (
	"errors"

	"github.com/facebookgo/stackerr"
	"golang.org/x/sys/unix"
)

// epollBackend is the only Backend this package ships. It is a thin,
// direct translation of the reference server's EpollReactor: one epoll fd,
// one EPOLL_CTL_ADD/MOD/DEL per registration change, no edge-triggered
// tricks.
type epollBackend struct {
	epfd   int
	events map[int]uint32 // fd -> currently registered event set, to skip no-op MODs.
}

// NewEpollBackend opens a fresh epoll instance.
func NewEpollBackend() (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &epollBackend{epfd: epfd, events: make(map[int]uint32)}, nil
}

func toEpollEvents(events uint32) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(events uint32) uint32 {
	var e uint32
	if events&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	return e
}

func (b *epollBackend) Register(fd int, events uint32) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return stackerr.Wrap(err)
	}
	b.events[fd] = events
	return nil
}

func (b *epollBackend) Modify(fd int, events uint32) error {
	if current, ok := b.events[fd]; ok && current == events {
		return nil
	}
	ev := &unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return stackerr.Wrap(err)
	}
	b.events[fd] = events
	return nil
}

func (b *epollBackend) Unregister(fd int) error {
	if _, ok := b.events[fd]; !ok {
		return nil
	}
	delete(b.events, fd)
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		return stackerr.Wrap(err)
	}
	return nil
}

func (b *epollBackend) Wait(timeoutMs int) ([]ReadyFd, error) {
	var raw [128]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, raw[:], timeoutMs)
	if err != nil {
		return nil, err
	}
	ready := make([]ReadyFd, n)
	for i := 0; i < n; i++ {
		ready[i] = ReadyFd{Fd: int(raw[i].Fd), Events: fromEpollEvents(raw[i].Events)}
	}
	return ready, nil
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}

func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// eventfdPollable is the cross-thread wakeup primitive: one per reactor,
// registered for EventRead with every other reactor able to trigger it
// via write once it has queued that reactor a message while it slept.
type eventfdPollable struct {
	fd int
}

func newEventfdPollable() (*eventfdPollable, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &eventfdPollable{fd: fd}, nil
}

func (e *eventfdPollable) Fd() int { return e.fd }

func (e *eventfdPollable) OnReadEvent() {
	var buf [8]byte
	// Drain the counter; EAGAIN means another racing wakeup already did.
	_, _ = unix.Read(e.fd, buf[:])
}

func (e *eventfdPollable) OnWriteEvent() bool { return true }

func (e *eventfdPollable) write() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(e.fd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return stackerr.Wrap(err)
	}
	return nil
}
