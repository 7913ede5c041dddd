package event

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 128

// Loop is the epoll-backed Dispatcher. Run must be called on a dedicated
// goroutine; every callback fires there.
type Loop struct {
	epfd   int
	wakeFd int

	fdEvents map[int]*fileEvent
	timers   timerHeap
	now      func() time.Time

	mu     sync.Mutex
	posted []func()

	activated []*fileEvent
	stopped   bool
}

// NewLoop creates an event loop backed by epoll and an eventfd wakeup pipe.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("creating wakeup eventfd: %w", err)
	}
	l := &Loop{
		epfd:     epfd,
		wakeFd:   wakeFd,
		fdEvents: make(map[int]*fileEvent),
		now:      time.Now,
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("registering wakeup fd: %w", err)
	}
	return l, nil
}

// CreateTimer returns a disabled timer that runs cb on the loop goroutine.
func (l *Loop) CreateTimer(cb func()) Timer {
	return &loopTimer{loop: l, cb: cb, heapIndex: -1}
}

// CreateFileEvent registers fd for level-triggered readiness callbacks.
func (l *Loop) CreateFileEvent(fd int, events uint32, cb func(events uint32)) (FileEvent, error) {
	fe := &fileEvent{loop: l, fd: fd, enabled: events, cb: cb}
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("registering fd %d: %w", fd, err)
	}
	l.fdEvents[fd] = fe
	return fe, nil
}

// Post schedules fn on the loop goroutine and wakes the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(l.wakeFd, one[:])
}

// Stop makes Run return after the current iteration.
func (l *Loop) Stop() {
	l.Post(func() { l.stopped = true })
}

// Run drives the loop until Stop is called.
func (l *Loop) Run() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for !l.stopped {
		timeout := l.nextTimeoutMs()
		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil && err != unix.EINTR {
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == l.wakeFd {
				var buf [8]byte
				unix.Read(l.wakeFd, buf[:])
				continue
			}
			fe, ok := l.fdEvents[int(ev.Fd)]
			if !ok {
				continue
			}
			fe.cb(readiness(ev.Events) & (fe.enabled | Closed))
		}
		l.fireDueTimers()
		l.runActivated()
		l.runPosted()
	}
	l.close()
}

func (l *Loop) close() {
	unix.Close(l.wakeFd)
	unix.Close(l.epfd)
}

func (l *Loop) nextTimeoutMs() int {
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (l *Loop) fireDueTimers() {
	now := l.now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*loopTimer)
		t.heapIndex = -1
		t.armed = false
		t.cb()
	}
}

func (l *Loop) runActivated() {
	for len(l.activated) > 0 {
		fe := l.activated[0]
		l.activated = l.activated[1:]
		pending := fe.pendingActivation
		fe.pendingActivation = 0
		if pending != 0 && !fe.closed {
			fe.cb(pending)
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	batch := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

func epollMask(events uint32) uint32 {
	var m uint32
	if events&Readable != 0 {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&Writable != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func readiness(epollEvents uint32) uint32 {
	var r uint32
	if epollEvents&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		r |= Readable
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		r |= Writable
	}
	if epollEvents&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
		r |= Closed
	}
	return r
}

type fileEvent struct {
	loop              *Loop
	fd                int
	enabled           uint32
	cb                func(events uint32)
	pendingActivation uint32
	closed            bool
}

func (fe *fileEvent) SetEnabled(events uint32) {
	if fe.closed || fe.enabled == events {
		return
	}
	fe.enabled = events
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fe.fd)}
	unix.EpollCtl(fe.loop.epfd, unix.EPOLL_CTL_MOD, fe.fd, &ev)
}

func (fe *fileEvent) Activate(events uint32) {
	if fe.closed {
		return
	}
	if fe.pendingActivation == 0 {
		fe.loop.activated = append(fe.loop.activated, fe)
	}
	fe.pendingActivation |= events
}

func (fe *fileEvent) Close() {
	if fe.closed {
		return
	}
	fe.closed = true
	unix.EpollCtl(fe.loop.epfd, unix.EPOLL_CTL_DEL, fe.fd, nil)
	delete(fe.loop.fdEvents, fe.fd)
}

type loopTimer struct {
	loop      *Loop
	cb        func()
	deadline  time.Time
	heapIndex int
	armed     bool
}

func (t *loopTimer) Enable(d time.Duration) {
	t.deadline = t.loop.now().Add(d)
	if t.armed {
		heap.Fix(&t.loop.timers, t.heapIndex)
		return
	}
	t.armed = true
	heap.Push(&t.loop.timers, t)
}

func (t *loopTimer) Disable() {
	if !t.armed {
		return
	}
	heap.Remove(&t.loop.timers, t.heapIndex)
	t.armed = false
	t.heapIndex = -1
}

type timerHeap []*loopTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*loopTimer); t.heapIndex = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
