package network

import (
	"fmt"

	"golang.org/x/sys/unix"

	"mercator-hq/janus/pkg/event"
)

// Listener accepts connections on a bound socket and hands raw descriptors
// to its accept callback on the dispatcher goroutine.
type Listener struct {
	fd       int
	file     event.FileEvent
	onAccept func(fd int, remoteAddr string)
	addr     string
	closed   bool
}

// Listen binds addr with SO_REUSEADDR, listens, and registers with the
// dispatcher. onAccept receives each accepted non-blocking descriptor.
func Listen(d event.Dispatcher, addr string, backlog int, onAccept func(fd int, remoteAddr string)) (*Listener, error) {
	sa, family, err := parseSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	// Each worker binds its own socket; the kernel balances accepts.
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	l := &Listener{fd: fd, onAccept: onAccept}
	if bound, err := unix.Getsockname(fd); err == nil {
		l.addr = sockaddrString(bound)
	}
	file, err := d.CreateFileEvent(fd, event.Readable, l.onReadable)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	l.file = file
	return l, nil
}

// Addr returns the bound address, with the kernel-assigned port when the
// caller bound port 0.
func (l *Listener) Addr() string { return l.addr }

func (l *Listener) onReadable(events uint32) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		l.onAccept(fd, sockaddrString(sa))
	}
}

// Close stops accepting and releases the socket.
func (l *Listener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.file.Close()
	unix.Close(l.fd)
}
