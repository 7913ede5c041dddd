package network

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/event"
)

// maxReadSize caps how many bytes a single readable callback pulls in before
// yielding back to the loop.
const maxReadSize = 64 * 1024

// ConnectionEvent signals a connection state change to registered callbacks.
type ConnectionEvent int

const (
	// EventConnected fires once a client connect completes.
	EventConnected ConnectionEvent = iota
	// EventRemoteClose fires when the peer closed or the transport failed.
	EventRemoteClose
	// EventLocalClose fires when the local side closed the socket.
	EventLocalClose
)

func (e ConnectionEvent) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventRemoteClose:
		return "remote close"
	case EventLocalClose:
		return "local close"
	}
	return "unknown"
}

// CloseType selects close behavior for buffered write data.
type CloseType int

const (
	// CloseFlushWrite flushes pending write data before closing.
	CloseFlushWrite CloseType = iota
	// CloseNoFlush closes immediately, discarding pending write data.
	CloseNoFlush
)

// ConnectionCallbacks observes connection lifecycle events.
type ConnectionCallbacks interface {
	OnEvent(ev ConnectionEvent)
}

var nextConnID atomic.Uint64

// Connection is one non-blocking TCP socket bound to a dispatcher. All
// methods must be called from the dispatcher goroutine.
type Connection struct {
	id         uint64
	dispatcher event.Dispatcher
	fd         int
	file       event.FileEvent

	readBuffer  buffer.Buffer
	writeBuffer buffer.Buffer

	// onRead receives the read buffer after each readable event; the
	// consumer drains what it uses.
	onRead    func(data *buffer.Buffer)
	callbacks []ConnectionCallbacks

	localAddr  string
	remoteAddr string

	readEnabled bool
	connecting  bool
	closing     bool
	closed      bool
}

// NewServerConnection wraps an accepted descriptor.
func NewServerConnection(d event.Dispatcher, fd int, remoteAddr string) (*Connection, error) {
	c := &Connection{
		id:          nextConnID.Add(1),
		dispatcher:  d,
		fd:          fd,
		remoteAddr:  remoteAddr,
		readEnabled: true,
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		c.localAddr = sockaddrString(sa)
	}
	return c, c.register()
}

// Connect starts a non-blocking client connection to addr. EventConnected or
// EventRemoteClose is raised later from the dispatcher.
func Connect(d event.Dispatcher, addr string) (*Connection, error) {
	sa, family, err := parseSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	c := &Connection{
		id:          nextConnID.Add(1),
		dispatcher:  d,
		fd:          fd,
		remoteAddr:  addr,
		readEnabled: true,
		connecting:  true,
	}
	if err := c.register(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

func (c *Connection) register() error {
	unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	file, err := c.dispatcher.CreateFileEvent(c.fd, c.interest(), c.onFileEvent)
	if err != nil {
		return err
	}
	c.file = file
	return nil
}

// ID returns the process-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// LocalAddr returns the bound local address.
func (c *Connection) LocalAddr() string { return c.localAddr }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// AddCallbacks registers for lifecycle events.
func (c *Connection) AddCallbacks(cb ConnectionCallbacks) {
	c.callbacks = append(c.callbacks, cb)
}

// SetReadCallback installs the consumer of incoming bytes.
func (c *Connection) SetReadCallback(fn func(data *buffer.Buffer)) { c.onRead = fn }

// interest computes the current event mask.
func (c *Connection) interest() uint32 {
	var mask uint32 = event.Closed
	if c.readEnabled {
		mask |= event.Readable
	}
	if c.connecting || c.closing || c.writeBuffer.Length() > 0 {
		mask |= event.Writable
	}
	return mask
}

func (c *Connection) updateEvents() {
	if !c.closed && c.file != nil {
		c.file.SetEnabled(c.interest())
	}
}

// Write queues data for transmission, taking ownership of the bytes.
func (c *Connection) Write(data *buffer.Buffer) {
	if c.closed || c.closing {
		data.Drain(data.Length())
		return
	}
	c.writeBuffer.Move(data)
	c.updateEvents()
}

// ReadDisable pauses or resumes read delivery. Re-enabling replays any bytes
// already buffered.
func (c *Connection) ReadDisable(disable bool) {
	c.readEnabled = !disable
	if c.closed {
		return
	}
	c.updateEvents()
	if !disable && c.readBuffer.Length() > 0 {
		c.file.Activate(event.Readable)
	}
}

// Close shuts the connection down. With CloseFlushWrite pending write data
// is flushed first; reads stop immediately either way.
func (c *Connection) Close(t CloseType) {
	if c.closed {
		return
	}
	if t == CloseNoFlush || c.writeBuffer.Length() == 0 {
		c.closeSocket(EventLocalClose)
		return
	}
	c.closing = true
	c.readEnabled = false
	c.updateEvents()
}

func (c *Connection) closeSocket(ev ConnectionEvent) {
	if c.closed {
		return
	}
	c.closed = true
	if c.file != nil {
		c.file.Close()
	}
	unix.Close(c.fd)
	c.raiseEvent(ev)
}

func (c *Connection) raiseEvent(ev ConnectionEvent) {
	for _, cb := range c.callbacks {
		cb.OnEvent(ev)
	}
}

func (c *Connection) onFileEvent(events uint32) {
	if c.closed {
		return
	}
	if c.connecting {
		c.finishConnect(events)
		if c.closed || c.connecting {
			return
		}
	}
	if events&event.Writable != 0 {
		c.onWritable()
	}
	if c.closed {
		return
	}
	if events&(event.Readable|event.Closed) != 0 {
		c.onReadable()
	}
}

func (c *Connection) finishConnect(events uint32) {
	if events&(event.Writable|event.Closed) == 0 {
		return
	}
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = unix.Errno(soErr)
	}
	if err != nil {
		c.closeSocket(EventRemoteClose)
		return
	}
	c.connecting = false
	if sa, gerr := unix.Getsockname(c.fd); gerr == nil {
		c.localAddr = sockaddrString(sa)
	}
	c.updateEvents()
	c.raiseEvent(EventConnected)
}

func (c *Connection) onReadable() {
	total := 0
	eof := false
	for total < maxReadSize {
		n, err := c.readBuffer.ReadFd(c.fd, maxReadSize-total)
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			eof = true
			break
		}
		if n == 0 {
			eof = true
			break
		}
		total += n
	}
	if c.readEnabled && c.readBuffer.Length() > 0 && c.onRead != nil {
		c.onRead(&c.readBuffer)
	}
	if eof {
		c.closeSocket(EventRemoteClose)
	}
}

func (c *Connection) onWritable() {
	if c.writeBuffer.Length() > 0 {
		if _, err := c.writeBuffer.WriteFd(c.fd); err != nil && err != unix.EAGAIN {
			c.closeSocket(EventRemoteClose)
			return
		}
	}
	if c.writeBuffer.Length() == 0 {
		if c.closing {
			c.closeSocket(EventLocalClose)
			return
		}
		c.updateEvents()
	}
}
