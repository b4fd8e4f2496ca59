package wire

import (
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultSendQueue is the per-connection send queue length in frames.
const DefaultSendQueue = 256

// readChunk is the maximum number of bytes pulled from the socket per read.
const readChunk = 64 * 1024

var (
	// ErrQueueFull is returned by Send when the peer is a full queue behind.
	// The connection is closed before Send returns.
	ErrQueueFull = errors.New("send queue full")

	// ErrClosed is returned by Send after the connection has been closed.
	ErrClosed = errors.New("connection closed")
)

// Handler receives each decoded message in arrival order. Returning an error
// terminates the connection.
type Handler func(Message) error

// Conn is a framed metadata connection.
//
// Thread-safety model:
//   - Send(): safe from any goroutine, never blocks
//   - Serve(): must be called from exactly one goroutine
//   - Close(): idempotent, safe from any goroutine
type Conn struct {
	nc    net.Conn
	sendq chan []byte
	done  chan struct{}

	mu     sync.Mutex // guards closed and the sendq hand-off
	closed bool
}

// NewConn wraps nc and starts its write pump. queueSize <= 0 uses
// DefaultSendQueue.
func NewConn(nc net.Conn, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultSendQueue
	}
	c := &Conn{
		nc:    nc,
		sendq: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send encodes m and queues it for writing. It does not wait for the peer.
// If the queue is full the connection is closed and ErrQueueFull returned.
func (c *Conn) Send(m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case c.sendq <- frame:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.Close()
		return ErrQueueFull
	}
}

// Serve runs the read loop until the peer disconnects, a protocol error is
// seen, the handler fails, or Close is called. Messages are dispatched one at
// a time; the next read is issued only after the previous batch was handled.
// The connection is always closed when Serve returns. A clean disconnect
// returns nil.
func (c *Conn) Serve(handle Handler) error {
	defer c.Close()

	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			msgs, rest, decErr := Decode(buf)
			for _, m := range msgs {
				if hErr := handle(m); hErr != nil {
					return hErr
				}
			}
			if decErr != nil {
				return decErr
			}
			buf = append(buf[:0], rest...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.isClosed() {
				return nil
			}
			return err
		}
	}
}

// Close shuts the connection. Queued frames that were not yet written are
// discarded and no further sends are attempted.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.nc.Close()
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// writePump drains the send queue onto the socket. A write error closes the
// connection.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendq:
			if _, err := c.nc.Write(frame); err != nil {
				c.Close()
				return
			}
		}
	}
}
