// Package connpool tracks the live client connections a worker is
// serving: their identity, buffered read state, and idle/request
// deadlines, and sweeps expired connections in O(log n) via a
// deadline-ordered min-heap.
package connpool

import (
	"net"
	"sync"
	"time"
)

// Connection wraps a single accepted client socket plus the mutable
// parsing state the worker's event loop accumulates across reads. The
// remote address and descriptor identity are fixed at construction;
// everything else is guarded by mu.
type Connection struct {
	ID         string // descriptor-channel connection id, stable for the connection's lifetime
	RemoteIP   string
	RemotePort int
	Conn       net.Conn

	mu            sync.Mutex
	recvBuf       []byte
	headerCache   map[string][]string
	contentLength int64
	acceptedAt    time.Time
	lastActivity  time.Time
	keepAlive     bool
	requestCount  int
	closed        bool

	heapIndex int // maintained by the pool's heap; not meaningful outside it
}

// NewConnection wraps conn as a tracked Connection.
func NewConnection(id, remoteIP string, remotePort int, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		RemoteIP:     remoteIP,
		RemotePort:   remotePort,
		Conn:         conn,
		acceptedAt:   now,
		lastActivity: now,
		keepAlive:    true,
		heapIndex:    -1,
	}
}

// AppendRecv appends newly-read bytes to the connection's receive buffer
// and touches its last-activity timestamp.
func (c *Connection) AppendRecv(b []byte) {
	c.mu.Lock()
	c.recvBuf = append(c.recvBuf, b...)
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// RecvBuf returns a snapshot of the accumulated receive buffer.
func (c *Connection) RecvBuf() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.recvBuf...)
}

// ConsumeRecv drops the first n bytes of the receive buffer, called once
// a full request has been parsed out of it.
func (c *Connection) ConsumeRecv(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.recvBuf) {
		c.recvBuf = c.recvBuf[:0]
		return
	}
	c.recvBuf = append(c.recvBuf[:0], c.recvBuf[n:]...)
}

// SetKeepAlive records whether the connection should remain open after
// the in-flight request completes.
func (c *Connection) SetKeepAlive(keepAlive bool) {
	c.mu.Lock()
	c.keepAlive = keepAlive
	c.mu.Unlock()
}

// KeepAlive reports the current keep-alive flag.
func (c *Connection) KeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive
}

// IncrementRequestCount bumps the served-request counter and returns the
// new value, used to enforce a keep-alive request cap.
func (c *Connection) IncrementRequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount++
	return c.requestCount
}

// Touch refreshes the connection's last-activity timestamp without
// appending data, used after a write completes.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the last time the connection was read from or
// written to.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// MarkClosed records that the connection has been closed so the pool
// can skip it instead of double-closing.
func (c *Connection) MarkClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Closed reports whether MarkClosed has already fired.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
