package ffshare

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"
)

// WriteHalfCloser is a bidirectional stream whose write half can be shut
// down independently, the way net.TCPConn.CloseWrite does: the peer sees
// end-of-stream but can keep sending until it closes its own write half.
// The proxy bridge relies on this to propagate EOF one direction at a time.
type WriteHalfCloser interface {
	CloseWrite() error
}

// countingConn wraps a net.Conn with read/write byte counters and a
// best-effort CloseWrite. Every Connection and ProxyPair side is a
// countingConn so logging can report throughput without each caller
// re-deriving it.
type countingConn struct {
	net.Conn
	ID       string
	nRead    int64
	nWritten int64
}

// newCountingConn wraps conn with a fresh correlation ID for logging.
func newCountingConn(conn net.Conn) *countingConn {
	return &countingConn{Conn: conn, ID: uuid.NewString()[:8]}
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	atomic.AddInt64(&c.nRead, int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddInt64(&c.nWritten, int64(n))
	return n, err
}

// BytesRead returns the number of bytes read so far.
func (c *countingConn) BytesRead() int64 { return atomic.LoadInt64(&c.nRead) }

// BytesWritten returns the number of bytes written so far.
func (c *countingConn) BytesWritten() int64 { return atomic.LoadInt64(&c.nWritten) }

// CloseWrite shuts down the write half if the underlying conn supports it
// (true for *net.TCPConn), a no-op otherwise.
func (c *countingConn) CloseWrite() error {
	if whc, ok := c.Conn.(WriteHalfCloser); ok {
		return whc.CloseWrite()
	}
	return nil
}
