package ffshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks the number of worker connections a controller or proxy
// has seen, and how many are currently live.
type ConnStats struct {
	count int32
	open  int32
}

// New records a newly accepted or dialed connection and returns its ordinal.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open marks a connection as live.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close marks a connection as no longer live.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}

// FrameStats tracks a controller run's progress through its frame queue, for
// the status line in status.go and for liveness assertions in tests.
type FrameStats struct {
	total      int32
	dispatched int32
	completed  int32
	failed     int32
}

// NewFrameStats initializes a FrameStats for a run with the given total frame count.
func NewFrameStats(total int) *FrameStats {
	return &FrameStats{total: int32(total)}
}

// Dispatched records that one frame was handed to a worker.
func (s *FrameStats) Dispatched() int32 {
	return atomic.AddInt32(&s.dispatched, 1)
}

// Requeued undoes a Dispatched count when a worker dies before finishing its frame.
func (s *FrameStats) Requeued() int32 {
	return atomic.AddInt32(&s.dispatched, -1)
}

// Completed records that one frame's full per-frame cycle finished.
func (s *FrameStats) Completed() int32 {
	return atomic.AddInt32(&s.completed, 1)
}

// Failed records that a copy or execute step reported failure (still counts as completed).
func (s *FrameStats) Failed() int32 {
	return atomic.AddInt32(&s.failed, 1)
}

func (s *FrameStats) String() string {
	completed := atomic.LoadInt32(&s.completed)
	return fmt.Sprintf("frames %d/%d done (%d in flight, %d failed)",
		completed, atomic.LoadInt32(&s.total),
		atomic.LoadInt32(&s.dispatched)-completed, atomic.LoadInt32(&s.failed))
}
