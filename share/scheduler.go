package ffshare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
)

// frameRequest is how a Connection goroutine asks the Scheduler for its next
// frame: a direct channel handoff instead of an is-idle poll over a
// connection pool. A reply of -1 means there is no more work and the
// connection should proceed to non-frame copy-out.
type frameRequest struct {
	reply chan int
}

type frameDone struct {
	frame int
	err   error
}

// Scheduler is the controller's frame queue owner. Every other goroutine
// talks to it only through channels, so the queue needs no lock. Pop from
// the front to dispatch; push to the front to requeue.
type Scheduler struct {
	ShutdownHelper

	queue []int

	stats *FrameStats

	requests chan frameRequest
	done     chan frameDone

	outstanding int
	finished    chan struct{}
	finishOnce  sync.Once
}

// NewScheduler seeds the queue from frames and starts the owner goroutine.
// The scheduler's lifetime is bounded by ctx; once shutdown begins, every
// pending and future NextFrame call returns -1 immediately.
func NewScheduler(ctx context.Context, logger Logger, frames []int) *Scheduler {
	s := &Scheduler{
		queue:    append([]int(nil), frames...),
		stats:    NewFrameStats(len(frames)),
		requests: make(chan frameRequest),
		done:     make(chan frameDone),
		finished: make(chan struct{}),
	}
	s.InitShutdownHelper(logger.Fork("scheduler"), s)
	s.ShutdownOnContext(ctx)
	runDone := make(chan struct{})
	s.AddShutdownChildChan(runDone)
	go s.run(runDone)
	return s
}

// HandleOnceShutdown completes the ShutdownHelper contract; the queue needs
// no explicit release, the run goroutine just exits when it sees shutdown
// has started.
func (s *Scheduler) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// Stats returns the live frame counters, safe to read from any goroutine
// (status.go renders these into the controller's status line).
func (s *Scheduler) Stats() *FrameStats { return s.stats }

func (s *Scheduler) run(runDone chan struct{}) {
	defer close(runDone)
	for {
		if len(s.queue) == 0 && s.outstanding == 0 {
			s.finishOnce.Do(func() { close(s.finished) })
		}

		select {
		case <-s.ShutdownStartedChan():
			return

		case req := <-s.requests:
			if len(s.queue) == 0 {
				req.reply <- -1
				continue
			}
			frame := s.queue[0]
			s.queue = s.queue[1:]
			s.outstanding++
			s.stats.Dispatched()
			req.reply <- frame

		case d := <-s.done:
			s.outstanding--
			if d.err != nil {
				// Requeue to the front: LIFO on failure biases retry
				// toward the most recently lost work.
				s.queue = append([]int{d.frame}, s.queue...)
				s.stats.Requeued()
				s.WLogf("frame %d requeued after %v", d.frame, d.err)
			} else {
				s.stats.Completed()
			}
		}
	}
}

// Done reports when every frame has completed: the queue is empty and no
// connection is still running a frame.
func (s *Scheduler) Done() <-chan struct{} { return s.finished }

// NextFrame is passed to Connection.NextFrame; it blocks until the
// scheduler goroutine answers with a frame to run, or -1 when there is no
// more work or shutdown has begun.
func (s *Scheduler) NextFrame() int {
	reply := make(chan int, 1)
	select {
	case s.requests <- frameRequest{reply: reply}:
		return <-reply
	case <-s.ShutdownStartedChan():
		return -1
	}
}

// OnFrameDone is passed to Connection.OnFrameDone. After shutdown it drops
// the report; the run is over and nothing reads the stats again.
func (s *Scheduler) OnFrameDone(frame int, err error) {
	select {
	case s.done <- frameDone{frame: frame, err: err}:
	case <-s.ShutdownStartedChan():
	}
}

// ControllerConfig bundles everything RunController needs: the job every
// connection runs, the frame sequence, where to listen for directly-dialing
// workers, and which proxies to dial for indirectly-reachable workers.
type ControllerConfig struct {
	Job     *JobSpec
	Frames  []int
	Listen  string // empty disables direct worker listening
	Proxies []string
}

// RunController drives the controller role end to end:
// reconciling proxy dials, accepting direct worker connections, and running
// one Connection per worker until the scheduler reports every frame done.
// It returns once all frames have completed or ctx is cancelled.
func RunController(ctx context.Context, logger Logger, cfg ControllerConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := NewScheduler(ctx, logger, cfg.Frames)
	defer sched.Shutdown(nil)

	conns := &ConnStats{}
	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	if cfg.Listen != "" {
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
		defer l.Close()
		// Unblock the accept loop when the run ends; Accept has no
		// context-aware variant.
		go func() {
			<-ctx.Done()
			l.Close()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			acceptDirectWorkers(ctx, logger, l, cfg.Job, sched, conns, fatal)
		}()
	}

	for i, proxyAddr := range cfg.Proxies {
		wg.Add(1)
		go func(index int, addr string) {
			defer wg.Done()
			reconcileProxyConnection(ctx, logger, addr, index, cfg.Job, sched, conns, fatal)
		}(i, proxyAddr)
	}

	var runErr error
	select {
	case <-sched.Done():
		logger.ILogf("controller: all frames complete (%s)", sched.Stats())
	case runErr = <-fatal:
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()
	return runErr
}

func acceptDirectWorkers(ctx context.Context, logger Logger, l net.Listener, job *JobSpec, sched *Scheduler, conns *ConnStats, fatal chan<- error) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.ELogf("controller: accept: %v", err)
			return
		}
		go runWorkerConnection(logger, conn, job, sched, conns, fatal)
	}
}

// reconcileProxyConnection keeps exactly one live connection dialled
// through addr. A dial failure is fatal to the controller rather than
// retried with backoff; once a dialled connection ends — gracefully or
// not — the next pass of the loop redials the same proxy.
func reconcileProxyConnection(ctx context.Context, logger Logger, addr string, index int, job *JobSpec, sched *Scheduler, conns *ConnStats, fatal chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sched.Done():
			return
		default:
		}

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			logger.ELogf("controller: dial proxy %s (index %d): %v", addr, index, err)
			select {
			case fatal <- fmt.Errorf("dial proxy %s: %w", addr, err):
			default:
			}
			return
		}
		runWorkerConnection(logger, conn, job, sched, conns, fatal)

		select {
		case <-ctx.Done():
			return
		case <-sched.Done():
			return
		default:
		}
	}
}

// isGracefulDisconnect reports whether err is the peer simply hanging up
// (EOF or reset) rather than a genuine
// transport failure. Only this class of error triggers graceful worker
// removal; everything else reaching this point is a transport I/O error
// and is fatal to the controller.
func isGracefulDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

// isConnectionScopedFailure reports whether err should fail only this
// connection — a peer hangup, a mismatched or undecodable response, an
// oversize payload — as opposed to being fatal to the controller process.
func isConnectionScopedFailure(err error) bool {
	return isGracefulDisconnect(err) ||
		errors.Is(err, ErrProtocolMismatch) ||
		errors.Is(err, ErrPayloadDecode) ||
		errors.Is(err, ErrPayloadTooLarge)
}

// runWorkerConnection runs one worker connection to completion. A
// connection-scoped failure (peer disconnect, protocol mismatch, payload
// decode/size error) is logged and swallowed here: the scheduler has
// already requeued any in-flight frame via OnFrameDone, and the caller's
// accept/dial loop simply moves on. Any other transport error is reported
// on fatal, which RunController treats as fatal to the whole controller
//.
func runWorkerConnection(logger Logger, conn net.Conn, job *JobSpec, sched *Scheduler, conns *ConnStats, fatal chan<- error) {
	connLogger := logger.Fork("conn%d", conns.New())
	conns.Open()
	defer conns.Close()

	c := NewConnection(connLogger, conn, job)
	c.Stats = sched.Stats()
	c.NextFrame = sched.NextFrame
	c.OnFrameDone = func(frame int, err error) {
		sched.OnFrameDone(frame, err)
		connLogger.ILog(StatusLine(sched.Stats(), conns))
	}
	if err := c.Run(); err != nil {
		if isConnectionScopedFailure(err) {
			connLogger.DLogf("connection ended: %v", err)
			return
		}
		connLogger.ELogf("fatal transport error: %v", err)
		select {
		case fatal <- err:
		default:
		}
	}
}
