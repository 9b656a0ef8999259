package ffshare

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/jpillora/sizestr"
)

// FileCopy is one entry in a job's in-copy or out-copy list: a
// local Source and a remote Destination, or vice versa for out-copies. A
// path containing a %d/%0Nd token is a per-frame copy; one without is
// copied exactly once per connection regardless of how many frames that
// connection ends up running.
type FileCopy struct {
	Source      string
	Destination string
}

// HasParameter reports whether this copy is per-frame.
func (f FileCopy) HasParameter() bool {
	return ContainsParameter(f.Source) || ContainsParameter(f.Destination)
}

// JobSpec is everything a connection needs to run a worker through the
// WELCOME -> copy-in -> {copy-in frame -> execute -> copy-out frame}* ->
// copy-out sequence.
type JobSpec struct {
	Executable string
	Arguments  []string
	InCopies   []FileCopy
	OutCopies  []FileCopy
	Password   string
}

func splitCopies(copies []FileCopy) (frame, nonFrame []FileCopy) {
	for _, c := range copies {
		if c.HasParameter() {
			frame = append(frame, c)
		} else {
			nonFrame = append(nonFrame, c)
		}
	}
	return
}

// Connection runs one controller-side worker connection through its entire
// lifecycle: WELCOME, non-frame copy-in, then a sequence of frames handed
// to it one at a time by NextFrame, then non-frame copy-out. The whole
// request/response sequence runs as straight-line blocking I/O on one
// goroutine; the state names below exist only for logging, not control
// flow.
type Connection struct {
	logger Logger
	conn   *countingConn
	job    *JobSpec

	// NextFrame is called once per iteration of the run loop: return a
	// non-negative frame number to run, or -1 when this connection should
	// move on to non-frame copy-out and finish. The scheduler supplies
	// this so frame assignment stays its responsibility, not the
	// connection's.
	NextFrame func() int

	// OnFrameDone is called after each frame completes, successfully or
	// not, so the scheduler can update its bookkeeping.
	OnFrameDone func(frame int, err error)

	// Stats, when set, receives a Failed tick for each logical failure a
	// worker reports (failed copy, non-zero exit status). Logical failures
	// never fail the connection or requeue the frame.
	Stats *FrameStats

	Hostname  string
	CoreCount uint32
}

// ConnectionState names a point in a Connection's lifecycle for logging.
type ConnectionState string

const (
	StateWelcome       ConnectionState = "welcome"
	StateCopyInShared  ConnectionState = "copy_in_shared"
	StateIdle          ConnectionState = "idle"
	StateRunningFrame  ConnectionState = "running_frame"
	StateCopyOutShared ConnectionState = "copy_out_shared"
	StateDone          ConnectionState = "done"
)

// NewConnection wraps a freshly-accepted or freshly-dialed net.Conn to a
// worker as a Connection ready to Run.
func NewConnection(logger Logger, conn net.Conn, job *JobSpec) *Connection {
	return &Connection{
		logger: logger,
		conn:   newCountingConn(conn),
		job:    job,
	}
}

// Run drives the connection through its full lifecycle. It blocks until
// the connection finishes (successfully reaching DONE) or an error occurs;
// in the latter case any frame currently in flight has already been
// reported to OnFrameDone with the error so the scheduler can re-queue it.
func (c *Connection) Run() error {
	defer c.conn.Close()

	c.logger.DLogf("connection %s: %s", c.conn.ID, StateWelcome)
	if err := c.doWelcome(); err != nil {
		return fmt.Errorf("welcome: %w", err)
	}

	frameIn, nonFrameIn := splitCopies(c.job.InCopies)
	frameOut, nonFrameOut := splitCopies(c.job.OutCopies)

	c.logger.DLogf("connection %s: %s", c.conn.ID, StateCopyInShared)
	for _, fc := range nonFrameIn {
		if err := c.copyIn(fc, -1); err != nil {
			return fmt.Errorf("copy in %s: %w", fc.Source, err)
		}
	}

	for {
		c.logger.TLogf("connection %s: %s", c.conn.ID, StateIdle)
		frame := c.NextFrame()
		if frame < 0 {
			break
		}

		err := c.runFrame(frame, frameIn, frameOut)
		if c.OnFrameDone != nil {
			c.OnFrameDone(frame, err)
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
	}

	c.logger.DLogf("connection %s: %s", c.conn.ID, StateCopyOutShared)
	for _, fc := range nonFrameOut {
		if err := c.copyOut(fc, -1); err != nil {
			return fmt.Errorf("copy out %s: %w", fc.Destination, err)
		}
	}

	c.logger.DLogf("connection %s: %s (sent %s received %s)", c.conn.ID, StateDone,
		sizestr.ToString(c.conn.BytesWritten()), sizestr.ToString(c.conn.BytesRead()))
	return nil
}

func (c *Connection) runFrame(frame int, frameIn, frameOut []FileCopy) error {
	c.logger.ILogf("connection %s: %s frame=%d", c.conn.ID, StateRunningFrame, frame)

	for _, fc := range frameIn {
		if err := c.copyIn(fc, frame); err != nil {
			return fmt.Errorf("copy in: %w", err)
		}
	}

	if err := c.execute(frame); err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	for _, fc := range frameOut {
		if err := c.copyOut(fc, frame); err != nil {
			return fmt.Errorf("copy out: %w", err)
		}
	}
	return nil
}

func (c *Connection) doWelcome() error {
	req := &Request{Type: RequestTypeWelcome, Welcome: &WelcomeRequest{Password: c.job.Password}}
	if err := WriteRequest(c.conn, req); err != nil {
		return err
	}
	resp, err := ReadResponse(c.conn)
	if err != nil {
		return err
	}
	if err := checkResponseType(resp, RequestTypeWelcome); err != nil {
		return err
	}
	if !resp.Welcome.Accepted {
		return fmt.Errorf("%w: worker rejected password", ErrProtocolMismatch)
	}
	c.Hostname = resp.Welcome.Hostname
	c.CoreCount = resp.Welcome.CoreCount
	c.logger.ILog(joinedLine(c.Hostname, c.CoreCount))
	return nil
}

func (c *Connection) copyIn(fc FileCopy, frame int) error {
	source := SubstituteParameter(fc.Source, frame)
	destination := SubstituteParameter(fc.Destination, frame)

	content, err := os.ReadFile(source)
	if err != nil {
		return err
	}

	req := &Request{Type: RequestTypeCopyIn, CopyIn: &CopyInRequest{Pathname: destination, Content: content}}
	if err := WriteRequest(c.conn, req); err != nil {
		return err
	}
	resp, err := ReadResponse(c.conn)
	if err != nil {
		return err
	}
	if err := checkResponseType(resp, RequestTypeCopyIn); err != nil {
		return err
	}
	if !resp.CopyIn.Success {
		// A copy failure is a logical failure, not a protocol error: it
		// is surfaced and logged, but the connection continues and the
		// frame is not requeued.
		c.logger.WLogf("connection %s: worker reported failure writing %s", c.conn.ID, destination)
		c.recordFailure()
		return nil
	}
	c.logger.DLogf("connection %s: copied in %s (%s)", c.conn.ID, destination, sizestr.ToString(int64(len(content))))
	return nil
}

func (c *Connection) execute(frame int) error {
	args := make([]string, len(c.job.Arguments))
	for i, a := range c.job.Arguments {
		args[i] = SubstituteParameter(a, frame)
	}

	req := &Request{Type: RequestTypeExecute, Execute: &ExecuteRequest{Executable: c.job.Executable, Arguments: args}}
	if err := WriteRequest(c.conn, req); err != nil {
		return err
	}
	resp, err := ReadResponse(c.conn)
	if err != nil {
		return err
	}
	if err := checkResponseType(resp, RequestTypeExecute); err != nil {
		return err
	}
	if resp.Execute.Status != 0 {
		// Non-zero exit is reported in execute_response.status and is not
		// treated as a protocol error: log it and keep going so
		// any per-frame copy-outs still run and the frame still counts as
		// completed, not requeued.
		c.logger.WLogf("connection %s: frame %d exited with status %d", c.conn.ID, frame, resp.Execute.Status)
		c.recordFailure()
	}
	return nil
}

func (c *Connection) copyOut(fc FileCopy, frame int) error {
	source := SubstituteParameter(fc.Source, frame)
	destination := SubstituteParameter(fc.Destination, frame)

	req := &Request{Type: RequestTypeCopyOut, CopyOut: &CopyOutRequest{Pathname: source}}
	if err := WriteRequest(c.conn, req); err != nil {
		return err
	}
	resp, err := ReadResponse(c.conn)
	if err != nil {
		return err
	}
	if err := checkResponseType(resp, RequestTypeCopyOut); err != nil {
		return err
	}
	if !resp.CopyOut.Success {
		c.logger.WLogf("connection %s: worker reported failure reading %s", c.conn.ID, source)
		c.recordFailure()
		return nil
	}

	c.logger.DLogf("connection %s: copied out %s (%s)", c.conn.ID, source, sizestr.ToString(int64(len(resp.CopyOut.Content))))
	return os.WriteFile(destination, resp.CopyOut.Content, 0644)
}

func (c *Connection) recordFailure() {
	if c.Stats != nil {
		c.Stats.Failed()
	}
}

// checkResponseType fails the connection if the response's type doesn't
// match what was sent, or if the payload for that type is absent.
func checkResponseType(resp *Response, want RequestType) error {
	if resp.Type != want {
		return fmt.Errorf("%w: expected %s response, got %s", ErrProtocolMismatch, want, resp.Type)
	}
	var present bool
	switch want {
	case RequestTypeWelcome:
		present = resp.Welcome != nil
	case RequestTypeCopyIn:
		present = resp.CopyIn != nil
	case RequestTypeExecute:
		present = resp.Execute != nil
	case RequestTypeCopyOut:
		present = resp.CopyOut != nil
	}
	if !present {
		return fmt.Errorf("%w: %s response missing payload", ErrPayloadDecode, want)
	}
	return nil
}

// ErrProtocolMismatch marks a response whose type didn't match its request.
var ErrProtocolMismatch = fmt.Errorf("protocol mismatch")

var _ io.Closer = (*countingConn)(nil)
