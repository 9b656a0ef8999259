package ffshare

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// coreCount reports the worker's core count for the WELCOME response.
func coreCount() int {
	return runtime.NumCPU()
}

// WorkerConfig bundles everything the worker role needs to dial its peer
// and serve requests.
type WorkerConfig struct {
	// Endpoint is the controller or proxy address to dial.
	Endpoint string

	// Password, if set, must match the controller's WELCOME password or
	// the connection is rejected.
	Password string

	// MaxRetryCount bounds reconnect attempts; 0 means retry forever.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff delay between dial attempts.
	MaxRetryInterval time.Duration
}

// RunWorker dials Endpoint and serves requests forever, one at a time,
// reconnecting with backoff on disconnect. It returns only when
// ctx is cancelled or the retry budget is exhausted.
// The backoff resets after each successful connection.
func RunWorker(ctx context.Context, logger Logger, cfg WorkerConfig) error {
	maxInterval := cfg.MaxRetryInterval
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: maxInterval, Factor: 2}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := net.Dial("tcp", cfg.Endpoint)
		if err != nil {
			attempt := int(b.Attempt()) + 1
			logger.DLogf("worker: dial %s failed (attempt %d): %v", cfg.Endpoint, attempt, err)
			if cfg.MaxRetryCount > 0 && attempt >= cfg.MaxRetryCount {
				return fmt.Errorf("worker: giving up on %s after %d attempts: %w", cfg.Endpoint, attempt, err)
			}
			d := b.Duration()
			logger.ILogf("worker: retrying %s in %s", cfg.Endpoint, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		b.Reset()
		logger.ILogf("worker: connected to %s", cfg.Endpoint)

		err = serveWorkerConnection(ctx, logger, conn, cfg.Password)
		conn.Close()
		if err != nil {
			logger.WLogf("worker: connection ended: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// serveWorkerConnection services requests on conn one at a time until EOF
// or a transport error: read a framed request, dispatch it, and
// write the framed response, looping forever.
func serveWorkerConnection(ctx context.Context, logger Logger, conn net.Conn, password string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := ReadRequest(conn)
		if err != nil {
			return err
		}

		resp, err := handleRequest(logger, req, password)
		if err != nil {
			return err
		}

		if err := WriteResponse(conn, resp); err != nil {
			return err
		}

		if resp.Welcome != nil && !resp.Welcome.Accepted {
			return logger.Errorf("closing connection after rejected WELCOME")
		}
	}
}

func handleRequest(logger Logger, req *Request, password string) (*Response, error) {
	switch {
	case req.Type == RequestTypeWelcome && req.Welcome != nil:
		return handleWelcome(logger, req.Welcome, password), nil
	case req.Type == RequestTypeCopyIn && req.CopyIn != nil:
		return handleCopyIn(logger, req.CopyIn), nil
	case req.Type == RequestTypeExecute && req.Execute != nil:
		return handleExecute(logger, req.Execute), nil
	case req.Type == RequestTypeCopyOut && req.CopyOut != nil:
		return handleCopyOut(logger, req.CopyOut), nil
	default:
		return nil, fmt.Errorf("%w: request type %s with missing or mismatched payload", ErrPayloadDecode, req.Type)
	}
}

func handleWelcome(logger Logger, req *WelcomeRequest, password string) *Response {
	accepted := password == "" || req.Password == password
	if !accepted {
		logger.WLogf("worker: rejected WELCOME with mismatched password")
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Response{
		Type: RequestTypeWelcome,
		Welcome: &WelcomeResponse{
			Hostname:  hostname,
			CoreCount: uint32(coreCount()),
			Accepted:  accepted,
		},
	}
}

// handleCopyIn validates the pathname is local (defence in depth
// alongside the controller's own parse-time check) and writes the
// supplied content; any failure is reported as success=false, not a
// protocol error.
func handleCopyIn(logger Logger, req *CopyInRequest) *Response {
	success := true
	if !IsLocalPath(req.Pathname) {
		logger.WLogf("worker: rejected non-local copy-in pathname %q", req.Pathname)
		success = false
	} else if err := os.WriteFile(req.Pathname, req.Content, 0644); err != nil {
		logger.WLogf("worker: copy-in %s: %v", req.Pathname, err)
		success = false
	}
	return &Response{Type: RequestTypeCopyIn, CopyIn: &CopyInResponse{Success: success}}
}

// handleExecute validates the executable path is local, spawns it as
// argv[0] with the already frame-substituted Arguments, and waits for
// termination: no PATH search, no environment modification.
func handleExecute(logger Logger, req *ExecuteRequest) *Response {
	if !IsLocalPath(req.Executable) {
		logger.WLogf("worker: rejected non-local executable %q", req.Executable)
		return &Response{Type: RequestTypeExecute, Execute: &ExecuteResponse{Status: -1}}
	}

	// exec.Command consults PATH for a bare name; anchoring to the working
	// directory keeps the executable a worker-local file in every case.
	name := req.Executable
	if !strings.Contains(name, "/") {
		name = "./" + name
	}
	cmd := exec.Command(name, req.Arguments...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	status := exitStatus(err)
	if err != nil {
		logger.WLogf("worker: execute %s: %v", req.Executable, err)
	}
	return &Response{Type: RequestTypeExecute, Execute: &ExecuteResponse{Status: status}}
}

// handleCopyOut validates the pathname is local and reads it back; any
// failure is reported as success=false.
func handleCopyOut(logger Logger, req *CopyOutRequest) *Response {
	if !IsLocalPath(req.Pathname) {
		logger.WLogf("worker: rejected non-local copy-out pathname %q", req.Pathname)
		return &Response{Type: RequestTypeCopyOut, CopyOut: &CopyOutResponse{Success: false}}
	}
	content, err := os.ReadFile(req.Pathname)
	if err != nil {
		logger.WLogf("worker: copy-out %s: %v", req.Pathname, err)
		return &Response{Type: RequestTypeCopyOut, CopyOut: &CopyOutResponse{Success: false}}
	}
	return &Response{Type: RequestTypeCopyOut, CopyOut: &CopyOutResponse{Success: true, Content: content}}
}

// exitStatus extracts a child process's exit code from the error returned
// by exec.Cmd.Run, following the standard os/exec ExitError pattern; a nil
// error means exit status 0.
func exitStatus(err error) int32 {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return int32(exitErr.ExitCode())
	}
	return -1
}
