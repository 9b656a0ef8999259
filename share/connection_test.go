package ffshare

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prep/socketpair"
)

func testLogger() Logger {
	return NewLogger("test", LogLevelError)
}

// runFakeWorker serves conn using the real worker request handlers
// (worker.go) until conn is closed or the peer disconnects, mirroring what
// a real worker process does on the other end of the wire. Using the
// production handler exercises the actual protocol dispatch instead of a
// bespoke mock.
func runFakeWorker(t *testing.T, conn net.Conn, password string) {
	t.Helper()
	err := serveWorkerConnection(context.Background(), testLogger(), conn, password)
	if err != nil && !isGracefulDisconnect(err) {
		t.Errorf("fake worker: unexpected error: %v", err)
	}
}

// Single-worker happy path through welcome, non-frame copy-in, and two
// frames of execute/per-frame copy-out. The job has no per-frame copy-in
// and no non-frame copy-out.
func TestConnectionHappyPath(t *testing.T) {
	dir := t.TempDir()

	writeFile := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile %s: %v", path, err)
		}
		return path
	}

	sharedSrc := writeFile("shared.txt", "shared-payload")
	job := &JobSpec{
		Executable: "./job",
		Arguments:  []string{"-f", "%d"},
		InCopies: []FileCopy{
			{Source: sharedSrc, Destination: "shared.txt"},
		},
		OutCopies: []FileCopy{
			{Source: "out-%d.png", Destination: filepath.Join(dir, "result-%d.png")},
		},
	}

	workerConn, controllerConn, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New: %v", err)
	}
	defer workerConn.Close()
	defer controllerConn.Close()

	// The fake worker answers COPY_OUT requests with synthetic content
	// keyed by pathname, since there's no real filesystem content to
	// "read" for a frame-templated path on the worker side in this test.
	go func() {
		for {
			req, err := ReadRequest(workerConn)
			if err != nil {
				return
			}
			var resp *Response
			switch req.Type {
			case RequestTypeWelcome:
				resp = &Response{Type: RequestTypeWelcome, Welcome: &WelcomeResponse{Hostname: "fake-host", CoreCount: 4, Accepted: true}}
			case RequestTypeCopyIn:
				resp = &Response{Type: RequestTypeCopyIn, CopyIn: &CopyInResponse{Success: true}}
			case RequestTypeExecute:
				resp = &Response{Type: RequestTypeExecute, Execute: &ExecuteResponse{Status: 0}}
			case RequestTypeCopyOut:
				resp = &Response{Type: RequestTypeCopyOut, CopyOut: &CopyOutResponse{
					Success: true,
					Content: []byte("content-for-" + req.CopyOut.Pathname),
				}}
			}
			if err := WriteResponse(workerConn, resp); err != nil {
				return
			}
		}
	}()

	frames := []int{1, 2}
	idx := 0
	var idleCount int
	conn := NewConnection(testLogger(), controllerConn, job)
	conn.NextFrame = func() int {
		idleCount++
		if idx >= len(frames) {
			return -1
		}
		f := frames[idx]
		idx++
		return f
	}
	var doneFrames []int
	conn.OnFrameDone = func(frame int, err error) {
		if err != nil {
			t.Errorf("frame %d: unexpected error: %v", frame, err)
		}
		doneFrames = append(doneFrames, frame)
	}

	if err := conn.Run(); err != nil {
		t.Fatalf("Connection.Run: %v", err)
	}

	if conn.Hostname != "fake-host" || conn.CoreCount != 4 {
		t.Errorf("welcome fields not captured: hostname=%q cores=%d", conn.Hostname, conn.CoreCount)
	}

	// The idle state is entered exactly once between per-frame cycles,
	// i.e. NextFrame is called once per frame plus once to learn there is
	// no more work.
	if idleCount != len(frames)+1 {
		t.Errorf("NextFrame called %d times, want %d", idleCount, len(frames)+1)
	}

	if len(doneFrames) != 2 || doneFrames[0] != 1 || doneFrames[1] != 2 {
		t.Errorf("OnFrameDone sequence = %v, want [1 2]", doneFrames)
	}

	for _, f := range frames {
		want := "content-for-out-" + strconv.Itoa(f) + ".png"
		got, err := os.ReadFile(filepath.Join(dir, "result-"+strconv.Itoa(f)+".png"))
		if err != nil {
			t.Fatalf("ReadFile result-%d.png: %v", f, err)
		}
		if string(got) != want {
			t.Errorf("result-%d.png = %q, want %q", f, got, want)
		}
	}
}

// Non-zero exit status and copy failures are logical failures:
// they must not fail the connection or prevent the frame from completing.
func TestConnectionLogicalFailuresDoNotFailConnection(t *testing.T) {
	dir := t.TempDir()
	job := &JobSpec{
		Executable: "./job",
		OutCopies: []FileCopy{
			{Source: "out.png", Destination: filepath.Join(dir, "result-%d.png")},
		},
	}

	workerConn, controllerConn, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New: %v", err)
	}
	defer workerConn.Close()
	defer controllerConn.Close()

	go func() {
		for {
			req, err := ReadRequest(workerConn)
			if err != nil {
				return
			}
			var resp *Response
			switch req.Type {
			case RequestTypeWelcome:
				resp = &Response{Type: RequestTypeWelcome, Welcome: &WelcomeResponse{Hostname: "h", Accepted: true}}
			case RequestTypeExecute:
				resp = &Response{Type: RequestTypeExecute, Execute: &ExecuteResponse{Status: 17}}
			case RequestTypeCopyOut:
				resp = &Response{Type: RequestTypeCopyOut, CopyOut: &CopyOutResponse{Success: false}}
			}
			if err := WriteResponse(workerConn, resp); err != nil {
				return
			}
		}
	}()

	conn := NewConnection(testLogger(), controllerConn, job)
	frames := []int{9}
	idx := 0
	conn.NextFrame = func() int {
		if idx >= len(frames) {
			return -1
		}
		f := frames[idx]
		idx++
		return f
	}
	var frameErr error
	conn.OnFrameDone = func(frame int, err error) { frameErr = err }

	if err := conn.Run(); err != nil {
		t.Fatalf("Connection.Run: %v (logical failures must not fail the connection)", err)
	}
	if frameErr != nil {
		t.Errorf("OnFrameDone err = %v, want nil (logical failure is not requeued)", frameErr)
	}
}

// TestConnectionAgainstRealWorker runs the full Connection state machine
// against the production worker-side handlers (worker.go) instead of a
// scripted mock, exercising the real exec.Command dispatch and filesystem
// copy-in/copy-out paths end to end.
func TestConnectionAgainstRealWorker(t *testing.T) {
	dir := t.TempDir()

	// Uses only shell builtins (read/printf) so the job runs anywhere
	// /bin/sh exists.
	script := filepath.Join(dir, "job.sh")
	scriptBody := "#!/bin/sh\nIFS= read -r content < in.txt\nprintf '%s' \"$content\" > out-$1.txt\n"
	if err := os.WriteFile(script, []byte(scriptBody), 0755); err != nil {
		t.Fatalf("WriteFile script: %v", err)
	}

	inputSrc := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(inputSrc, []byte("worker-input"), 0644); err != nil {
		t.Fatalf("WriteFile input: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(cwd)

	job := &JobSpec{
		Executable: "./job.sh",
		Arguments:  []string{"%d"},
		InCopies:   []FileCopy{{Source: inputSrc, Destination: "in.txt"}},
		OutCopies:  []FileCopy{{Source: "out-%d.txt", Destination: filepath.Join(dir, "collected-%d.txt")}},
		Password:   "secret",
	}

	workerConn, controllerConn, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New: %v", err)
	}
	defer workerConn.Close()
	defer controllerConn.Close()

	go runFakeWorker(t, workerConn, "secret")

	conn := NewConnection(testLogger(), controllerConn, job)
	frames := []int{3}
	idx := 0
	conn.NextFrame = func() int {
		if idx >= len(frames) {
			return -1
		}
		f := frames[idx]
		idx++
		return f
	}
	var frameErr error
	conn.OnFrameDone = func(frame int, err error) { frameErr = err }

	if err := conn.Run(); err != nil {
		t.Fatalf("Connection.Run: %v", err)
	}
	if frameErr != nil {
		t.Fatalf("frame error: %v", frameErr)
	}
	if conn.Hostname == "" {
		t.Error("expected Hostname to be populated from the real worker's WELCOME response")
	}

	got, err := os.ReadFile(filepath.Join(dir, "collected-3.txt"))
	if err != nil {
		t.Fatalf("ReadFile collected-3.txt: %v", err)
	}
	if string(got) != "worker-input" {
		t.Errorf("collected-3.txt = %q, want %q", got, "worker-input")
	}
}

// Response validation: a mismatched request_type fails the
// connection, not the whole controller.
func TestConnectionRejectsMismatchedResponseType(t *testing.T) {
	job := &JobSpec{Executable: "./job"}

	workerConn, controllerConn, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New: %v", err)
	}
	defer workerConn.Close()
	defer controllerConn.Close()

	go func() {
		req, err := ReadRequest(workerConn)
		if err != nil {
			return
		}
		if req.Type != RequestTypeWelcome {
			return
		}
		// Reply with the wrong request_type on purpose.
		WriteResponse(workerConn, &Response{Type: RequestTypeCopyIn, CopyIn: &CopyInResponse{Success: true}})
	}()

	conn := NewConnection(testLogger(), controllerConn, job)
	conn.NextFrame = func() int { return -1 }

	err = conn.Run()
	if err == nil {
		t.Fatal("expected protocol mismatch error")
	}
	if !isConnectionScopedFailure(err) {
		t.Errorf("mismatch error %v should be connection-scoped, not fatal", err)
	}
}
