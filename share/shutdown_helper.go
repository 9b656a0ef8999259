package ffshare

import (
	"context"
	"sync"
)

// OnceShutdownHandler is implemented by an object managed by a
// ShutdownHelper. HandleOnceShutdown is called exactly once, in its own
// goroutine, when shutdown begins; it should release the object's resources
// and return the final completion status, taking completionErr as advisory.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// ShutdownHelper manages one-time asynchronous shutdown for a long-lived
// object. Embed it, initialize with InitShutdownHelper, and the
// object gains StartShutdown/WaitShutdown/Close plus the channels its own
// loops need to notice shutdown has begun.
type ShutdownHelper struct {
	Logger

	// Lock guards the state flags below; embedding objects may use it for
	// their own fine-grained state as well.
	Lock sync.Mutex

	handler OnceShutdownHandler

	isStartedShutdown bool
	isDoneShutdown    bool
	shutdownErr       error

	shutdownStartedChan chan struct{}
	shutdownDoneChan    chan struct{}

	// wg delays completion of shutdown until every registered child chan
	// has closed.
	wg sync.WaitGroup
}

// InitShutdownHelper initializes an embedded ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// StartShutdown schedules asynchronous shutdown. Only the first call has
// any effect; completionErr is an advisory completion status that
// HandleOnceShutdown may override.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	if h.isStartedShutdown {
		h.Lock.Unlock()
		return
	}
	h.isStartedShutdown = true
	h.shutdownErr = completionErr
	h.Lock.Unlock()

	h.DLogf("shutdown started")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.handler.HandleOnceShutdown(h.shutdownErr)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.DLogf("shutdown done")
		close(h.shutdownDoneChan)
	}()
}

// ShutdownOnContext constrains the object's lifetime to ctx: when ctx is
// cancelled, shutdown starts with ctx's error. Does not block.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// ShutdownStartedChan returns a chan closed as soon as shutdown begins.
// Loops inside the embedding object select on this to exit.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a chan closed once shutdown is fully complete.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// IsStartedShutdown reports whether shutdown has begun.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown reports whether shutdown has fully completed.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// WaitShutdown blocks until shutdown completes and returns the final
// completion status. It does not initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown initiates shutdown if necessary, waits for it to complete, and
// returns the final completion status.
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close shuts down with a nil advisory status, satisfying io.Closer.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChildChan registers a chan that must close before this
// object's shutdown is considered complete. The helper does nothing to
// cause the close; the embedding object's own goroutine does that on exit.
func (h *ShutdownHelper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}
