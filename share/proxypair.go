package ffshare

import (
	"context"
	"net"
)

// ProxyPair couples one worker-side connection to one controller-side
// connection. It is named distinctly from the controller-side
// Connection state machine in connection.go even though both wrap a single
// logical link, to keep the two roles from colliding in this package.
// Each pair gets its own goroutine pair via Bridge, so no scratch buffer
// is ever shared between pairs.
type ProxyPair struct {
	Worker     *countingConn
	Controller *countingConn
}

// RunProxy listens on workerListen for worker connections and on
// controllerListen for controller connections, pairing them FIFO: a
// connection arriving on one side is matched against the oldest unmatched
// connection waiting on the other side, or parked to wait for one if none
// is available. Each completed pair is bridged byte-for-byte by Bridge: an
// EOF from one side is passed on to the other as a write-half close, and
// both sockets are closed once both directions have ended; an EOF on one
// side does not by itself close the pair. Pairing is FIFO within each
// side: two channels feed a
// single pairing goroutine that owns both waiting lists.
func RunProxy(ctx context.Context, logger Logger, workerListen, controllerListen net.Listener) error {
	workers := make(chan net.Conn)
	controllers := make(chan net.Conn)
	errs := make(chan error, 2)

	go acceptLoop(ctx, logger, workerListen, workers, errs)
	go acceptLoop(ctx, logger, controllerListen, controllers, errs)

	var waitingWorkers []net.Conn
	var waitingControllers []net.Conn

	for {
		select {
		case <-ctx.Done():
			for _, c := range waitingWorkers {
				c.Close()
			}
			for _, c := range waitingControllers {
				c.Close()
			}
			return ctx.Err()

		case err := <-errs:
			return err

		case w := <-workers:
			if len(waitingControllers) > 0 {
				c := waitingControllers[0]
				waitingControllers = waitingControllers[1:]
				pair := ProxyPair{Worker: newCountingConn(w), Controller: newCountingConn(c)}
				logger.ILogf("proxy: paired worker %s with controller %s", pair.Worker.ID, pair.Controller.ID)
				go runPair(logger, pair)
			} else {
				waitingWorkers = append(waitingWorkers, w)
			}

		case c := <-controllers:
			if len(waitingWorkers) > 0 {
				w := waitingWorkers[0]
				waitingWorkers = waitingWorkers[1:]
				pair := ProxyPair{Worker: newCountingConn(w), Controller: newCountingConn(c)}
				logger.ILogf("proxy: paired worker %s with controller %s", pair.Worker.ID, pair.Controller.ID)
				go runPair(logger, pair)
			} else {
				waitingControllers = append(waitingControllers, c)
			}
		}
	}
}

func acceptLoop(ctx context.Context, logger Logger, l net.Listener, out chan<- net.Conn, errs chan<- error) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			errs <- err
			return
		}
		select {
		case out <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func runPair(logger Logger, pair ProxyPair) {
	pairLogger := logger.Fork("pair[%s/%s]", pair.Worker.ID, pair.Controller.ID)
	_, _, err := Bridge(pairLogger, pair.Worker, pair.Controller)
	if err != nil {
		pairLogger.DLogf("closed: %v", err)
	}
}
