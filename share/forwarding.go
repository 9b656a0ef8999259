package ffshare

import (
	"io"
	"sync"

	"github.com/jpillora/sizestr"
)

// Bridge copies bytes in both directions between two connections until both
// directions have reached EOF, then closes both sides. It is the proxy's
// entire forwarding engine: the proxy never looks at the bytes
// it moves, it just couples one worker-side connection to one
// controller-side connection at the byte level.
//
// The two ends are already-paired countingConn values, so the byte totals
// come for free.
func Bridge(logger Logger, worker, controller *countingConn) (workerToController, controllerToWorker int64, err error) {
	var wg sync.WaitGroup
	wg.Add(2)
	var errW, errC error

	copyDir := func(dst, src *countingConn, n *int64, errOut *error) {
		defer wg.Done()
		*n, *errOut = io.Copy(dst, src)
		dst.CloseWrite()
	}
	go copyDir(controller, worker, &workerToController, &errW)
	go copyDir(worker, controller, &controllerToWorker, &errC)
	wg.Wait()

	worker.Close()
	controller.Close()

	err = errW
	if err == nil {
		err = errC
	}
	logger.DLogf("bridge done: worker->controller %s, controller->worker %s",
		sizestr.ToString(workerToController), sizestr.ToString(controllerToWorker))
	return workerToController, controllerToWorker, err
}
