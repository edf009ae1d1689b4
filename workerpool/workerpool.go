// Package workerpool runs the long-lived background workers (LocalMapping,
// LoopClosing, the publisher/dispatcher loops) as stoppable goroutines with
// a cooperative pause/resume handshake.
package workerpool

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// Worker is a single long-lived background goroutine. Stop cancels its
// context and waits for it to return. Pause/Resume implement the
// cooperative handshake LocalMapping uses when LoopClosing needs exclusive
// access: the worker drains whatever it is doing, then blocks until
// resumed.
type Worker struct {
	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
	wg         sync.WaitGroup

	pauseMu      sync.Mutex
	pauseCh      chan struct{}
	pauseAckCh   chan struct{}
	paused       bool
	pauseWaiting bool
}

// Run starts f in a new goroutine and returns a Worker handle for it. f
// should loop on ctx.Done() and call w.CheckPause(ctx) at a safe checkpoint.
func Run(f func(ctx context.Context, w *Worker)) *Worker {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	w := &Worker{
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		pauseCh:    make(chan struct{}, 1),
		pauseAckCh: make(chan struct{}, 1),
	}
	w.wg.Add(1)
	goutils.PanicCapturingGo(func() {
		defer w.wg.Done()
		f(cancelCtx, w)
	})
	return w
}

// Stop cancels the worker's context and waits for it to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.cancelFunc()
	w.mu.Unlock()
	w.wg.Wait()
}

// Context returns the worker's cancelation context.
func (w *Worker) Context() context.Context {
	return w.cancelCtx
}

// RequestPause asks the worker to pause at its next safe checkpoint and
// blocks until the worker acknowledges. It is a no-op if the worker has
// already stopped.
func (w *Worker) RequestPause() {
	w.pauseMu.Lock()
	if w.paused {
		w.pauseMu.Unlock()
		return
	}
	w.pauseWaiting = true
	w.pauseMu.Unlock()

	select {
	case w.pauseCh <- struct{}{}:
	default:
	}

	select {
	case <-w.pauseAckCh:
		w.pauseMu.Lock()
		w.paused = true
		w.pauseWaiting = false
		w.pauseMu.Unlock()
	case <-w.cancelCtx.Done():
	}
}

// Resume releases a paused worker.
func (w *Worker) Resume() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	if !w.paused {
		return
	}
	w.paused = false
	select {
	case w.pauseCh <- struct{}{}:
	default:
	}
}

// CheckPause is called by the worker loop at a safe checkpoint (after
// draining the item in flight). If a pause was requested it acknowledges
// and blocks until Resume is called or ctx is canceled.
func (w *Worker) CheckPause(ctx context.Context) {
	w.pauseMu.Lock()
	waiting := w.pauseWaiting
	w.pauseMu.Unlock()
	if !waiting {
		return
	}

	select {
	case w.pauseAckCh <- struct{}{}:
	default:
	}

	select {
	case <-w.pauseCh:
	case <-ctx.Done():
	}
}

// GetPauseRequested reports whether a pause has been requested but not yet
// acknowledged; used by callers that want a non-blocking check.
func (w *Worker) GetPauseRequested() bool {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	return w.pauseWaiting
}
