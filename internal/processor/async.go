package processor

import (
	"context"
	"sync"
)

// AsyncProcessor runs another processor on a dedicated worker goroutine that
// lives until Close. Process hands the work over and returns once the worker
// has started it; WaitUntilDone is the join point.
type AsyncProcessor struct {
	inner Processor

	reqs      chan asyncRequest
	quit      chan struct{}
	closeOnce sync.Once
	workerWG  sync.WaitGroup

	mu        sync.Mutex
	idle      *sync.Cond
	inFlight  int
	lastErr   error
	callbacks []DoneFunc
}

type asyncRequest struct {
	ctx     context.Context
	force   bool
	started chan struct{}
}

// NewAsync wraps p and starts its worker.
func NewAsync(p Processor) *AsyncProcessor {
	a := &AsyncProcessor{
		inner: p,
		reqs:  make(chan asyncRequest),
		quit:  make(chan struct{}),
	}
	a.idle = sync.NewCond(&a.mu)
	a.workerWG.Add(1)
	go a.worker()
	return a
}

func (a *AsyncProcessor) worker() {
	defer a.workerWG.Done()
	for {
		select {
		case <-a.quit:
			return
		case req := <-a.reqs:
			close(req.started)
			err := a.inner.Process(req.ctx, req.force)

			a.mu.Lock()
			a.lastErr = err
			callbacks := append([]DoneFunc(nil), a.callbacks...)
			a.mu.Unlock()
			for _, cb := range callbacks {
				cb(err == nil)
			}

			a.mu.Lock()
			a.inFlight--
			a.idle.Broadcast()
			a.mu.Unlock()
		}
	}
}

// Process queues one run of the wrapped processor and waits until the worker
// has started it. If the worker is still busy with an earlier run, Process
// waits for it to become free first.
func (a *AsyncProcessor) Process(ctx context.Context, force bool) error {
	if !a.inner.Enabled() {
		return nil
	}
	req := asyncRequest{ctx: ctx, force: force, started: make(chan struct{})}

	a.mu.Lock()
	a.inFlight++
	a.mu.Unlock()

	select {
	case a.reqs <- req:
	case <-ctx.Done():
		a.abandon()
		return ctx.Err()
	case <-a.quit:
		a.abandon()
		return ErrClosed
	}
	<-req.started
	return nil
}

func (a *AsyncProcessor) abandon() {
	a.mu.Lock()
	a.inFlight--
	a.idle.Broadcast()
	a.mu.Unlock()
}

// WaitUntilDone blocks until the worker is idle and returns the result of the
// last run.
func (a *AsyncProcessor) WaitUntilDone() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.inFlight > 0 {
		a.idle.Wait()
	}
	return a.lastErr
}

// Close stops the worker after any run in progress finishes.
func (a *AsyncProcessor) Close() error {
	a.closeOnce.Do(func() { close(a.quit) })
	a.workerWG.Wait()
	return nil
}

// Processor returns the wrapped processor.
func (a *AsyncProcessor) Processor() Processor { return a.inner }

// Kind reports KindAsync.
func (a *AsyncProcessor) Kind() Kind { return KindAsync }

// ID returns the wrapped processor's id.
func (a *AsyncProcessor) ID() string { return a.inner.ID() }

func (a *AsyncProcessor) Enabled() bool           { return a.inner.Enabled() }
func (a *AsyncProcessor) SetEnabled(enabled bool) { a.inner.SetEnabled(enabled) }

// IgnoreFail has no effect on asynchronous runs but is forwarded so a chain
// can report it.
func (a *AsyncProcessor) IgnoreFail() bool          { return a.inner.IgnoreFail() }
func (a *AsyncProcessor) SetIgnoreFail(ignore bool) { a.inner.SetIgnoreFail(ignore) }

func (a *AsyncProcessor) SetRunningDirectory(dir string) error {
	return a.inner.SetRunningDirectory(dir)
}
func (a *AsyncProcessor) RunningDirectory() string { return a.inner.RunningDirectory() }
func (a *AsyncProcessor) SetInputDirectory(dir string) error {
	return a.inner.SetInputDirectory(dir)
}
func (a *AsyncProcessor) InputDirectory() string { return a.inner.InputDirectory() }
func (a *AsyncProcessor) SetOutputDirectory(dir string) error {
	return a.inner.SetOutputDirectory(dir)
}
func (a *AsyncProcessor) OutputDirectory() string { return a.inner.OutputDirectory() }

// Configuration returns the wrapped processor's configuration.
func (a *AsyncProcessor) Configuration() *Configuration { return a.inner.Configuration() }

// RegisterDoneCallback adds a callback fired by the worker after each run.
func (a *AsyncProcessor) RegisterDoneCallback(fn DoneFunc) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.callbacks = append(a.callbacks, fn)
	a.mu.Unlock()
}
