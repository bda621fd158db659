package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Submit once the pool stopped accepting work
var ErrPoolClosed = errors.New("worker pool shut down")

func entryOrDefault(log *logrus.Entry) *logrus.Entry {
	if log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return log
}

// recoverTask converts a panic in the current goroutine into an error and
// logs the stack. It must be deferred directly.
func recoverTask(log *logrus.Entry, err *error) {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("panic in task: %v", r)
		*err = fmt.Errorf("panic: %v", r)
	}
}

func runTask(ctx context.Context, log *logrus.Entry, fn func(context.Context) error) (err error) {
	defer recoverTask(log, &err)
	return fn(ctx)
}

// SafeGo runs fn in a goroutine that survives panics and logs returned
// errors. A positive timeout bounds the task; zero runs it until parentCtx ends.
func SafeGo(parentCtx context.Context, log *logrus.Entry, timeout time.Duration, taskName string, fn func(context.Context) error) {
	log = entryOrDefault(log).WithField("task", taskName)
	go func() {
		ctx := parentCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
			defer cancel()
		}

		if err := runTask(ctx, log, fn); err != nil {
			log.WithError(err).Warn("background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of goroutines, each task
// under its own timeout. Every task error, panics included, is kept and
// returned by Errors after Wait.
type WorkerPool struct {
	log     *logrus.Entry
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc

	tasks chan func(context.Context) error
	done  chan struct{}

	// sendMu orders Submit against close; errMu guards errs. They are
	// separate so a blocked Submit never stalls a worker reporting an error.
	sendMu sync.Mutex
	closed bool
	errMu  sync.Mutex
	errs   []error
}

// NewWorkerPool starts workers goroutines (at least one)
func NewWorkerPool(ctx context.Context, log *logrus.Entry, workers int, taskName string, timeout time.Duration) *WorkerPool {
	workers = max(workers, 1)
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		log:     entryOrDefault(log).WithField("pool", taskName),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(chan func(context.Context) error, workers),
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			p.work()
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return p
}

func (p *WorkerPool) work() {
	for fn := range p.tasks {
		if p.ctx.Err() != nil {
			p.record(p.ctx.Err())
			continue
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		err := runTask(ctx, p.log, fn)
		cancel()
		if err != nil {
			p.record(err)
		}
	}
}

func (p *WorkerPool) record(err error) {
	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
}

// Submit queues fn, blocking while every worker is busy
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- fn:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *WorkerPool) close() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
}

// Wait stops accepting tasks and blocks until every queued task has run
func (p *WorkerPool) Wait() {
	p.close()
	<-p.done
	p.cancel()
}

// Shutdown is Wait bounded by timeout. Tasks still running at the deadline
// have their contexts cancelled and queued tasks are skipped.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.close()
	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

// Errors returns a copy of the errors recorded so far
func (p *WorkerPool) Errors() []error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return append([]error(nil), p.errs...)
}

// Batch applies fn to every item on a pool of workers and returns every
// error, in completion order
func Batch[T any](ctx context.Context, log *logrus.Entry, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, log, workers, taskName, timeout)
	for _, item := range items {
		if err := pool.Submit(func(ctx context.Context) error { return fn(ctx, item) }); err != nil {
			pool.Wait()
			return append(pool.Errors(), err)
		}
	}
	pool.Wait()
	return pool.Errors()
}
