// Package pump runs functions one after another on a single goroutine that is pinned to an OS thread.
//
// Storage engines with thread-affine sessions require every call on a session to come from the
// same thread. The pump provides that: producers Invoke functions from any goroutine and wait for
// the returned Future, the pump executes them in submission order.
package pump

import (
	"context"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pump")

// DefaultQueueSize is used if New is called with a size <= 0.
const DefaultQueueSize = 128

// ErrStopped is returned by futures of items that were submitted after Stop or cancelled by it.
var ErrStopped = errors.New("pump stopped")

// --------------------------------------------------------------------------
// Future
// --------------------------------------------------------------------------

// Future is the result of one invoked function.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Wait blocks until the function ran or ctx is done.
// If ctx is done first, the function may still run; only the wait is abandoned.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// --------------------------------------------------------------------------
// Pump
// --------------------------------------------------------------------------

type item struct {
	fn     func() (any, error)
	future *Future
}

// Pump is a bounded queue with exactly one consumer goroutine.
type Pump struct {
	queue chan item

	mu      sync.Mutex
	started bool
	stopped bool
	senders sync.WaitGroup // producers between the stopped check and the enqueue

	quit     chan struct{}
	finished chan struct{}
}

// New creates a pump whose queue holds up to queueSize pending items.
func New(queueSize int) *Pump {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pump{
		queue:    make(chan item, queueSize),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Calling Start more than once has no effect.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.run()
	log.Debugf("pump started (queue=%d)", cap(p.queue))
}

func (p *Pump) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.finished)

	for {
		select {
		case <-p.quit:
			return
		case it := <-p.queue:
			select {
			case <-p.quit:
				// stopped while waiting, Stop cancels the rest
				it.future.resolve(nil, ErrStopped)
				return
			default:
			}
			it.future.resolve(execute(it.fn))
		}
	}
}

// execute runs fn and turns a panic into an error, so one bad item does not kill the pump.
func execute(fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("pump: item panicked: %v", r)
			log.Errorf("%v", err)
		}
	}()
	return fn()
}

// Invoke submits fn and returns its future. Invoke blocks while the queue is full.
// After Stop the returned future has already failed with ErrStopped.
func (p *Pump) Invoke(ctx context.Context, fn func() (any, error)) *Future {
	f := newFuture()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		f.resolve(nil, ErrStopped)
		return f
	}
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	select {
	case p.queue <- item{fn: fn, future: f}:
	case <-p.quit:
		f.resolve(nil, ErrStopped)
	case <-ctx.Done():
		f.resolve(nil, ctx.Err())
	}
	return f
}

// Do invokes fn and waits for its result.
func (p *Pump) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	return p.Invoke(ctx, fn).Wait(ctx)
}

// Len returns the number of pending items.
func (p *Pump) Len() int { return len(p.queue) }

// Stop stops intake, cancels all pending items and waits until the running item finished.
// Calling Stop more than once has no effect.
func (p *Pump) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.quit)
	p.mu.Unlock()

	p.senders.Wait()
	if started {
		<-p.finished
	}

	n := 0
	for {
		select {
		case it := <-p.queue:
			it.future.resolve(nil, ErrStopped)
			n++
		default:
			log.Debugf("pump stopped, %d pending item(s) cancelled", n)
			return
		}
	}
}
