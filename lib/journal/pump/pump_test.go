package pump

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestInvokeOrder(t *testing.T) {
	p := New(0)
	p.Start()
	defer p.Stop()

	var order []int
	futures := make([]*Future, 0, 100)
	for i := 0; i < 100; i++ {
		i := i
		futures = append(futures, p.Invoke(context.Background(), func() (any, error) {
			order = append(order, i) // single consumer, no lock needed
			return i * 2, nil
		}))
	}
	for i, f := range futures {
		v, err := f.Wait(context.Background())
		if err != nil {
			t.Fatalf("Item %d failed: %v", i, err)
		}
		if v.(int) != i*2 {
			t.Errorf("Item %d returned %v", i, v)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("Items ran out of order: %v", order[:i+1])
		}
	}
}

func TestSingleConsumer(t *testing.T) {
	p := New(8)
	p.Start()
	defer p.Stop()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Do(context.Background(), func() (any, error) {
				n := running.Add(1)
				if n > maxRunning.Load() {
					maxRunning.Store(n)
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil, nil
			})
			if err != nil {
				t.Errorf("Do failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxRunning.Load() != 1 {
		t.Errorf("Expected exactly one item at a time, got %d", maxRunning.Load())
	}
}

func TestErrorsAndPanics(t *testing.T) {
	p := New(4)
	p.Start()
	defer p.Stop()

	sentinel := errors.New("failed")
	if _, err := p.Do(context.Background(), func() (any, error) { return nil, sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("Do = %v, want %v", err, sentinel)
	}
	if _, err := p.Do(context.Background(), func() (any, error) { panic("boom") }); err == nil {
		t.Errorf("A panicking item should fail its future")
	}
	// the pump survives
	if v, err := p.Do(context.Background(), func() (any, error) { return "ok", nil }); err != nil || v != "ok" {
		t.Errorf("Do after panic = (%v, %v)", v, err)
	}
}

func TestStop(t *testing.T) {
	p := New(16)
	p.Start()

	block := make(chan struct{})
	started := make(chan struct{})
	running := p.Invoke(context.Background(), func() (any, error) {
		close(started)
		<-block
		return "done", nil
	})
	<-started

	pending := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		pending = append(pending, p.Invoke(context.Background(), func() (any, error) {
			t.Errorf("Pending item should not run after Stop")
			return nil, nil
		}))
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop should wait for the running item")
	case <-time.After(20 * time.Millisecond):
	}
	close(block)
	<-stopped

	if v, err := running.Wait(context.Background()); err != nil || v != "done" {
		t.Errorf("Running item = (%v, %v), want done", v, err)
	}
	for i, f := range pending {
		if _, err := f.Wait(context.Background()); !errors.Is(err, ErrStopped) {
			t.Errorf("Pending item %d = %v, want ErrStopped", i, err)
		}
	}
	if _, err := p.Do(context.Background(), func() (any, error) { return nil, nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Invoke after Stop = %v, want ErrStopped", err)
	}
	p.Stop()
}

func TestBlockedProducer(t *testing.T) {
	p := New(1)
	// not started: the queue fills up
	first := p.Invoke(context.Background(), func() (any, error) { return nil, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Invoke(ctx, func() (any, error) { return nil, nil }).Wait(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Invoke on a full queue = %v, want DeadlineExceeded", err)
	}

	blocked := make(chan *Future)
	go func() {
		blocked <- p.Invoke(context.Background(), func() (any, error) { return nil, nil })
	}()
	time.Sleep(5 * time.Millisecond)
	p.Stop()

	if _, err := (<-blocked).Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Blocked producer = %v, want ErrStopped", err)
	}
	if _, err := first.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Queued item = %v, want ErrStopped", err)
	}
}

func TestWaitContext(t *testing.T) {
	p := New(1)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	f := p.Invoke(context.Background(), func() (any, error) {
		<-block
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want Canceled", err)
	}
	close(block)
	<-f.Done()
}
