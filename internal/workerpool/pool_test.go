package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_SubmitAndWait(t *testing.T) {
	p := New(2)
	defer p.Shutdown()

	h, err := p.Submit(func() (any, error) { return 42, nil })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := h.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.(int) != 42 {
		t.Fatalf("expected 42, got %v", res)
	}
}

func TestPool_TaskErrorDoesNotAbortPool(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	h1, _ := p.Submit(func() (any, error) { return nil, errors.New("boom") })
	if _, err := h1.Wait(); err == nil {
		t.Fatal("expected error from failing task")
	}

	h2, _ := p.Submit(func() (any, error) { return "ok", nil })
	res, err := h2.Wait()
	if err != nil || res.(string) != "ok" {
		t.Fatalf("pool should keep running after a task error, got res=%v err=%v", res, err)
	}
}

func TestPool_WaitIdle(t *testing.T) {
	p := New(4)
	defer p.Shutdown()

	var completed atomic.Int64
	const k = 50
	for i := 0; i < k; i++ {
		_, err := p.Submit(func() (any, error) {
			time.Sleep(time.Millisecond)
			completed.Add(1)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	p.WaitIdle()

	if got := completed.Load(); got != k {
		t.Fatalf("expected %d completed tasks, got %d", k, got)
	}
	if p.QueueLen() != 0 || p.ActiveCount() != 0 {
		t.Fatalf("expected idle pool, queue=%d active=%d", p.QueueLen(), p.ActiveCount())
	}
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New(1)
	p.Shutdown()
	p.WaitIdle()

	if _, err := p.Submit(func() (any, error) { return nil, nil }); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestPool_ResizeShrinksAndGrows(t *testing.T) {
	p := New(4)
	defer p.Shutdown()

	p.Resize(1)
	p.Resize(3)

	// After resize, submitted tasks must still all complete.
	var completed atomic.Int64
	for i := 0; i < 10; i++ {
		_, err := p.Submit(func() (any, error) {
			completed.Add(1)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	p.WaitIdle()
	if got := completed.Load(); got != 10 {
		t.Fatalf("expected 10 completed, got %d", got)
	}
}

func TestPool_WorkersReflectsResize(t *testing.T) {
	p := New(4)
	defer p.Shutdown()

	if got := p.Workers(); got != 4 {
		t.Fatalf("expected 4 workers, got %d", got)
	}
	p.Resize(2)
	if got := p.Workers(); got != 2 {
		t.Fatalf("expected 2 workers after shrink, got %d", got)
	}
}

func TestPool_SubmissionOrderIsFIFO(t *testing.T) {
	p := New(1) // single worker: completion order == start order
	defer p.Shutdown()

	var order []int
	handles := make([]*Handle, 5)
	for i := 0; i < 5; i++ {
		i := i
		h, _ := p.Submit(func() (any, error) {
			order = append(order, i)
			return nil, nil
		})
		handles[i] = h
	}
	for _, h := range handles {
		h.Wait()
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}
