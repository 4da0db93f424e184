package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"metexplorer.io/met/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestNewPool_InvalidSize(t *testing.T) {
	if _, err := NewPool("bad", 0); err == nil {
		t.Fatal("NewPool(size=0) error = nil, want error")
	}
}

func TestPool_Submit(t *testing.T) {
	pool, err := NewPool("federations", 2)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Release(time.Second)

	var executed atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	err = pool.Submit(context.Background(), func(ctx context.Context) {
		executed.Store(true)
		wg.Done()
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	wg.Wait()
	if !executed.Load() {
		t.Error("task was not executed")
	}
}

func TestPool_Submit_CancelledContext(t *testing.T) {
	pool, err := NewPool("federations", 1)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Release(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pool.Submit(ctx, func(ctx context.Context) {
		t.Error("task should not execute with cancelled context")
	})
	if err != context.Canceled {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
}

func TestPool_Submit_Closed(t *testing.T) {
	pool, err := NewPool("federations", 1)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	pool.Release(time.Second)

	err = pool.Submit(context.Background(), func(ctx context.Context) {})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit() after Release error = %v, want ErrPoolClosed", err)
	}
}

func TestPool_Each(t *testing.T) {
	pool, err := NewPool("federations", 3)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Release(time.Second)

	var sum atomic.Int64
	pool.Each(context.Background(), 10, func(ctx context.Context, i int) {
		sum.Add(int64(i))
	}, func(i int, err error) {
		t.Errorf("index %d skipped: %v", i, err)
	})

	if sum.Load() != 45 {
		t.Errorf("sum = %d, want 45", sum.Load())
	}
}

func TestPool_Each_PanicDoesNotBlock(t *testing.T) {
	pool, err := NewPool("federations", 2)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Release(time.Second)

	var ran atomic.Int32
	pool.Each(context.Background(), 4, func(ctx context.Context, i int) {
		ran.Add(1)
		if i == 1 {
			panic("boom")
		}
	}, nil)

	if ran.Load() != 4 {
		t.Errorf("ran = %d, want 4", ran.Load())
	}
}

func TestPool_Each_CancelledContext(t *testing.T) {
	pool, err := NewPool("federations", 1)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Release(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var skipped atomic.Int32
	pool.Each(ctx, 3, func(ctx context.Context, i int) {
		t.Error("fn should not run with cancelled context")
	}, func(i int, err error) {
		skipped.Add(1)
	})

	if skipped.Load() != 3 {
		t.Errorf("skipped = %d, want 3", skipped.Load())
	}
}

func TestPool_Stats(t *testing.T) {
	pool, err := NewPool("federations", 4)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Release(time.Second)

	if got := pool.Stats().Cap; got != 4 {
		t.Errorf("Stats().Cap = %d, want 4", got)
	}
	if pool.Name() != "federations" {
		t.Errorf("Name() = %q", pool.Name())
	}
}
