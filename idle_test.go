package offlinecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestIdle(clock *testClock, thresholdMs int64) *IdleScheduler {
	adapter := &Adapter{
		Now:   clock.Now,
		Timer: clock.Timer,
		Log:   zerolog.Nop(),
	}
	return NewIdleScheduler(adapter, thresholdMs, zerolog.Nop())
}

func TestIdleRunsAfterThreshold(t *testing.T) {
	clock := newTestClock()
	idle := newTestIdle(clock, 100)
	var ran atomic.Int32
	idle.Schedule("task", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	idle.Trigger()
	clock.Advance(200 * time.Millisecond)
	<-idle.Empty()
	if ran.Load() != 1 {
		t.Fatalf("Task ran %d times", ran.Load())
	}
}

func TestIdleDebounce(t *testing.T) {
	clock := newTestClock()
	idle := newTestIdle(clock, 100)
	var ran atomic.Int32
	idle.Schedule("task", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	idle.Trigger()
	clock.Advance(50 * time.Millisecond)
	// a second trigger within the threshold restarts the wait
	idle.Trigger()
	clock.Advance(60 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("Task ran before an uninterrupted threshold elapsed")
	}
	clock.Advance(100 * time.Millisecond)
	<-idle.Empty()
	if ran.Load() != 1 {
		t.Fatalf("Task ran %d times", ran.Load())
	}
}

func TestIdleErrorsAreSwallowed(t *testing.T) {
	clock := newTestClock()
	idle := newTestIdle(clock, 100)
	var ran atomic.Int32
	idle.Schedule("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})
	idle.Schedule("ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	idle.Trigger()
	clock.Advance(200 * time.Millisecond)
	<-idle.Empty()
	if ran.Load() != 1 {
		t.Fatalf("Second task ran %d times", ran.Load())
	}
}

func TestIdleTasksScheduledDuringExecutionRunInNextWave(t *testing.T) {
	clock := newTestClock()
	idle := newTestIdle(clock, 100)
	var mu sync.Mutex
	order := make([]string, 0)
	idle.Schedule("first", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		idle.Schedule("second", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
		return nil
	})
	idle.Trigger()
	clock.Advance(200 * time.Millisecond)
	<-idle.Empty()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("Tasks ran in order %v", order)
	}
}

func TestIdleEmptyWithoutTasks(t *testing.T) {
	clock := newTestClock()
	idle := newTestIdle(clock, 100)
	select {
	case <-idle.Empty():
	case <-time.After(time.Second):
		t.Fatal("Empty did not resolve for an empty queue")
	}
}
