package offlinecache

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type idleTask struct {
	desc string
	run  func(ctx context.Context) error
}

// IdleScheduler defers nonessential work (revalidation, cache writes,
// update checks) to quiet periods. Trigger debounces: each call restarts
// the threshold timer, and only an uninterrupted wait runs the queue.
type IdleScheduler struct {
	adapter   *Adapter
	threshold int64 // ms
	log       zerolog.Logger

	mu         sync.Mutex
	queue      []idleTask
	generation int
	empty      chan struct{}
}

func NewIdleScheduler(adapter *Adapter, thresholdMs int64, log zerolog.Logger) *IdleScheduler {
	return &IdleScheduler{
		adapter:   adapter,
		threshold: thresholdMs,
		log:       log,
	}
}

// Schedule appends a task to the queue. The task runs on a later
// uninterrupted Trigger; errors are logged and swallowed, so tasks
// must be idempotent and safe to drop.
func (s *IdleScheduler) Schedule(desc string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, idleTask{desc: desc, run: run})
	if s.empty == nil {
		s.empty = make(chan struct{})
	}
}

// Empty returns a channel that is closed once the queue drains.
// With no tasks pending it returns an already-closed channel.
func (s *IdleScheduler) Empty() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.empty == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.empty
}

// Trigger starts (or restarts) the debounce timer. When the timer expires
// without another Trigger in between, the queue is executed.
func (s *IdleScheduler) Trigger() {
	s.mu.Lock()
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	timer := s.adapter.Timer(millis(s.threshold))
	go func() {
		<-timer
		s.mu.Lock()
		current := s.generation == generation
		s.mu.Unlock()
		if current {
			s.execute()
		}
	}()
}

// execute drains the queue in waves: each wave takes the current queue as a
// batch and runs its tasks in parallel; tasks scheduled during a wave are
// picked up by the next one.
func (s *IdleScheduler) execute() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.empty != nil {
				close(s.empty)
				s.empty = nil
			}
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, task := range batch {
			wg.Add(1)
			go func(task idleTask) {
				defer wg.Done()
				if err := task.run(context.Background()); err != nil {
					s.log.Debug().Err(err).Str("task", task.desc).Msg("Delayed operation failed")
				}
			}(task)
		}
		wg.Wait()
	}
}
