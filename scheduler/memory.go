package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// MemoryScheduler fires timers from the given clock. Timers do not
// survive the process.
type MemoryScheduler struct {
	clock   clock.Clock
	mu      sync.Mutex
	pending []Payload
	wakeup  chan struct{}
}

// NewMemoryScheduler creates a scheduler on clk, or the wall clock if nil.
func NewMemoryScheduler(clk clock.Clock) *MemoryScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryScheduler{
		clock:  clk,
		wakeup: make(chan struct{}, 1),
	}
}

// Schedule starts a timer for p.
func (s *MemoryScheduler) Schedule(_ context.Context, p Payload, delay time.Duration) (string, error) {
	s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		s.pending = append(s.pending, p)
		s.mu.Unlock()
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	})
	return uuid.New().String(), nil
}

// Run delivers fired timers until ctx is done.
func (s *MemoryScheduler) Run(ctx context.Context, fire Callback) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		s.mu.Lock()
		due := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, p := range due {
			wg.Add(1)
			go func(p Payload) {
				defer wg.Done()
				fire(ctx, p)
			}(p)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wakeup:
		}
	}
}
