package matchmaking

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/duelsync/metrics"
)

type ticket struct {
	id       string
	playerID string
}

// MemoryService is a FIFO matchmaker for a single process.
type MemoryService struct {
	mu     sync.Mutex
	queue  []ticket
	wakeup chan struct{}
}

// NewMemoryService creates an empty in-process matchmaker.
func NewMemoryService() *MemoryService {
	return &MemoryService{wakeup: make(chan struct{}, 1)}
}

// RequestMatch queues the player.
func (s *MemoryService) RequestMatch(_ context.Context, playerID string) (string, error) {
	t := ticket{id: uuid.New().String(), playerID: playerID}

	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	metrics.MatchmakingTickets.Inc()
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
	return t.id, nil
}

// Cancel removes a queued ticket.
func (s *MemoryService) Cancel(_ context.Context, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.queue {
		if t.id == ticketID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return ErrUnknownTicket
}

// Run pairs queued tickets as they arrive.
func (s *MemoryService) Run(ctx context.Context, handle MatchHandler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		for {
			n := s.popPair()
			if n == nil {
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(ctx, *n)
			}()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wakeup:
		}
	}
}

// Waiting returns the number of queued tickets.
func (s *MemoryService) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *MemoryService) popPair() *Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) < 2 {
		return nil
	}
	a, b := s.queue[0], s.queue[1]
	s.queue = s.queue[2:]
	return &Notification{
		Type:      TypeSucceeded,
		TicketIDs: []string{a.id, b.id},
		Players:   []string{a.playerID, b.playerID},
	}
}
