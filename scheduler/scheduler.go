// Package scheduler runs durable one-shot timers that call back with a
// fixed payload once their delay has elapsed. Timers are never cancelled;
// callbacks must be idempotent.
package scheduler

import (
	"context"
	"time"
)

// Payload identifies the session whose start should be finalized.
type Payload struct {
	PlayerOne string `json:"player_one"`
	PlayerTwo string `json:"player_two"`
	SessionID string `json:"game_id"`
}

// Callback is invoked once per fired timer, on its own goroutine.
type Callback func(ctx context.Context, p Payload)

// Scheduler schedules timers and fires them while Run is active.
type Scheduler interface {
	// Schedule arranges for p to be delivered after delay and returns a handle.
	Schedule(ctx context.Context, p Payload, delay time.Duration) (string, error)
	// Run fires due timers until ctx is done.
	Run(ctx context.Context, fire Callback) error
}
