// Package matchmaking pairs waiting players two at a time.
package matchmaking

import (
	"context"
	"errors"
)

// TypeSucceeded marks a notification that carries a completed match.
const TypeSucceeded = "MatchmakingSucceeded"

// ErrUnknownTicket is returned when cancelling a ticket that is no longer
// queued, either because it was matched or already cancelled.
var ErrUnknownTicket = errors.New("matchmaking: unknown ticket")

// Notification reports the outcome of a matchmaking round.
type Notification struct {
	Type      string   `json:"type"`
	TicketIDs []string `json:"ticketIds"`
	Players   []string `json:"players"`
}

// MatchHandler receives notifications. Each call runs on its own goroutine.
type MatchHandler func(ctx context.Context, n Notification)

// Service issues and cancels tickets and delivers matches.
type Service interface {
	// RequestMatch queues the player and returns its ticket id.
	RequestMatch(ctx context.Context, playerID string) (string, error)
	// Cancel withdraws a queued ticket.
	Cancel(ctx context.Context, ticketID string) error
	// Run delivers matches to handle until ctx is done.
	Run(ctx context.Context, handle MatchHandler) error
}
