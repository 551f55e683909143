package session

import (
	"context"
	"errors"
)

var (
	// ErrConditionFailed is returned when a conditional write finds its
	// precondition false. The write has no effect.
	ErrConditionFailed = errors.New("session: condition failed")
	// ErrNotFound is returned by reads of a record that does not exist.
	ErrNotFound = errors.New("session: record not found")
)

// Connection is the record kept for every connected client, keyed by the
// transport-owned connection identifier.
type Connection struct {
	ID        string
	SessionID string // set once claimed into a session
	TicketID  string // set while a matchmaking request is outstanding
}

// Session is one game instance between two players.
type Session struct {
	ID                 string
	PlayerOne          string
	PlayerTwo          string
	NumPlayers         int64
	StartTime          *int64 // unix milliseconds
	PlayerOneStartIdxs *StartIdxs
	PlayerTwoStartIdxs *StartIdxs
	NumRestartRequests int64
	Winner             *int
}

// Opponent returns the other player's connection id. ok is false when
// connectionID plays in neither slot.
func (s *Session) Opponent(connectionID string) (opponent string, ok bool) {
	switch connectionID {
	case s.PlayerOne:
		return s.PlayerTwo, true
	case s.PlayerTwo:
		return s.PlayerOne, true
	default:
		return "", false
	}
}

// ReturnMode selects which image of a record an update returns.
type ReturnMode int

const (
	// ReturnNew returns the record as it is after the update.
	ReturnNew ReturnMode = iota
	// ReturnOld returns the record as it was before the update.
	ReturnOld
)

// Update is a conditional single-record mutation. The condition always
// requires the record to exist; IfAbsent adds fields that must be unset.
type Update struct {
	Set      Fields
	Add      map[string]int64
	Remove   []string
	IfAbsent []string
	Return   ReturnMode
}

// Store defines the interface for the shared record store. Every
// operation is atomic on a single key; no multi-key transactions exist.
type Store interface {
	// GetSession returns ErrNotFound when the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)
	// PutSession overwrites the session record unconditionally.
	PutSession(ctx context.Context, s *Session) error
	// DeleteSession removes the session record. Missing records are not an error.
	DeleteSession(ctx context.Context, id string) error
	// UpdateSession applies u if its condition holds and returns the
	// requested image, or ErrConditionFailed.
	UpdateSession(ctx context.Context, id string, u Update) (*Session, error)

	// GetConnection returns ErrNotFound when the connection does not exist.
	GetConnection(ctx context.Context, id string) (*Connection, error)
	// PutConnection overwrites the connection record unconditionally.
	PutConnection(ctx context.Context, c *Connection) error
	// PutConnectionIfExists overwrites the connection record only when one
	// already exists, otherwise it returns ErrConditionFailed.
	PutConnectionIfExists(ctx context.Context, c *Connection) error
	// SetConnectionTicket records the matchmaking ticket on a connection
	// that exists and is not yet claimed into a session, otherwise it
	// returns ErrConditionFailed.
	SetConnectionTicket(ctx context.Context, id, ticketID string) error
	// DeleteConnection removes the record and returns its prior contents,
	// or nil when there was none.
	DeleteConnection(ctx context.Context, id string) (*Connection, error)
	// TouchConnection extends the lifetime of a connection record and the
	// session it references. Stores without expiry treat it as a no-op.
	TouchConnection(ctx context.Context, id string) error
}
