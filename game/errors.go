package game

import "errors"

var (
	// ErrClaimConflict means a player disconnected before pairing claimed it.
	ErrClaimConflict = errors.New("game: player left before being claimed")
	// ErrSessionNotFound means the referenced session does not exist.
	ErrSessionNotFound = errors.New("game: session not found")
	// ErrAlreadyFinished means another victory claim won the race.
	ErrAlreadyFinished = errors.New("game: session already has a winner")
	// ErrAlreadySubmitted means the player already sent start indices for
	// this game instance.
	ErrAlreadySubmitted = errors.New("game: start indices already submitted")
	// ErrProtocolViolation aborts processing of a malformed event.
	ErrProtocolViolation = errors.New("game: protocol violation")
	// ErrUnknownAction is returned for inbound actions with no route.
	ErrUnknownAction = errors.New("game: unknown action")
)
