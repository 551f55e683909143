package game

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/matchmaking"
	"github.com/abdelmounim-dev/duelsync/metrics"
	"github.com/abdelmounim-dev/duelsync/session"
)

// Lifecycle registers and deregisters connections and links them to
// matchmaking tickets and sessions.
type Lifecycle struct {
	store       session.Store
	matchmaker  matchmaking.Service
	coordinator *Coordinator
	logger      *zap.Logger
}

// NewLifecycle creates a connection lifecycle manager.
func NewLifecycle(store session.Store, matchmaker matchmaking.Service, coordinator *Coordinator, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:       store,
		matchmaker:  matchmaker,
		coordinator: coordinator,
		logger:      logger.Named("lifecycle"),
	}
}

// Connect registers a new connection and queues it for matchmaking. The
// record exists before the ticket does, so a match that arrives at once
// can already claim it.
func (l *Lifecycle) Connect(ctx context.Context, connectionID string) error {
	if err := l.store.PutConnection(ctx, &session.Connection{ID: connectionID}); err != nil {
		return fmt.Errorf("register connection %s: %w", connectionID, err)
	}

	ticketID, err := l.matchmaker.RequestMatch(ctx, connectionID)
	if err != nil {
		if _, derr := l.store.DeleteConnection(ctx, connectionID); derr != nil {
			l.logger.Warn("failed to drop unmatched connection", zap.String("connection_id", connectionID), zap.Error(derr))
		}
		return fmt.Errorf("request match for %s: %w", connectionID, err)
	}
	log := l.logger.With(zap.String("connection_id", connectionID), zap.String("ticket_id", ticketID))

	err = l.store.SetConnectionTicket(ctx, connectionID, ticketID)
	switch {
	case err == nil:
		log.Debug("connection registered")
	case errors.Is(err, session.ErrConditionFailed):
		// Already paired, or gone. A gone connection leaves its ticket behind.
		l.cancelTicket(ctx, log, ticketID)
	default:
		return fmt.Errorf("record ticket for %s: %w", connectionID, err)
	}
	return nil
}

// HandleMatch pairs the players of a successful matchmaking round. A
// notification that does not name exactly two distinct players is a
// protocol violation and is dropped.
func (l *Lifecycle) HandleMatch(ctx context.Context, n matchmaking.Notification) error {
	if n.Type != matchmaking.TypeSucceeded {
		l.logger.Debug("ignoring matchmaking notification", zap.String("type", n.Type))
		return nil
	}
	if len(n.Players) != 2 || n.Players[0] == n.Players[1] {
		metrics.ProtocolViolations.WithLabelValues("matchmaking").Inc()
		l.logger.Error("matchmaking delivered an invalid pair",
			zap.Strings("players", n.Players),
			zap.Strings("tickets", n.TicketIDs))
		return fmt.Errorf("%w: match with players %v", ErrProtocolViolation, n.Players)
	}

	_, err := l.coordinator.Pair(ctx, n.Players[0], n.Players[1])
	return err
}

// MatchHandler adapts HandleMatch to the matchmaking callback.
func (l *Lifecycle) MatchHandler() matchmaking.MatchHandler {
	return func(ctx context.Context, n matchmaking.Notification) {
		err := l.HandleMatch(ctx, n)
		switch {
		case err == nil, errors.Is(err, ErrProtocolViolation):
		case errors.Is(err, ErrClaimConflict):
			l.logger.Info("pairing abandoned", zap.Strings("players", n.Players), zap.Error(err))
		default:
			l.logger.Error("pairing failed", zap.Strings("players", n.Players), zap.Error(err))
		}
	}
}

// Touch extends the lifetime of the connection's records.
func (l *Lifecycle) Touch(ctx context.Context, connectionID string) error {
	return l.store.TouchConnection(ctx, connectionID)
}

// Disconnect removes the connection. Its session loses a player and is
// deleted once nobody is left; an outstanding ticket is cancelled
// best-effort.
func (l *Lifecycle) Disconnect(ctx context.Context, connectionID string) error {
	conn, err := l.store.DeleteConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("remove connection %s: %w", connectionID, err)
	}
	if conn == nil {
		return nil
	}
	log := l.logger.With(zap.String("connection_id", connectionID))

	if conn.SessionID != "" {
		if err := l.leave(ctx, log, conn.SessionID); err != nil {
			return err
		}
	}

	if conn.TicketID != "" {
		l.cancelTicket(ctx, log, conn.TicketID)
	}
	return nil
}

// cancelTicket withdraws a ticket best-effort.
func (l *Lifecycle) cancelTicket(ctx context.Context, log *zap.Logger, ticketID string) {
	err := l.matchmaker.Cancel(ctx, ticketID)
	switch {
	case err == nil:
		metrics.MatchmakingCancels.WithLabelValues("cancelled").Inc()
	case errors.Is(err, matchmaking.ErrUnknownTicket):
		metrics.MatchmakingCancels.WithLabelValues("unknown").Inc()
	default:
		metrics.MatchmakingCancels.WithLabelValues("failed").Inc()
		log.Warn("ticket cancellation failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
}

func (l *Lifecycle) leave(ctx context.Context, log *zap.Logger, sessionID string) error {
	s, err := l.store.UpdateSession(ctx, sessionID, leave().Update)
	if errors.Is(err, session.ErrConditionFailed) {
		log.Debug("session already gone", zap.String("session_id", sessionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("leave session %s: %w", sessionID, err)
	}
	if s.NumPlayers > 0 {
		log.Info("player left session", zap.String("session_id", sessionID), zap.Int64("remaining", s.NumPlayers))
		return nil
	}

	if err := l.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	metrics.SessionsCollected.Inc()
	log.Info("session collected", zap.String("session_id", sessionID))
	return nil
}
