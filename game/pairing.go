package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/metrics"
	"github.com/abdelmounim-dev/duelsync/relay"
	"github.com/abdelmounim-dev/duelsync/session"
)

// Coordinator claims two matched connections into a new session.
type Coordinator struct {
	store    session.Store
	notifier relay.Notifier
	logger   *zap.Logger
	newID    func() string
}

// NewCoordinator creates a pairing coordinator.
func NewCoordinator(store session.Store, notifier relay.Notifier, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		notifier: notifier,
		logger:   logger.Named("pairing"),
		newID:    uuid.NewString,
	}
}

// Pair creates a session for a and b and claims both connections into it.
// Either both players end up claimed or neither does. ErrClaimConflict
// means one of them disconnected first; the survivor is not notified.
func (c *Coordinator) Pair(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", fmt.Errorf("%w: cannot pair %q with %q", ErrProtocolViolation, a, b)
	}

	id := c.newID()
	s := &session.Session{ID: id, PlayerOne: a, PlayerTwo: b, NumPlayers: 2}
	if err := c.store.PutSession(ctx, s); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	log := c.logger.With(zap.String("session_id", id))

	if err := c.claim(ctx, a, id); err != nil {
		c.dropSession(ctx, log, id)
		metrics.PairingRollbacks.WithLabelValues("player_one").Inc()
		return "", c.claimErr(a, err)
	}

	if err := c.claim(ctx, b, id); err != nil {
		c.dropSession(ctx, log, id)
		// Un-claim only if a is still connected; a vanished record stays gone.
		if uerr := c.store.PutConnectionIfExists(ctx, &session.Connection{ID: a}); uerr != nil && !errors.Is(uerr, session.ErrConditionFailed) {
			log.Error("failed to release player one", zap.String("connection_id", a), zap.Error(uerr))
		}
		metrics.PairingRollbacks.WithLabelValues("player_two").Inc()
		return "", c.claimErr(b, err)
	}

	c.notifier.Send(ctx, a, relay.ActionConnect, ConnectPayload{GameID: id, OpponentID: b, PlayerNum: 0})
	c.notifier.Send(ctx, b, relay.ActionConnect, ConnectPayload{GameID: id, OpponentID: a, PlayerNum: 1})

	metrics.SessionsPaired.Inc()
	log.Info("session paired", zap.String("player_one", a), zap.String("player_two", b))
	return id, nil
}

func (c *Coordinator) claim(ctx context.Context, connectionID, sessionID string) error {
	return c.store.PutConnectionIfExists(ctx, &session.Connection{ID: connectionID, SessionID: sessionID})
}

func (c *Coordinator) claimErr(connectionID string, err error) error {
	if errors.Is(err, session.ErrConditionFailed) {
		return fmt.Errorf("%w: %s", ErrClaimConflict, connectionID)
	}
	return fmt.Errorf("claim %s: %w", connectionID, err)
}

func (c *Coordinator) dropSession(ctx context.Context, log *zap.Logger, id string) {
	if err := c.store.DeleteSession(ctx, id); err != nil {
		log.Error("failed to delete abandoned session", zap.Error(err))
	}
}
