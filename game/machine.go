package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/metrics"
	"github.com/abdelmounim-dev/duelsync/relay"
	"github.com/abdelmounim-dev/duelsync/scheduler"
	"github.com/abdelmounim-dev/duelsync/session"
)

// Finalize triggers, used as metric labels.
const (
	TriggerSecondPlayer = "second_player"
	TriggerTimeout      = "timeout"
)

// Delayer schedules the timeout-driven finalize.
type Delayer interface {
	Schedule(ctx context.Context, p scheduler.Payload, delay time.Duration) (string, error)
}

// Timings holds the game's timing constants.
type Timings struct {
	// StartDelay is how far in the future the shared start instant is set.
	StartDelay time.Duration
	// OpponentWait is how long the first submitter waits before the game
	// starts without the opponent's indices.
	OpponentWait time.Duration
}

// DefaultTimings returns the timings used when none are configured.
func DefaultTimings() Timings {
	return Timings{
		StartDelay:   3 * time.Second,
		OpponentWait: 5 * time.Second,
	}
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithSeedSource replaces the board seed generator.
func WithSeedSource(f func() uint64) Option {
	return func(m *Machine) { m.seed = f }
}

// Machine owns every post-pairing session transition. It holds no session
// state between calls; all coordination goes through the store's
// conditional writes.
type Machine struct {
	store    session.Store
	notifier relay.Notifier
	delays   Delayer
	timings  Timings
	clock    clock.Clock
	seed     func() uint64
	logger   *zap.Logger
}

// NewMachine creates a session state machine.
func NewMachine(store session.Store, notifier relay.Notifier, delays Delayer, timings Timings, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		store:    store,
		notifier: notifier,
		delays:   delays,
		timings:  timings,
		clock:    clock.New(),
		seed:     rand.Uint64,
		logger:   logger.Named("machine"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// apply runs a transition against the store.
func (m *Machine) apply(ctx context.Context, sessionID string, t Transition) (*session.Session, error) {
	s, err := m.store.UpdateSession(ctx, sessionID, t.Update)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("transition applied",
		zap.String("session_id", sessionID),
		zap.String("transition", t.Name),
		zap.Stringer("to", t.To))
	return s, nil
}

// missingOr tells a missing session apart from a failed field guard.
func (m *Machine) missingOr(ctx context.Context, sessionID string, guardErr error) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return err
	}
	return guardErr
}

// SubmitStartIdxs records a player's start indices. The first submitter
// arms the timeout finalize; the second finalizes immediately.
func (m *Machine) SubmitStartIdxs(ctx context.Context, connectionID string, req StartKeyRequest) (*Reply, error) {
	if err := validPlayerNum(req.PlayerNum); err != nil {
		return nil, err
	}

	s, err := m.apply(ctx, req.GameID, submitStartIdxs(req.PlayerNum, req.Idxs))
	if errors.Is(err, session.ErrConditionFailed) {
		err = m.missingOr(ctx, req.GameID, ErrAlreadySubmitted)
		if errors.Is(err, ErrAlreadySubmitted) {
			return message(MsgAlreadySubmitted), nil
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("submit start indices: %w", err)
	}

	payload := scheduler.Payload{PlayerOne: s.PlayerOne, PlayerTwo: s.PlayerTwo, SessionID: s.ID}
	other := s.PlayerTwoStartIdxs
	if req.PlayerNum == 1 {
		other = s.PlayerOneStartIdxs
	}

	if other != nil {
		if _, err := m.Finalize(ctx, payload, TriggerSecondPlayer); err != nil {
			return nil, err
		}
		return message(MsgGameLoading), nil
	}

	handle, err := m.delays.Schedule(ctx, payload, m.timings.OpponentWait)
	if err != nil {
		return nil, fmt.Errorf("schedule start timeout for %s: %w", s.ID, err)
	}
	m.logger.Debug("waiting for opponent",
		zap.String("session_id", s.ID),
		zap.String("connection_id", connectionID),
		zap.String("timer", handle))
	return message(MsgWaitingForOpponent), nil
}

// Finalize fixes the start instant and seed exactly once per game
// instance and broadcasts them. It reports false when another finalize
// already ran, which is not an error.
func (m *Machine) Finalize(ctx context.Context, p scheduler.Payload, trigger string) (bool, error) {
	startMillis := m.clock.Now().Add(m.timings.StartDelay).UnixMilli()

	old, err := m.apply(ctx, p.SessionID, finalizeStart(startMillis))
	if errors.Is(err, session.ErrConditionFailed) {
		metrics.FinalizeRacesLost.Inc()
		m.logger.Debug("start already finalized",
			zap.String("session_id", p.SessionID),
			zap.String("trigger", trigger))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finalize start: %w", err)
	}

	idxs := make([]session.StartIdxs, 0, 2)
	if old.PlayerOneStartIdxs != nil {
		idxs = append(idxs, *old.PlayerOneStartIdxs)
	}
	if old.PlayerTwoStartIdxs != nil {
		idxs = append(idxs, *old.PlayerTwoStartIdxs)
	}
	start := StartPayload{
		StartIdxs:      idxs,
		StartTimestamp: startMillis,
		Seed:           strconv.FormatUint(m.seed(), 10),
	}
	m.notifier.Send(ctx, old.PlayerOne, relay.ActionStart, start)
	m.notifier.Send(ctx, old.PlayerTwo, relay.ActionStart, start)

	metrics.StartsFinalized.WithLabelValues(trigger).Inc()
	m.logger.Info("game started",
		zap.String("session_id", p.SessionID),
		zap.String("trigger", trigger),
		zap.Int64("start_timestamp", startMillis))
	return true, nil
}

// OnTimer is the scheduler callback for the timeout-driven finalize.
func (m *Machine) OnTimer(ctx context.Context, p scheduler.Payload) {
	if _, err := m.Finalize(ctx, p, TriggerTimeout); err != nil {
		m.logger.Warn("timeout finalize failed", zap.String("session_id", p.SessionID), zap.Error(err))
	}
}

// RelayUpdate forwards in-game updates to the opponent verbatim. Nothing
// is persisted and a lost update is not retried.
func (m *Machine) RelayUpdate(ctx context.Context, connectionID string, req UpdateRequest) error {
	if req.OpponentID == "" {
		return fmt.Errorf("%w: update without opponent", ErrProtocolViolation)
	}
	m.notifier.Send(ctx, req.OpponentID, relay.ActionOpponentUpdates, req.Updates)
	return nil
}

// ClaimWin records the caller as winner if nobody won yet.
func (m *Machine) ClaimWin(ctx context.Context, connectionID string, req FinishRequest) (*Reply, error) {
	if err := validPlayerNum(req.PlayerNum); err != nil {
		return nil, err
	}

	s, err := m.apply(ctx, req.GameID, claimWin(req.PlayerNum))
	if errors.Is(err, session.ErrConditionFailed) {
		err = m.missingOr(ctx, req.GameID, ErrAlreadyFinished)
	}
	switch {
	case errors.Is(err, ErrAlreadyFinished):
		metrics.FinishClaims.WithLabelValues("lost").Inc()
		return message(MsgOtherPlayerWon), nil
	case err != nil:
		return nil, fmt.Errorf("claim win: %w", err)
	}

	over := GameOverPayload{WinnerNum: req.PlayerNum}
	m.notifier.Send(ctx, s.PlayerOne, relay.ActionGameOver, over)
	m.notifier.Send(ctx, s.PlayerTwo, relay.ActionGameOver, over)

	metrics.FinishClaims.WithLabelValues("won").Inc()
	m.logger.Info("game finished",
		zap.String("session_id", s.ID),
		zap.String("connection_id", connectionID),
		zap.Int("winner", req.PlayerNum))
	return message(MsgYouWin), nil
}

// RequestRestart counts a restart request; the second one resets the game.
// Only the session's players may ask.
func (m *Machine) RequestRestart(ctx context.Context, connectionID string, req RestartRequest) (*Reply, error) {
	// Players never change within a session, so checking them ahead of
	// the counter update is race free.
	current, err := m.store.GetSession(ctx, req.GameID)
	if errors.Is(err, session.ErrNotFound) {
		return ErrorReply(MsgGameDoesNotExist), nil
	}
	if err != nil {
		return nil, fmt.Errorf("request restart: %w", err)
	}
	opponent, ok := current.Opponent(connectionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not playing in %s", ErrProtocolViolation, connectionID, req.GameID)
	}

	s, err := m.apply(ctx, req.GameID, requestRestart())
	if errors.Is(err, session.ErrConditionFailed) {
		return ErrorReply(MsgGameDoesNotExist), nil
	}
	if err != nil {
		return nil, fmt.Errorf("request restart: %w", err)
	}

	if s.NumRestartRequests == 1 {
		m.notifier.Send(ctx, opponent, relay.ActionRestartMessage, MsgOpponentRestarting)
		return restartMessage(MsgRestartRequestSent), nil
	}

	m.notifier.Send(ctx, opponent, relay.ActionRestartMessage, MsgGameRestarting)
	if err := m.Restart(ctx, req.GameID); err != nil {
		return nil, err
	}
	return restartMessage(MsgGameRestarting), nil
}

// Restart begins a new game instance between the same two players.
func (m *Machine) Restart(ctx context.Context, sessionID string) error {
	s, err := m.apply(ctx, sessionID, resetGame())
	if errors.Is(err, session.ErrConditionFailed) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	m.notifier.Send(ctx, s.PlayerOne, relay.ActionRestart, "")
	m.notifier.Send(ctx, s.PlayerTwo, relay.ActionRestart, "")

	metrics.Restarts.Inc()
	m.logger.Info("game restarted", zap.String("session_id", sessionID))
	return nil
}
