package game

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/metrics"
)

// Router maps inbound client actions onto the state machine.
type Router struct {
	machine *Machine
	logger  *zap.Logger
}

// NewRouter creates a router for client events.
func NewRouter(machine *Machine, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{machine: machine, logger: logger.Named("router")}
}

// Dispatch handles one client event and returns the synchronous reply
// for the sender, or nil when the action has none.
func (r *Router) Dispatch(ctx context.Context, connectionID string, env Envelope) (*Reply, error) {
	switch env.Action {
	case ActionStartKey:
		var req StartKeyRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return r.machine.SubmitStartIdxs(ctx, connectionID, req)

	case ActionUpdate:
		var req UpdateRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, r.machine.RelayUpdate(ctx, connectionID, req)

	case ActionFinish:
		var req FinishRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return r.machine.ClaimWin(ctx, connectionID, req)

	case ActionRestartRequest:
		var req RestartRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return r.machine.RequestRestart(ctx, connectionID, req)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
}

// ReplyForError turns a Dispatch error into the reply sent to the client.
func (r *Router) ReplyForError(connectionID string, action string, err error) *Reply {
	log := r.logger.With(zap.String("connection_id", connectionID), zap.String("action", action))
	switch {
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrUnknownAction):
		metrics.ProtocolViolations.WithLabelValues("client").Inc()
		log.Info("rejected client event", zap.Error(err))
		return ErrorReply(MsgInvalidRequest)
	case errors.Is(err, ErrSessionNotFound):
		log.Info("event for missing session", zap.Error(err))
		return ErrorReply(MsgGameDoesNotExist)
	default:
		log.Error("client event failed", zap.Error(err))
		return ErrorReply(MsgInternalServerError)
	}
}
