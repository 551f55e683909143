// Package relay delivers best-effort notifications to client connections.
//
// Sends are asynchronous, unordered and unacknowledged. A failed send is
// logged and counted but never reported to the caller, which keeps this
// tier separate from the strongly consistent store operations.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/broker"
	"github.com/abdelmounim-dev/duelsync/metrics"
)

// Outbound action names.
const (
	ActionConnect         = "connect"
	ActionStart           = "start"
	ActionOpponentUpdates = "opponentUpdates"
	ActionGameOver        = "gameOver"
	ActionRestartMessage  = "restartMessage"
	ActionRestart         = "restart"
)

// Notifier pushes a named event to a connection. There is no error
// return: delivery is fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, connectionID, action string, payload any)
}

// BrokerRelay publishes notifications on a broker channel that every
// gateway listens on; the gateway holding the connection delivers it.
type BrokerRelay struct {
	broker   broker.MessageBroker
	channel  string
	serverID string
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewBrokerRelay creates a relay publishing on channel.
func NewBrokerRelay(b broker.MessageBroker, channel, serverID string, logger *zap.Logger) *BrokerRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrokerRelay{
		broker:   b,
		channel:  channel,
		serverID: serverID,
		timeout:  10 * time.Second,
		logger:   logger.Named("relay"),
	}
}

// Send encodes the payload and publishes it in the background. The
// caller's context only contributes its values; the publish outlives it.
func (r *BrokerRelay) Send(ctx context.Context, connectionID, action string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.RelaySendFailures.WithLabelValues(action).Inc()
		r.logger.Error("relay payload not encodable",
			zap.String("connection_id", connectionID),
			zap.String("action", action),
			zap.Error(err))
		return
	}
	msg := broker.Message{
		ClientID: connectionID,
		ServerID: r.serverID,
		Action:   action,
		Data:     data,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		if err := r.broker.Publish(pctx, r.channel, msg); err != nil {
			metrics.RelaySendFailures.WithLabelValues(action).Inc()
			r.logger.Warn("relay send failed",
				zap.String("connection_id", connectionID),
				zap.String("action", action),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every in-flight send has finished.
func (r *BrokerRelay) Wait() {
	r.wg.Wait()
}

// Sent is one captured notification.
type Sent struct {
	ConnectionID string
	Action       string
	Payload      any
}

// Recorder is a Notifier that keeps every send in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// Send records the notification.
func (r *Recorder) Send(_ context.Context, connectionID, action string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{ConnectionID: connectionID, Action: action, Payload: payload})
}

// Sent returns a copy of all recorded notifications.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// To returns the notifications addressed to connectionID with the given action.
func (r *Recorder) To(connectionID, action string) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sent
	for _, s := range r.sent {
		if s.ConnectionID == connectionID && s.Action == action {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
