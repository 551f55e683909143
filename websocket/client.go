package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/config"
)

const (
	websocketRetryDelay = 200 * time.Millisecond
)

// ClientSession represents a connected websocket client
type ClientSession struct {
	ID            string
	conn          *websocket.Conn
	ctx           context.Context
	cfg           *config.WebSocketConfig
	claims        *CustomClaims
	logger        *zap.Logger
	lastActivity  atomic.Int64
	closed        atomic.Bool
	pingTicker    *time.Ticker
	activityTimer *time.Timer
	cancel        context.CancelFunc
	mu            sync.Mutex
}

// NewClientSession creates a new client session. claims is nil when
// authentication is disabled.
func NewClientSession(id string, conn *websocket.Conn, cfg *config.WebSocketConfig, claims *CustomClaims, logger *zap.Logger) *ClientSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cs := &ClientSession{
		ID:     id,
		conn:   conn,
		cfg:    cfg,
		claims: claims,
		logger: logger.With(zap.String("connection_id", id)),
		cancel: cancel,
		ctx:    ctx,
	}
	cs.lastActivity.Store(time.Now().Unix())
	return cs
}

// CanAccess reports whether the client may perform verb on resource.
// Without claims every action is allowed.
func (s *ClientSession) CanAccess(verb, resource string) bool {
	if s.claims == nil {
		return true
	}
	return s.claims.Allows(verb, resource)
}

// Done is closed once the session is closed.
func (s *ClientSession) Done() <-chan struct{} {
	return s.ctx.Done()
}

// SafeWriteJSON writes data to the websocket, retrying with a constant
// backoff until the write timeout elapses.
func (s *ClientSession) SafeWriteJSON(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()

	operation := func() error {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return backoff.Permanent(err)
		}
		return s.conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.NewConstantBackOff(websocketRetryDelay),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		s.logger.Warn("retrying websocket write", zap.Error(err), zap.Duration("next_attempt", d))
	})
}

// UpdateActivity updates the last activity timestamp and resets the timeout timer
// This should only be called for actual client messages, not pong responses
func (s *ClientSession) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity.Store(time.Now().Unix())

	if s.activityTimer != nil {
		s.activityTimer.Reset(time.Duration(s.cfg.ActivityTimeout) * time.Second)
	}
}

// LastActivityTime returns the time of last activity
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

func (s *ClientSession) StartTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activityTimer = time.AfterFunc(
		time.Duration(s.cfg.ActivityTimeout)*time.Second,
		s.onActivityTimeout,
	)

	s.pingTicker = time.NewTicker(
		time.Duration(s.cfg.PingInterval) * time.Second,
	)
	go s.pingLoop()
}

func (s *ClientSession) pingLoop() {
	for {
		select {
		case <-s.pingTicker.C:
			if err := s.SendPing(); err != nil {
				s.logger.Warn("failed to send ping", zap.Error(err))
				s.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ClientSession) onActivityTimeout() {
	s.logger.Info("connection timed out")
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
}

func (s *ClientSession) SendPing() error {
	return s.conn.WriteControl(
		websocket.PingMessage,
		[]byte{},
		time.Now().Add(time.Duration(s.cfg.WriteTimeout)*time.Second),
	)
}

// UpdateLastSeen updates only the timestamp (for pong responses)
// Does NOT reset the activity timer
func (s *ClientSession) UpdateLastSeen() {
	s.lastActivity.Store(time.Now().Unix())
}

// GetPongHandler returns a pong handler function based on configuration
func (s *ClientSession) GetPongHandler() func(string) error {
	return func(string) error {
		if s.cfg.KeepAlive {
			s.UpdateActivity() // Reset timeout timer
		} else {
			s.UpdateLastSeen()
		}
		return nil
	}
}

// Close closes the websocket connection. Only the first call has an effect.
func (s *ClientSession) Close(code int, text string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Cancel first so a write stuck in its retry loop releases the lock.
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pingTicker != nil {
		s.pingTicker.Stop()
	}
	if s.activityTimer != nil {
		s.activityTimer.Stop()
	}

	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeTimeout),
	)
	if err != nil && err != websocket.ErrCloseSent {
		s.logger.Debug("error sending close message", zap.Error(err))
	}

	return s.conn.Close()
}
