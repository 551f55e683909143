package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/broker"
	"github.com/abdelmounim-dev/duelsync/config"
	"github.com/abdelmounim-dev/duelsync/game"
	"github.com/abdelmounim-dev/duelsync/metrics"
)

const (
	// ActionConnectionID is the first frame a client receives; its data is
	// the connection id the game uses for that client.
	ActionConnectionID = "connectionId"

	dispatchTimeout = 10 * time.Second
	msgForbidden    = "Forbidden"
)

// Dispatcher handles inbound client events.
type Dispatcher interface {
	Dispatch(ctx context.Context, connectionID string, env game.Envelope) (*game.Reply, error)
	ReplyForError(connectionID, action string, err error) *game.Reply
}

// frame is the outbound wire format.
type frame struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data"`
}

// knownActions bounds the metric label set.
var knownActions = map[string]bool{
	game.ActionStartKey:       true,
	game.ActionUpdate:         true,
	game.ActionFinish:         true,
	game.ActionRestartRequest: true,
}

// Handler manages websocket connections and message routing
type Handler struct {
	manager      *ClientManager
	dispatcher   Dispatcher
	broker       broker.MessageBroker
	outbound     string
	jwtValidator *JWTValidator
	authConfig   *config.AuthConfig
	wsConfig     *config.WebSocketConfig
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

// NewHandler creates a new websocket handler. Relay messages published on
// outbound are delivered to the clients this instance holds.
func NewHandler(manager *ClientManager, dispatcher Dispatcher, b broker.MessageBroker, outbound string,
	jwtValidator *JWTValidator, authConfig *config.AuthConfig, wsConfig *config.WebSocketConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager:      manager,
		dispatcher:   dispatcher,
		broker:       b,
		outbound:     outbound,
		jwtValidator: jwtValidator,
		authConfig:   authConfig,
		wsConfig:     wsConfig,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Duration(wsConfig.HandshakeTimeout) * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
	}
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.manager.Count() >= h.wsConfig.MaxConnections {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	var claims *CustomClaims
	var err error

	// --- Handshake Authentication ---
	if h.authConfig.Enabled {
		if h.jwtValidator == nil {
			h.logger.Error("auth is enabled but the JWT validator is not initialized")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
		if tokenString == "" {
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err = h.jwtValidator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, errRevoked) {
				reason = "revoked"
			}
			metrics.AuthFailures.WithLabelValues(reason).Inc()
			h.logger.Info("rejected token", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
		metrics.AuthSuccess.Inc()
	}
	// --- End Handshake Authentication ---

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if h.wsConfig.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.wsConfig.MessageSizeLimit))
	}

	// Every socket is its own player, even when one subject opens several.
	clientID := uuid.New().String()
	if claims != nil {
		h.logger.Info("client authenticated", zap.String("connection_id", clientID), zap.String("subject", claims.Subject))
	}

	session := NewClientSession(clientID, conn, h.wsConfig, claims, h.logger)
	session.StartTimers()
	conn.SetPongHandler(session.GetPongHandler())

	// The id must reach the client before any relay message can.
	if err := session.SafeWriteJSON(frame{Action: ActionConnectionID, Data: clientID}); err != nil {
		h.logger.Warn("failed to send connection id", zap.String("connection_id", clientID), zap.Error(err))
		session.Close(websocket.CloseInternalServerErr, "Handshake failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), lifecycleTimeout)
	err = h.manager.AddClient(ctx, session)
	cancel()
	if err != nil {
		session.Close(websocket.CloseTryAgainLater, "Matchmaking unavailable")
		return
	}
	defer h.manager.RemoveClient(clientID)

	// Read messages from client
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				h.logger.Debug("read error", zap.String("connection_id", clientID), zap.Error(err))
			}
			session.Close(websocket.CloseNormalClosure, "Client disconnected")
			break
		}
		session.UpdateActivity()
		h.handleFrame(r.Context(), session, msg)
	}
}

// handleFrame checks and dispatches one client frame. Dispatch runs on its
// own goroutine; events from one client are not ordered.
func (h *Handler) handleFrame(ctx context.Context, session *ClientSession, msg []byte) {
	var env game.Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Action == "" {
		metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		h.reply(session, game.ErrorReply(game.MsgInvalidRequest))
		return
	}

	label := env.Action
	if !knownActions[label] {
		label = "unknown"
	}
	metrics.MessagesReceived.WithLabelValues(label).Inc()

	// --- Action Access Control ---
	if !session.CanAccess(ScopeVerb, env.Action) {
		metrics.AuthFailures.WithLabelValues("forbidden").Inc()
		h.logger.Info("authorization denied",
			zap.String("connection_id", session.ID),
			zap.String("action", env.Action))
		h.reply(session, game.ErrorReply(fmt.Sprintf("%s: %s", msgForbidden, env.Action)))
		return
	}

	h.manager.RefreshSessionTTL(ctx, session.ID)

	h.manager.IncreaseWaitGroup()
	go func() {
		defer h.manager.DecreaseWaitGroup()
		dctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		reply, err := h.dispatcher.Dispatch(dctx, session.ID, env)
		if err != nil {
			reply = h.dispatcher.ReplyForError(session.ID, env.Action, err)
		}
		if reply != nil {
			h.reply(session, reply)
		}
	}()
}

func (h *Handler) reply(session *ClientSession, reply *game.Reply) {
	if err := session.SafeWriteJSON(frame{Action: reply.Action, Data: reply.Data}); err != nil {
		h.logger.Warn("failed to write reply", zap.String("connection_id", session.ID), zap.Error(err))
		return
	}
	metrics.MessagesSent.Inc()
}

// ListenForResponses delivers relay messages to the clients held by this
// instance until ctx is done. Messages for other instances' clients are
// ignored.
func (h *Handler) ListenForResponses(ctx context.Context) error {
	messageChan, err := h.broker.Subscribe(ctx, h.outbound)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", h.outbound, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messageChan:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("outbound channel %s closed", h.outbound)
			}

			session, ok := h.manager.GetClient(message.ClientID)
			if !ok {
				continue
			}
			var data interface{} = message.Data
			if len(message.Data) == 0 {
				data = nil
			}
			if err := session.SafeWriteJSON(frame{Action: message.Action, Data: data}); err != nil {
				h.logger.Warn("failed to deliver relay message",
					zap.String("connection_id", message.ClientID),
					zap.String("action", message.Action),
					zap.Error(err))
				session.Close(websocket.CloseInternalServerErr, "Failed to send message")
				h.manager.RemoveClient(message.ClientID)
				continue
			}
			metrics.MessagesSent.Inc()
		}
	}
}
