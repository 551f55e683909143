package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdelmounim-dev/duelsync/broker"
	"github.com/abdelmounim-dev/duelsync/config"
	"github.com/abdelmounim-dev/duelsync/game"
)

type stubLifecycle struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	connectErr   error
}

func (l *stubLifecycle) Connect(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connected = append(l.connected, id)
	return nil
}

func (l *stubLifecycle) Disconnect(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, id)
	return nil
}

func (l *stubLifecycle) Touch(context.Context, string) error { return nil }

func (l *stubLifecycle) Disconnected() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.disconnected...)
}

// echoDispatcher answers startKey with the decoded game id.
type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, _ string, env game.Envelope) (*game.Reply, error) {
	if env.Action != game.ActionStartKey {
		return nil, game.ErrUnknownAction
	}
	var req game.StartKeyRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}
	return &game.Reply{Action: game.ReplyActionMessage, Data: req.GameID}, nil
}

func (echoDispatcher) ReplyForError(_, _ string, err error) *game.Reply {
	if errors.Is(err, game.ErrUnknownAction) || errors.Is(err, game.ErrProtocolViolation) {
		return game.ErrorReply(game.MsgInvalidRequest)
	}
	return game.ErrorReply(game.MsgInternalServerError)
}

// chanBroker is a single-process broker backed by one channel.
type chanBroker struct {
	ch chan broker.Message
}

func (b *chanBroker) Publish(_ context.Context, _ string, m broker.Message) error {
	b.ch <- m
	return nil
}

func (b *chanBroker) Subscribe(context.Context, string) (<-chan broker.Message, error) {
	return b.ch, nil
}

func (b *chanBroker) Close() error { return nil }
func (b *chanBroker) Type() string { return "chan" }

type testGateway struct {
	server    *httptest.Server
	lifecycle *stubLifecycle
	broker    *chanBroker
	handler   *Handler
}

func newTestGateway(t *testing.T, auth *config.AuthConfig, validator *JWTValidator) *testGateway {
	t.Helper()
	logger := zaptest.NewLogger(t)
	g := &testGateway{
		lifecycle: &stubLifecycle{},
		broker:    &chanBroker{ch: make(chan broker.Message, 8)},
	}
	wsCfg := &config.WebSocketConfig{
		MaxConnections:   10,
		MessageSizeLimit: 4096,
		HandshakeTimeout: 5,
		PingInterval:     25,
		PongTimeout:      30,
		ActivityTimeout:  60,
		WriteTimeout:     5,
		KeepAlive:        true,
	}
	manager := NewClientManager(g.lifecycle, "server-1", logger)
	g.handler = NewHandler(manager, echoDispatcher{}, g.broker, "outbound", validator, auth, wsCfg, logger)
	g.server = httptest.NewServer(http.HandlerFunc(g.handler.HandleWebSocket))
	t.Cleanup(func() {
		manager.CloseAllConnections("test done")
		g.server.Close()
	})
	return g
}

func (g *testGateway) dial(t *testing.T, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHandler_ConnectDispatchDisconnect(t *testing.T) {
	g := newTestGateway(t, &config.AuthConfig{}, nil)

	conn, _, err := g.dial(t, "")
	require.NoError(t, err)

	hello := readFrame(t, conn)
	assert.Equal(t, ActionConnectionID, hello["action"])
	clientID, _ := hello["data"].(string)
	require.NotEmpty(t, clientID)

	require.Eventually(t, func() bool {
		g.lifecycle.mu.Lock()
		defer g.lifecycle.mu.Unlock()
		return len(g.lifecycle.connected) == 1 && g.lifecycle.connected[0] == clientID
	}, time.Second, 5*time.Millisecond)

	inner, err := json.Marshal(map[string]any{"gameId": "game-7", "playerNum": 0, "idxs": "1,1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": game.ActionStartKey, "message": string(inner)}))
	assert.Equal(t, map[string]any{"action": "message", "data": "game-7"}, readFrame(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, map[string]any{"action": "error", "data": game.MsgInvalidRequest}, readFrame(t, conn))

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "dance", "message": "{}"}))
	assert.Equal(t, map[string]any{"action": "error", "data": game.MsgInvalidRequest}, readFrame(t, conn))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		d := g.lifecycle.Disconnected()
		return len(d) == 1 && d[0] == clientID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_ListenForResponses(t *testing.T) {
	g := newTestGateway(t, &config.AuthConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.handler.ListenForResponses(ctx) }()

	conn, _, err := g.dial(t, "")
	require.NoError(t, err)
	defer conn.Close()
	clientID := readFrame(t, conn)["data"].(string)

	require.Eventually(t, func() bool {
		_, ok := g.handler.manager.GetClient(clientID)
		return ok
	}, time.Second, 5*time.Millisecond)

	// Messages for connections held elsewhere are skipped.
	g.broker.ch <- broker.Message{ClientID: "someone-else", Action: "start", Data: json.RawMessage(`{}`)}
	g.broker.ch <- broker.Message{ClientID: clientID, Action: "start", Data: json.RawMessage(`{"seed":"42"}`)}
	g.broker.ch <- broker.Message{ClientID: clientID, Action: "restart", Data: json.RawMessage(`""`)}

	assert.Equal(t, map[string]any{"action": "start", "data": map[string]any{"seed": "42"}}, readFrame(t, conn))
	assert.Equal(t, map[string]any{"action": "restart", "data": ""}, readFrame(t, conn))

	cancel()
	assert.NoError(t, <-done)
}

func TestHandler_Auth(t *testing.T) {
	auth := &config.AuthConfig{Enabled: true, JWTSecret: "s3cret-for-tests", TokenQueryParam: "token", RevocationListKey: "jwt:revoked"}
	g := newTestGateway(t, auth, NewJWTValidator(auth, nil, nil))

	_, resp, err := g.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = g.dial(t, "?token=garbage")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := signToken(t, auth.JWTSecret, CustomClaims{
		Scopes: []string{"play:update"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "player-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	conn, _, err := g.dial(t, "?token="+token)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": game.ActionStartKey, "message": `{"gameId":"g"}`}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["action"])
	assert.Contains(t, f["data"], "Forbidden")
}

func TestHandler_MatchmakingUnavailable(t *testing.T) {
	g := newTestGateway(t, &config.AuthConfig{}, nil)
	g.lifecycle.connectErr = errors.New("matchmaker down")

	conn, _, err := g.dial(t, "")
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Empty(t, g.lifecycle.Disconnected(), "a connection that never registered is not deregistered")
}
