package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/metrics"
)

const lifecycleTimeout = 10 * time.Second

// Lifecycle registers connections with the game core.
type Lifecycle interface {
	Connect(ctx context.Context, connectionID string) error
	Disconnect(ctx context.Context, connectionID string) error
	Touch(ctx context.Context, connectionID string) error
}

// ClientManager manages connected websocket clients for a single server instance.
// It coordinates between the in-memory connection map and the game core's
// connection records.
type ClientManager struct {
	clients   sync.Map // In-memory map of active connections for this instance
	count     atomic.Int64
	wg        sync.WaitGroup
	lifecycle Lifecycle
	serverID  string
	logger    *zap.Logger
}

// NewClientManager creates a new client manager.
func NewClientManager(lifecycle Lifecycle, serverID string, logger *zap.Logger) *ClientManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientManager{
		lifecycle: lifecycle,
		serverID:  serverID,
		logger:    logger.Named("clients").With(zap.String("server_id", serverID)),
	}
}

// AddClient registers the connection with the game core, which queues it
// for matchmaking, and then keeps the live connection in-memory.
func (m *ClientManager) AddClient(ctx context.Context, clientSession *ClientSession) error {
	// Store locally first so a match notification racing the
	// registration can already be delivered.
	m.clients.Store(clientSession.ID, clientSession)
	if err := m.lifecycle.Connect(ctx, clientSession.ID); err != nil {
		m.clients.Delete(clientSession.ID)
		m.logger.Error("failed to register connection", zap.String("connection_id", clientSession.ID), zap.Error(err))
		return err
	}

	m.count.Add(1)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	m.logger.Info("client connected", zap.String("connection_id", clientSession.ID))
	return nil
}

// RemoveClient removes a client from the in-memory map and deregisters it.
// Repeated calls for the same client are no-ops.
func (m *ClientManager) RemoveClient(clientID string) {
	if _, loaded := m.clients.LoadAndDelete(clientID); !loaded {
		return
	}
	m.count.Add(-1)
	metrics.ActiveConnections.Dec()

	// The request context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := m.lifecycle.Disconnect(ctx, clientID); err != nil {
		m.logger.Error("failed to deregister connection", zap.String("connection_id", clientID), zap.Error(err))
	}
	m.logger.Info("client disconnected", zap.String("connection_id", clientID))
}

// GetClient retrieves a live client connection by ID from the in-memory map.
func (m *ClientManager) GetClient(clientID string) (*ClientSession, bool) {
	if client, ok := m.clients.Load(clientID); ok {
		return client.(*ClientSession), true
	}
	return nil, false
}

// Count returns the number of live connections on this instance.
func (m *ClientManager) Count() int {
	return int(m.count.Load())
}

// RefreshSessionTTL extends the lifetime of the client's stored records.
func (m *ClientManager) RefreshSessionTTL(ctx context.Context, clientID string) {
	if err := m.lifecycle.Touch(ctx, clientID); err != nil {
		// Not fatal; it might be a transient store issue.
		m.logger.Warn("failed to refresh connection TTL", zap.String("connection_id", clientID), zap.Error(err))
	}
}

// IncreaseWaitGroup increases the wait group counter
func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

// DecreaseWaitGroup decreases the wait group counter
func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

// WaitForCompletion waits for all operations to complete
func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAllConnections sends close messages to all clients and removes them
func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value interface{}) bool {
		clientID := key.(string)
		session := value.(*ClientSession)

		m.logger.Info("closing connection", zap.String("connection_id", clientID), zap.String("reason", reason))
		session.Close(websocket.CloseGoingAway, reason)
		m.RemoveClient(clientID)

		return true
	})
}
