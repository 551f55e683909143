// File: metrics/metrics.go
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "The total number of messages received from clients.",
	}, []string{"action"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "The total number of messages sent to clients.",
	})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Relay Metrics
	RelaySendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "Best-effort client notifications that could not be handed to the broker.",
	}, []string{"action"})

	// Game Metrics
	SessionsPaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_sessions_paired_total",
		Help: "Sessions where both players were claimed.",
	})
	PairingRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_pairing_rollbacks_total",
		Help: "Pairings abandoned because a player disconnected before being claimed.",
	}, []string{"stage"})
	StartsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_starts_finalized_total",
		Help: "Start broadcasts, by what triggered the finalize.",
	}, []string{"trigger"})
	FinalizeRacesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_finalize_races_lost_total",
		Help: "Finalize attempts absorbed because the start time was already set.",
	})
	FinishClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_finish_claims_total",
		Help: "Victory claims, by outcome.",
	}, []string{"outcome"})
	Restarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_restarts_total",
		Help: "Sessions reset after both restart requests.",
	})
	SessionsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_sessions_collected_total",
		Help: "Sessions deleted after their last player disconnected.",
	})
	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_protocol_violations_total",
		Help: "Events dropped because they broke the protocol.",
	}, []string{"source"})

	// Matchmaking Metrics
	MatchmakingTickets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_tickets_total",
		Help: "Matchmaking tickets issued.",
	})
	MatchmakingCancels = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_cancels_total",
		Help: "Matchmaking ticket cancellations, by result.",
	}, []string{"result"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("starting metrics server", zap.String("addr", addr), zap.String("path", path))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
