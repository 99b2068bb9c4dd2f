package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rentgrid/backend/internal/apierrors"
	"github.com/rentgrid/backend/internal/auth"
	"github.com/rentgrid/backend/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	defaultLimit   = 20
)

// MetricsReader answers get_metrics requests.
type MetricsReader interface {
	RecentMetrics(ctx context.Context, resourceID string, limit int) ([]*model.MetricsSample, error)
}

// clientMessage is an action sent by a websocket client.
type clientMessage struct {
	Action     string `json:"action"`
	Topic      string `json:"topic,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Gateway serves the websocket endpoint.
type Gateway struct {
	hub      *Hub
	jwt      *auth.JWTManager
	metrics  MetricsReader
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewGateway creates a Gateway. allowedOrigins empty allows any origin.
func NewGateway(hub *Hub, jwt *auth.JWTManager, metrics MetricsReader, allowedOrigins []string, logger *slog.Logger) *Gateway {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Gateway{
		hub:     hub,
		jwt:     jwt,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

// ServeHTTP authenticates the caller and upgrades the connection. Callers
// without a valid token get a 401 before any upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		apierrors.NewUnauthorizedError("authentication required").Write(w, r)
		return
	}
	claims, err := g.jwt.ValidateToken(token)
	if err != nil {
		apierrors.NewUnauthorizedError("invalid or expired token").Write(w, r)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := g.hub.NewSubscription()
	g.hub.Subscribe(sub, TopicAlerts)
	g.hub.Subscribe(sub, UserAlertsTopic(claims.Address))
	g.logger.Info("realtime client connected", "address", claims.Address)

	go g.writePump(conn, sub)
	g.readPump(conn, sub, claims)
}

func (g *Gateway) readPump(conn *websocket.Conn, sub *Subscription, claims *auth.Claims) {
	defer func() {
		g.hub.Close(sub)
		conn.Close()
		g.logger.Info("realtime client disconnected", "address", claims.Address)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("websocket read failed", "address", claims.Address, "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.replyError(sub, "", "malformed message")
			continue
		}
		g.handle(sub, claims, msg)
	}
}

func (g *Gateway) handle(sub *Subscription, claims *auth.Claims, msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		if !validTopic(msg.Topic) {
			g.replyError(sub, msg.Topic, "unknown topic")
			return
		}
		if owner, ok := topicOwner(msg.Topic); ok && owner != claims.Address && claims.Role != auth.RoleAdmin {
			g.replyError(sub, msg.Topic, "not allowed to subscribe to another user's alerts")
			return
		}
		g.hub.Subscribe(sub, msg.Topic)
		g.hub.send(sub, Event{Topic: msg.Topic, Type: EventSubscribed})
	case "unsubscribe":
		g.hub.Unsubscribe(sub, msg.Topic)
		g.hub.send(sub, Event{Topic: msg.Topic, Type: EventUnsubscribed})
	case "get_metrics":
		if msg.ResourceID == "" {
			g.replyError(sub, "", "resource_id is required")
			return
		}
		limit := msg.Limit
		if limit <= 0 {
			limit = defaultLimit
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		samples, err := g.metrics.RecentMetrics(ctx, msg.ResourceID, limit)
		if err != nil {
			g.logger.Error("get_metrics failed", "resource_id", msg.ResourceID, "error", err)
			g.replyError(sub, MetricsTopic(msg.ResourceID), apierrors.FromError(err).Message)
			return
		}
		g.hub.send(sub, Event{Topic: MetricsTopic(msg.ResourceID), Type: EventMetrics, Data: samples})
	default:
		g.replyError(sub, msg.Topic, "unknown action")
	}
}

func (g *Gateway) replyError(sub *Subscription, topic, message string) {
	g.hub.send(sub, Event{Topic: topic, Type: EventError, Data: map[string]string{"message": message}})
}

func (g *Gateway) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				g.logger.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
