package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hbics/dismissal-api/internal/models"
	appErrors "github.com/hbics/dismissal-api/pkg/errors"
	"github.com/hbics/dismissal-api/pkg/response"
)

// TokenValidator checks the bearer credential presented at connection time.
// The push channel is gated by the same token check as the HTTP routes.
type TokenValidator interface {
	ValidateToken(token string) (*models.JWTClaims, error)
}

type session struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	claims *models.JWTClaims
	logger *zap.Logger
}

func newSession(h *Hub, conn *websocket.Conn, claims *models.JWTClaims, buffer int) *session {
	return &session{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		claims: claims,
		logger: h.logger,
	}
}

// shutdown signals both pumps to exit. The send channel is never closed:
// the read goroutine answers snapshot requests on it concurrently with hub
// teardown, so the done channel is the only teardown signal.
func (s *session) shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) userID() string {
	if s.claims == nil {
		return ""
	}
	return s.claims.UserID
}

// HandleConnection upgrades an authenticated request to a websocket session.
// Browsers cannot set headers on websocket dials, so the token is also
// accepted as a query parameter.
func (h *Hub) HandleConnection(validator TokenValidator) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.allowOrigin(r.Header.Get("Origin"))
		},
	}

	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			return
		}
		claims, err := validator.ValidateToken(token)
		if err != nil {
			response.Error(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the handshake error.
			h.logger.Warn("ws upgrade failed", zap.Error(err))
			return
		}

		buffer := h.cfg.SendBuffer
		if buffer <= 0 {
			buffer = 32
		}
		s := newSession(h, conn, claims, buffer)
		select {
		case h.register <- s:
		case <-h.done:
			// Hub already shut down; refuse the session.
			conn.Close()
			return
		}

		go s.writePump()
		go s.readPump()
	}
}

func (s *session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	if s.hub.cfg.ReadLimit > 0 {
		s.conn.SetReadLimit(s.hub.cfg.ReadLimit)
	}
	pongWait := s.hub.cfg.PingInterval * 2
	if pongWait <= 0 {
		pongWait = time.Minute
	}
	s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws read error", zap.Error(err))
			}
			return
		}

		var msg models.BroadcastMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ws discarding malformed client frame", zap.Error(err))
			continue
		}

		if msg.Event == models.EventRequestActiveStudents {
			s.sendSnapshot()
		}
	}
}

// sendSnapshot answers a resync request with a full roster sent to this
// session only, instead of leaving the client to wait out its poll interval.
func (s *session) sendSnapshot() {
	if s.hub.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roster, err := s.hub.snapshot(ctx)
	if err != nil {
		s.logger.Warn("ws snapshot fetch failed", zap.Error(err))
		return
	}
	data, err := encodeFrame(models.EventActiveStudents, roster)
	if err != nil {
		s.logger.Warn("ws snapshot encode failed", zap.Error(err))
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
		s.logger.Warn("ws snapshot dropped, session send buffer full")
	}
}

func (s *session) writePump() {
	pingInterval := s.hub.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	writeTimeout := s.hub.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			s.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
