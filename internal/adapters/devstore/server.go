// Package devstore serves the record-store contract over HTTP and
// websocket for local development, backed by memstore. Callers identify
// themselves with the X-User-ID header; this is a dev harness, not an
// auth system.
package devstore

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/adapters/memstore"
	"github.com/avirel/stagecast/internal/adapters/storews"
	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes one memstore over the wire protocol storews speaks.
type Server struct {
	store   *memstore.Store
	limiter *requestLimiter
	seq     atomic.Int64
}

func NewServer(store *memstore.Store) *Server {
	return &Server{
		store:   store,
		limiter: newRequestLimiter(5, time.Minute),
	}
}

// requestID tags every request so store failures can be correlated in logs.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Routes mounts the store API on a gin engine.
func (s *Server) Routes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.Use(requestID())
	v1.GET("/sessions/:session/requests", s.listRequests)
	v1.POST("/sessions/:session/requests", s.insertRequest)
	v1.PATCH("/requests/:id", s.updateRequest)
	v1.DELETE("/requests/:id", s.deleteRequest)
	v1.GET("/profiles/:user", s.getProfile)
	v1.GET("/sessions/:session/feed", s.feed)
}

func (s *Server) listRequests(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("session"))

	var statuses []domain.Status
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := domain.ParseStatus(part)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + part})
				return
			}
			statuses = append(statuses, st)
		}
	}

	rows, err := s.store.ReadRequests(c.Request.Context(), sessionID, statuses)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]storews.WireRow, len(rows))
	for i, row := range rows {
		out[i] = storews.FromDomain(row)
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (s *Server) insertRequest(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("session"))

	var body struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if caller := c.GetHeader("X-User-ID"); caller != "" && caller != body.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "may only request for yourself"})
		return
	}
	if !s.limiter.Allow(domain.UserID(body.UserID)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many stage requests, slow down"})
		return
	}

	row, err := s.store.InsertRequest(c.Request.Context(), sessionID, domain.UserID(body.UserID))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, storews.FromDomain(row))
}

func (s *Server) updateRequest(c *gin.Context) {
	id := domain.RequestID(c.Param("id"))

	var body struct {
		Status     string     `json:"status" binding:"required"`
		AcceptedAt *time.Time `json:"accepted_at"`
		EndedAt    *time.Time `json:"ended_at"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := domain.ParseStatus(body.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + body.Status})
		return
	}

	err = s.store.UpdateRequest(c.Request.Context(), id, status, core.UpdateStamps{
		AcceptedAt: body.AcceptedAt,
		EndedAt:    body.EndedAt,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteRequest(c *gin.Context) {
	if err := s.store.DeleteRequest(c.Request.Context(), domain.RequestID(c.Param("id"))); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getProfile(c *gin.Context) {
	p, err := s.store.ResolveProfile(c.Request.Context(), domain.UserID(c.Param("user")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// feedRelay buffers events for one feed client. A consumer that cannot
// keep up trips the overflow signal instead of blocking the store.
type feedRelay struct {
	send     chan storews.WireEvent
	overflow chan struct{}
	once     sync.Once
}

func newFeedRelay(buffer int) *feedRelay {
	return &feedRelay{
		send:     make(chan storews.WireEvent, buffer),
		overflow: make(chan struct{}),
	}
}

func (f *feedRelay) push(ev storews.WireEvent) {
	select {
	case f.send <- ev:
	default:
		f.once.Do(func() { close(f.overflow) })
	}
}

// feed upgrades to websocket and relays change events for one session.
func (s *Server) feed(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("session"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "devstore").Err(err).Msg("ws upgrade failed")
		return
	}

	// The callback can fire before SubscribeChanges returns, so it must not
	// touch the subscription handle. Overflow is a signal the write pump
	// acts on; the client resubscribes with a fresh snapshot.
	relay := newFeedRelay(64)
	sub, err := s.store.SubscribeChanges(c.Request.Context(), sessionID, func(ev core.ChangeEvent) {
		relay.push(storews.WireEvent{
			Op:  string(ev.Type),
			Row: storews.FromDomain(ev.Row),
			Seq: s.seq.Add(1),
		})
	})
	if err != nil {
		_ = ws.Close()
		return
	}

	log.Info().Str("module", "devstore").Str("session", string(sessionID)).Msg("feed client attached")

	go s.readPump(ws, sub)
	s.writePump(ws, sub, relay)
}

// readPump only services pongs and detects the client going away.
func (s *Server) readPump(ws *websocket.Conn, sub core.Subscription) {
	ws.SetReadLimit(1 << 12)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			sub.Close()
			return
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, sub core.Subscription, relay *feedRelay) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = ws.Close()
	}()

	for {
		select {
		case ev := <-relay.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-relay.overflow:
			return
		case <-sub.Done():
			return
		}
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Error().Str("module", "devstore").
			Str("request_id", c.GetString("request_id")).
			Err(err).Msg("store failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
