package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quran-academy/internal/auth"
	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/realtime"
	"quran-academy/internal/ringing"
	"quran-academy/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	errNoCall     = errors.New("no accepted call")
	errBadMessage = errors.New("unsupported message")
)

type Deps struct {
	Feed   realtime.Feed
	Store  classes.Store
	Events calllog.Appender
	Cache  classes.Invalidator

	RingTimeout    time.Duration
	AfterFunc      ringing.AfterFunc
	AllowedOrigins []string
}

// Handler upgrades student/parent browsers and mounts their ring controller for the life of
// the socket.
type Handler struct {
	deps     Deps
	registry *Registry
	upgrader websocket.Upgrader
}

func NewHandler(deps Deps, registry *Registry) *Handler {
	if registry == nil {
		registry = NewRegistry()
	}
	h := &Handler{deps: deps, registry: registry}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) Registry() *Registry { return h.registry }

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.deps.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, o := range h.deps.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeWS handles GET /v1/realtime/ws. Identity comes from the access token; the student is
// resolved server-side and never taken from the client.
func (h *Handler) ServeWS(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	studentID, err := h.deps.Store.StudentForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, classes.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no student linked to this account"})
			return
		}
		log.Error("student lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "student lookup failed"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	displayName := strings.TrimSpace(c.Query("name"))
	if displayName == "" {
		displayName = "Student"
	}

	conn := NewConnection(ws, userID, studentID)
	log = log.With("student_id", studentID)
	h.registry.Register(conn)

	sess := newSession(h, conn, displayName, log)
	defer func() {
		sess.close()
		h.registry.Unregister(conn)
		_ = conn.Close()
		log.Info("realtime disconnected")
	}()

	if err := sess.ring.Start(ctx); err != nil {
		log.Error("ring controller start failed", "err", err)
		sess.write(Outbound{Type: MsgError, Error: "realtime unavailable"})
		return
	}
	log.Info("realtime connected")
	sess.write(Outbound{Type: MsgReady, StudentID: studentID, RingState: ringing.StateIdle})

	h.readLoop(ctx, conn, sess, log)
}

func (h *Handler) readLoop(ctx context.Context, conn *Connection, sess *session, log *slog.Logger) {
	if err := conn.prepareRead(); err != nil {
		return
	}
	for {
		data, err := conn.readMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket closed", "err", err)
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.fail(errBadMessage)
			continue
		}
		sess.dispatch(ctx, msg)
	}
}
