package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/transport"
)

const (
	adminKey   = "admin"
	sessionKey = "session"
)

// AdminOnly rejects requests whose session did not log in, and logs every
// change an admin session makes.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		if ok, _ := s.Get(adminKey).(bool); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
			return
		}
		id, _ := s.Get(sessionKey).(string)
		c.Set(sessionKey, id)
		c.Next()

		if c.Request.Method != http.MethodGet && c.Writer.Status() < http.StatusBadRequest {
			log.Info().Str("module", "adapters.http").Str("session", id).Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).Msg("admin action")
		}
	}
}

type handlers struct {
	secret string
	relay  *app.Relay
	server *transport.Server
	up     websocket.Upgrader
}

// SetupRouter serves health, metrics, the admin API and the WebSocket transport.
func SetupRouter(cfg *config.Config, relay *app.Relay, server *transport.Server, metrics http.Handler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	// The relay keys its blacklist and join limits on this address.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("bad trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}

	secret := cfg.Secret
	if secret == "" {
		// Sessions still need a key; nobody can log in without a secret.
		secret = uuid.NewString()
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int((24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions("RelaySessions", store))

	h := &handlers{
		secret: cfg.Secret,
		relay:  relay,
		server: server,
		up: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r.GET("/healthz", h.health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	api := r.Group("/api")
	api.GET("/ws", h.ws)
	api.POST("/login", h.login)
	api.GET("/rooms", h.rooms)
	api.GET("/rooms/:id", h.room)

	admin := api.Group("", AdminOnly())
	admin.DELETE("/rooms/:id", h.closeRoom)
	admin.POST("/rooms/:id/message", h.messageRoom)
	admin.POST("/broadcast", h.broadcast)
	admin.GET("/blacklist", h.blacklist)
	admin.POST("/blacklist", h.blacklistAdd)
	admin.DELETE("/blacklist/*entry", h.blacklistRemove)
	admin.GET("/stats", h.stats)
	admin.GET("/whoami", h.whoami)

	log.Info().Str("module", "adapters.http").Bool("admin", cfg.Secret != "").Msg("router setup")
	return r
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) ws(c *gin.Context) {
	ws, err := h.up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("websocket upgrade failed")
		return
	}
	addr, _ := netip.ParseAddr(c.ClientIP())
	log.Debug().Str("module", "adapters.http").Str("addr", addr.String()).Str("remote", c.RemoteIP()).Msg("ws transport connected")
	h.server.ServeWS(ws, addr)
}

func (h *handlers) login(c *gin.Context) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing secret"})
		return
	}
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.secret)) != 1 {
		log.Warn().Str("module", "adapters.http").Str("remote", c.RemoteIP()).Msg("admin login refused")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}
	id := uuid.NewString()
	s := sessions.Default(c)
	s.Set(adminKey, true)
	s.Set(sessionKey, id)
	if err := s.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", id).Str("remote", c.RemoteIP()).Msg("admin logged in")
	c.Status(http.StatusNoContent)
}

func (h *handlers) rooms(c *gin.Context) {
	rooms, err := h.relay.Rooms(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func roomID(c *gin.Context) (domain.RoomID, bool) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return domain.NoRoom, false
	}
	return id, true
}

func (h *handlers) room(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	room, err := h.relay.Room(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handlers) closeRoom(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	if err := h.relay.CloseRoom(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type messageRequest struct {
	Text  string `json:"text" binding:"required"`
	Popup bool   `json:"popup"`
}

func (h *handlers) messageRoom(c *gin.Context) {
	id, ok := roomID(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.relay.MessageRoom(c.Request.Context(), id, req.Text, req.Popup); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) broadcast(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := h.relay.Broadcast(c.Request.Context(), req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": n})
}

func (h *handlers) blacklist(c *gin.Context) {
	entries, err := h.relay.Blacklist(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *handlers) blacklistAdd(c *gin.Context) {
	var req struct {
		Entry string `json:"entry" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := h.relay.BlacklistAdd(c.Request.Context(), req.Entry)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

func (h *handlers) blacklistRemove(c *gin.Context) {
	entry := strings.TrimPrefix(c.Param("entry"), "/")
	removed, err := h.relay.BlacklistRemove(c.Request.Context(), entry)
	if err != nil {
		fail(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such entry"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) stats(c *gin.Context) {
	st, err := h.relay.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) whoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session": c.GetString(sessionKey), "admin": true})
}

func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, app.ErrRelayStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, app.ErrBadBlacklistEntry):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Str("module", "adapters.http").Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
