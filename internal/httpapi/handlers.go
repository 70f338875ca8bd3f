// Package httpapi exposes the dialer core over HTTP. Handlers translate
// between the wire and the engine; no business rules live here.
package httpapi

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"dialer-platform/internal/auth"
	"dialer-platform/internal/dialer"
	"dialer-platform/internal/leads"
	"dialer-platform/internal/rbac"
	"dialer-platform/internal/status"
	"dialer-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Server struct {
	engine *dialer.Engine
	store  leads.Store
	agg    *status.Aggregator
	hub    *status.Hub

	authManager   *auth.Manager
	webhookSecret string
	log           *slog.Logger

	upgrader websocket.Upgrader
}

type Config struct {
	Engine        *dialer.Engine
	Store         leads.Store
	Aggregator    *status.Aggregator
	Hub           *status.Hub
	AuthManager   *auth.Manager
	WebhookSecret string
	Logger        *slog.Logger
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:        cfg.Engine,
		store:         cfg.Store,
		agg:           cfg.Aggregator,
		hub:           cfg.Hub,
		authManager:   cfg.AuthManager,
		webhookSecret: cfg.WebhookSecret,
		log:           log,
		upgrader: websocket.Upgrader{
			// Dashboards are served from a separate origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the full gin router, middleware included.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(s.log))

	r.GET("/healthz", s.healthz)
	r.POST("/auth/login", s.login)
	r.POST("/webhooks/provider/events", s.providerWebhook)

	v1 := r.Group("/v1", auth.RequireToken(s.authManager))

	repOrAdmin := v1.Group("", rbac.RequireAnyRole(rbac.RoleRep))
	repOrAdmin.POST("/sessions", s.createSession)
	repOrAdmin.GET("/sessions/current", s.currentSession)
	repOrAdmin.POST("/sessions/end", s.endSession)
	repOrAdmin.POST("/sessions/autodial", s.setAutoDial)
	repOrAdmin.POST("/calls/end", s.endCall)
	repOrAdmin.POST("/calls/redial", s.redial)
	repOrAdmin.POST("/callbacks", s.scheduleCallback)
	repOrAdmin.POST("/callbacks/:id/complete", s.completeCallback)
	repOrAdmin.POST("/leads/dnc", s.markDNC)
	repOrAdmin.POST("/leads/:id/upsell-tags", s.addUpsellTag)
	repOrAdmin.DELETE("/leads/:id/upsell-tags/:tag_id", s.removeUpsellTag)

	adminOnly := v1.Group("/status", rbac.RequireAnyRole())
	adminOnly.GET("/live", s.liveStatus)
	adminOnly.GET("/stream", s.statusStream)

	return r
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

// login issues a session credential.
//
// NOTE: Skeleton-only endpoint. Real deployments must validate credentials
// against the identity provider before issuing.
func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and role are required"})
		return
	}
	if !rbac.ValidRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	token, err := s.authManager.Issue(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

/* sessions */

type createSessionRequest struct {
	AutoDialEnabled bool `json:"auto_dial_enabled"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	repID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}
	sess, err := s.engine.StartSession(c.Request.Context(), repID, req.AutoDialEnabled)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) currentSession(c *gin.Context) {
	repID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}
	sess, ok, err := s.engine.GetActiveSession(c.Request.Context(), repID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type endSessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) endSession(c *gin.Context) {
	var req endSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if !s.ownsSession(c, req.SessionID) {
		return
	}
	sess, err := s.engine.EndSession(c.Request.Context(), req.SessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": sess.Status})
}

type setAutoDialRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Enabled   *bool  `json:"enabled" binding:"required"`
}

func (s *Server) setAutoDial(c *gin.Context) {
	var req setAutoDialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and enabled are required"})
		return
	}
	if !s.ownsSession(c, req.SessionID) {
		return
	}
	sess, err := s.engine.SetAutoDial(c.Request.Context(), req.SessionID, *req.Enabled)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

/* calls */

type endCallRequest struct {
	CallID string `json:"call_id" binding:"required"`
}

func (s *Server) endCall(c *gin.Context) {
	var req endCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id is required"})
		return
	}
	if !s.ownsCall(c, req.CallID) {
		return
	}
	call, sess, err := s.engine.EndCall(c.Request.Context(), req.CallID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome":        call.Outcome,
		"session_status": sess.Status,
	})
}

type redialRequest struct {
	CallID    string `json:"call_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) redial(c *gin.Context) {
	var req redialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id and session_id are required"})
		return
	}
	if !s.ownsSession(c, req.SessionID) {
		return
	}
	call, err := s.engine.Redial(c.Request.Context(), req.CallID, req.SessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

/* leads */

type scheduleCallbackRequest struct {
	LeadID      string    `json:"lead_id" binding:"required"`
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

func (s *Server) scheduleCallback(c *gin.Context) {
	var req scheduleCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lead_id and scheduled_at are required"})
		return
	}
	cb, err := s.engine.ScheduleCallback(c.Request.Context(), req.LeadID, req.ScheduledAt)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cb)
}

func (s *Server) completeCallback(c *gin.Context) {
	cb, err := s.engine.CompleteCallback(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "callback": cb})
}

type dncRequest struct {
	LeadID string `json:"lead_id" binding:"required"`
}

func (s *Server) markDNC(c *gin.Context) {
	var req dncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lead_id is required"})
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	if err := s.engine.MarkDNC(c.Request.Context(), req.LeadID, userID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type addTagRequest struct {
	Label string `json:"label" binding:"required"`
}

func (s *Server) addUpsellTag(c *gin.Context) {
	var req addTagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
		return
	}
	tag, err := s.store.AddUpsellTag(c.Request.Context(), c.Param("id"), req.Label)
	if err != nil {
		s.respondError(c, mapLeadErr(err))
		return
	}
	c.JSON(http.StatusCreated, tag)
}

func (s *Server) removeUpsellTag(c *gin.Context) {
	tagID := c.Param("tag_id")
	tag, err := s.store.RemoveUpsellTag(c.Request.Context(), tagID, time.Now())
	if err != nil || tag.LeadID != c.Param("id") {
		if err == nil {
			err = dialer.ErrNotFound
		}
		s.respondError(c, mapLeadErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

/* status */

func (s *Server) liveStatus(c *gin.Context) {
	snap, err := s.agg.Snapshot(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) statusStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response.
		logger.FromGin(c).Warn("websocket upgrade failed", "err", err)
		return
	}
	s.hub.Add(c.Request.Context(), conn)
}

/* webhook */

const providerSecretHeader = "X-Provider-Secret"

type providerEventRequest struct {
	ProviderCallID string `json:"provider_call_id" binding:"required"`
	Event          string `json:"event" binding:"required"`
}

var knownProviderEvents = map[string]struct{}{
	"answered": {}, "no-answer": {}, "voicemail": {},
	"missed": {}, "completed": {}, "failed": {},
}

func (s *Server) providerWebhook(c *gin.Context) {
	if s.webhookSecret != "" {
		got := c.GetHeader(providerSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
			return
		}
	}

	var req providerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider_call_id and event are required"})
		return
	}
	if _, ok := knownProviderEvents[req.Event]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event"})
		return
	}

	if err := s.engine.HandleProviderEvent(c.Request.Context(), req.ProviderCallID, req.Event); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

/* helpers */

// ownsSession rejects reps acting on sessions they do not own. Admins may act
// on any session. Foreign sessions read as 404 to avoid leaking ids.
func (s *Server) ownsSession(c *gin.Context, sessionID string) bool {
	role, _ := auth.Role(c.Request.Context())
	if rbac.IsAdmin(role) {
		return true
	}
	userID, _ := auth.UserID(c.Request.Context())
	sess, err := s.engine.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, err)
		return false
	}
	if sess.RepID != userID {
		s.respondError(c, dialer.ErrNotFound)
		return false
	}
	return true
}

func (s *Server) ownsCall(c *gin.Context, callID string) bool {
	role, _ := auth.Role(c.Request.Context())
	if rbac.IsAdmin(role) {
		return true
	}
	userID, _ := auth.UserID(c.Request.Context())
	call, err := s.engine.GetCall(c.Request.Context(), callID)
	if err != nil {
		s.respondError(c, err)
		return false
	}
	if call.RepID != userID {
		s.respondError(c, dialer.ErrNotFound)
		return false
	}
	return true
}

func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dialer.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, dialer.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, dialer.ErrProvider):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider error"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func mapLeadErr(err error) error {
	switch {
	case errors.Is(err, leads.ErrNotFound):
		return dialer.ErrNotFound
	case errors.Is(err, leads.ErrConflict):
		return dialer.ErrConflict
	default:
		return err
	}
}
