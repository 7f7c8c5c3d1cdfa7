package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yangnaru/oeee-cafe-sub000/internal/auth"
	"github.com/yangnaru/oeee-cafe-sub000/internal/config"
	"github.com/yangnaru/oeee-cafe-sub000/internal/presence"
	"github.com/yangnaru/oeee-cafe-sub000/internal/service"
)

// 保存接口收原始 PNG 字节,限制在 16MB 以内。
const maxSaveBytes = 16 << 20

// Handler 聚合所有 HTTP handler,依赖注入 service 层。
type Handler struct {
	cfg      config.Config
	userSvc  *service.UserService
	sessions *service.SessionService
	registry *presence.Registry
}

func NewHandler(cfg config.Config, userSvc *service.UserService, sessions *service.SessionService, registry *presence.Registry) *Handler {
	return &Handler{cfg: cfg, userSvc: userSvc, sessions: sessions, registry: registry}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		LoginName string `json:"login_name"`
		Password  string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.LoginName = strings.TrimSpace(req.LoginName)
	if req.LoginName == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.LoginName) < 2 || len(req.LoginName) > 64 || strings.Contains(req.LoginName, ":") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid login name"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.LoginName, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "login name taken"})
			return
		}
		log.Error().Err(err).Str("login_name", req.LoginName).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "login_name": result.LoginName})
}

// Login 处理登录,同时把 access token 写进 session cookie,
// 浏览器端的 WebSocket 升级靠它鉴权。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		LoginName string `json:"login_name"`
		Password  string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.LoginName = strings.TrimSpace(req.LoginName)
	if req.LoginName == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.LoginName, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("login_name", req.LoginName).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.SetCookie(auth.SessionCookie, result.AccessToken,
		h.cfg.AccessTokenTTLMinutes*60, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "login_name": result.User.LoginName},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.SetCookie(auth.SessionCookie, result.AccessToken,
		h.cfg.AccessTokenTTLMinutes*60, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// CreateSession 创建协作绘画会话。
func (h *Handler) CreateSession(c *gin.Context) {
	var req struct {
		Title           string `json:"title"`
		Width           int    `json:"width"`
		Height          int    `json:"height"`
		IsPublic        bool   `json:"is_public"`
		CommunityID     *uint  `json:"community_id"`
		MaxParticipants int    `json:"max_participants"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if len(req.Title) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid title"})
		return
	}
	session, err := h.sessions.Create(service.CreateParams{
		OwnerID:     auth.GetUserID(c),
		Title:       req.Title,
		Width:       req.Width,
		Height:      req.Height,
		IsPublic:    req.IsPublic,
		Capacity:    req.MaxParticipants,
		CommunityID: req.CommunityID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"url":        "/collaborate/" + session.ID.String(),
	})
}

// ListSessions 返回大厅:未满员的公开活跃会话,附带实时在线人数。
func (h *Handler) ListSessions(c *gin.Context) {
	entries, err := h.sessions.ListActive(100)
	if err != nil {
		log.Error().Err(err).Msg("list sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	type sessionDTO struct {
		SessionID       uuid.UUID `json:"session_id"`
		Title           string    `json:"title"`
		Width           int       `json:"width"`
		Height          int       `json:"height"`
		MaxParticipants int       `json:"max_participants"`
		ActiveUsers     int       `json:"active_users"`
		URL             string    `json:"url"`
	}
	out := make([]sessionDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, sessionDTO{
			SessionID:       e.Session.ID,
			Title:           e.Session.Title,
			Width:           e.Session.Width,
			Height:          e.Session.Height,
			MaxParticipants: e.Session.MaxParticipants,
			ActiveUsers:     e.Active,
			URL:             "/collaborate/" + e.Session.ID.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// SaveSession 把会话成品存为帖子,仅限所有者,重复保存幂等拒绝。
func (h *Handler) SaveSession(c *gin.Context) {
	sid, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	png, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSaveBytes+1))
	if err != nil || len(png) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image"})
		return
	}
	if len(png) > maxSaveBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	result, err := h.sessions.Save(ctx, sid, auth.GetUserID(c), png)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, service.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
		case errors.Is(err, service.ErrAlreadySaved):
			c.JSON(http.StatusConflict, gin.H{"error": "already_saved"})
		default:
			log.Error().Err(err).Str("session_id", sid.String()).Msg("save session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"post_id":          result.PostID,
		"owner_login_name": result.OwnerLogin,
		"post_url":         result.PostURL,
	})
}

// SessionMeta 返回会话元信息与当前在线人数。
func (h *Handler) SessionMeta(c *gin.Context) {
	sid, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	meta, err := h.sessions.GetMeta(sid)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		log.Error().Err(err).Str("session_id", sid.String()).Msg("session meta")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	users, err := h.registry.RoomUsers(c.Request.Context(), sid)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sid.String()).Msg("meta room users")
	}
	c.JSON(http.StatusOK, gin.H{
		"title":              meta.Title,
		"width":              meta.Width,
		"height":             meta.Height,
		"owner_id":           meta.OwnerID,
		"owner_login_name":   meta.OwnerLogin,
		"saved_post_id":      meta.SavedPostID,
		"max_users":          meta.MaxUsers,
		"current_user_count": len(users),
	})
}
