// Package httpapi exposes the thin REST surface: account management and
// chat history/administration. Real-time traffic goes over the WebSocket;
// these endpoints serve clients that are not connected or need history.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/block"
	"github.com/orincore/circleback/internal/coord"
	"github.com/orincore/circleback/internal/ratelimit"
	"github.com/orincore/circleback/internal/store"
)

// Config holds the HTTP surface settings.
type Config struct {
	JWTSecret   []byte
	TokenTTL    time.Duration
	PageSizeMax int
}

// Handler bundles the dependencies of the REST endpoints.
type Handler struct {
	cfg     Config
	repo    *store.Repository
	coord   *coord.Coordinator
	blocks  *block.Store
	limiter *ratelimit.Limiter
}

// NewHandler creates the REST handler. blocks and limiter may be nil when
// Redis is not configured.
func NewHandler(cfg Config, repo *store.Repository, c *coord.Coordinator, blocks *block.Store, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		cfg:     cfg,
		repo:    repo,
		coord:   c,
		blocks:  blocks,
		limiter: limiter,
	}
}

// Register mounts all routes on the engine.
func (h *Handler) Register(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/register", h.register)
		auth.POST("/login", h.login)
		auth.GET("/me", h.authRequired(), h.me)
		auth.PUT("/profile", h.authRequired(), h.updateProfile)
		auth.PUT("/chat-preference", h.authRequired(), h.updateChatPreference)
	}

	chat := r.Group("/chat", h.authRequired())
	{
		chat.GET("", h.listSessions)
		chat.POST("/create-session", h.createSession)
		chat.POST("/start-search", h.startSearch)
		chat.POST("/block/:userId", h.blockUser)
		chat.POST("/unblock/:userId", h.unblockUser)
		chat.GET("/:id", h.getSession)
		chat.GET("/:id/messages", h.listMessages)
		chat.GET("/:id/messages/search", h.searchMessages)
		chat.POST("/:id/messages", h.postMessage)
		chat.PUT("/:id/end", h.endSession)
		chat.PUT("/:id/archive", h.archiveSession)
		chat.PUT("/:id/unarchive", h.unarchiveSession)
	}

	msgs := r.Group("/messages", h.authRequired())
	{
		msgs.PUT("/:id", h.editMessage)
		msgs.DELETE("/:id", h.deleteMessage)
		msgs.POST("/:id/reactions", h.addReaction)
	}
}

// fail renders an error with its stable code. Storage misses become 404s;
// everything without a known code is a 500.
func fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		err = apperr.New(apperr.CodeSessionNotFound, "not found")
	}
	if errors.Is(err, store.ErrForbidden) {
		err = apperr.NotAParticipant()
	}
	code := apperr.CodeOf(err)
	c.JSON(statusFor(code), gin.H{
		"error": gin.H{
			"code":    code,
			"message": apperr.MessageOf(err),
		},
	})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeAuthRequired:
		return http.StatusUnauthorized
	case apperr.CodeNotAParticipant:
		return http.StatusForbidden
	case apperr.CodeSessionNotFound:
		return http.StatusNotFound
	case apperr.CodeSessionNotActive, apperr.CodeAlreadyInSession,
		apperr.CodeMatchExpired, apperr.CodeInvalidState:
		return http.StatusConflict
	case apperr.CodeInvalidContent:
		return http.StatusBadRequest
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeStorageFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
