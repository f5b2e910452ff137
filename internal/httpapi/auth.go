package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/coord"
	"github.com/orincore/circleback/internal/ratelimit"
	"github.com/orincore/circleback/internal/store"
)

const ctxUserID = "userID"

// authRequired parses and verifies the Bearer token and stores the user id
// on the request context.
func (h *Handler) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			fail(c, apperr.AuthRequired())
			c.Abort()
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return h.cfg.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			fail(c, apperr.AuthRequired())
			c.Abort()
			return
		}

		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			fail(c, apperr.AuthRequired())
			c.Abort()
			return
		}

		c.Set(ctxUserID, sub)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func (h *Handler) issueToken(uid string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.cfg.TokenTTL)),
	})
	return token.SignedString(h.cfg.JWTSecret)
}

type registerRequest struct {
	Username       string   `json:"username" binding:"required,min=3,max=32"`
	Password       string   `json:"password" binding:"required,min=8,max=128"`
	DisplayName    string   `json:"display_name"`
	Interests      []string `json:"interests"`
	ChatPreference string   `json:"chat_preference"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, err.Error()))
		return
	}

	pref := coord.Preference(req.ChatPreference)
	if req.ChatPreference == "" {
		pref = coord.PrefFriendship
	}
	if !coord.ValidPreference(pref) {
		fail(c, apperr.New(apperr.CodeInvalidContent, "unknown chat preference"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		fail(c, apperr.Internal())
		return
	}

	u, err := h.repo.Users.Create(c.Request.Context(), store.NewUser{
		Username:       strings.ToLower(strings.TrimSpace(req.Username)),
		DisplayName:    strings.TrimSpace(req.DisplayName),
		PasswordHash:   string(hash),
		Interests:      coord.NormalizeInterests(req.Interests),
		ChatPreference: string(pref),
	})
	if err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, "username unavailable"))
		return
	}

	token, err := h.issueToken(u.ID)
	if err != nil {
		fail(c, apperr.Internal())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "user": publicUser(u)})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, err.Error()))
		return
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(c.Request.Context(), username, ratelimit.RuleLogin); !allowed {
			fail(c, apperr.New(apperr.CodeRateLimited, "too many login attempts"))
			return
		}
	}

	u, err := h.repo.Users.GetByUsername(c.Request.Context(), username)
	if err != nil {
		fail(c, apperr.New(apperr.CodeAuthRequired, "invalid credentials"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		fail(c, apperr.New(apperr.CodeAuthRequired, "invalid credentials"))
		return
	}

	token, err := h.issueToken(u.ID)
	if err != nil {
		fail(c, apperr.Internal())
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": publicUser(u)})
}

func (h *Handler) me(c *gin.Context) {
	u, err := h.repo.Users.GetByID(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": publicUser(u)})
}

type profileRequest struct {
	DisplayName string   `json:"display_name"`
	Interests   []string `json:"interests"`
}

func (h *Handler) updateProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, err.Error()))
		return
	}

	interests := coord.NormalizeInterests(req.Interests)
	if len(interests) == 0 {
		fail(c, apperr.New(apperr.CodeInvalidContent, "at least one interest required"))
		return
	}

	u, err := h.repo.Users.UpdateProfile(c.Request.Context(), userID(c),
		strings.TrimSpace(req.DisplayName), interests)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.coord.RefreshProfile(c.Request.Context(), u.ID); err != nil {
		// The durable record is updated; the in-memory profile catches up
		// on the next connection.
		c.JSON(http.StatusOK, gin.H{"user": publicUser(u), "applied": "next-session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": publicUser(u)})
}

type preferenceRequest struct {
	ChatPreference string `json:"chat_preference" binding:"required"`
}

func (h *Handler) updateChatPreference(c *gin.Context) {
	var req preferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, err.Error()))
		return
	}
	if !coord.ValidPreference(coord.Preference(req.ChatPreference)) {
		fail(c, apperr.New(apperr.CodeInvalidContent, "unknown chat preference"))
		return
	}

	u, err := h.repo.Users.UpdateChatPreference(c.Request.Context(), userID(c), req.ChatPreference)
	if err != nil {
		fail(c, err)
		return
	}
	_ = h.coord.RefreshProfile(c.Request.Context(), u.ID)
	c.JSON(http.StatusOK, gin.H{"user": publicUser(u)})
}

func publicUser(u *store.User) gin.H {
	return gin.H{
		"id":              u.ID,
		"username":        u.Username,
		"display_name":    u.DisplayName,
		"interests":       u.Interests,
		"chat_preference": u.ChatPreference,
		"online":          u.Online,
		"last_active":     u.LastActive,
	}
}
