package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/coord"
	"github.com/orincore/circleback/internal/store"
)

func (h *Handler) listSessions(c *gin.Context) {
	filter := store.SessionFilter(c.DefaultQuery("filter", string(store.FilterActive)))
	switch filter {
	case store.FilterAll, store.FilterActive, store.FilterArchived:
	default:
		fail(c, apperr.New(apperr.CodeInvalidContent, "unknown filter"))
		return
	}

	sessions, err := h.repo.Sessions.ListForUser(c.Request.Context(), userID(c), filter)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *Handler) getSession(c *gin.Context) {
	s, err := h.coord.Sessions().Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(s)})
}

func (h *Handler) listMessages(c *gin.Context) {
	uid := userID(c)
	if _, err := h.coord.Sessions().Get(c.Request.Context(), c.Param("id"), uid); err != nil {
		fail(c, err)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	if limit > h.cfg.PageSizeMax {
		limit = h.cfg.PageSizeMax
	}

	msgs, err := h.repo.Messages.Paginate(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": messagesJSON(msgs),
		"page":     page,
		"limit":    limit,
	})
}

func (h *Handler) searchMessages(c *gin.Context) {
	uid := userID(c)
	if _, err := h.coord.Sessions().Get(c.Request.Context(), c.Param("id"), uid); err != nil {
		fail(c, err)
		return
	}

	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, apperr.New(apperr.CodeInvalidContent, "q is required"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > h.cfg.PageSizeMax {
		limit = h.cfg.PageSizeMax
	}

	msgs, err := h.repo.Messages.Search(c.Request.Context(), c.Param("id"), q, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messagesJSON(msgs)})
}

type postMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, err.Error()))
		return
	}

	msg, err := h.coord.SendMessage(c.Request.Context(), userID(c), c.Param("id"), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": messageJSON(msg)})
}

func (h *Handler) endSession(c *gin.Context) {
	if err := h.coord.EndSession(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

func (h *Handler) archiveSession(c *gin.Context) {
	if err := h.coord.Sessions().Archive(c.Request.Context(), c.Param("id"), userID(c), true); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

func (h *Handler) unarchiveSession(c *gin.Context) {
	if err := h.coord.Sessions().Archive(c.Request.Context(), c.Param("id"), userID(c), false); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": false})
}

type createSessionRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Type   string `json:"type"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, err.Error()))
		return
	}

	uid := userID(c)
	if h.blocks != nil && h.blocks.Blocked(c.Request.Context(), uid, req.UserID) {
		fail(c, apperr.New(apperr.CodeInvalidContent, "cannot open a session with this user"))
		return
	}
	if _, err := h.repo.Users.GetByID(c.Request.Context(), req.UserID); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, "unknown user"))
		return
	}

	typ := coord.Preference(req.Type)
	if req.Type == "" {
		typ = coord.PrefFriendship
	}
	s, err := h.coord.CreateSession(c.Request.Context(), uid, req.UserID, typ)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": gin.H{
		"id":     s.ID,
		"user_a": s.UserA,
		"user_b": s.UserB,
		"type":   s.Type,
	}})
}

// startSearch is the HTTP alias for entering the search pool; it only works
// for users with a live WebSocket connection, since match proposals are
// delivered there.
func (h *Handler) startSearch(c *gin.Context) {
	if err := h.coord.StartSearch(c.Request.Context(), userID(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"searching": true})
}

func (h *Handler) blockUser(c *gin.Context) {
	if h.blocks == nil {
		fail(c, apperr.New(apperr.CodeInternal, "block list unavailable"))
		return
	}
	target := c.Param("userId")
	if target == userID(c) {
		fail(c, apperr.New(apperr.CodeInvalidContent, "cannot block yourself"))
		return
	}
	if err := h.blocks.Block(c.Request.Context(), userID(c), target); err != nil {
		fail(c, apperr.Storage())
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": true})
}

func (h *Handler) unblockUser(c *gin.Context) {
	if h.blocks == nil {
		fail(c, apperr.New(apperr.CodeInternal, "block list unavailable"))
		return
	}
	if err := h.blocks.Unblock(c.Request.Context(), userID(c), c.Param("userId")); err != nil {
		fail(c, apperr.Storage())
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": false})
}

func (h *Handler) editMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, err.Error()))
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		fail(c, apperr.New(apperr.CodeInvalidContent, "message is empty"))
		return
	}

	msg, err := h.repo.Messages.Edit(c.Request.Context(), c.Param("id"), userID(c), content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messageJSON(msg)})
}

func (h *Handler) deleteMessage(c *gin.Context) {
	if err := h.repo.Messages.Delete(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *Handler) addReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidContent, err.Error()))
		return
	}

	// Reactions are participant-only.
	msg, err := h.repo.Messages.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := h.coord.Sessions().Get(c.Request.Context(), msg.SessionID, userID(c)); err != nil {
		fail(c, err)
		return
	}

	updated, err := h.repo.Messages.AddReaction(c.Request.Context(), c.Param("id"), userID(c), req.Emoji)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messageJSON(updated)})
}

func sessionJSON(s *store.Session) gin.H {
	return gin.H{
		"id":              s.ID,
		"user_a":          s.UserA,
		"user_b":          s.UserB,
		"type":            s.Type,
		"active":          s.Active,
		"archived":        s.Archived,
		"last_message_id": s.LastMessageID,
		"unread_count":    s.UnreadCount,
		"created_at":      s.CreatedAt,
		"updated_at":      s.UpdatedAt,
	}
}

func messageJSON(m *store.Message) gin.H {
	return gin.H{
		"id":         m.ID,
		"session_id": m.SessionID,
		"sender_id":  m.SenderID,
		"content":    m.Content,
		"created_at": m.CreatedAt,
		"read_by":    m.ReadBy,
		"edited":     m.Edited,
		"edited_at":  m.EditedAt,
		"reactions":  m.Reactions,
	}
}

func messagesJSON(msgs []*store.Message) []gin.H {
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(m))
	}
	return out
}
