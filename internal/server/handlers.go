package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/comigor/unichat-go/internal/agent"
	"github.com/comigor/unichat-go/internal/apperr"
	"github.com/comigor/unichat-go/internal/history"
	"github.com/comigor/unichat-go/internal/logger"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

type handlers struct {
	chat   Chat
	store  Store
	images Images
}

type userRequest struct {
	UserID     string  `json:"user_id" binding:"required"`
	Name       string  `json:"name" binding:"required"`
	Email      string  `json:"email" binding:"required"`
	Picture    *string `json:"picture"`
	GivenName  *string `json:"given_name"`
	FamilyName *string `json:"family_name"`
}

type userResponse struct {
	*history.User
	ConversationsCount int64 `json:"conversations_count"`
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.L.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"detail": apperr.Detail(err)})
}

func bindError(err error) error {
	return apperr.NewValidationError(err.Error(), err)
}

func requiredQuery(c *gin.Context, key string) (string, error) {
	v := c.Query(key)
	if v == "" {
		return "", apperr.NewValidationError(key+" is required", nil)
	}
	return v, nil
}

func (h *handlers) userWithCount(c *gin.Context, u *history.User) {
	n, err := h.store.CountConversations(c.Request.Context(), u.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse{User: u, ConversationsCount: n})
}

func (h *handlers) upsertUser(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}
	u, err := h.store.UpsertUser(c.Request.Context(), history.User{
		UserID:     req.UserID,
		Name:       req.Name,
		Email:      req.Email,
		Picture:    req.Picture,
		GivenName:  req.GivenName,
		FamilyName: req.FamilyName,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	h.userWithCount(c, u)
}

func (h *handlers) getUser(c *gin.Context) {
	u, err := h.store.GetUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.userWithCount(c, u)
}

func (h *handlers) deleteUser(c *gin.Context) {
	if err := h.store.DeleteUser(c.Request.Context(), c.Param("user_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

func (h *handlers) unifiedChat(c *gin.Context) {
	var req agent.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}
	resp, err := h.chat.Process(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) getConversation(c *gin.Context) {
	userID, err := requiredQuery(c, "user_id")
	if err != nil {
		respondError(c, err)
		return
	}
	conv, err := h.store.GetOwnedConversation(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.NewValidationError(key+" must be an integer", err)
	}
	return n, nil
}

// listConversations never fails on a storage error: it logs it and returns
// an empty list.
func (h *handlers) listConversations(c *gin.Context) {
	userID, err := requiredQuery(c, "user_id")
	if err != nil {
		respondError(c, err)
		return
	}
	skip, err := queryInt(c, "skip", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil {
		respondError(c, err)
		return
	}
	skip = max(skip, 0)
	limit = min(max(limit, 1), maxListLimit)

	convs, err := h.store.ListConversations(c.Request.Context(), userID, skip, limit)
	if err != nil {
		logger.L.Warn("Listing conversations failed, returning empty list", zap.String("user_id", userID), zap.Error(err))
		convs = nil
	}
	if convs == nil {
		convs = []*history.Conversation{}
	}
	c.JSON(http.StatusOK, convs)
}

func (h *handlers) deleteConversation(c *gin.Context) {
	userID, err := requiredQuery(c, "user_id")
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.store.DeleteConversation(c.Request.Context(), c.Param("id"), userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted successfully"})
}

func (h *handlers) getImage(c *gin.Context) {
	id, ok := strings.CutSuffix(c.Param("file"), ".png")
	if !ok {
		respondError(c, apperr.NewNotFoundError("Image not found"))
		return
	}
	data, err := h.images.Read(id)
	if apperr.IsBadRequest(err) {
		err = apperr.NewNotFoundError("Image not found")
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}
