package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"genie-hub-backend/internal/quota"
	"genie-hub-backend/internal/service"

	"github.com/gin-gonic/gin"
)

const adminTokenHeader = "X-Admin-Token"

type AdminHandler struct {
	limiter *service.LimiterService
}

func NewAdminHandler(limiter *service.LimiterService) *AdminHandler {
	return &AdminHandler{limiter: limiter}
}

// RequireToken rejects requests without the configured admin token. An empty
// token disables the admin API.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}
		got := c.GetHeader(adminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func (h *AdminHandler) ListConversations(c *gin.Context) {
	conversations, err := h.limiter.ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"total":         len(conversations),
	})
}

func (h *AdminHandler) GetUsage(c *gin.Context) {
	scope, identifier, ok := usagePath(c)
	if !ok {
		return
	}

	usages, err := h.limiter.Usage(c.Request.Context(), scope, identifier)
	if err != nil {
		c.JSON(quotaErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scope":      scope,
		"identifier": identifier,
		"usages":     usages,
	})
}

func (h *AdminHandler) ResetUsage(c *gin.Context) {
	scope, identifier, ok := usagePath(c)
	if !ok {
		return
	}

	if err := h.limiter.ResetUsage(c.Request.Context(), scope, identifier); err != nil {
		c.JSON(quotaErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "usage reset"})
}

func usagePath(c *gin.Context) (quota.Scope, string, bool) {
	scope, err := quota.ParseScope(c.Param("scope"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", "", false
	}
	return scope, c.Param("identifier"), true
}

func quotaErrorStatus(err error) int {
	if errors.Is(err, quota.ErrInvalidIdentifier) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
