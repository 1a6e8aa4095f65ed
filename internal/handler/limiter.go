package handler

import (
	"context"
	"errors"
	"net/http"

	"genie-hub-backend/internal/model"
	"genie-hub-backend/internal/service"
	"genie-hub-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// LimiterProcessor is the service behind the conversation-rate-limiter endpoint.
type LimiterProcessor interface {
	Process(ctx context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error)
}

type LimiterHandler struct {
	limiter LimiterProcessor
}

func NewLimiterHandler(limiter LimiterProcessor) *LimiterHandler {
	return &LimiterHandler{limiter: limiter}
}

// Handle serves POST /functions/v1/conversation-rate-limiter.
func (h *LimiterHandler) Handle(c *gin.Context) {
	var req model.LimiterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	limits, err := h.limiter.Process(c.Request.Context(), &req)
	if err != nil {
		status := limiterErrorStatus(err)
		if status == http.StatusInternalServerError {
			logger.Errorf("Limiter %s failed: %v", req.Action, err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, limits)
}

func limiterErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAction),
		errors.Is(err, service.ErrMissingIP),
		errors.Is(err, service.ErrMissingSession),
		errors.Is(err, service.ErrInvalidSession):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConversationEnded),
		errors.Is(err, service.ErrDuplicateSession):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
