package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"genie-hub-backend/internal/model"
	"genie-hub-backend/internal/service"
	"genie-hub-backend/internal/utils"
	"genie-hub-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	streamTimeout     = 5 * time.Minute
	heartbeatInterval = 30 * time.Second
)

type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

func (h *ChatHandler) StreamChat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.chatService.Available() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": service.ErrChatUnavailable.Error()})
		return
	}

	// Refuse unknown, ended or exhausted conversations before switching to SSE.
	if _, err := h.chatService.CheckTurn(req.SessionID); err != nil {
		if errors.Is(err, service.ErrMessageLimit) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":              err.Error(),
				"restriction_reason": model.ReasonMessageLimit,
			})
			return
		}
		c.JSON(chatErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	sseWriter := utils.NewSSEWriter(c.Writer)

	ctx, cancel := context.WithTimeout(c.Request.Context(), streamTimeout)
	defer cancel()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sseWriter.WriteJSON("heartbeat", gin.H{"timestamp": time.Now().Unix()}); err != nil {
					logger.Warnf("Heartbeat write failed: %v", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	respChan, errChan := h.chatService.StreamChat(ctx, req.SessionID, req.Message)

	for {
		select {
		case resp, ok := <-respChan:
			if !ok {
				// Drain a trailing error sent just before the channels closed.
				if errChan != nil {
					if err, ok := <-errChan; ok && err != nil {
						h.writeStreamError(sseWriter, err)
					}
				}
				sseWriter.Close()
				return
			}
			if err := sseWriter.WriteJSON("message", resp); err != nil {
				logger.Errorf("Failed to write SSE: %v", err)
				return
			}

		case err, ok := <-errChan:
			if ok && err != nil {
				h.writeStreamError(sseWriter, err)
				sseWriter.Close()
				return
			}
			errChan = nil

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				h.writeStreamError(sseWriter, ctx.Err())
			}
			sseWriter.Close()
			return
		}
	}
}

func (h *ChatHandler) writeStreamError(w *utils.SSEWriter, err error) {
	logger.Errorf("Chat stream failed: %v", err)
	if werr := w.WriteJSON("error", gin.H{
		"error":     err.Error(),
		"timestamp": time.Now().Unix(),
	}); werr != nil {
		logger.Warnf("Failed to write SSE error: %v", werr)
	}
}

func (h *ChatHandler) GetConversation(c *gin.Context) {
	conversation, err := h.chatService.GetConversation(c.Param("id"))
	if err != nil {
		c.JSON(chatErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, model.ConversationResponse{
		SessionID:    conversation.ID,
		Context:      conversation.Context,
		Status:       conversation.Status,
		CreatedAt:    conversation.CreatedAt,
		UpdatedAt:    conversation.UpdatedAt,
		MessageCount: conversation.MessageCount,
	})
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("id")

	messages, err := h.chatService.GetMessages(sessionID)
	if err != nil {
		c.JSON(chatErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConversationEnded):
		return http.StatusConflict
	case errors.Is(err, service.ErrChatUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrMessageLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
