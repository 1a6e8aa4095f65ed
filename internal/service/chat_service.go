package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"genie-hub-backend/internal/config"
	"genie-hub-backend/internal/model"
	"genie-hub-backend/internal/storage"
	"genie-hub-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

const (
	defaultTechnologyPrompt = "You are Genie, a friendly assistant for technology questions. " +
		"Answer clearly and concisely, and ask a follow-up question when the request is ambiguous."
	defaultHealthcarePrompt = "You are Genie, an assistant for general healthcare questions. " +
		"Give careful, factual information and always recommend consulting a qualified professional for diagnosis or treatment."
	defaultMaxHistory = 20
)

// ChatService streams assistant replies for conversations admitted by the
// limiter and keeps their transcripts.
type ChatService struct {
	storage storage.Storage
	model   einoModel.BaseChatModel
	cfg     config.AssistantConfig
	limits  config.RateLimitConfig
	now     func() time.Time

	// mu serialises turn admission so concurrent streams cannot both take
	// the last allowed turn.
	mu sync.Mutex
}

func NewChatService(store storage.Storage, chatModel einoModel.BaseChatModel, cfg config.AssistantConfig, limits config.RateLimitConfig) *ChatService {
	if cfg.TechnologyPrompt == "" {
		cfg.TechnologyPrompt = defaultTechnologyPrompt
	}
	if cfg.HealthcarePrompt == "" {
		cfg.HealthcarePrompt = defaultHealthcarePrompt
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = defaultMaxHistory
	}

	return &ChatService{
		storage: store,
		model:   chatModel,
		cfg:     cfg,
		limits:  limits,
		now:     time.Now,
	}
}

// Available reports whether a chat model is configured.
func (s *ChatService) Available() bool {
	return s.model != nil
}

func (s *ChatService) GetConversation(sessionID string) (*model.Conversation, error) {
	conversation, err := s.storage.GetConversation(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conversation, nil
}

func (s *ChatService) GetMessages(sessionID string) ([]model.Message, error) {
	messages, err := s.storage.GetMessages(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	result := make([]model.Message, len(messages))
	for i, msg := range messages {
		result[i] = *msg
	}
	return result, nil
}

// CheckTurn reports whether the conversation can take one more user turn
// without recording anything.
func (s *ChatService) CheckTurn(sessionID string) (*model.Conversation, error) {
	conversation, err := s.GetConversation(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.nextTurn(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// nextTurn returns the message count after one more user turn: the higher
// of the reported count and the user turns in the transcript.
func (s *ChatService) nextTurn(conversation *model.Conversation) (int, error) {
	if !conversation.Active() {
		return 0, ErrConversationEnded
	}

	turns := 1
	for _, msg := range conversation.Messages {
		if msg.Role == string(schema.User) {
			turns++
		}
	}

	count := conversation.MessageCount
	if turns > count {
		count = turns
	}

	if limit := s.limits.MaxMessagesPerConversation; s.limits.Enabled && limit > 0 && count > limit &&
		!s.limits.IsExemptEmail(conversation.UserEmail) {
		return 0, fmt.Errorf("%w: %d messages allowed", ErrMessageLimit, limit)
	}
	return count, nil
}

// admitTurn counts the user turn on the conversation and stores the user
// message. The returned conversation holds the transcript before the turn.
func (s *ChatService) admitTurn(sessionID, message string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, err := s.GetConversation(sessionID)
	if err != nil {
		return nil, err
	}

	count, err := s.nextTurn(conversation)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if count != conversation.MessageCount {
		updated := *conversation
		updated.MessageCount = count
		updated.UpdatedAt = now
		if err := s.storage.UpdateConversation(&updated); err != nil {
			return nil, fmt.Errorf("failed to update message count: %w", err)
		}
	}

	userMessage := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: sessionID,
		Role:           string(schema.User),
		Content:        message,
		Timestamp:      now,
	}
	if err := s.storage.AddMessage(sessionID, userMessage); err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}

	return conversation, nil
}

// StreamChat stores the user message, streams the assistant reply chunk by
// chunk and stores the full reply once the model finishes. The last value
// on the response channel has Done set.
func (s *ChatService) StreamChat(ctx context.Context, sessionID, message string) (<-chan model.ChatResponse, <-chan error) {
	respChan := make(chan model.ChatResponse, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(respChan)
		defer close(errChan)

		if err := s.streamChat(ctx, sessionID, message, respChan); err != nil {
			errChan <- err
		}
	}()

	return respChan, errChan
}

func (s *ChatService) streamChat(ctx context.Context, sessionID, message string, out chan<- model.ChatResponse) error {
	if s.model == nil {
		return ErrChatUnavailable
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message is required")
	}

	conversation, err := s.admitTurn(sessionID, message)
	if err != nil {
		return err
	}

	history := s.history(conversation.Messages)

	template := prompt.FromMessages(schema.FString,
		schema.SystemMessage("{system_prompt}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{user_query}"),
	)

	input, err := template.Format(ctx, map[string]any{
		"system_prompt": s.systemPrompt(conversation.Context),
		"history":       history,
		"user_query":    message,
	})
	if err != nil {
		return fmt.Errorf("failed to format prompt: %w", err)
	}

	stream, err := s.model.Stream(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to start model stream: %w", err)
	}
	defer stream.Close()

	messageID := uuid.NewString()
	var fullContent strings.Builder

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Errorf("Model stream failed for %s: %v", sessionID, err)
			return err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		fullContent.WriteString(chunk.Content)
		select {
		case out <- model.ChatResponse{
			SessionID: sessionID,
			MessageID: messageID,
			Content:   chunk.Content,
			Role:      string(schema.Assistant),
			Timestamp: s.now().Unix(),
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fullContent.Len() > 0 {
		reply := &model.Message{
			ID:             messageID,
			ConversationID: sessionID,
			Role:           string(schema.Assistant),
			Content:        fullContent.String(),
			Timestamp:      s.now(),
		}
		if err := s.storage.AddMessage(sessionID, reply); err != nil {
			return fmt.Errorf("failed to save assistant message: %w", err)
		}
	}

	select {
	case out <- model.ChatResponse{
		SessionID: sessionID,
		MessageID: messageID,
		Role:      string(schema.Assistant),
		Timestamp: s.now().Unix(),
		Done:      true,
	}:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (s *ChatService) systemPrompt(convContext string) string {
	if convContext == model.ContextHealthcare {
		return s.cfg.HealthcarePrompt
	}
	return s.cfg.TechnologyPrompt
}

// history converts the tail of a transcript to eino messages.
func (s *ChatService) history(messages []model.Message) []*schema.Message {
	if len(messages) > s.cfg.MaxHistoryMessages {
		messages = messages[len(messages)-s.cfg.MaxHistoryMessages:]
	}

	result := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch schema.RoleType(msg.Role) {
		case schema.User:
			result = append(result, schema.UserMessage(msg.Content))
		case schema.Assistant:
			result = append(result, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return result
}
