package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"genie-hub-backend/internal/config"
	"genie-hub-backend/internal/model"
	"genie-hub-backend/internal/storage"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	chunks []string
	err    error
	input  []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	messages := make([]*schema.Message, len(f.chunks))
	for i, c := range f.chunks {
		messages[i] = schema.AssistantMessage(c, nil)
	}
	return schema.StreamReaderFromArray(messages), nil
}

func newChatFixture(t *testing.T, chatModel einoModel.BaseChatModel, cfg config.AssistantConfig) (*ChatService, storage.Storage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Init())
	return NewChatService(store, chatModel, cfg, config.RateLimitConfig{}), store
}

func createConversation(t *testing.T, store storage.Storage, id, convContext string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.CreateConversation(&model.Conversation{
		ID:        id,
		IPAddress: "10.0.0.1",
		Context:   convContext,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func collect(respChan <-chan model.ChatResponse, errChan <-chan error) ([]model.ChatResponse, error) {
	var responses []model.ChatResponse
	for resp := range respChan {
		responses = append(responses, resp)
	}
	return responses, <-errChan
}

func TestChatService_StreamStoresTranscript(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Hello", "", ", Ada"}}
	svc, store := newChatFixture(t, fake, config.AssistantConfig{})
	createConversation(t, store, "s1", model.ContextTechnology)

	responses, err := collect(svc.StreamChat(context.Background(), "s1", "hi there"))
	require.NoError(t, err)

	require.Len(t, responses, 3)
	assert.Equal(t, "Hello", responses[0].Content)
	assert.Equal(t, ", Ada", responses[1].Content)
	assert.True(t, responses[2].Done)
	assert.Equal(t, responses[0].MessageID, responses[2].MessageID)

	messages, err := svc.GetMessages("s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "hi there", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "Hello, Ada", messages[1].Content)

	require.Len(t, fake.input, 2)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Equal(t, defaultTechnologyPrompt, fake.input[0].Content)
	assert.Equal(t, "hi there", fake.input[1].Content)
}

func TestChatService_HistoryAndContextPrompt(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"ok"}}
	svc, store := newChatFixture(t, fake, config.AssistantConfig{
		HealthcarePrompt:   "Healthcare {not a variable}",
		MaxHistoryMessages: 2,
	})
	createConversation(t, store, "s1", model.ContextHealthcare)

	for _, text := range []string{"one", "two", "three"} {
		_, err := collect(svc.StreamChat(context.Background(), "s1", text))
		require.NoError(t, err)
	}

	// system + last two stored turns + new question
	require.Len(t, fake.input, 4)
	assert.Equal(t, "Healthcare {not a variable}", fake.input[0].Content)
	assert.Equal(t, schema.User, fake.input[1].Role)
	assert.Equal(t, "two", fake.input[1].Content)
	assert.Equal(t, schema.Assistant, fake.input[2].Role)
	assert.Equal(t, "three", fake.input[3].Content)
}

func TestChatService_Refusals(t *testing.T) {
	ctx := context.Background()

	svc, store := newChatFixture(t, &fakeChatModel{chunks: []string{"x"}}, config.AssistantConfig{})
	_, err := collect(svc.StreamChat(ctx, "missing", "hi"))
	assert.True(t, errors.Is(err, ErrConversationNotFound))

	createConversation(t, store, "ended", model.ContextTechnology)
	conversation, err := store.GetConversation("ended")
	require.NoError(t, err)
	conversation.Status = model.StatusEnded
	require.NoError(t, store.UpdateConversation(conversation))

	_, err = collect(svc.StreamChat(ctx, "ended", "hi"))
	assert.True(t, errors.Is(err, ErrConversationEnded))

	unavailable, _ := newChatFixture(t, nil, config.AssistantConfig{})
	assert.False(t, unavailable.Available())
	_, err = collect(unavailable.StreamChat(ctx, "any", "hi"))
	assert.True(t, errors.Is(err, ErrChatUnavailable))
}

func TestChatService_ModelError(t *testing.T) {
	svc, store := newChatFixture(t, &fakeChatModel{err: errors.New("upstream down")}, config.AssistantConfig{})
	createConversation(t, store, "s1", model.ContextTechnology)

	responses, err := collect(svc.StreamChat(context.Background(), "s1", "hi"))
	require.Error(t, err)
	assert.Empty(t, responses)

	// The question is kept even though no answer arrived.
	messages, err := svc.GetMessages("s1")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestChatService_MessageCeiling(t *testing.T) {
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Init())
	svc := NewChatService(store, &fakeChatModel{chunks: []string{"ok"}}, config.AssistantConfig{}, config.RateLimitConfig{
		Enabled:                    true,
		MaxMessagesPerConversation: 2,
	})
	createConversation(t, store, "s1", model.ContextTechnology)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := collect(svc.StreamChat(ctx, "s1", "hi"))
		require.NoError(t, err)

		conversation, err := svc.CheckTurn("s1")
		if i < 2 {
			require.NoError(t, err)
			assert.Equal(t, i, conversation.MessageCount)
		} else {
			assert.True(t, errors.Is(err, ErrMessageLimit))
		}
	}

	responses, err := collect(svc.StreamChat(ctx, "s1", "too many"))
	assert.True(t, errors.Is(err, ErrMessageLimit))
	assert.Empty(t, responses)

	conversation, err := store.GetConversation("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, conversation.MessageCount)
	assert.Len(t, conversation.Messages, 4, "the refused turn is not stored")
}

func TestChatService_TurnKeepsHigherReportedCount(t *testing.T) {
	svc, store := newChatFixture(t, &fakeChatModel{chunks: []string{"ok"}}, config.AssistantConfig{})
	createConversation(t, store, "s1", model.ContextTechnology)

	conversation, err := store.GetConversation("s1")
	require.NoError(t, err)
	conversation.MessageCount = 5
	require.NoError(t, store.UpdateConversation(conversation))

	_, err = collect(svc.StreamChat(context.Background(), "s1", "hi"))
	require.NoError(t, err)

	conversation, err = store.GetConversation("s1")
	require.NoError(t, err)
	assert.Equal(t, 5, conversation.MessageCount)
}
