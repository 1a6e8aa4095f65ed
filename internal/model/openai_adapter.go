package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	"genie-hub-backend/internal/config"
	"genie-hub-backend/internal/utils"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// openaiChatModel adapts go-openai to the eino chat model interface.
type openaiChatModel struct {
	client *openai.Client
	model  string
}

func newOpenAIChatModel(_ context.Context, cfg config.OpenAIConfig) (*openaiChatModel, error) {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = utils.NewHTTPClient(cfg.Timeout)

	return &openaiChatModel{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}, nil
}

func (m *openaiChatModel) Generate(ctx context.Context, messages []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: convertMessages(messages),
	})
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	return &schema.Message{
		Role:    schema.Assistant,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

func (m *openaiChatModel) Stream(ctx context.Context, messages []*schema.Message, _ ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: convertMessages(messages),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	reader, writer := schema.Pipe[*schema.Message](100)

	go func() {
		defer writer.Close()
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				writer.Send(nil, fmt.Errorf("openai stream recv: %w", err))
				return
			}

			if len(response.Choices) == 0 || response.Choices[0].Delta.Content == "" {
				continue
			}

			closed := writer.Send(&schema.Message{
				Role:    schema.Assistant,
				Content: response.Choices[0].Delta.Content,
			}, nil)
			if closed {
				return
			}
		}
	}()

	return reader, nil
}

func convertMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case schema.Assistant:
			role = openai.ChatMessageRoleAssistant
		case schema.System:
			role = openai.ChatMessageRoleSystem
		}

		// Empty assistant turns are rejected by the API.
		if msg.Content == "" && role == openai.ChatMessageRoleAssistant {
			continue
		}

		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return result
}
