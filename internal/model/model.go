package model

import (
	"context"
	"fmt"
	"net/http"

	"genie-hub-backend/internal/config"
	"genie-hub-backend/internal/utils"
	"genie-hub-backend/pkg/logger"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
)

// NewChatModel builds the assistant model for the configured provider.
func NewChatModel(ctx context.Context, cfg *config.Config) (einoModel.BaseChatModel, error) {
	switch cfg.Model.Provider {
	case "openai":
		return createOpenAIModel(ctx, cfg.OpenAI)
	case "doubao":
		return createDoubaoModel(ctx, cfg.Doubao)
	case "qwen":
		return createQwenModel(ctx, cfg.Qwen)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Model.Provider)
	}
}

func createOpenAIModel(ctx context.Context, cfg config.OpenAIConfig) (einoModel.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai.api_key is not set")
	}
	logger.Infof("Using OpenAI model %s (key %s)", cfg.Model, maskKey(cfg.APIKey))
	return newOpenAIChatModel(ctx, cfg)
}

func createDoubaoModel(ctx context.Context, cfg config.DoubaoConfig) (einoModel.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("doubao.api_key is not set")
	}
	logger.Infof("Using Doubao model %s (key %s)", cfg.Model, maskKey(cfg.APIKey))

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey: cfg.APIKey,
		Model:  cfg.Model,
		CustomHeader: map[string]string{
			"X-Ark-Thinking-Mode": "disable",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create doubao model: %w", err)
	}
	return chatModel, nil
}

func createQwenModel(ctx context.Context, cfg config.QwenConfig) (einoModel.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("qwen.api_key is not set")
	}
	logger.Infof("Using Qwen model %s at %s (key %s)", cfg.Model, cfg.BaseURL, maskKey(cfg.APIKey))

	httpClient := utils.NewHTTPClient(cfg.Timeout)
	httpClient.Transport = &debugTransport{base: httpClient.Transport, provider: "qwen"}

	chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   &cfg.MaxTokens,
		Temperature: &cfg.Temperature,
		TopP:        &cfg.TopP,
		Timeout:     cfg.Timeout,
		HTTPClient:  httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create qwen model: %w", err)
	}
	return chatModel, nil
}

// debugTransport logs outgoing model requests at debug level. Headers are
// never logged since they carry the API key.
type debugTransport struct {
	base     http.RoundTripper
	provider string
}

func (t *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	logger.Debugf("[%s] %s %s", t.provider, req.Method, req.URL.Redacted())

	resp, err := base.RoundTrip(req)
	if err != nil {
		logger.Warnf("[%s] request failed: %v", t.provider, err)
		return nil, err
	}
	logger.Debugf("[%s] status %d", t.provider, resp.StatusCode)
	return resp, nil
}

func maskKey(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return key[:6] + "..."
}
