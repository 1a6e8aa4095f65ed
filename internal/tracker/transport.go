package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"genie-hub-backend/internal/model"
)

// Invoker sends one conversation-rate-limiter call.
type Invoker interface {
	Invoke(ctx context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error)
}

// IPResolver looks up the caller's public IP address.
type IPResolver interface {
	ResolveIP(ctx context.Context) (string, error)
}

// HTTPInvoker posts limiter calls as JSON to the limiter endpoint.
type HTTPInvoker struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPInvoker(url, apiKey string, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker{url: url, apiKey: apiKey, client: client}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req *model.LimiterRequest) (*model.ConversationLimits, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal limiter request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build limiter request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("apikey", h.apiKey)
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("limiter request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read limiter response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("limiter returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("limiter returned %d", resp.StatusCode)
	}

	var limits model.ConversationLimits
	if err := json.Unmarshal(data, &limits); err != nil {
		return nil, fmt.Errorf("decode limiter response: %w", err)
	}
	return &limits, nil
}

// HTTPIPResolver reads {"ip": "..."} from an IP lookup service.
type HTTPIPResolver struct {
	url    string
	client *http.Client
}

func NewHTTPIPResolver(url string, client *http.Client) *HTTPIPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPIPResolver{url: url, client: client}
}

func (r *HTTPIPResolver) ResolveIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("build ip lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip lookup returned %d", resp.StatusCode)
	}

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode ip lookup response: %w", err)
	}

	ip := strings.TrimSpace(payload.IP)
	if ip == "" {
		return "", fmt.Errorf("ip lookup returned an empty address")
	}
	return ip, nil
}
