package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/edforge/edforge/internal/metrics"
	"github.com/edforge/edforge/pkg/config"
)

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	endpoint    string
	model       string
	apiKey      string
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	metrics     *metrics.Metrics
}

// NewHTTPClient builds a client from provider config. The API key is read
// from the configured environment variable, never from the config file.
func NewHTTPClient(cfg config.ProviderConfig) *HTTPClient {
	return &HTTPClient{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		apiKey:      os.Getenv(cfg.APIKeyEnv),
		client:      &http.Client{Timeout: cfg.Timeout},
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		metrics:     metrics.NewMetrics(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Protocol. Transient failures (429, 5xx, network) are
// retried with exponential backoff up to the configured cap; the last error
// is returned wrapped as transient so callers can count it against the
// execution's retry budget.
func (c *HTTPClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	backoff := c.baseBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}

		resp, err := c.doOnce(ctx, body)
		if err == nil {
			c.metrics.ProviderRequests.WithLabelValues("ok").Inc()
			c.metrics.ProviderTokens.Add(float64(resp.TotalTokens()))
			return resp, nil
		}
		if !IsTransient(err) {
			c.metrics.ProviderRequests.WithLabelValues("error").Inc()
			return nil, err
		}
		c.metrics.ProviderRequests.WithLabelValues("transient").Inc()
		lastErr = err
		log.Printf("[Provider] Transient completion failure (attempt %d/%d): %v", attempt+1, c.maxRetries+1, err)
	}
	return nil, lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, body []byte) (*CompletionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, TransientError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, TransientError(fmt.Errorf("provider returned %d", resp.StatusCode))
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, TransientError(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, TransientError(fmt.Errorf("provider returned no choices"))
	}

	return &CompletionResponse{
		Text:             parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}
