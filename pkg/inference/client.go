package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voiceloop/internal/httpc"
)

const providerClient = "openai-compatible"

// Client streams completions from any OpenAI-compatible API
// (Ollama, OpenAI, vLLM, Together, Groq, etc.).
type Client struct {
	baseURL string
	apiKey  string
	config  *Config
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a new inference client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, WrapError(providerClient, err)
	}
	if cfg.APIKey == "" && strings.Contains(cfg.BaseURL, "api.openai.com") {
		return nil, WrapError(providerClient, ErrNoAPIKey)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		config:  cfg,
		http:    httpc.NewStreamingClient(),
		logger:  cfg.Logger.With("component", "inference.client"),
	}, nil
}

// Stream starts a streaming chat completion.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	body, err := json.Marshal(c.buildChatPayload(req, model))
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("marshal payload: %w", err))
	}

	var cancel context.CancelFunc = func() {}
	if c.config.StreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.config.StreamTimeout)
	}

	start := time.Now()
	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		cancel()
		return nil, err
	}

	c.logger.Debug("stream opened",
		"model", model,
		"messages", len(req.Messages),
		"latency_ms", time.Since(start).Milliseconds())

	return &clientStream{
		reader: bufio.NewReader(resp.Body),
		body:   resp.Body,
		cancel: cancel,
	}, nil
}

// doWithRetry opens the stream, retrying connection failures and
// retryable statuses. Nothing is retried once the body is handed out.
func (c *Client) doWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, WrapError(providerClient, fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = WrapError(providerClient, fmt.Errorf("stream request: %w", err))
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := c.parseError(resp)
		resp.Body.Close()
		if ae, ok := apiErr.(*APIError); ok && !ae.IsRetryable() {
			return nil, apiErr
		}
		lastErr = apiErr
		c.logger.Warn("retrying stream request", "attempt", attempt+1, "status", resp.StatusCode)
	}

	return nil, lastErr
}

func (c *Client) buildChatPayload(req *ChatRequest, model string) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]string{"role": string(m.Role), "content": m.Content}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}

	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"stream":      true,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	return payload
}

// parseError reads the body of a failed request.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return decodeAPIError(providerClient, resp.StatusCode, body)
}

// Name returns the provider name.
func (c *Client) Name() string { return providerClient }

// Close releases resources.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// clientStream implements Stream for SSE responses.
type clientStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	cancel context.CancelFunc

	closed atomic.Bool
	done   bool
}

// Recv returns the next stream chunk. It must not be called concurrently.
func (s *clientStream) Recv() (*StreamChunk, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	if s.done {
		return &StreamChunk{Done: true}, nil
	}

	for {
		line, err := s.reader.ReadString('\n')
		if s.closed.Load() {
			return nil, ErrStreamClosed
		}
		if err == io.EOF && strings.TrimSpace(line) == "" {
			s.done = true
			return &StreamChunk{Done: true}, nil
		}
		if err != nil && err != io.EOF {
			return nil, WrapError(providerClient, fmt.Errorf("read stream: %w", err))
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return &StreamChunk{Done: true}, nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Skip malformed events
			continue
		}
		if event.Error != nil && event.Error.Message != "" {
			return nil, &APIError{Message: event.Error.Message, Provider: providerClient}
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		finish := ""
		if choice.FinishReason != nil {
			finish = *choice.FinishReason
		}
		if finish != "" {
			s.done = true
		}
		return &StreamChunk{
			Delta:        choice.Delta.Content,
			FinishReason: finish,
			Done:         finish != "",
		}, nil
	}
}

// Close stops the stream. It may be called while Recv is blocked.
func (s *clientStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.body.Close()
	s.cancel()
	return err
}

// streamEvent is the SSE event format.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

var _ Provider = (*Client)(nil)
