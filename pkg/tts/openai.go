package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-voiceloop/internal/httpc"
	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

const (
	// kokoroBaseURL is the default Kokoro-FastAPI endpoint.
	kokoroBaseURL  = "http://localhost:8880/v1"
	providerOpenAI = "openai"

	// openAIPCMRate is the sample rate of response_format=pcm.
	openAIPCMRate = 24000
)

// Voice and model options.
const (
	VoiceAFHeart = "af_heart" // Kokoro default voice
	VoiceShimmer = "shimmer"  // OpenAI soft female voice
	VoiceNova    = "nova"     // OpenAI female voice

	ModelKokoro = "kokoro"
	ModelTTS1   = "tts-1"
)

// OpenAI implements Provider for the OpenAI-compatible /audio/speech
// endpoint. It requests raw PCM so no decoder is needed.
type OpenAI struct {
	config  *Config
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewOpenAI creates an OpenAI-compatible provider. It defaults to a local
// Kokoro-FastAPI server; an API key is only required for api.openai.com.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = kokoroBaseURL
	cfg.ModelID = ModelKokoro
	cfg.VoiceID = VoiceAFHeart
	cfg.Apply(opts...)

	if strings.Contains(cfg.BaseURL, "api.openai.com") {
		if err := cfg.Validate(); err != nil {
			return nil, WrapError(providerOpenAI, err)
		}
	}

	return &OpenAI{
		config:  cfg,
		client:  httpc.NewClient(cfg.Timeout),
		logger:  cfg.Logger.With("component", "tts.openai"),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}, nil
}

// Synthesize converts text to audio.
func (o *OpenAI) Synthesize(ctx context.Context, text, voice string, speed float64) (*AudioResult, error) {
	if strings.TrimSpace(text) == "" {
		return &AudioResult{SampleRate: openAIPCMRate}, nil
	}
	voice, speed = o.config.resolve(voice, speed)
	start := time.Now()

	body, err := json.Marshal(map[string]any{
		"model":           o.config.ModelID,
		"voice":           voice,
		"input":           text,
		"speed":           speed,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := o.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("read response: %w", err))
	}

	samples := audioio.PCM16ToFloat32(pcm)
	latency := time.Since(start).Milliseconds()

	o.logger.Debug("synthesized audio",
		"chars", len(text),
		"samples", len(samples),
		"latency_ms", latency,
		"voice", voice,
	)

	return &AudioResult{
		Samples:    samples,
		SampleRate: openAIPCMRate,
		Duration:   audioio.SamplesDuration(len(samples), openAIPCMRate),
		CharCount:  len(text),
		LatencyMs:  latency,
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return providerOpenAI }

// Close releases resources.
func (o *OpenAI) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

// doWithRetry performs the request, retrying connection failures and
// retryable statuses. The request is rebuilt for every attempt.
func (o *OpenAI) doWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/audio/speech", bytes.NewReader(body))
		if err != nil {
			return nil, WrapError(providerOpenAI, fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if o.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+o.config.APIKey)
		}

		resp, err := o.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = WrapError(providerOpenAI, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := o.parseError(resp)
		resp.Body.Close()
		if !apiErr.IsRetryable() {
			return nil, apiErr
		}
		lastErr = apiErr
		o.logger.Warn("retrying request", "attempt", attempt+1, "status", resp.StatusCode)
	}

	return nil, lastErr
}

// parseError reads and parses an error response.
func (o *OpenAI) parseError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
		Detail any `json:"detail"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil {
		switch {
		case errResp.Error.Message != "":
			message = errResp.Error.Message
			code = errResp.Error.Code
		case errResp.Detail != nil:
			// FastAPI servers report errors as {"detail": ...}.
			message = fmt.Sprint(errResp.Detail)
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerOpenAI,
	}
}

// Verify OpenAI implements Provider at compile time.
var _ Provider = (*OpenAI)(nil)
