package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-voiceloop/internal/httpc"
)

const engineWhisper = "whisper"

// Whisper transcribes through an OpenAI-compatible /audio/transcriptions
// endpoint.
type Whisper struct {
	config *Config
	client *http.Client
	logger *slog.Logger
}

// NewWhisper creates a Whisper engine.
// An API key is only required for the hosted OpenAI endpoint.
func NewWhisper(opts ...Option) (*Whisper, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if cfg.APIKey == "" && strings.Contains(cfg.BaseURL, "api.openai.com") {
		return nil, ErrNoAPIKey
	}

	return &Whisper{
		config: cfg,
		client: httpc.NewClient(cfg.Timeout),
		logger: cfg.Logger.With("component", "transcription.whisper"),
	}, nil
}

type whisperResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe uploads samples as a WAV file.
func (w *Whisper) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	start := time.Now()

	body, contentType, err := w.buildForm(EncodeWAV(samples, sampleRate))
	if err != nil {
		return nil, WrapError(engineWhisper, err)
	}

	url := strings.TrimSuffix(w.config.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, WrapError(engineWhisper, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, WrapError(engineWhisper, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, WrapError(engineWhisper, fmt.Errorf("decode response: %w", err))
	}

	result := &Result{
		Text:       strings.TrimSpace(out.Text),
		Confidence: segmentConfidence(out),
		Language:   out.Language,
		Latency:    time.Since(start),
	}

	w.logger.Debug("transcribed",
		"chars", len(result.Text),
		"confidence", result.Confidence,
		"latency_ms", result.Latency.Milliseconds())
	return result, nil
}

func (w *Whisper) buildForm(wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"model":           w.config.Model,
		"response_format": "verbose_json",
	}
	if w.config.Language != "" {
		fields["language"] = w.config.Language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// segmentConfidence maps the mean segment log-probability to [0, 1].
// Servers that omit segments get full confidence.
func segmentConfidence(r whisperResponse) float64 {
	if len(r.Segments) == 0 {
		return 1
	}
	var sum float64
	for _, s := range r.Segments {
		sum += s.AvgLogprob
	}
	return math.Min(1, math.Exp(sum/float64(len(r.Segments))))
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message, Provider: engineWhisper}
}

// Name returns "whisper".
func (w *Whisper) Name() string { return engineWhisper }

// Close releases idle connections.
func (w *Whisper) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

var _ Engine = (*Whisper)(nil)
