package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

const (
	elevenLabsWSBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	providerElevenLabs  = "elevenlabs"
)

// ElevenLabs model IDs
const (
	// ModelTurboV2_5 is the fastest English model (~200ms latency).
	ModelTurboV2_5 = "eleven_turbo_v2_5"

	// ModelFlashV2_5 is the fastest multilingual model (~150ms latency).
	ModelFlashV2_5 = "eleven_flash_v2_5"

	// ModelMultilingualV2 is the highest quality multilingual model (~300ms latency).
	ModelMultilingualV2 = "eleven_multilingual_v2"
)

// ElevenLabsVoices maps preset names to ElevenLabs voice IDs.
var ElevenLabsVoices = map[string]string{
	"charlotte": "XB0fDUnXU5powFXDhCwa", // British female, warm
	"aria":      "9BWtsMINqrJLrRacOk9x", // American female, expressive
	"sarah":     "EXAVITQu4vr4xnSDxMaL", // American female, soft
	"rachel":    "21m00Tcm4TlvDq8ikWAM", // American female, calm
	"josh":      "TxGEqnHWrfWFTfGW9XjX", // American male, deep
	"adam":      "pNInz6obpgDQGcFmaJgB", // American male, deep
}

// DefaultElevenLabsVoice is the default voice preset.
const DefaultElevenLabsVoice = "charlotte"

// ResolveElevenLabsVoice returns the voice ID for a preset name,
// or the input unchanged if it's already a voice ID.
func ResolveElevenLabsVoice(name string) string {
	if id, ok := ElevenLabsVoices[name]; ok {
		return id
	}
	return name
}

// ElevenLabs implements Provider over the ElevenLabs stream-input
// WebSocket. Each Synthesize call opens a connection, sends the text with
// an end-of-stream marker and collects PCM until the final message.
type ElevenLabs struct {
	config  *Config
	logger  *slog.Logger
	dialer  *websocket.Dialer
	baseURL string
}

// NewElevenLabs creates an ElevenLabs provider. It outputs 16 kHz PCM by
// default.
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	cfg := DefaultConfig()
	cfg.ModelID = ModelTurboV2_5
	cfg.VoiceID = DefaultElevenLabsVoice
	cfg.OutputFormat = EncodingPCM16
	cfg.Apply(opts...)

	if err := cfg.ValidateWithVoice(); err != nil {
		return nil, WrapError(providerElevenLabs, err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = elevenLabsWSBaseURL
	}

	return &ElevenLabs{
		config:  cfg,
		logger:  cfg.Logger.With("component", "tts.elevenlabs"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

type elevenLabsMessage struct {
	Audio   string `json:"audio"`
	IsFinal *bool  `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Synthesize converts text to audio.
func (e *ElevenLabs) Synthesize(ctx context.Context, text, voice string, speed float64) (*AudioResult, error) {
	sampleRate := SampleRateFromEncoding(e.config.OutputFormat)
	if strings.TrimSpace(text) == "" {
		return &AudioResult{SampleRate: sampleRate}, nil
	}
	voice, speed = e.config.resolve(voice, speed)
	voiceID := ResolveElevenLabsVoice(voice)

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := e.dial(ctx, voiceID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := e.send(conn, text, speed); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, WrapError(providerElevenLabs, err)
	}

	var pcm []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return nil, WrapError(providerElevenLabs, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
		}

		var msg elevenLabsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.logger.Warn("failed to parse message", "error", err)
			continue
		}
		if msg.Error != "" {
			return nil, &APIError{Message: msg.Message, Code: msg.Error, Provider: providerElevenLabs}
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				e.logger.Warn("failed to decode audio", "error", err)
			} else {
				pcm = append(pcm, chunk...)
			}
		}
		if msg.IsFinal != nil && *msg.IsFinal {
			break
		}
	}

	samples := audioio.PCM16ToFloat32(pcm)
	latency := time.Since(start).Milliseconds()

	e.logger.Debug("synthesized audio",
		"chars", len(text),
		"samples", len(samples),
		"latency_ms", latency,
		"voice", voiceID,
	)

	return &AudioResult{
		Samples:    samples,
		SampleRate: sampleRate,
		Duration:   audioio.SamplesDuration(len(samples), sampleRate),
		CharCount:  len(text),
		LatencyMs:  latency,
	}, nil
}

func (e *ElevenLabs) dial(ctx context.Context, voiceID string) (*websocket.Conn, error) {
	query := url.Values{}
	query.Set("model_id", e.config.ModelID)
	query.Set("output_format", string(e.config.OutputFormat))
	endpoint := fmt.Sprintf("%s/%s/stream-input?%s", e.baseURL, url.PathEscape(voiceID), query.Encode())

	headers := http.Header{}
	headers.Set("xi-api-key", e.config.APIKey)

	conn, resp, err := e.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("websocket dial failed: %v", err),
				Provider:   providerElevenLabs,
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, WrapError(providerElevenLabs, fmt.Errorf("websocket dial: %w", err))
	}
	return conn, nil
}

// send writes the opening message, the text and the end-of-stream marker.
func (e *ElevenLabs) send(conn *websocket.Conn, text string, speed float64) error {
	bos := map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        e.config.VoiceSettings.Stability,
			"similarity_boost": e.config.VoiceSettings.SimilarityBoost,
			"speed":            clampSpeed(speed),
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}
	if err := conn.WriteJSON(bos); err != nil {
		return fmt.Errorf("send BOS: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"text": text + " ", "flush": true}); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"text": ""}); err != nil {
		return fmt.Errorf("send EOS: %w", err)
	}
	return nil
}

// clampSpeed maps speed into the 0.7-1.2 range ElevenLabs accepts.
func clampSpeed(speed float64) float64 {
	return min(max(speed, 0.7), 1.2)
}

// Name returns "elevenlabs".
func (e *ElevenLabs) Name() string { return providerElevenLabs }

// Close releases resources. Connections are per call.
func (e *ElevenLabs) Close() error { return nil }

// Verify ElevenLabs implements Provider at compile time.
var _ Provider = (*ElevenLabs)(nil)
