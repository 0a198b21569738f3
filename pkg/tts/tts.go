// Package tts provides a unified interface for speech synthesis engines.
//
// Every provider returns decoded mono float32 samples so the playback path
// never deals with wire formats. Kokoro-FastAPI and OpenAI are served by the
// OpenAI-compatible adapter; ElevenLabs streams over its stream-input
// WebSocket. Providers can be combined into a fallback Chain.
//
//	provider, _ := tts.NewOpenAI(tts.WithBaseURL("http://localhost:8880/v1"))
//	defer provider.Close()
//
//	result, _ := provider.Synthesize(ctx, "Hello world", "af_heart", 1.5)
//	// result.Samples holds mono PCM at result.SampleRate
package tts

import (
	"context"
	"time"
)

// Provider defines the speech synthesis interface.
type Provider interface {
	// Synthesize converts text to audio. An empty voice selects the
	// provider default; speed 0 means normal speed. A result with no
	// samples is valid and means there was nothing to say.
	Synthesize(ctx context.Context, text, voice string, speed float64) (*AudioResult, error)

	// Name identifies the provider in logs and errors.
	Name() string

	// Close releases any resources held by the provider.
	Close() error
}

// AudioResult represents a complete synthesis result.
type AudioResult struct {
	// Samples is mono audio in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// Duration is the playback duration.
	Duration time.Duration

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the time until the audio was available.
	LatencyMs int64
}

// Empty reports whether the result carries no audio.
func (r *AudioResult) Empty() bool {
	return r == nil || len(r.Samples) == 0
}

// Encoding represents PCM output formats as named by ElevenLabs.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_16000" // 16kHz mono PCM16
	EncodingPCM22 Encoding = "pcm_22050" // 22.05kHz mono PCM16
	EncodingPCM24 Encoding = "pcm_24000" // 24kHz mono PCM16
	EncodingPCM44 Encoding = "pcm_44100" // 44.1kHz mono PCM16
)

// SampleRateFromEncoding extracts the sample rate from an encoding type.
func SampleRateFromEncoding(enc Encoding) int {
	switch enc {
	case EncodingPCM16:
		return 16000
	case EncodingPCM22:
		return 22050
	case EncodingPCM24:
		return 24000
	case EncodingPCM44:
		return 44100
	default:
		return 24000
	}
}

// VoiceSettings controls voice characteristics for providers that support it.
type VoiceSettings struct {
	// Stability controls voice consistency (0.0-1.0).
	Stability float64

	// SimilarityBoost controls how closely the voice matches the original (0.0-1.0).
	SimilarityBoost float64
}

// DefaultVoiceSettings returns defaults for voice synthesis.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
}
