// Package transcription turns utterances into text.
//
// Engine is the contract for a speech-recognition backend. Coordinator
// subscribes an Engine to the event bus: it transcribes each
// events.UtteranceReady with at most one call in flight and publishes the
// result.
//
// Available engines:
//   - Whisper: any OpenAI-compatible /audio/transcriptions endpoint
//     (OpenAI, faster-whisper-server, whisper.cpp server)
//   - Google: Google Cloud Speech-to-Text
//   - Mock: scripted results for tests
package transcription

import (
	"context"
	"time"
)

// Engine recognizes speech in mono float32 audio.
type Engine interface {
	// Transcribe returns the recognized text. Empty text means no speech.
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (*Result, error)

	// Name identifies the engine in logs and errors.
	Name() string
}

// Result is the output of one transcription.
type Result struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language,omitempty"`
	Latency    time.Duration `json:"latency"`
}
