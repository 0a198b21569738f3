package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

const engineGoogle = "google"

// recognizer is the subset of the Cloud Speech client used by Google.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type speechClient struct{ *speech.Client }

func (c speechClient) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return c.Client.Recognize(ctx, req)
}

// Google transcribes with Google Cloud Speech-to-Text synchronous recognition.
// Credentials come from Application Default Credentials.
type Google struct {
	config *Config
	client recognizer
	logger *slog.Logger
}

// NewGoogle creates a Cloud Speech engine. The language defaults to en-US.
func NewGoogle(ctx context.Context, opts ...Option) (*Google, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, WrapError(engineGoogle, fmt.Errorf("create speech client: %w", err))
	}
	return newGoogle(speechClient{client}, opts...), nil
}

func newGoogle(client recognizer, opts ...Option) *Google {
	cfg := DefaultConfig()
	cfg.Model = ""
	cfg.Language = "en-US"
	cfg.Apply(opts...)

	return &Google{
		config: cfg,
		client: client,
		logger: cfg.Logger.With("component", "transcription.google"),
	}
}

// Transcribe sends samples as LINEAR16 and joins the best alternative of
// every result. Confidence is the mean of those alternatives.
func (g *Google) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*Result, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	start := time.Now()

	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(sampleRate),
			LanguageCode:               g.config.Language,
			Model:                      g.config.Model,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{
				Content: audioio.Float32ToPCM16(samples),
			},
		},
	}

	resp, err := g.client.Recognize(ctx, req)
	if err != nil {
		return nil, WrapError(engineGoogle, err)
	}

	var (
		parts      []string
		confidence float64
	)
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, strings.TrimSpace(alts[0].GetTranscript()))
		confidence += float64(alts[0].GetConfidence())
	}
	if len(parts) > 0 {
		confidence /= float64(len(parts))
	}

	result := &Result{
		Text:       strings.TrimSpace(strings.Join(parts, " ")),
		Confidence: confidence,
		Language:   g.config.Language,
		Latency:    time.Since(start),
	}
	g.logger.Debug("transcribed",
		"chars", len(result.Text),
		"confidence", result.Confidence,
		"latency_ms", result.Latency.Milliseconds())
	return result, nil
}

// Name returns "google".
func (g *Google) Name() string { return engineGoogle }

// Close closes the underlying client.
func (g *Google) Close() error {
	return g.client.Close()
}

var _ Engine = (*Google)(nil)
