package transcription

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
)

type fakeRecognizer struct {
	req    *speechpb.RecognizeRequest
	resp   *speechpb.RecognizeResponse
	err    error
	closed bool
}

func (f *fakeRecognizer) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	f.req = req
	return f.resp, f.err
}

func (f *fakeRecognizer) Close() error {
	f.closed = true
	return nil
}

func TestGoogle_Transcribe(t *testing.T) {
	fake := &fakeRecognizer{
		resp: &speechpb.RecognizeResponse{
			Results: []*speechpb.SpeechRecognitionResult{
				{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hello", Confidence: 0.8}}},
				{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " world", Confidence: 0.6}}},
				{},
			},
		},
	}
	g := newGoogle(fake, WithLanguage("en-GB"))

	result, err := g.Transcribe(context.Background(), []float32{0, 0.5, -0.5}, 16000)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if result.Text != "hello world" {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Confidence < 0.69 || result.Confidence > 0.71 {
		t.Errorf("Confidence = %f, want 0.7", result.Confidence)
	}

	cfg := fake.req.GetConfig()
	if cfg.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("Encoding = %v", cfg.GetEncoding())
	}
	if cfg.GetSampleRateHertz() != 16000 || cfg.GetLanguageCode() != "en-GB" {
		t.Errorf("config = %v", cfg)
	}
	if got := len(fake.req.GetAudio().GetContent()); got != 6 {
		t.Errorf("audio content is %d bytes, want 6", got)
	}

	g.Close()
	if !fake.closed {
		t.Error("Close did not close client")
	}
}

func TestGoogle_Error(t *testing.T) {
	boom := errors.New("quota")
	g := newGoogle(&fakeRecognizer{err: boom})

	_, err := g.Transcribe(context.Background(), []float32{0}, 16000)
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Engine != "google" || !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}
