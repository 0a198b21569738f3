package inference

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const providerGemini = "gemini"

type generateStreamFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Gemini streams completions from Google Gemini through the genai SDK.
type Gemini struct {
	config   *Config
	generate generateStreamFunc
	logger   *slog.Logger
}

// NewGemini creates a Gemini provider. An API key is required.
func NewGemini(ctx context.Context, opts ...Option) (*Gemini, error) {
	cfg := geminiConfig(opts...)
	if cfg.APIKey == "" {
		return nil, WrapError(providerGemini, ErrNoAPIKey)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, WrapError(providerGemini, fmt.Errorf("create client: %w", err))
	}
	return newGemini(cfg, client.Models.GenerateContentStream), nil
}

func geminiConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	cfg.BaseURL = ""
	cfg.Model = "gemini-2.0-flash"
	cfg.Apply(opts...)
	return cfg
}

func newGemini(cfg *Config, generate generateStreamFunc) *Gemini {
	return &Gemini{
		config:   cfg,
		generate: generate,
		logger:   cfg.Logger.With("component", "inference.gemini"),
	}
}

// Stream starts a streaming completion.
func (g *Gemini) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = g.config.Model
	}

	system, contents := convertMessages(req.Messages)
	if len(contents) == 0 {
		return nil, WrapError(providerGemini, fmt.Errorf("no user or assistant messages"))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = g.config.Temperature
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(float32(temperature)),
		MaxOutputTokens:   int32(maxTokens),
		StopSequences:     req.Stop,
	}

	cancel := context.CancelFunc(func() {})
	if g.config.StreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.config.StreamTimeout)
	}

	next, stop := iter.Pull2(g.generate(ctx, model, contents, genCfg))
	g.logger.Debug("stream opened", "model", model, "messages", len(req.Messages))

	return &geminiStream{next: next, stop: stop, cancel: cancel}, nil
}

// convertMessages maps the system message to a system instruction and the
// assistant role to the model role.
func convertMessages(messages []Message) (*genai.Content, []*genai.Content) {
	var (
		system   *genai.Content
		contents []*genai.Content
	)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = genai.NewContentFromText(m.Content, genai.RoleUser)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return system, contents
}

// Name returns "gemini".
func (g *Gemini) Name() string { return providerGemini }

// Close releases resources.
func (g *Gemini) Close() error { return nil }

type geminiStream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	cancel context.CancelFunc
	done   bool
	closed bool
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.done {
		return &StreamChunk{Done: true}, nil
	}

	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return &StreamChunk{Done: true}, nil
	}
	if err != nil {
		return nil, WrapError(providerGemini, err)
	}

	chunk := &StreamChunk{}
	if resp != nil && len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			var sb strings.Builder
			for _, part := range cand.Content.Parts {
				if part != nil {
					sb.WriteString(part.Text)
				}
			}
			chunk.Delta = sb.String()
		}
		chunk.FinishReason = strings.ToLower(string(cand.FinishReason))
	}
	return chunk, nil
}

func (s *geminiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	s.cancel()
	return nil
}

var _ Provider = (*Gemini)(nil)
