// Package inference streams chat completions from a language model.
//
// Provider abstracts the model behind a token stream so the response
// generator can republish text as it arrives. Adapters:
//   - Client: any OpenAI-compatible /chat/completions endpoint over SSE
//     (Ollama, OpenAI, vLLM, Groq, Together)
//   - Gemini: Google Gemini through the genai SDK
//   - Chain: ordered fallback across providers
//   - Mock: scripted token streams for tests
//
// Example:
//
//	client, _ := inference.NewClient(inference.WithModel("llama3.2"))
//	defer client.Close()
//
//	stream, _ := client.Stream(ctx, &inference.ChatRequest{
//	    Messages: []inference.Message{inference.NewUserMessage("Hello!")},
//	})
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Recv()
//	    if err != nil || chunk.Done {
//	        break
//	    }
//	    fmt.Print(chunk.Delta)
//	}
package inference

import (
	"context"
	"strings"
)

// Provider generates streamed chat completions.
type Provider interface {
	// Stream starts a completion for req. Tokens are read with Stream.Recv.
	Stream(ctx context.Context, req *ChatRequest) (Stream, error)

	// Name identifies the provider in logs and errors.
	Name() string

	// Close releases any resources held by the provider.
	Close() error
}

// Stream is an in-progress completion.
type Stream interface {
	// Recv returns the next chunk. A chunk with Done set ends the stream;
	// it may still carry a final Delta.
	Recv() (*StreamChunk, error)

	// Close stops the stream and releases resources.
	Close() error
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	// Delta is the incremental text content.
	Delta string

	// FinishReason indicates why generation stopped (stop, length).
	FinishReason string

	// Done is true when the stream is complete.
	Done bool
}

// ChatRequest for chat completions.
type ChatRequest struct {
	// Messages is the conversation history, system message first.
	Messages []Message

	// Model overrides the default model.
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0.0-2.0).
	Temperature float64

	// Stop sequences that halt generation.
	Stop []string
}

// Collect drains a completion into a single string.
func Collect(ctx context.Context, p Provider, req *ChatRequest) (string, error) {
	stream, err := p.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.Delta)
		if chunk.Done {
			return sb.String(), nil
		}
	}
}
