// Package inference is a small client for OpenAI-compatible chat
// completion endpoints.
//
// It serves two callers: the intent classifier, which needs a short
// non-streaming answer, and the reply generator, which consumes a streamed
// completion token by token.
//
//	client, _ := inference.NewClient(
//	    inference.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    inference.WithModel("gpt-4o-mini"),
//	)
//	stream, _ := client.Stream(ctx, &inference.ChatRequest{
//	    Messages: []inference.Message{inference.NewUserMessage("Hello!")},
//	})
//	defer stream.Close()
package inference

import "context"

// Provider generates chat completions.
type Provider interface {
	// Chat generates a complete response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream generates a response incrementally.
	Stream(ctx context.Context, req *ChatRequest) (Stream, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Stream is a streaming response.
type Stream interface {
	// Recv returns the next chunk. A chunk with Done set ends the stream.
	Recv() (*StreamChunk, error)

	// Close stops the stream and releases resources.
	Close() error
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Delta        string
	FinishReason string
	Done         bool
}

// ChatRequest for chat completions.
type ChatRequest struct {
	Messages []Message

	// Model overrides the client's default model.
	Model string

	MaxTokens   int
	Temperature float64
	Stop        []string
}

// ChatResponse from a chat completion.
type ChatResponse struct {
	Message      Message
	FinishReason string
	Usage        Usage
	Model        string
	LatencyMs    int64
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
