package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestChainFallback(t *testing.T) {
	failing := WithError(errors.New("provider 1 failed"))
	working := NewMock()

	chain, err := NewChain(failing, working)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	resp, err := chain.Chat(context.Background(), &ChatRequest{
		Messages: []Message{NewUserMessage("hello")},
		Model:    "primary-model",
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Message.Content != "Mock response" {
		t.Errorf("Expected 'Mock response', got %q", resp.Message.Content)
	}
	if failing.CallCount("Chat") != 1 || working.CallCount("Chat") != 1 {
		t.Errorf("calls = %d/%d, want 1/1", failing.CallCount("Chat"), working.CallCount("Chat"))
	}
	if got := failing.LastCall().Request.Model; got != "primary-model" {
		t.Errorf("primary model = %q", got)
	}
	if got := working.LastCall().Request.Model; got != "" {
		t.Errorf("fallback model = %q, want its own default", got)
	}
}

func TestChainAllFail(t *testing.T) {
	chain, err := NewChain(
		WithError(errors.New("error 1")),
		WithError(&APIError{StatusCode: 503, Message: "overloaded"}),
	)
	if err != nil {
		t.Fatal(err)
	}

	_, err = chain.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if err == nil {
		t.Fatal("Expected error when all providers fail")
	}

	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Expected ChainError, got %T", err)
	}
	if len(chainErr.Errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(chainErr.Errors))
	}
	if !strings.Contains(err.Error(), "all 2 providers failed") {
		t.Errorf("message = %q", err.Error())
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Errorf("ChainError does not unwrap to the provider error: %v", err)
	}
}

func TestChainEmpty(t *testing.T) {
	_, err := NewChain()
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
}

func TestChainProviders(t *testing.T) {
	p1, p2 := NewMock(), NewMock()
	chain, _ := NewChain(p1, p2)

	providers := chain.Providers()
	if len(providers) != 2 {
		t.Errorf("Expected 2 providers, got %d", len(providers))
	}
}

func TestChainStream(t *testing.T) {
	failing := WithError(errors.New("stream failed"))
	working := &Mock{
		StreamFunc: func(ctx context.Context, req *ChatRequest) (Stream, error) {
			return NewMockStream("Hello", " world"), nil
		},
	}

	chain, _ := NewChain(failing, working)
	stream, err := chain.Stream(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if chunk.Done {
			break
		}
		text.WriteString(chunk.Delta)
	}
	if text.String() != "Hello world" {
		t.Errorf("streamed %q", text.String())
	}
}

func TestChainStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	second := NewMock()

	chain, _ := NewChain(first, second)
	_, err := chain.Chat(ctx, &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if second.CallCount("Chat") != 0 {
		t.Error("fallback was tried after cancellation")
	}
}

func TestChainCloseClosesAll(t *testing.T) {
	boom := errors.New("close failed")
	p1 := &Mock{CloseFunc: func() error { return boom }}
	p2 := NewMock()

	chain, _ := NewChain(p1, p2)
	if err := chain.Close(); !errors.Is(err, boom) {
		t.Errorf("Close = %v", err)
	}
	if p2.CallCount("Close") != 1 {
		t.Error("second provider not closed")
	}
}
