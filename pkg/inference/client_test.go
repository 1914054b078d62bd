package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"test-id","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, content)
}

func TestClientChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Expected Bearer test-key, got %s", auth)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		msgs := body["messages"].([]any)
		first := msgs[1].(map[string]any)
		if first["name"] != "Ada_Lovelace" {
			t.Errorf("name = %v", first["name"])
		}
		writeCompletion(w, "Hello! How can I help?")
	}))
	defer server.Close()

	client, err := NewClient(
		WithBaseURL(server.URL),
		WithAPIKey("test-key"),
		WithModel("gpt-4o-mini"),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			NewSystemMessage("Be brief."),
			NewNamedUserMessage("Ada Lovelace", "Hello"),
		},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Message.Content != "Hello! How can I help?" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestNewClientRequiresModel(t *testing.T) {
	if _, err := NewClient(WithModel("")); !errors.Is(err, ErrNoModel) {
		t.Errorf("err = %v, want ErrNoModel", err)
	}
}

func TestClientRetries(t *testing.T) {
	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
				return
			}
			writeCompletion(w, "ok")
		}))
		defer server.Close()

		client, _ := NewClient(WithBaseURL(server.URL), WithMaxAttempts(3))
		resp, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
		if resp.Message.Content != "ok" || calls.Load() != 3 {
			t.Errorf("content = %q after %d calls", resp.Message.Content, calls.Load())
		}
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"bad request","code":"invalid"}}`)
		}))
		defer server.Close()

		client, _ := NewClient(WithBaseURL(server.URL), WithMaxAttempts(3))
		_, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "invalid" {
			t.Fatalf("err = %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		client, _ := NewClient(WithBaseURL(server.URL), WithMaxAttempts(2))
		_, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
		if !IsRetryable(err) {
			t.Errorf("err = %v, want retryable", err)
		}
		if calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", calls.Load())
		}
	})
}

func TestClientStream(t *testing.T) {
	sse := func(events ...string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["stream"] != true {
				t.Errorf("stream flag = %v", body["stream"])
			}
			w.Header().Set("Content-Type", "text/event-stream")
			for _, ev := range events {
				fmt.Fprintf(w, "data: %s\n\n", ev)
				w.(http.Flusher).Flush()
			}
		}
	}

	collect := func(t *testing.T, s Stream) (string, error) {
		t.Helper()
		defer s.Close()
		var sb strings.Builder
		for {
			chunk, err := s.Recv()
			if err != nil {
				return sb.String(), err
			}
			sb.WriteString(chunk.Delta)
			if chunk.Done {
				return sb.String(), nil
			}
		}
	}

	t.Run("deltas then done", func(t *testing.T) {
		server := httptest.NewServer(sse(
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" there."}}]}`,
			`[DONE]`,
		))
		defer server.Close()

		client, _ := NewClient(WithBaseURL(server.URL))
		s, err := client.Stream(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
		if err != nil {
			t.Fatal(err)
		}
		text, err := collect(t, s)
		if err != nil || text != "Hello there." {
			t.Errorf("text = %q, err = %v", text, err)
		}
	})

	t.Run("truncated stream is an error", func(t *testing.T) {
		server := httptest.NewServer(sse(`{"choices":[{"delta":{"content":"Hel"}}]}`))
		defer server.Close()

		client, _ := NewClient(WithBaseURL(server.URL))
		s, err := client.Stream(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
		if err != nil {
			t.Fatal(err)
		}
		text, err := collect(t, s)
		if err == nil {
			t.Fatalf("expected error, got text %q", text)
		}
		if text != "Hel" {
			t.Errorf("text = %q", text)
		}
	})

	t.Run("error event", func(t *testing.T) {
		server := httptest.NewServer(sse(`{"error":{"message":"model overloaded","code":"overloaded"}}`))
		defer server.Close()

		client, _ := NewClient(WithBaseURL(server.URL))
		s, _ := client.Stream(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
		_, err := collect(t, s)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "overloaded" {
			t.Errorf("err = %v", err)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"server error", &APIError{StatusCode: 502}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"empty response", WrapError("client", ErrEmptyResponse), false},
		{"wrapped transport", WrapError("client", errors.New("EOF")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMockStream(t *testing.T) {
	t.Run("replays deltas", func(t *testing.T) {
		s := NewMockStream("a", "b")
		for _, want := range []string{"a", "b"} {
			c, err := s.Recv()
			if err != nil || c.Delta != want {
				t.Fatalf("chunk = %+v, err = %v", c, err)
			}
		}
		if c, _ := s.Recv(); !c.Done {
			t.Error("expected done")
		}
	})

	t.Run("close interrupts delay", func(t *testing.T) {
		s := NewMockStream("a").WithDelay(time.Minute)
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.Close()
		}()
		if _, err := s.Recv(); err == nil {
			t.Error("expected error after close")
		}
		if !s.Closed() {
			t.Error("Closed() = false")
		}
	})
}
