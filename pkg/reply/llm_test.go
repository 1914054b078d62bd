package reply

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/parley/pkg/inference"
	"github.com/teslashibe/parley/pkg/intent"
	"github.com/teslashibe/parley/pkg/stt"
)

func streaming(deltas ...string) *inference.Mock {
	m := inference.NewMock()
	m.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		return inference.NewMockStream(deltas...).WithContext(ctx), nil
	}
	return m
}

func collect(sentences *[]string) func(string) error {
	return func(s string) error {
		*sentences = append(*sentences, s)
		return nil
	}
}

func TestLLMGeneratorStreamsSentences(t *testing.T) {
	g, err := NewLLMGenerator(streaming("Sure", ", I can help. ", "What do you ", "need?"))
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	full, err := g.Generate(context.Background(), Request{SpeakerName: "Alice", Text: "help me"}, collect(&got))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := []string{"Sure, I can help.", "What do you need?"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sentences = %q, want %q", got, want)
	}
	if full != "Sure, I can help. What do you need?" {
		t.Errorf("full = %q", full)
	}
}

func TestLLMGeneratorMessages(t *testing.T) {
	mock := streaming("Okay.")
	g, _ := NewLLMGenerator(mock, WithAgentName("Eva"), WithMaxTurns(2))

	req := Request{
		SpeakerName: "Alice Smith",
		Text:        "and now?",
		Sentiment:   &stt.Sentiment{Score: -0.7, Label: stt.LabelNegative},
		Recent: []intent.Turn{
			{Speaker: "Bob", Text: "dropped"},
			{Speaker: "Bob", Text: "hello"},
			{Text: "Hi Bob.", Agent: true},
		},
	}
	if _, err := g.Generate(context.Background(), req, func(string) error { return nil }); err != nil {
		t.Fatal(err)
	}

	msgs := mock.LastCall().Request.Messages
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want system + 2 turns + utterance", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "You are Eva") || !strings.Contains(msgs[0].Content, "sounds negative") {
		t.Errorf("system = %q", msgs[0].Content)
	}
	if msgs[1].Name != "Bob" || msgs[1].Content != "hello" {
		t.Errorf("turn = %+v", msgs[1])
	}
	if msgs[2].Role != inference.RoleAssistant {
		t.Errorf("agent turn role = %s", msgs[2].Role)
	}
	if last := msgs[3]; last.Name != "Alice_Smith" || last.Content != "and now?" {
		t.Errorf("utterance = %+v", last)
	}
}

func TestLLMGeneratorEmitErrorStops(t *testing.T) {
	g, _ := NewLLMGenerator(streaming("One. ", "Two. ", "Three. "))
	stop := errors.New("ticket cancelled")

	calls := 0
	full, err := g.Generate(context.Background(), Request{}, func(s string) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v", err)
	}
	if full != "One." {
		t.Errorf("full = %q, want only the accepted sentence", full)
	}
}

func TestLLMGeneratorCancel(t *testing.T) {
	mock := inference.NewMock()
	var stream *inference.MockStream
	mock.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		stream = inference.NewMockStream("never").WithDelay(time.Minute).WithContext(ctx)
		return stream, nil
	}
	g, _ := NewLLMGenerator(mock)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := g.Generate(ctx, Request{}, func(string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !stream.Closed() {
		t.Error("stream not closed")
	}
}

func TestLLMGeneratorEmptyReply(t *testing.T) {
	g, _ := NewLLMGenerator(streaming("  "))
	if _, err := g.Generate(context.Background(), Request{}, func(string) error { return nil }); !errors.Is(err, ErrEmptyReply) {
		t.Errorf("err = %v, want ErrEmptyReply", err)
	}
}

func TestNewLLMGeneratorRequiresProvider(t *testing.T) {
	if _, err := NewLLMGenerator(nil); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v", err)
	}
}
