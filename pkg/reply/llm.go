package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teslashibe/parley/pkg/inference"
	"github.com/teslashibe/parley/pkg/stt"
)

// DefaultPersona is the system prompt used when none is configured.
const DefaultPersona = "You are %s, a friendly voice assistant taking part in a group voice call. " +
	"Your words are spoken aloud, so answer in one to three short conversational sentences. " +
	"Never use markdown, lists, emoji or URLs."

// LLMConfig configures an LLMGenerator.
type LLMConfig struct {
	AgentName string

	// Persona is the system prompt. A %s verb is replaced by AgentName.
	Persona   string
	Model     string
	MaxTokens int

	// MaxTurns bounds how much recent transcript is sent.
	MaxTurns int

	Logger *slog.Logger
}

// LLMOption configures an LLMGenerator.
type LLMOption func(*LLMConfig)

// WithAgentName sets the name the agent speaks as.
func WithAgentName(name string) LLMOption {
	return func(c *LLMConfig) { c.AgentName = name }
}

// WithPersona sets the system prompt.
func WithPersona(persona string) LLMOption {
	return func(c *LLMConfig) { c.Persona = persona }
}

// WithModel overrides the provider's default model.
func WithModel(model string) LLMOption {
	return func(c *LLMConfig) { c.Model = model }
}

// WithMaxTokens bounds reply length.
func WithMaxTokens(n int) LLMOption {
	return func(c *LLMConfig) { c.MaxTokens = n }
}

// WithMaxTurns bounds how many recent turns are included.
func WithMaxTurns(n int) LLMOption {
	return func(c *LLMConfig) { c.MaxTurns = n }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) LLMOption {
	return func(c *LLMConfig) { c.Logger = logger }
}

// LLMGenerator generates replies with a streaming chat model.
type LLMGenerator struct {
	provider inference.Provider
	cfg      LLMConfig
	logger   *slog.Logger
}

// NewLLMGenerator creates a generator on provider.
func NewLLMGenerator(provider inference.Provider, opts ...LLMOption) (*LLMGenerator, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	cfg := LLMConfig{
		AgentName: "Eva",
		Persona:   DefaultPersona,
		MaxTokens: 300,
		MaxTurns:  20,
		Logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLMGenerator{
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "reply.llm"),
	}, nil
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, req Request, emit func(string) error) (string, error) {
	stream, err := g.provider.Stream(ctx, &inference.ChatRequest{
		Model:     g.cfg.Model,
		Messages:  g.messages(req),
		MaxTokens: g.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var (
		buf    = NewSentenceBuffer()
		spoken []string
	)
	send := func(sentences ...string) error {
		for _, s := range sentences {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(s); err != nil {
				return err
			}
			spoken = append(spoken, s)
		}
		return nil
	}
	full := func() string { return strings.Join(spoken, " ") }

	for {
		chunk, err := stream.Recv()
		if err != nil {
			return full(), err
		}
		if chunk.Delta != "" {
			if err := send(buf.Add(chunk.Delta)...); err != nil {
				return full(), err
			}
		}
		if chunk.Done {
			break
		}
	}

	if rest := buf.Flush(); rest != "" {
		if err := send(rest); err != nil {
			return full(), err
		}
	}
	if len(spoken) == 0 {
		return "", ErrEmptyReply
	}

	g.logger.Debug("reply generated",
		"conversation", req.ConversationID,
		"participant", req.ParticipantID,
		"sentences", len(spoken),
	)
	return full(), nil
}

func (g *LLMGenerator) messages(req Request) []inference.Message {
	system := g.cfg.Persona
	if strings.Contains(system, "%s") {
		system = fmt.Sprintf(system, g.cfg.AgentName)
	}
	if req.Sentiment != nil && req.Sentiment.Label != "" && req.Sentiment.Label != stt.LabelNeutral {
		system += fmt.Sprintf("\n%s sounds %s right now; match your tone to that.", req.SpeakerName, req.Sentiment.Label)
	}

	msgs := []inference.Message{inference.NewSystemMessage(system)}

	recent := req.Recent
	if g.cfg.MaxTurns > 0 && len(recent) > g.cfg.MaxTurns {
		recent = recent[len(recent)-g.cfg.MaxTurns:]
	}
	for _, t := range recent {
		if t.Agent {
			msgs = append(msgs, inference.NewAssistantMessage(t.Text))
			continue
		}
		msgs = append(msgs, inference.NewNamedUserMessage(t.Speaker, t.Text))
	}
	return append(msgs, inference.NewNamedUserMessage(req.SpeakerName, req.Text))
}

var _ Generator = (*LLMGenerator)(nil)
