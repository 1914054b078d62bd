package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/teslashibe/parley/pkg/inference"
)

// HeuristicClassifier is the deterministic default. Alone with one person
// it always responds. In a group it responds only when the utterance can
// be an answer to a question the agent just asked, or is itself a question
// following straight on from the agent's last turn.
type HeuristicClassifier struct{}

// Classify implements Classifier.
func (HeuristicClassifier) Classify(_ context.Context, req Request) (bool, error) {
	if req.Humans() <= 1 {
		return true, nil
	}
	if req.AgentAskedQuestion {
		return true, nil
	}
	if isQuestion(req.Text) && len(req.Recent) > 0 && req.Recent[len(req.Recent)-1].Agent {
		return true, nil
	}
	return false, nil
}

var questionWords = map[string]bool{
	"what": true, "why": true, "how": true, "when": true, "where": true,
	"who": true, "which": true, "can": true, "could": true, "would": true,
	"will": true, "is": true, "are": true, "do": true, "does": true,
	"did": true, "should": true,
}

func isQuestion(text string) bool {
	text = strings.TrimSpace(text)
	if strings.HasSuffix(text, "?") {
		return true
	}
	ws := words(text)
	return len(ws) > 0 && questionWords[ws[0]]
}

// LLMClassifier asks a chat model for a YES/NO verdict.
type LLMClassifier struct {
	Provider  inference.Provider
	AgentName string

	// Model overrides the provider's default model.
	Model string

	// MaxTurns bounds how much recent transcript is included. Zero means 12.
	MaxTurns int
}

// NewLLMClassifier creates a classifier for the named agent.
func NewLLMClassifier(provider inference.Provider, agentName string) *LLMClassifier {
	return &LLMClassifier{Provider: provider, AgentName: agentName}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, req Request) (bool, error) {
	resp, err := c.Provider.Chat(ctx, &inference.ChatRequest{
		Model: c.Model,
		Messages: []inference.Message{
			inference.NewSystemMessage(c.systemPrompt(req)),
			inference.NewUserMessage(c.userPrompt(req)),
		},
		MaxTokens: 3,
	})
	if err != nil {
		return false, err
	}
	return parseAnswer(resp.Message.Content)
}

func (c *LLMClassifier) systemPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You decide whether %s, a voice assistant in a group voice call, should reply to the latest utterance.\n", c.AgentName)
	if req.Humans() <= 1 {
		b.WriteString("Only one other person is in the call, so almost everything they say is meant for you. Answer YES unless the utterance is clearly not meant for anyone, such as talking to someone off-call or to themselves.\n")
	} else {
		fmt.Fprintf(&b, "Several people are talking to each other. Answer NO unless the speaker clearly addresses %s, asks something only an assistant could answer, or is answering a question %s just asked.\n", c.AgentName, c.AgentName)
	}
	b.WriteString("Reply with exactly one word: YES or NO.")
	return b.String()
}

func (c *LLMClassifier) userPrompt(req Request) string {
	maxTurns := c.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 12
	}

	var b strings.Builder
	names := make([]string, 0, len(req.Participants))
	for _, p := range req.Participants {
		names = append(names, p.Name)
	}
	fmt.Fprintf(&b, "Participants (%d): %s\n", len(req.Participants), strings.Join(names, ", "))
	fmt.Fprintf(&b, "Speaker: %s\n", req.SpeakerName)
	if req.Sentiment != nil {
		fmt.Fprintf(&b, "Speaker sentiment: %s (%.2f)\n", req.Sentiment.Label, req.Sentiment.Score)
	}
	if req.AgentAskedQuestion {
		fmt.Fprintf(&b, "%s just asked the group a question.\n", c.AgentName)
	}

	recent := req.Recent
	if len(recent) > maxTurns {
		recent = recent[len(recent)-maxTurns:]
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range recent {
			speaker := t.Speaker
			if t.Agent {
				speaker = c.AgentName
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, t.Text)
		}
	}
	fmt.Fprintf(&b, "Latest utterance from %s: %q\n", req.SpeakerName, req.Text)
	fmt.Fprintf(&b, "Should %s reply?", c.AgentName)
	return b.String()
}

func parseAnswer(s string) (bool, error) {
	s = strings.ToUpper(strings.TrimLeft(strings.TrimSpace(s), "\"'*`. "))
	switch {
	case strings.HasPrefix(s, "YES"):
		return true, nil
	case strings.HasPrefix(s, "NO"):
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnparseable, s)
}
