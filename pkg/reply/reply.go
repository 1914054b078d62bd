// Package reply produces the agent's spoken answer to an utterance,
// sentence by sentence, so synthesis can start before the answer is
// complete.
package reply

import (
	"context"
	"errors"

	"github.com/teslashibe/parley/pkg/intent"
	"github.com/teslashibe/parley/pkg/stt"
)

var (
	// ErrEmptyReply is returned when generation finished without text.
	ErrEmptyReply = errors.New("reply: empty reply")

	// ErrNoProvider is returned when a generator has no backend.
	ErrNoProvider = errors.New("reply: provider required")
)

// Request describes the utterance to answer.
type Request struct {
	ConversationID string
	ParticipantID  string
	SpeakerName    string
	Text           string
	Sentiment      *stt.Sentiment
	Recent         []intent.Turn
}

// Generator streams a reply. Each complete sentence is passed to emit as
// soon as it is known; an emit error stops generation and is returned.
// The full text is returned even on error, holding whatever was emitted.
//
// Implementations must stop promptly when ctx is cancelled and must not
// persist anything for a cancelled run.
type Generator interface {
	Generate(ctx context.Context, req Request, emit func(sentence string) error) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request, emit func(string) error) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request, emit func(string) error) (string, error) {
	return f(ctx, req, emit)
}
