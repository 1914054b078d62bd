// Package intent decides whether a completed utterance is addressed to the
// agent.
//
// Cheap deterministic checks run first: the agent's name (or a close
// misspelling of it), explicit action requests, and conversations with at
// most one other participant. Everything else goes to a Classifier whose
// answers are cached briefly per speaker and text. A classifier failure
// answers "respond", so an infrastructure error never silently drops
// speech meant for the agent.
package intent

import (
	"context"
	"time"

	"github.com/teslashibe/parley/pkg/stt"
)

// Participant is a human member of a conversation.
type Participant struct {
	ID   string
	Name string
}

// Turn is one entry of the recent transcript.
type Turn struct {
	Speaker string
	Text    string
	Agent   bool
	At      time.Time
}

// Request carries one utterance and its context.
type Request struct {
	ConversationID string
	ParticipantID  string
	SpeakerName    string
	Text           string
	Sentiment      *stt.Sentiment

	// Participants lists the humans in the conversation, the speaker
	// included and the agent excluded.
	Participants []Participant
	Recent       []Turn

	// AgentAskedQuestion is set when the agent's last turn was a question
	// asked recently enough for this utterance to be an answer.
	AgentAskedQuestion bool
}

// Humans returns how many people are in the conversation, counting the
// speaker even when the participant list has not caught up with them.
func (r Request) Humans() int {
	n := 1
	for _, p := range r.Participants {
		if p.ID != r.ParticipantID {
			n++
		}
	}
	return n
}

// Source names the rule that produced a decision.
type Source string

const (
	SourceEmpty      Source = "empty"
	SourceName       Source = "name"
	SourceAction     Source = "action"
	SourceSolo       Source = "solo"
	SourceCache      Source = "cache"
	SourceClassifier Source = "classifier"
	SourceFailOpen   Source = "fail_open"
	SourceCancelled  Source = "cancelled"
)

// Decision is the gate's verdict.
type Decision struct {
	Respond bool
	Source  Source
	Reason  string
}

// Classifier answers the cases the fast paths cannot.
type Classifier interface {
	Classify(ctx context.Context, req Request) (bool, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, req Request) (bool, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}
