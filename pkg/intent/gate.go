package intent

import (
	"context"
	"log/slog"
	"strings"
)

// Gate decides whether the agent should respond to an utterance. It is
// safe for concurrent use.
type Gate struct {
	cfg    *Config
	names  *nameMatcher
	logger *slog.Logger
}

// New creates a gate. An agent name is required.
func New(opts ...Option) (*Gate, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if strings.TrimSpace(cfg.AgentName) == "" {
		return nil, ErrNoAgentName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = HeuristicClassifier{}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	return &Gate{
		cfg:    cfg,
		names:  newNameMatcher(append([]string{cfg.AgentName}, cfg.Aliases...)...),
		logger: cfg.Logger.With("component", "intent.gate"),
	}, nil
}

// MentionsAgent reports whether text contains the agent's name, an alias,
// or a close misspelling of either.
func (g *Gate) MentionsAgent(text string) bool {
	_, ok := g.names.match(text)
	return ok
}

// Decide returns the verdict for req. It never fails: classifier errors
// resolve to Respond.
func (g *Gate) Decide(ctx context.Context, req Request) Decision {
	d := g.decide(ctx, req)
	g.cfg.Metrics.GateDecision(string(d.Source), d.Respond)
	g.logger.Debug("intent decided",
		"conversation", req.ConversationID,
		"participant", req.ParticipantID,
		"respond", d.Respond,
		"source", d.Source,
		"reason", d.Reason,
	)
	return d
}

func (g *Gate) decide(ctx context.Context, req Request) Decision {
	if strings.TrimSpace(req.Text) == "" {
		return Decision{Source: SourceEmpty, Reason: "empty utterance"}
	}
	if m, ok := g.names.match(req.Text); ok {
		return Decision{Respond: true, Source: SourceName, Reason: "addressed as " + m}
	}
	if m, ok := matchAction(g.cfg.ActionPatterns, req.Text); ok {
		return Decision{Respond: true, Source: SourceAction, Reason: "action request: " + m}
	}
	if req.Humans() <= 1 {
		return Decision{Respond: true, Source: SourceSolo, Reason: "speaker is the only participant"}
	}

	key := CacheKey(req)
	if g.cfg.Cache != nil {
		respond, ok, err := g.cfg.Cache.Get(ctx, key)
		if err != nil {
			g.logger.Warn("decision cache read failed", "error", err)
		} else if ok {
			return Decision{Respond: respond, Source: SourceCache, Reason: "recent identical utterance"}
		}
	}

	respond, err := g.cfg.Classifier.Classify(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{Source: SourceCancelled, Reason: ctx.Err().Error()}
		}
		g.logger.Warn("classifier failed, responding",
			"conversation", req.ConversationID,
			"participant", req.ParticipantID,
			"error", err,
		)
		return Decision{Respond: true, Source: SourceFailOpen, Reason: err.Error()}
	}

	if g.cfg.Cache != nil {
		if err := g.cfg.Cache.Set(ctx, key, respond, g.cfg.CacheTTL); err != nil {
			g.logger.Warn("decision cache write failed", "error", err)
		}
	}
	reason := "classifier declined"
	if respond {
		reason = "classifier approved"
	}
	return Decision{Respond: respond, Source: SourceClassifier, Reason: reason}
}
