package intent

import "regexp"

var defaultActionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(create|make|add|set up|open|start)\s+(?:me\s+|us\s+)?(?:a|an|the|another|some)?\s*(?:(?:new|private|public|voice|text)\s+)*(channel|role|thread|category|poll|event|reminder|timer|room|playlist)s?\b`),
	regexp.MustCompile(`(?i)\b(delete|remove|clear|archive|close|rename|pin|unpin)\s+(?:the|this|that|my|our|all|these|those)?\s*(?:\w+\s+)?(channel|role|thread|category|message|poll|event|reminder|timer|room|playlist)s?\b`),
	regexp.MustCompile(`(?i)\b(kick|ban|unban|mute|unmute|deafen|undeafen|move)\s+\w+\s+(?:from|out of|to|into|in)\s+(?:the\s+)?(?:\w+\s+)?(channel|call|room|server|voice)\b`),
}

// DefaultActionPatterns returns the built-in action-intent patterns:
// explicit requests to create, delete or move things.
func DefaultActionPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(defaultActionPatterns))
	copy(out, defaultActionPatterns)
	return out
}

func matchAction(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, p := range patterns {
		if m := p.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}
