package voice

import (
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/parley/pkg/intent"
)

// history is a bounded in-memory window of recent turns. Nothing is
// persisted.
type history struct {
	mu    sync.Mutex
	turns []intent.Turn
	limit int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 1
	}
	return &history{limit: limit}
}

func (h *history) add(turn intent.Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn)
	if over := len(h.turns) - h.limit; over > 0 {
		h.turns = append(h.turns[:0], h.turns[over:]...)
	}
}

func (h *history) snapshot() []intent.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]intent.Turn(nil), h.turns...)
}

// agentAskedQuestion reports whether the agent's latest turn is a question
// asked within window of now.
func (h *history) agentAskedQuestion(now time.Time, window time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.turns) - 1; i >= 0; i-- {
		t := h.turns[i]
		if !t.Agent {
			continue
		}
		return strings.HasSuffix(strings.TrimSpace(t.Text), "?") && now.Sub(t.At) <= window
	}
	return false
}
