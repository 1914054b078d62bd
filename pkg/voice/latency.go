package voice

import (
	"sync"
	"time"
)

// TurnLatency tracks one reply. All durations are measured from the moment
// the speaker's last fragment arrived.
type TurnLatency struct {
	TicketID string

	// Timestamps for key events
	SpeechEnd  time.Time // last fragment of the utterance
	Submitted  time.Time // utterance handed to the coordinator
	FirstAudio time.Time // first buffer of the reply started playing
	Done       time.Time // ticket ended

	// Computed latencies
	Debounce          time.Duration
	FirstAudioLatency time.Duration
	Total             time.Duration
}

// latencyTracker collects turn latencies for one conversation. Turns that
// never reached the speaker are discarded.
type latencyTracker struct {
	mu      sync.Mutex
	open    map[string]*TurnLatency
	history []TurnLatency
	limit   int

	onUpdate func(TurnLatency)
}

func newLatencyTracker(limit int, onUpdate func(TurnLatency)) *latencyTracker {
	return &latencyTracker{
		open:     make(map[string]*TurnLatency),
		history:  make([]TurnLatency, 0, limit),
		limit:    limit,
		onUpdate: onUpdate,
	}
}

func (l *latencyTracker) markSubmitted(ticketID string, speechEnd time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.open[ticketID] = &TurnLatency{
		TicketID:  ticketID,
		SpeechEnd: speechEnd,
		Submitted: now,
		Debounce:  now.Sub(speechEnd),
	}
}

func (l *latencyTracker) markFirstAudio(ticketID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	turn, ok := l.open[ticketID]
	if !ok || !turn.FirstAudio.IsZero() {
		return
	}
	turn.FirstAudio = time.Now()
	turn.FirstAudioLatency = turn.FirstAudio.Sub(turn.SpeechEnd)
}

func (l *latencyTracker) markDone(ticketID string) {
	l.mu.Lock()
	turn, ok := l.open[ticketID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.open, ticketID)
	if turn.FirstAudio.IsZero() {
		l.mu.Unlock()
		return
	}
	turn.Done = time.Now()
	turn.Total = turn.Done.Sub(turn.SpeechEnd)

	l.history = append(l.history, *turn)
	if len(l.history) > l.limit {
		l.history = l.history[1:]
	}
	done := *turn
	l.mu.Unlock()

	if l.onUpdate != nil {
		l.onUpdate(done)
	}
}

// average returns the mean latencies over recent spoken turns.
func (l *latencyTracker) average() TurnLatency {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.history) == 0 {
		return TurnLatency{}
	}

	var avg TurnLatency
	for _, h := range l.history {
		avg.Debounce += h.Debounce
		avg.FirstAudioLatency += h.FirstAudioLatency
		avg.Total += h.Total
	}

	n := time.Duration(len(l.history))
	avg.Debounce /= n
	avg.FirstAudioLatency /= n
	avg.Total /= n
	return avg
}

// FormatLatency returns a one-line summary.
func (t TurnLatency) FormatLatency() string {
	return formatDuration(t.Debounce) + " debounce | " +
		formatDuration(t.FirstAudioLatency) + " first audio | " +
		formatDuration(t.Total) + " total"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
