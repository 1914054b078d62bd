package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teslashibe/parley/internal/metrics"
	"github.com/teslashibe/parley/pkg/intent"
	"github.com/teslashibe/parley/pkg/playback"
	"github.com/teslashibe/parley/pkg/pool"
	"github.com/teslashibe/parley/pkg/reply"
	"github.com/teslashibe/parley/pkg/respond"
	"github.com/teslashibe/parley/pkg/stt"
	"github.com/teslashibe/parley/pkg/transcribe"
	"github.com/teslashibe/parley/pkg/tts"
)

type directoryFunc func(ctx context.Context, conversationID string) ([]intent.Participant, error)

func (f directoryFunc) Participants(ctx context.Context, conversationID string) ([]intent.Participant, error) {
	return f(ctx, conversationID)
}

// recordingMirror collects mirrored text.
type recordingMirror struct {
	mu          sync.Mutex
	transcripts []string
	replies     []string
	failures    []error
}

func (r *recordingMirror) Transcript(_ context.Context, conversationID, participantID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, participantID+": "+text)
	return nil
}

func (r *recordingMirror) Reply(_ context.Context, conversationID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *recordingMirror) Failure(_ context.Context, conversationID string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
	return nil
}

func (r *recordingMirror) counts() (transcripts, replies, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transcripts), len(r.replies), len(r.failures)
}

type harness struct {
	pool   *pool.Pool
	speech *stt.Mock
	voice  *tts.Mock
	sink   *playback.BufferSink
	mirror *recordingMirror
	m      *Manager

	mu       sync.Mutex
	requests []reply.Request
}

func (h *harness) generated() []reply.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]reply.Request(nil), h.requests...)
}

type harnessOptions struct {
	transcription int
	directory     Directory
	generator     reply.Generator
	opts          []Option
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	if o.transcription == 0 {
		o.transcription = 4
	}
	p, err := pool.New([]pool.Credential{{
		ID:  "cred-1",
		Key: "key-1",
		Limits: map[pool.Capability]int{
			pool.Transcription: o.transcription,
			pool.Synthesis:     4,
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	gate, err := intent.New(intent.WithAgentName("Eva"))
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		pool:   p,
		speech: stt.NewMock(),
		voice:  tts.NewMock(),
		sink:   playback.NewBufferSink(),
		mirror: &recordingMirror{},
	}
	gen := o.generator
	if gen == nil {
		gen = reply.GeneratorFunc(func(ctx context.Context, req reply.Request, emit func(string) error) (string, error) {
			h.mu.Lock()
			h.requests = append(h.requests, req)
			h.mu.Unlock()
			for _, s := range []string{"Hi there.", "How are you?"} {
				if err := emit(s); err != nil {
					return "", err
				}
			}
			return "Hi there. How are you?", nil
		})
	}
	dir := o.directory
	if dir == nil {
		dir = StaticDirectory{"room": {{ID: "alice", Name: "Alice"}}}
	}

	opts := append([]Option{
		WithAgentName("Eva"),
		WithDebounce(50 * time.Millisecond),
		WithSilenceTimeout(time.Minute),
		WithFlushTimeout(100 * time.Millisecond),
		WithMirrorRate(1000, 100),
		WithRespondOptions(respond.WithPacing(0, 0, 0)),
	}, o.opts...)

	h.m, err = New(Dependencies{
		Pool:      p,
		Speech:    h.speech,
		Voice:     h.voice,
		Gate:      gate,
		Generator: gen,
		Directory: dir,
		Sinks:     SinkFactoryFunc(func(string) (playback.Sink, error) { return h.sink, nil }),
		Mirror:    h.mirror,
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.m.Close() })
	return h
}

// speak starts a session for participant and returns its backend stream.
func (h *harness) speak(t *testing.T, participant string) *stt.MockStream {
	t.Helper()
	if err := h.m.StartSpeaking(context.Background(), "room", participant, make(transcribe.ChanSource)); err != nil {
		t.Fatalf("StartSpeaking(%s): %v", participant, err)
	}
	select {
	case s := <-h.speech.Opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no transcription stream opened")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	t.Run("missing dependency", func(t *testing.T) {
		_, err := New(Dependencies{})
		if !errors.Is(err, ErrMissingDep) {
			t.Errorf("err = %v, want ErrMissingDep", err)
		}
	})

	t.Run("empty conversation id", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		if _, err := h.m.Conversation(""); !errors.Is(err, ErrEmptyIdentifier) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestUtteranceIsAnsweredAndMirrored(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	stream := h.speak(t, "alice")

	stream.SimulateFinal("what is the weather")
	stream.SimulateFinal("like today")

	eventually(t, "reply playback", func() bool { return len(h.sink.Played()) == 2 })
	played := h.sink.Played()
	if played[0].Text != "Hi there." || played[1].Text != "How are you?" {
		t.Errorf("played %q, %q", played[0].Text, played[1].Text)
	}

	reqs := h.generated()
	if len(reqs) != 1 {
		t.Fatalf("generator called %d times", len(reqs))
	}
	if reqs[0].Text != "what is the weather like today" || reqs[0].SpeakerName != "Alice" {
		t.Errorf("request = %+v", reqs[0])
	}

	c, ok := h.m.Lookup("room")
	if !ok {
		t.Fatal("conversation missing")
	}
	eventually(t, "agent turn", func() bool { return len(c.Recent()) == 2 })
	recent := c.Recent()
	if recent[0].Speaker != "Alice" || recent[0].Agent {
		t.Errorf("first turn = %+v", recent[0])
	}
	if recent[1].Speaker != "Eva" || !recent[1].Agent || recent[1].Text != "Hi there. How are you?" {
		t.Errorf("second turn = %+v", recent[1])
	}

	eventually(t, "mirror", func() bool {
		transcripts, replies, _ := h.mirror.counts()
		return transcripts == 2 && replies == 1
	})
}

func TestRecentTurnsReachGenerator(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	stream := h.speak(t, "alice")

	stream.SimulateFinal("hello")
	eventually(t, "first reply", func() bool { return len(h.generated()) == 1 })
	c, _ := h.m.Lookup("room")
	eventually(t, "agent turn", func() bool { return len(c.Recent()) == 2 })

	stream.SimulateFinal("pretty good")
	eventually(t, "second reply", func() bool { return len(h.generated()) == 2 })

	reqs := h.generated()
	if len(reqs[1].Recent) != 2 {
		t.Fatalf("recent turns = %d, want 2", len(reqs[1].Recent))
	}
	if r := reqs[1].Recent; r[0].Text != "hello" || !r[1].Agent {
		t.Errorf("recent = %+v", r)
	}
}

func TestModeDisabledRecordsOnly(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.m.SetConversationMode("room", false); err != nil {
		t.Fatal(err)
	}
	stream := h.speak(t, "alice")
	stream.SimulateFinal("just chatting")

	c, _ := h.m.Lookup("room")
	eventually(t, "utterance recorded", func() bool { return len(c.Recent()) == 1 })
	eventually(t, "transcript mirrored", func() bool {
		transcripts, _, _ := h.mirror.counts()
		return transcripts == 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := len(h.generated()); n != 0 {
		t.Errorf("generator called %d times with reply mode off", n)
	}
	if len(h.sink.Played()) != 0 {
		t.Error("audio played with reply mode off")
	}
}

func TestDisablingModeStopsCurrentReply(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, harnessOptions{
		generator: reply.GeneratorFunc(func(ctx context.Context, req reply.Request, emit func(string) error) (string, error) {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		}),
	})
	stream := h.speak(t, "alice")
	stream.SimulateFinal("tell me a story")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("generation never started")
	}
	c, _ := h.m.Lookup("room")
	current := c.Coordinator().Current()
	if current == nil {
		t.Fatal("no current ticket")
	}

	if err := h.m.SetConversationMode("room", false); err != nil {
		t.Fatal(err)
	}
	select {
	case <-current.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ticket not cancelled")
	}
	if current.Outcome() != respond.OutcomeCancelled {
		t.Errorf("outcome = %s", current.Outcome())
	}
}

func TestTranscriptionExhaustionDropsSpeech(t *testing.T) {
	h := newHarness(t, harnessOptions{transcription: 1})
	h.speak(t, "alice")

	err := h.m.StartSpeaking(context.Background(), "room", "bob", make(transcribe.ChanSource))
	if !errors.Is(err, pool.ErrNoCapacity) {
		t.Fatalf("err = %v, want pool.ErrNoCapacity", err)
	}

	err = h.m.StartSpeaking(context.Background(), "room", "alice", make(transcribe.ChanSource))
	if !errors.Is(err, transcribe.ErrSessionExists) {
		t.Errorf("second start of live session: %v, want ErrSessionExists", err)
	}
	if got := h.pool.Outstanding(pool.Transcription); got != 1 {
		t.Errorf("outstanding = %d, want 1", got)
	}
}

func TestEndConversationReleasesEverything(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.speak(t, "alice")
	h.speak(t, "bob")

	if err := h.m.EndConversation("room"); err != nil {
		t.Fatal(err)
	}
	if got := h.pool.Outstanding(pool.Transcription); got != 0 {
		t.Errorf("transcription reservations = %d after end", got)
	}
	if _, ok := h.m.Lookup("room"); ok {
		t.Error("conversation still registered")
	}
	if err := h.m.EndConversation("room"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("second end: %v", err)
	}
	if h.m.StopSpeaking("room", "alice") {
		t.Error("StopSpeaking succeeded on an ended conversation")
	}
}

func TestConversationsAreIsolated(t *testing.T) {
	h := newHarness(t, harnessOptions{
		directory: StaticDirectory{
			"room":  {{ID: "alice", Name: "Alice"}},
			"other": {{ID: "carol", Name: "Carol"}},
		},
	})
	h.speak(t, "alice")
	if err := h.m.StartSpeaking(context.Background(), "other", "carol", make(transcribe.ChanSource)); err != nil {
		t.Fatal(err)
	}

	if err := h.m.EndConversation("room"); err != nil {
		t.Fatal(err)
	}
	other, ok := h.m.Lookup("other")
	if !ok {
		t.Fatal("other conversation ended too")
	}
	if got := other.Speaking(); len(got) != 1 || got[0] != "carol" {
		t.Errorf("other speaking = %v", got)
	}
}

func TestDirectoryFailureUsesLastMembers(t *testing.T) {
	var mu sync.Mutex
	fail := false
	h := newHarness(t, harnessOptions{
		directory: directoryFunc(func(ctx context.Context, id string) ([]intent.Participant, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, errors.New("directory down")
			}
			return []intent.Participant{{ID: "alice", Name: "Alice"}}, nil
		}),
	})
	stream := h.speak(t, "alice")

	stream.SimulateFinal("first")
	eventually(t, "first reply", func() bool { return len(h.generated()) == 1 })
	c, _ := h.m.Lookup("room")
	eventually(t, "agent turn", func() bool { return len(c.Recent()) == 2 })

	mu.Lock()
	fail = true
	mu.Unlock()

	stream.SimulateFinal("second")
	eventually(t, "second reply", func() bool { return len(h.generated()) == 2 })
	if name := h.generated()[1].SpeakerName; name != "Alice" {
		t.Errorf("speaker = %q, want cached name", name)
	}
}

func TestSynthesisFailureIsMirrored(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.voice.StreamFunc = func(ctx context.Context, apiKey, text string) (tts.AudioStream, error) {
		if strings.HasPrefix(text, "How") {
			return nil, &tts.APIError{StatusCode: 500, Message: "down"}
		}
		return tts.NewMockStream(make([]byte, 480)), nil
	}
	stream := h.speak(t, "alice")
	stream.SimulateFinal("hello")

	eventually(t, "failure mirrored", func() bool {
		_, _, failures := h.mirror.counts()
		return failures == 1
	})
	eventually(t, "first sentence played", func() bool { return len(h.sink.Played()) == 1 })
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.speak(t, "alice")

	if err := h.m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.m.StartSpeaking(context.Background(), "room", "alice", make(transcribe.ChanSource)); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestMirrorThrottle(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.MirrorPerSecond = 0.001
	cfg.MirrorBurst = 1
	cfg.Metrics = metrics.New(reg)

	rec := &recordingMirror{}
	m := newThrottledMirror(rec, cfg)
	m.transcript("a", "alice", "one")
	m.transcript("a", "alice", "two")
	m.transcript("a", "alice", "three")
	m.transcript("b", "bob", "four")
	m.close()

	rec.mu.Lock()
	got := strings.Join(rec.transcripts, "|")
	rec.mu.Unlock()
	if got != "alice: one|bob: four" {
		t.Errorf("delivered %q", got)
	}

	expected := `
# HELP parley_mirror_dropped_total Text mirror notifications dropped by the throttle.
# TYPE parley_mirror_dropped_total counter
parley_mirror_dropped_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "parley_mirror_dropped_total"); err != nil {
		t.Error(err)
	}

	m.reply("a", "late")
	if _, replies, _ := rec.counts(); replies != 0 {
		t.Error("closed mirror delivered")
	}
}

func TestNilMirrorDiscards(t *testing.T) {
	var m *throttledMirror
	m.transcript("a", "alice", "hello")
	m.forget("a")
	m.close()
}

func TestSpeakerResumesRightAfterStop(t *testing.T) {
	h := newHarness(t, harnessOptions{transcription: 2})
	first := h.speak(t, "alice")
	first.SimulateFinal("hello everyone")

	if !h.m.StopSpeaking("room", "alice") {
		t.Fatal("StopSpeaking found no session")
	}
	second := h.speak(t, "alice")
	if second == first {
		t.Fatal("resumed speech reused the stopped stream")
	}
	second.SimulateFinal("and one more thing")

	eventually(t, "both fragments recorded", func() bool {
		c, _ := h.m.Lookup("room")
		var texts []string
		for _, turn := range c.Recent() {
			texts = append(texts, turn.Text)
		}
		joined := strings.Join(texts, " ")
		return strings.Contains(joined, "hello everyone") && strings.Contains(joined, "and one more thing")
	})
}
