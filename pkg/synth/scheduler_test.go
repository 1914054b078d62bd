package synth

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/parley/pkg/audioio"
	"github.com/teslashibe/parley/pkg/playback"
	"github.com/teslashibe/parley/pkg/pool"
	"github.com/teslashibe/parley/pkg/respond"
	"github.com/teslashibe/parley/pkg/tts"
)

func newPool(t *testing.T, synthesis int) *pool.Pool {
	t.Helper()
	p, err := pool.New([]pool.Credential{{
		ID:     "cred-1",
		Key:    "key-1",
		Limits: map[pool.Capability]int{pool.Synthesis: synthesis},
	}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// delayed returns a provider whose synthesis of each text takes the given
// time and yields chunk.
func delayed(delays map[string]time.Duration, chunk []byte) *tts.Mock {
	m := tts.NewMock()
	m.StreamFunc = func(ctx context.Context, apiKey, text string) (tts.AudioStream, error) {
		return tts.NewMockStream(chunk).WithContext(ctx).WithDelay(delays[text]), nil
	}
	return m
}

func texts(entries []playback.Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPlaysInDispatchOrder(t *testing.T) {
	delays := map[string]time.Duration{
		"s0": 60 * time.Millisecond,
		"s1": 5 * time.Millisecond,
		"s2": 40 * time.Millisecond,
		"s3": 0,
		"s4": 20 * time.Millisecond,
	}
	sink := playback.NewBufferSink()
	s := New("conv", newPool(t, 8), delayed(delays, make([]byte, 480)), sink)
	defer s.Close()

	tk := respond.NewTicket("conv", "alice", 1)
	for i, text := range []string{"s0", "s1", "s2", "s3", "s4"} {
		s.Sentence(tk, i, text)
	}
	waitClosed(t, s.Finish(tk), "ticket audio")

	if got := texts(sink.Played()); !reflect.DeepEqual(got, []string{"s0", "s1", "s2", "s3", "s4"}) {
		t.Errorf("played = %v", got)
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d", s.Pending())
	}
}

func TestOrderingAcrossTickets(t *testing.T) {
	delays := map[string]time.Duration{"a": 50 * time.Millisecond, "b": 0}
	sink := playback.NewBufferSink()
	s := New("conv", newPool(t, 4), delayed(delays, make([]byte, 480)), sink)
	defer s.Close()

	first := respond.NewTicket("conv", "alice", 1)
	second := respond.NewTicket("conv", "bob", 2)
	s.Sentence(first, 0, "a")
	s.Sentence(second, 0, "b")

	waitClosed(t, s.Finish(first), "first ticket")
	waitClosed(t, s.Finish(second), "second ticket")
	if got := texts(sink.Played()); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("played = %v", got)
	}
}

func TestCancelTicketStopsPlayback(t *testing.T) {
	delays := map[string]time.Duration{"a1": time.Minute}
	fiveSeconds := make([]byte, 24000*2*5)

	sink := playback.NewBufferSink()
	sink.Realtime = true
	started := make(chan playback.Entry, 4)
	p := newPool(t, 4)
	s := New("conv", p, delayed(delays, fiveSeconds), sink,
		WithOnPlay(func(e playback.Entry) { started <- e }),
	)
	defer s.Close()

	a := respond.NewTicket("conv", "alice", 1)
	s.Sentence(a, 0, "a0")
	s.Sentence(a, 1, "a1")
	if e := <-started; e.Text != "a0" {
		t.Fatalf("started %q", e.Text)
	}

	a.Cancel("interrupted")
	begin := time.Now()
	s.CancelTicket(a.ID)
	waitClosed(t, s.Finish(a), "cancelled ticket")
	if time.Since(begin) > time.Second {
		t.Error("cancellation did not stop playback promptly")
	}
	if _, playing := s.Player().Playing(); playing {
		eventually(t, "player to stop", func() bool {
			_, playing := s.Player().Playing()
			return !playing
		})
	}
	eventually(t, "reservations to be released", func() bool { return p.Outstanding(pool.Synthesis) == 0 })

	s.Sentence(a, 2, "a2")
	if s.Pending() != 0 {
		t.Error("sentence accepted for cancelled ticket")
	}

	b := respond.NewTicket("conv", "bob", 2)
	s.Sentence(b, 0, "b0")
	if e := <-started; e.Text != "b0" || e.TicketID != b.ID {
		t.Errorf("started %q for ticket %s", e.Text, e.TicketID)
	}
	s.CancelTicket(b.ID)

	for _, e := range sink.Played() {
		if e.TicketID == a.ID {
			t.Errorf("cancelled ticket audio %q finished playing", e.Text)
		}
	}
}

func TestPoolExhaustionFailsOneSentence(t *testing.T) {
	release := make(chan struct{})
	provider := tts.NewMock()
	provider.StreamFunc = func(ctx context.Context, apiKey, text string) (tts.AudioStream, error) {
		<-release
		return tts.NewMockStream(make([]byte, 480)), nil
	}

	var mu sync.Mutex
	var failures []Failure
	sink := playback.NewBufferSink()
	s := New("conv", newPool(t, 1), provider, sink, WithOnFailure(func(f Failure) {
		mu.Lock()
		failures = append(failures, f)
		mu.Unlock()
	}))
	defer s.Close()

	tk := respond.NewTicket("conv", "alice", 1)
	s.Sentence(tk, 0, "first")
	eventually(t, "first synthesis to start", func() bool { return provider.CallCount() == 1 })
	s.Sentence(tk, 1, "second")
	eventually(t, "second sentence to fail", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	})
	close(release)
	waitClosed(t, s.Finish(tk), "ticket audio")

	mu.Lock()
	defer mu.Unlock()
	if f := failures[0]; f.Job.Ordinal != 1 || !errors.Is(f.Err, pool.ErrNoCapacity) || f.ConversationID != "conv" {
		t.Errorf("failure = %+v", f)
	}
	if got := texts(sink.Played()); !reflect.DeepEqual(got, []string{"first"}) {
		t.Errorf("played = %v", got)
	}
}

func TestBackendErrorIsReported(t *testing.T) {
	p := newPool(t, 2)
	failed := make(chan Failure, 1)
	s := New("conv", p, tts.WithError(&tts.APIError{StatusCode: 500, Message: "down"}), playback.NewBufferSink(),
		WithOnFailure(func(f Failure) { failed <- f }),
	)
	defer s.Close()

	tk := respond.NewTicket("conv", "alice", 1)
	s.Sentence(tk, 0, "hello")

	select {
	case f := <-failed:
		var apiErr *tts.APIError
		if !errors.As(f.Err, &apiErr) {
			t.Errorf("err = %v", f.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}
	waitClosed(t, s.Finish(tk), "ticket")

	if stats := p.Stats(); stats[0].Errors != 1 {
		t.Errorf("credential errors = %d, want 1", stats[0].Errors)
	}
	if p.Outstanding(pool.Synthesis) != 0 {
		t.Error("reservation leaked")
	}
}

func TestSpeakingRateStretchesAudio(t *testing.T) {
	sink := playback.NewBufferSink()
	s := New("conv", newPool(t, 1), delayed(nil, make([]byte, 4800)), sink, WithSpeakingRate(2))
	defer s.Close()

	tk := respond.NewTicket("conv", "alice", 1)
	s.Sentence(tk, 0, "fast")
	waitClosed(t, s.Finish(tk), "ticket")

	played := sink.Played()
	if len(played) != 1 || len(played[0].Audio) != 2400 {
		t.Fatalf("played = %d entries, audio = %d bytes", len(played), len(played[0].Audio))
	}
	if played[0].Format.SampleRate != 24000 || played[0].Format.Channels != 1 {
		t.Errorf("format = %+v", played[0].Format)
	}
}

func TestSpeakingRateKeepsStereoChannelsApart(t *testing.T) {
	stereo := make([]int16, 600*2)
	for f := 0; f < 600; f++ {
		stereo[f*2] = 1000
		stereo[f*2+1] = -1000
	}
	format := tts.AudioFormat{Encoding: tts.EncodingPCM24, SampleRate: 24000, Channels: 2, BitDepth: 16}
	provider := tts.NewMock()
	provider.StreamFunc = func(ctx context.Context, apiKey, text string) (tts.AudioStream, error) {
		return tts.NewMockStream(audioio.SamplesToBytes(stereo)).WithContext(ctx).WithFormat(format), nil
	}

	sink := playback.NewBufferSink()
	s := New("conv", newPool(t, 1), provider, sink, WithSpeakingRate(2))
	defer s.Close()

	tk := respond.NewTicket("conv", "alice", 1)
	s.Sentence(tk, 0, "stereo")
	waitClosed(t, s.Finish(tk), "ticket")

	played := sink.Played()
	if len(played) != 1 {
		t.Fatalf("played %d entries", len(played))
	}
	if played[0].Format.Channels != 2 {
		t.Errorf("channels = %d", played[0].Format.Channels)
	}
	got := audioio.BytesToSamples(played[0].Audio)
	if len(got) != 300*2 {
		t.Fatalf("samples = %d, want 600", len(got))
	}
	for f := 0; f < 300; f++ {
		if got[f*2] != 1000 || got[f*2+1] != -1000 {
			t.Fatalf("frame %d = [%d %d], channels blended", f, got[f*2], got[f*2+1])
		}
	}
}

func TestFinishWithoutSentences(t *testing.T) {
	s := New("conv", newPool(t, 1), tts.NewMock(), playback.NewBufferSink())
	defer s.Close()

	waitClosed(t, s.Finish(respond.NewTicket("conv", "alice", 1)), "empty ticket")
}

func TestCloseReleasesWaiters(t *testing.T) {
	delays := map[string]time.Duration{"slow": time.Minute}
	s := New("conv", newPool(t, 1), delayed(delays, []byte{0, 0}), playback.NewBufferSink())

	tk := respond.NewTicket("conv", "alice", 1)
	s.Sentence(tk, 0, "slow")
	finished := s.Finish(tk)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, finished, "finish after close")

	s.Sentence(tk, 1, "late")
	if s.Pending() != 0 {
		t.Error("closed scheduler accepted a sentence")
	}
}
