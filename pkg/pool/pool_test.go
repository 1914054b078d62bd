package pool

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func creds(n, transcription, synthesis int) []Credential {
	out := make([]Credential, n)
	for i := range out {
		out[i] = Credential{
			ID:  string(rune('a' + i)),
			Key: "key-" + string(rune('a'+i)),
			Limits: map[Capability]int{
				Transcription: transcription,
				Synthesis:     synthesis,
			},
		}
	}
	return out
}

func mustPool(t *testing.T, c []Credential, opts ...Option) *Pool {
	t.Helper()
	p, err := New(c, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNew(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		if _, err := New(nil); !errors.Is(err, ErrNoCredentials) {
			t.Errorf("err = %v, want ErrNoCredentials", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		c := creds(1, 1, 1)
		if _, err := New(append(c, c[0])); err == nil {
			t.Error("expected duplicate error")
		}
	})

	t.Run("negative limit", func(t *testing.T) {
		c := []Credential{{ID: "a", Limits: map[Capability]int{Synthesis: -1}}}
		if _, err := New(c); err == nil {
			t.Error("expected limit error")
		}
	})
}

func TestCapacityBound(t *testing.T) {
	const C, K = 3, 2
	p := mustPool(t, creds(C, K, 5))

	var held []*Reservation
	for i := 0; i < C*K; i++ {
		r, err := p.Acquire(Transcription)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		held = append(held, r)
	}

	if _, err := p.Acquire(Transcription); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("acquire %d: err = %v, want ErrNoCapacity", C*K+1, err)
	}

	// Synthesis quota is independent.
	if _, err := p.Acquire(Synthesis); err != nil {
		t.Errorf("synthesis acquire: %v", err)
	}

	p.Release(held[0])
	r, err := p.Acquire(Transcription)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if r.CredentialID != held[0].CredentialID {
		t.Errorf("got credential %s, want freed %s", r.CredentialID, held[0].CredentialID)
	}
}

func TestCapacityBoundConcurrent(t *testing.T) {
	const C, K = 4, 3
	p := mustPool(t, creds(C, K, K))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		refused int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(Synthesis)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				refused++
				return
			}
			granted++
		}()
	}
	wg.Wait()

	if granted != C*K {
		t.Errorf("granted = %d, want %d", granted, C*K)
	}
	if refused != 50-C*K {
		t.Errorf("refused = %d, want %d", refused, 50-C*K)
	}
	if got := p.Outstanding(Synthesis); got != C*K {
		t.Errorf("outstanding = %d, want %d", got, C*K)
	}
}

func TestRoundRobinSpreadsLoad(t *testing.T) {
	p := mustPool(t, creds(3, 10, 10))

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		r, err := p.Acquire(Synthesis)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		counts[r.CredentialID]++
	}

	for id, n := range counts {
		if n != 3 {
			t.Errorf("credential %s got %d reservations, want 3", id, n)
		}
	}
	if len(counts) != 3 {
		t.Errorf("load landed on %d credentials, want 3", len(counts))
	}
}

func TestBandExcludesDepletedCredential(t *testing.T) {
	c := []Credential{
		{ID: "big", Limits: map[Capability]int{Synthesis: 10}},
		{ID: "small", Limits: map[Capability]int{Synthesis: 2}},
	}
	p := mustPool(t, c)

	// small has 2 remaining against a best of 10, outside the 0.8 band.
	for i := 0; i < 3; i++ {
		r, err := p.Acquire(Synthesis)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if r.CredentialID != "big" {
			t.Errorf("acquire %d went to %s, want big", i, r.CredentialID)
		}
	}
}

func TestUnknownCapability(t *testing.T) {
	p := mustPool(t, creds(1, 1, 1))
	if _, err := p.Acquire("moderation"); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("err = %v, want ErrUnknownCapability", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := mustPool(t, creds(1, 1, 1))

	r, err := p.Acquire(Transcription)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(r)
	p.Release(r)
	p.Release(nil)

	if got := p.Outstanding(Transcription); got != 0 {
		t.Errorf("outstanding = %d", got)
	}

	// A double release must not free capacity someone else holds.
	r2, err := p.Acquire(Transcription)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(r)
	if _, err := p.Acquire(Transcription); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("stale release freed a live slot: err = %v", err)
	}
	p.Release(r2)
}

func TestQuarantineAndRestore(t *testing.T) {
	clock := newFakeClock()
	p := mustPool(t, creds(2, 5, 5),
		WithClock(clock.Now),
		WithCooldown(60*time.Second),
	)

	fail := errors.New("connection refused")
	for i := 0; i < 5; i++ {
		r, err := p.Acquire(Synthesis)
		if err != nil {
			t.Fatal(err)
		}
		if r.CredentialID != "a" {
			// Drive all errors at credential a.
			p.Release(r)
			r, err = p.Acquire(Synthesis)
			if err != nil || r.CredentialID != "a" {
				t.Fatalf("could not reserve credential a: %v", err)
			}
		}
		p.ReportError(r, fail)
		p.Release(r)
	}

	stats := statsByID(p)
	if stats["a"].Healthy {
		t.Fatal("credential a should be quarantined after 5 errors")
	}
	if stats["a"].Errors != 5 {
		t.Errorf("errors = %d, want 5", stats["a"].Errors)
	}

	for i := 0; i < 4; i++ {
		r, err := p.Acquire(Synthesis)
		if err != nil {
			t.Fatal(err)
		}
		if r.CredentialID == "a" {
			t.Fatal("quarantined credential was returned")
		}
		p.Release(r)
	}

	clock.Advance(60*time.Second - time.Nanosecond)
	if statsByID(p)["a"].Healthy {
		t.Fatal("credential restored before the cooldown elapsed")
	}

	clock.Advance(time.Nanosecond)
	stats = statsByID(p)
	if !stats["a"].Healthy {
		t.Fatal("credential not restored after exactly the cooldown")
	}
	if stats["a"].Errors != 0 {
		t.Errorf("errors after restore = %d, want 0", stats["a"].Errors)
	}
}

func TestQuarantineExcludesOnlyCredential(t *testing.T) {
	clock := newFakeClock()
	p := mustPool(t, creds(1, 2, 2), WithClock(clock.Now), WithErrorThreshold(2))

	for i := 0; i < 2; i++ {
		r, err := p.Acquire(Transcription)
		if err != nil {
			t.Fatal(err)
		}
		p.ReportError(r, errors.New("boom"))
		p.Release(r)
	}

	if _, err := p.Acquire(Transcription); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	if _, err := p.Acquire(Synthesis); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("quarantine must cover every capability, err = %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := p.Acquire(Transcription); err != nil {
		t.Fatalf("acquire after cooldown: %v", err)
	}
}

func TestSuccessResetsConsecutiveErrors(t *testing.T) {
	p := mustPool(t, creds(1, 1, 1))

	for i := 0; i < 4; i++ {
		r, _ := p.Acquire(Synthesis)
		p.ReportError(r, errors.New("boom"))
		p.Release(r)
	}
	if got := statsByID(p)["a"].Errors; got != 4 {
		t.Fatalf("errors = %d, want 4", got)
	}

	r, _ := p.Acquire(Synthesis)
	p.Release(r)

	if got := statsByID(p)["a"].Errors; got != 0 {
		t.Errorf("errors after clean release = %d, want 0", got)
	}

	r, _ = p.Acquire(Synthesis)
	p.ReportError(r, errors.New("boom"))
	p.Release(r)
	if !statsByID(p)["a"].Healthy {
		t.Error("a single error after a success must not quarantine")
	}
}

func TestClose(t *testing.T) {
	p := mustPool(t, creds(1, 1, 1))
	r, err := p.Acquire(Synthesis)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()

	if _, err := p.Acquire(Synthesis); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	p.Release(r)
	if got := p.Outstanding(Synthesis); got != 0 {
		t.Errorf("outstanding after close+release = %d", got)
	}
}

func statsByID(p *Pool) map[string]CredentialStats {
	out := make(map[string]CredentialStats)
	for _, s := range p.Stats() {
		out[s.ID] = s
	}
	return out
}
