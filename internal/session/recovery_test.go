package session

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		cause    string
		severity string
		message  string
		want     Class
	}{
		{"throttled", "Received status code 429", "suspicious", "", ClassRateLimit},
		{"blocked", "", "common", "The uploader has blocked it in your country", ClassUnplayable},
		{"forbidden", "403 from upstream", "suspicious", "", ClassRateLimit},
		{"private", "This video is private", "common", "", ClassUnplayable},
		{"timeout", "read timed out", "common", "", ClassNetwork},
		{"reset", "connection reset by peer", "common", "", ClassNetwork},
		{"decode", "decoding failed mid stream", "fault", "", ClassDecode},
		{"seek", "", "common", "position is beyond track length", ClassDecode},
		{"auth", "401 unauthorized", "fault", "", ClassFatal},
		{"unknown fault", "mystery", "fault", "", ClassFatal},
		{"unknown common", "mystery", "common", "", ClassNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.cause, tc.severity, tc.message); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDecideRateLimitRotatesAfterBudget(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= p.RateLimitAttempts; attempt++ {
		d := p.Decide(ClassRateLimit, attempt)
		if d.Action != ActionRetry || !d.Resume {
			t.Fatalf("attempt %d: expected resuming retry, got %s", attempt, d.Action)
		}
		if d.Cooldown != p.RateLimitCooldown {
			t.Fatalf("attempt %d: expected cooldown %v, got %v", attempt, p.RateLimitCooldown, d.Cooldown)
		}
	}
	d := p.Decide(ClassRateLimit, p.RateLimitAttempts+1)
	if d.Action != ActionRotate {
		t.Fatalf("expected rotate after budget, got %s", d.Action)
	}
}

func TestDecideDecodeRepositionsOnceThenSkips(t *testing.T) {
	p := DefaultPolicy()
	if d := p.Decide(ClassDecode, 1); d.Action != ActionReposition {
		t.Fatalf("expected reposition, got %s", d.Action)
	}
	if d := p.Decide(ClassDecode, 2); d.Action != ActionSkip {
		t.Fatalf("expected skip, got %s", d.Action)
	}
}

func TestDecideUnplayableSkipsImmediately(t *testing.T) {
	if d := DefaultPolicy().Decide(ClassUnplayable, 1); d.Action != ActionSkip {
		t.Fatalf("expected skip, got %s", d.Action)
	}
}

func TestRetryStateResetsOnNodeChange(t *testing.T) {
	r := NewRetryState(time.Minute)
	now := time.Now()
	if got := r.Next(ClassNetwork, "n1", now); got != 1 {
		t.Fatalf("expected attempt 1, got %d", got)
	}
	if got := r.Next(ClassNetwork, "n1", now); got != 2 {
		t.Fatalf("expected attempt 2, got %d", got)
	}
	if got := r.Next(ClassNetwork, "n2", now); got != 1 {
		t.Fatalf("expected reset on node change, got %d", got)
	}
}

func TestRetryStateResetsAfterQuietPeriod(t *testing.T) {
	r := NewRetryState(time.Minute)
	now := time.Now()
	r.Next(ClassRateLimit, "n1", now)
	r.Next(ClassRateLimit, "n1", now)
	if got := r.Next(ClassRateLimit, "n1", now.Add(2*time.Minute)); got != 1 {
		t.Fatalf("expected quiet-period reset, got %d", got)
	}
}

func TestRetryStateGeneralCountsAcrossClasses(t *testing.T) {
	r := NewRetryState(time.Minute)
	now := time.Now()
	r.Next(ClassNetwork, "n1", now)
	r.Next(ClassRateLimit, "n1", now)
	r.Next(ClassDecode, "n1", now)
	if got := r.General(); got != 3 {
		t.Fatalf("expected general count 3, got %d", got)
	}
	r.Reset()
	if got := r.General(); got != 0 {
		t.Fatalf("expected reset general count, got %d", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(time.Second)
	now := time.Now()
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(now); got != w {
			t.Fatalf("step %d: got %v, want %v", i, got, w)
		}
		now = now.Add(time.Second)
	}
	for i := 0; i < 20; i++ {
		last := b.Next(now)
		now = now.Add(time.Second)
		if last > 1024*time.Second {
			t.Fatalf("backoff exceeded cap: %v", last)
		}
	}
}

func TestBackoffResetsAfterLongGap(t *testing.T) {
	b := NewBackoff(time.Second)
	now := time.Now()
	b.Next(now)
	b.Next(now)
	b.Next(now)
	// Past the reset window of base*2^11.
	if got := b.Next(now.Add(3 * time.Hour)); got != time.Second {
		t.Fatalf("expected reset to base, got %v", got)
	}
}
