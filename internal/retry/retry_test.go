package retry

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBackoffBaseTwo(t *testing.T) {
	want := map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
	}
	for attempts, d := range want {
		if got := Backoff(attempts, 2); got != d {
			t.Fatalf("Backoff(%d, 2) = %v, want %v", attempts, got, d)
		}
	}
}

func TestBackoffSaturates(t *testing.T) {
	if got := Backoff(10_000, 2); got != time.Duration(math.MaxInt64) {
		t.Fatalf("Backoff overflow = %v", got)
	}
	d := Policy{Base: 10}.Decide(1, 500, time.Now())
	if d.Dead {
		t.Fatalf("decision should not be terminal")
	}
	d = Policy{Base: 10}.Decide(400, 500, time.Now())
	if d.NextRunAt.Before(time.Now()) {
		t.Fatalf("next run %v overflowed into the past", d.NextRunAt)
	}
}

func TestDecideBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := Policy{Base: 2}

	tests := []struct {
		attempts, maxRetries int
		dead                 bool
		delay                time.Duration
	}{
		{attempts: 1, maxRetries: 0, dead: true},
		{attempts: 1, maxRetries: 1, dead: true},
		{attempts: 1, maxRetries: 3, delay: 2 * time.Second},
		{attempts: 2, maxRetries: 3, delay: 4 * time.Second},
		{attempts: 3, maxRetries: 3, dead: true},
	}
	for _, tt := range tests {
		d := p.Decide(tt.attempts, tt.maxRetries, now)
		if d.Dead != tt.dead {
			t.Fatalf("Decide(%d, %d).Dead = %v, want %v", tt.attempts, tt.maxRetries, d.Dead, tt.dead)
		}
		if !tt.dead && !d.NextRunAt.Equal(now.Add(tt.delay)) {
			t.Fatalf("Decide(%d, %d).NextRunAt = %v, want +%v", tt.attempts, tt.maxRetries, d.NextRunAt, tt.delay)
		}
	}
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff grows with attempts", prop.ForAll(
		func(attempts int, base float64) bool {
			return Backoff(attempts+1, base) >= Backoff(attempts, base)
		},
		gen.IntRange(0, 40),
		gen.Float64Range(1.01, 10),
	))

	properties.Property("integer base gives exact powers", prop.ForAll(
		func(attempts, base int) bool {
			want := time.Duration(math.Pow(float64(base), float64(attempts))) * time.Second
			return Backoff(attempts, float64(base)) == want
		},
		gen.IntRange(0, 12),
		gen.IntRange(2, 5),
	))

	properties.Property("terminal exactly when attempts reach max_retries", prop.ForAll(
		func(attempts, maxRetries int) bool {
			return IsTerminal(attempts, maxRetries) == (attempts >= maxRetries)
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
