package backoff

import (
	"context"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Fatalf("attempt %d: got %s want %s", attempt, got, w)
		}
	}
	if got := p.Delay(200); got != 10*time.Second {
		t.Fatalf("large attempt must stay capped, got %s", got)
	}
	if got := p.Delay(-3); got != time.Second {
		t.Fatalf("negative attempt should behave like 0, got %s", got)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleep ignored cancellation")
	}
}
