package guard

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func TestBreaker_FullCycle(t *testing.T) {
	clk := newClock()
	var transitions []Transition
	cb := NewCircuitBreaker(
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(time.Minute),
		WithBreakerHalfOpenMax(2),
		WithBreakerClock(clk.now),
		WithBreakerObserver(func(tr Transition) { transitions = append(transitions, tr) }),
	)

	for i := 0; i < 3; i++ {
		if cb.State() != BreakerClosed {
			t.Fatalf("opened after %d failures", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker must refuse")
	}
	if d := cb.RetryAfter(); d != time.Minute {
		t.Fatalf("RetryAfter = %s", d)
	}

	clk.advance(time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != BreakerHalfOpen {
		t.Fatal("one success must not close")
	}
	cb.RecordSuccess()
	snap := cb.Snapshot()
	if snap.State != BreakerClosed || snap.Failures != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %+v", transitions)
	}
	for i, tr := range transitions {
		if tr.To != want[i] {
			t.Errorf("transition %d to %s, want %s", i, tr.To, want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker(WithBreakerThreshold(1), WithBreakerResetTimeout(time.Second), WithBreakerClock(clk.now))
	cb.RecordFailure()
	clk.advance(time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected HALF_OPEN")
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("failure while probing must reopen")
	}
	// Timer restarted at the reopen.
	clk.advance(500 * time.Millisecond)
	if cb.State() != BreakerOpen {
		t.Fatal("reset timer must restart on reopen")
	}
}

func TestBreaker_SuccessResetsFailuresWhenClosed(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(3))
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Fatal("failures separated by a success must not trip the breaker")
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("three consecutive failures must trip")
	}
}

func TestBreaker_HalfOpenTrialsAreBounded(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker(WithBreakerThreshold(1), WithBreakerResetTimeout(time.Second),
		WithBreakerHalfOpenMax(2), WithBreakerClock(clk.now))
	cb.RecordFailure()
	clk.advance(time.Second)

	if !cb.Begin() || !cb.Begin() {
		t.Fatal("two trials should be admitted")
	}
	if cb.Begin() || cb.Allow() {
		t.Fatal("third trial must be refused until outcomes arrive")
	}
	cb.RecordSuccess()
	cb.RecordSuccess()
	if !cb.Allow() || cb.State() != BreakerClosed {
		t.Fatal("expected CLOSED after two trial successes")
	}
}

func TestBreakerState_String(t *testing.T) {
	for s, want := range map[BreakerState]string{
		BreakerClosed: "CLOSED", BreakerOpen: "OPEN", BreakerHalfOpen: "HALF_OPEN", BreakerState(9): "UNKNOWN",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", int(s), s.String())
		}
	}
}
