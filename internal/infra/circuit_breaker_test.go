package infra

import (
	"testing"
	"time"
)

// fakeClock drives the breaker without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int, timeout time.Duration) (*CircuitBreaker, *fakeClock, *[]State) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var changes []State
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "wal",
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          timeout,
		OnStateChange:    func(_ string, _, to State) { changes = append(changes, to) },
	})
	cb.now = clock.now
	return cb, clock, &changes
}

func TestCircuitBreaker_AllowInClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))

	if !cb.Allow() {
		t.Error("Expected Allow() to return true in CLOSED state")
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state CLOSED, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _, changes := newTestBreaker(3, 2, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Error("Should still be CLOSED after 2 failures")
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Errorf("Expected OPEN after 3 failures, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("Expected Allow() to return false in OPEN state")
	}
	if len(*changes) != 1 || (*changes)[0] != StateOpen {
		t.Errorf("expected one OPEN transition, got %v", *changes)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(2, 1, time.Minute)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Error("failures must be consecutive to open the breaker")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clock, _ := newTestBreaker(2, 1, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()

	clock.advance(59 * time.Second)
	if cb.Allow() {
		t.Error("Expected Allow() to stay false before the timeout")
	}

	clock.advance(time.Second)
	if !cb.Allow() {
		t.Error("Expected Allow() to return true after timeout (half-open)")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HALF_OPEN, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccess(t *testing.T) {
	cb, clock, changes := newTestBreaker(2, 2, time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	clock.advance(time.Second)
	cb.Allow()

	cb.RecordSuccess()
	if cb.GetState() != StateHalfOpen {
		t.Error("Should still be HALF_OPEN after 1 success")
	}
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected CLOSED after 2 successes, got %s", cb.GetState())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(*changes) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, *changes)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], (*changes)[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(1, 1, time.Second)
	cb.RecordFailure()
	clock.advance(time.Second)
	cb.Allow()

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected OPEN after failed probe, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("a failed probe restarts the cool-down")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatal("Expected OPEN state")
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected CLOSED after Reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("Expected Allow() to return true after Reset")
	}
}
