package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/mail"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// fakeClock is advanced by hand instead of sleeping
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newWithClock(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, testLogger())
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: 1 * time.Second}, testLogger())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newWithClock(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond})
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb, clock := newWithClock(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond})
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb, clock := newWithClock(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond})
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb, clock := newWithClock(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1})
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedTransport Tests ---

type mockTransport struct {
	sendErr   error
	sendCalls int
}

func (m *mockTransport) Send(ctx context.Context, msg mail.Message) error {
	m.sendCalls++
	return m.sendErr
}

func testMessage() mail.Message {
	return mail.Message{To: "member@example.org", Subject: "Reminder"}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cfg := Config{
		Name:            "smtp",
		MaxFailures:     2,
		RecoveryTimeout: time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}
	cb, clock := newWithClock(cfg)

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.advance(time.Minute)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"smtp:closed->open", "smtp:open->half-open", "smtp:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestProtectedTransport_PassesThrough(t *testing.T) {
	mock := &mockTransport{}
	cb := New(Config{Name: "test", MaxFailures: 5}, testLogger())
	pt := NewProtectedTransport(mock, cb, testLogger())
	if err := pt.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtectedTransport_FailFastWhenOpen(t *testing.T) {
	mock := &mockTransport{sendErr: errors.New("down")}
	cb := New(Config{Name: "test", MaxFailures: 2}, testLogger())
	pt := NewProtectedTransport(mock, cb, testLogger())
	_ = pt.Send(context.Background(), testMessage())
	_ = pt.Send(context.Background(), testMessage())
	mock.sendCalls = 0

	err := pt.Send(context.Background(), testMessage())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("transport called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedTransport_KeepsTransportError(t *testing.T) {
	mock := &mockTransport{sendErr: &mail.TransportError{Backend: "smtp", Op: "send", Err: errors.New("451")}}
	pt := NewProtectedTransport(mock, New(DefaultConfig("smtp"), testLogger()), testLogger())

	err := pt.Send(context.Background(), testMessage())
	if !errors.Is(err, mail.ErrTransport) {
		t.Fatalf("expected transport error to pass through, got %v", err)
	}
	if pt.Breaker().Stats().TotalFailures != 1 {
		t.Fatal("expected 1 failure recorded")
	}
}

func TestProtectedTransport_FullLifecycle(t *testing.T) {
	mock := &mockTransport{}
	cb, clock := newWithClock(Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 30 * time.Second})
	pt := NewProtectedTransport(mock, cb, testLogger())
	msg := testMessage()

	if err := pt.Send(context.Background(), msg); err != nil {
		t.Fatalf("healthy send: %v", err)
	}

	mock.sendErr = errors.New("relay down")
	for i := 0; i < 3; i++ {
		_ = pt.Send(context.Background(), msg)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	mock.sendCalls = 0
	if err := pt.Send(context.Background(), msg); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail fast, got %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("transport should not be called while open")
	}

	clock.advance(30 * time.Second)
	mock.sendErr = nil
	if err := pt.Send(context.Background(), msg); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.GetState())
	}
}
