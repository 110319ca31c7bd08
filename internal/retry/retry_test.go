package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestDo(t *testing.T) {
	transient := errors.New("not leader for partition")
	tests := []struct {
		name      string
		policy    Policy
		failFirst int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{name: "first attempt succeeds", policy: fast(3), wantCalls: 1},
		{name: "recovers after transient errors", policy: fast(3), failFirst: 2, wantCalls: 3},
		{name: "attempts exhausted", policy: fast(3), failFirst: 10, wantCalls: 3, wantErr: true},
		{name: "permanent error stops", policy: fast(5), failFirst: 10, permanent: true, wantCalls: 1, wantErr: true},
		{name: "once", policy: Once(), failFirst: 10, wantCalls: 1, wantErr: true},
		{name: "zero attempts still calls once", policy: Policy{}, failFirst: 10, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.policy, func(attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt %d reported on call %d", attempt, calls)
				}
				if calls <= tt.failFirst {
					if tt.permanent {
						return Permanent(transient)
					}
					return transient
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, transient) {
				t.Errorf("expected the operation's error, got %v", err)
			}
			if err != nil && IsPermanent(err) {
				t.Error("Do should unwrap permanent errors")
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 100, InitialInterval: time.Second, MaxInterval: time.Second}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	boom := errors.New("broker down")
	err := Do(ctx, p, func(int) error { return boom })
	if !errors.Is(err, context.Canceled) || !errors.Is(err, boom) {
		t.Fatalf("expected both the last error and context.Canceled, got %v", err)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	inner := errors.New("record too large")
	if !errors.Is(Permanent(inner), inner) {
		t.Error("permanent error should unwrap to the original")
	}
	if !IsPermanent(Permanent(inner)) || IsPermanent(inner) || IsPermanent(nil) {
		t.Error("IsPermanent misclassified")
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialInterval: 100 * time.Millisecond, MaxInterval: 500 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond}
	for i, w := range want {
		if got := p.backoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}

	p.Jitter = 0.2
	for i := 0; i < 100; i++ {
		if b := p.backoff(1); b < 80*time.Millisecond || b > 120*time.Millisecond {
			t.Fatalf("backoff %v outside jitter bounds", b)
		}
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "default", policy: DefaultPolicy()},
		{name: "once", policy: Once()},
		{name: "no attempts", policy: Policy{}, wantErr: true},
		{name: "negative interval", policy: Policy{MaxAttempts: 2, InitialInterval: -time.Second}, wantErr: true},
		{name: "initial above max", policy: Policy{MaxAttempts: 2, InitialInterval: time.Minute, MaxInterval: time.Second}, wantErr: true},
		{name: "jitter too large", policy: Policy{MaxAttempts: 2, Jitter: 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
