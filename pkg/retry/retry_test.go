package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 3 || cfg.InitialDelay != 100*time.Millisecond || cfg.MaxDelay != 5*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestContentionConfig_IsUnlimited(t *testing.T) {
	cfg := ContentionConfig(10*time.Millisecond, time.Second)
	if cfg.MaxRetries != Unlimited {
		t.Errorf("expected unlimited retries, got %d", cfg.MaxRetries)
	}
	if cfg.exhausted(1_000_000) {
		t.Error("contention retries must never be exhausted")
	}
}

func TestDo(t *testing.T) {
	transient := errors.New("deadlock detected")

	tests := []struct {
		name       string
		maxRetries int
		failures   int
		wantCalls  int
		wantErr    bool
	}{
		{"first attempt succeeds", 3, 0, 1, false},
		{"succeeds after retries", 3, 2, 3, false},
		{"retries exhausted", 2, 10, 3, true},
		{"no retries", 0, 10, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(tt.maxRetries), func() error {
				calls++
				if calls <= tt.failures {
					return transient
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr && !errors.Is(err, transient) {
				t.Errorf("expected last error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected success, got %v", err)
			}
		})
	}
}

func TestDo_NilConfigUsesDefaults(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}

	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("lock timeout")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_BackoffGrowsAndIsCapped(t *testing.T) {
	cfg := &Config{MaxRetries: 4, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2.0}

	var stamps []time.Time
	_ = Do(context.Background(), cfg, func() error {
		stamps = append(stamps, time.Now())
		return errors.New("busy")
	})

	if len(stamps) != 5 {
		t.Fatalf("expected 5 calls, got %d", len(stamps))
	}
	// Waits are 10ms, 20ms, 20ms, 20ms without jitter.
	if total := stamps[4].Sub(stamps[0]); total < 70*time.Millisecond {
		t.Errorf("expected at least 70ms of backoff, got %v", total)
	}
	if last := stamps[4].Sub(stamps[3]); last > 200*time.Millisecond {
		t.Errorf("backoff not capped: %v", last)
	}
}

func TestDoWithResult_KeepsLastResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(2), func() (int, error) {
		calls++
		return calls, errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got != 3 {
		t.Errorf("expected result of the last attempt, got %d", got)
	}

	got, err = DoWithResult(context.Background(), fastConfig(2), func() (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("got %d, %v", got, err)
	}
}

func TestDoWithResultWhen_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("syntax error")
	calls := 0
	_, err := DoWithResultWhen(context.Background(), fastConfig(Unlimited), func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("deadlock detected")
		}
		return "", permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("FATAL: the database system is starting up"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("syntax error at or near \"SELEC\""), false},
		{errors.New("password authentication failed"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.expected {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
		}
	}
}

func TestDoWhen_NonRetryableReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	permanent := errors.New("permanent")
	callCount := 0
	err := DoWhen(ctx, cfg, func(err error) bool { return !errors.Is(err, permanent) }, func() error {
		callCount++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDoWhen_UnlimitedRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		MaxRetries:   Unlimited,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	callCount := 0
	err := DoWhen(ctx, cfg, func(error) bool { return true }, func() error {
		callCount++
		if callCount < 25 {
			return errors.New("deadlock detected")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if callCount != 25 {
		t.Errorf("expected 25 calls, got %d", callCount)
	}
}

func TestDoWhen_UnlimitedStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := DoWhen(ctx, ContentionConfig(time.Millisecond, 5*time.Millisecond), func(error) bool { return true }, func() error {
		return errors.New("deadlock detected")
	})

	if err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestConfig_Delay(t *testing.T) {
	cfg := &Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{50, time.Second},
	}

	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}
