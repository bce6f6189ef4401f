package reliability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"wingman/pkg/errs"
	"wingman/pkg/logging"
)

func fastStrategy(maxAttempts int) Strategy {
	return Strategy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastStrategy(3).Do(context.Background(), logging.Nop(), "op", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := fastStrategy(3).Do(context.Background(), logging.Nop(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := fastStrategy(4).Do(context.Background(), logging.Nop(), "op", func() error {
		calls++
		return boom
	})
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Do() should wrap the last failure, got %v", err)
	}
}

func TestDoFailsFastOnContractViolations(t *testing.T) {
	calls := 0
	err := fastStrategy(5).Do(context.Background(), logging.Nop(), "op", func() error {
		calls++
		return errs.Validation("op", "c", "bad input")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (validation errors must not be retried)", calls)
	}
	if !errs.IsValidation(err) {
		t.Errorf("Do() should return the validation error unchanged, got %v", err)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Strategy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}.
		Do(ctx, logging.Nop(), "op", func() error {
			calls++
			cancel()
			return errors.New("transient")
		})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() = %v, want context.Canceled", err)
	}
}

func TestDoLogsEveryAttemptWithLabel(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWriterLogger(&buf)

	_ = fastStrategy(2).Do(context.Background(), log, "provider_call", func() error {
		return errors.New("boom")
	})

	out := buf.String()
	if got := strings.Count(out, "attempt_failed"); got != 2 {
		t.Errorf("logged %d attempt_failed events, want 2\n%s", got, out)
	}
	if !strings.Contains(out, "attempts_exhausted") {
		t.Errorf("missing final outcome log\n%s", out)
	}
	if got := strings.Count(out, "provider_call"); got < 3 {
		t.Errorf("label should tag every log line, found %d occurrences\n%s", got, out)
	}
}

func TestNormalizedDefaults(t *testing.T) {
	s := Strategy{}.normalized()
	if s.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", s.MaxAttempts)
	}
	if s.Multiplier < 1 {
		t.Errorf("Multiplier = %v, want >= 1", s.Multiplier)
	}
}
