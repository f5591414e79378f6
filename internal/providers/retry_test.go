package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryDoSucceedsAfterTransient(t *testing.T) {
	calls := 0
	result, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &ProviderError{Provider: "test", Kind: KindTransient, Err: errors.New("blip")}
		}
		return "ok", nil
	})
	if err != nil || result != "ok" {
		t.Fatalf("got %q, %v", result, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryDoStopsOnFatal(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		calls++
		return "", &ProviderError{Provider: "test", Kind: KindAuth, Err: errors.New("bad key")}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("auth errors must not be retried, calls = %d", calls)
	}
}

func TestRetryDoExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (int, error) {
		calls++
		return 0, &ProviderError{Provider: "test", Kind: KindRateLimited, Err: errors.New("429")}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryDo(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour},
		func() (int, error) {
			return 0, &ProviderError{Provider: "test", Kind: KindTransient, Err: errors.New("x")}
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestKindClassification(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimited},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindBadRequest},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestTransportErrClassification(t *testing.T) {
	pe := wrapTransportErr("test", errors.New("dial tcp: connection refused"))
	if pe.Kind != KindTransient || !pe.Retriable() {
		t.Errorf("transport failure classified %v, want transient", pe.Kind)
	}

	pe = wrapTransportErr("test", context.Canceled)
	if pe.Kind != KindFatal || pe.Retriable() {
		t.Errorf("canceled request classified %v, want fatal", pe.Kind)
	}
	if !errors.Is(pe, context.Canceled) {
		t.Error("wrapped error lost the cancellation sentinel")
	}
}

func TestRetriablePredicate(t *testing.T) {
	if !IsRetriable(&ProviderError{Kind: KindTransient}) {
		t.Error("transient should be retriable")
	}
	if IsRetriable(&ProviderError{Kind: KindBadRequest}) {
		t.Error("bad request should not be retriable")
	}
	if IsRetriable(errors.New("plain")) {
		t.Error("plain errors are not retriable")
	}
}
