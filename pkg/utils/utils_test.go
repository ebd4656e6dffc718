package utils

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatVND(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0 ₫"},
		{"999", "999 ₫"},
		{"1000", "1.000 ₫"},
		{"20060000", "20.060.000 ₫"},
		{"-91420.5", "-91.421 ₫"},
		{"100000000", "100.000.000 ₫"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatVND(decimal.RequireFromString(tt.in)), tt.in)
	}
}

func TestFormatPercentAndQuantity(t *testing.T) {
	assert.Equal(t, "+5.12%", FormatPercent(0.0512))
	assert.Equal(t, "-5.00%", FormatPercent(-0.05))
	assert.Equal(t, "0.00%", FormatPercent(0))
	assert.Equal(t, "12.500", FormatQuantity(12500))
	assert.Equal(t, "-1.200", FormatQuantity(-1200))
	assert.Equal(t, "+1.000 ₫", FormatPnL(decimal.NewFromInt(1000)))
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := fmt.Errorf("bad symbol")
	cfg := RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return err != permanent },
	}
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResultEventuallySucceeds(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}
	v, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("transient")
		}
		return 7, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour}
	err := Retry(ctx, cfg, func() error { return fmt.Errorf("down") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffCapped(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}
