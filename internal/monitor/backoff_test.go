package monitor

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultReconnectConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnectConfigDefaults(t *testing.T) {
	cfg := ReconnectConfig{MaxRetries: -3}.withDefaults()
	if cfg.RetryDelay != time.Second || cfg.MaxRetryDelay != 30*time.Second {
		t.Errorf("delays not defaulted: %+v", cfg)
	}
	if cfg.exhausted(1000) {
		t.Error("zero MaxRetries should retry forever")
	}

	limited := ReconnectConfig{MaxRetries: 2}
	if limited.exhausted(2) || !limited.exhausted(3) {
		t.Error("exhausted should trip after MaxRetries failures")
	}
}
