package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig holds configuration for the failure response envelope
type TimingConfig struct {
	BaseDelayMs    int  // minimum total duration of a rejected attempt
	RandomDelayMs  int  // extra jitter on top of the base
	DelayOnSuccess bool // pad successful attempts too
}

// TimingDelay pads authentication responses to a minimum duration so rejected
// attempts take about the same time whatever stage rejected them.
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config}
}

// cryptoRandIntn returns a uniform value in [0, max) from crypto/rand.
func cryptoRandIntn(max int) int {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(b[:]) % uint64(max))
}

func (td *TimingDelay) target() time.Duration {
	base := time.Duration(td.config.BaseDelayMs) * time.Millisecond
	jitter := time.Duration(cryptoRandIntn(td.config.RandomDelayMs)) * time.Millisecond
	return base + jitter
}

// WaitFrom sleeps until at least the target duration has elapsed since start.
// It returns early when ctx is cancelled.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) {
	if td == nil || (success && !td.config.DelayOnSuccess) {
		return
	}

	remaining := td.target() - time.Since(start)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
