// Package policy implements the reconnect delay policy: exponential backoff
// between reconnection attempts with a delay cap and an optional attempt
// limit.
package policy

import (
	"fmt"
	"math"
	"time"
)

// Defaults applied by Default and by validation when fields are zero.
const (
	DefaultDelay      = 10 * time.Millisecond
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 10 * time.Second
)

// Policy governs retry delay growth. A nil *Policy on a connection means no
// reconnection: a transport failure is terminal.
type Policy struct {
	// Delay is the delay before the first reconnection attempt.
	Delay time.Duration
	// Multiplier grows the delay after each failed attempt. Must be >= 1.
	Multiplier float64
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
	// MaxAttempts limits reconnection attempts between successful opens.
	// Zero means unbounded.
	MaxAttempts int
}

// Default returns the default reconnect policy.
func Default() *Policy {
	return &Policy{
		Delay:      DefaultDelay,
		Multiplier: DefaultMultiplier,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Validate checks policy parameters.
func (p *Policy) Validate() error {
	if p.Delay < 0 {
		return fmt.Errorf("reconnect delay must be non-negative")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("reconnect max delay must be non-negative")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must be non-negative")
	}
	return nil
}

// NextDelay returns the delay before reconnection attempt number attempt
// (1-based, counted since the last successful open) and whether a retry is
// allowed at all. The caller resets attempt numbering to 1 on every
// successful open, so a fresh connection that later fails restarts backoff
// from the initial delay.
func (p *Policy) NextDelay(attempt int) (time.Duration, bool) {
	if p == nil {
		return 0, false
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}

	delay := p.Delay
	if delay == 0 {
		delay = DefaultDelay
	}
	mult := p.Multiplier
	if mult == 0 {
		mult = DefaultMultiplier
	}
	maxDelay := p.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}

	d := time.Duration(float64(delay) * math.Pow(mult, float64(attempt-1)))
	if d > maxDelay || d < 0 { // d < 0 guards float overflow
		d = maxDelay
	}
	return d, true
}
