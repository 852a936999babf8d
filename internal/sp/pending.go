package sp

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"firestige.xyz/ramrod/internal/core"
)

// StateID names a pending bit inside a shared PendingBits word.
type StateID uint8

const (
	StateMACPending StateID = iota
	StateVLANPending
	StateVLANMACPending
	StateMcastPending
	StateMcastSched
	StateRSSPending
	StateRxModePending
	StateRxModeSched
	// StateUser is the first id free for callers that own extra objects,
	// e.g. one classification object per queue.
	StateUser
)

// PendingBits is a word of bits that is set when a command is issued and
// cleared by its completion. Completions may run on any goroutine.
type PendingBits struct {
	v atomic.Uint64
}

func (p *PendingBits) Test(bit uint) bool { return p.v.Load()&(1<<bit) != 0 }

// Mask returns the whole word.
func (p *PendingBits) Mask() uint64 { return p.v.Load() }

func (p *PendingBits) Set(bit uint) { p.TestAndSet(bit) }

func (p *PendingBits) Clear(bit uint) { p.TestAndClear(bit) }

// TestAndSet sets bit and reports whether it was already set.
func (p *PendingBits) TestAndSet(bit uint) bool {
	for {
		cur := p.v.Load()
		if p.v.CompareAndSwap(cur, cur|1<<bit) {
			return cur&(1<<bit) != 0
		}
	}
}

// TestAndClear clears bit and reports whether it was set.
func (p *PendingBits) TestAndClear(bit uint) bool {
	for {
		cur := p.v.Load()
		if p.v.CompareAndSwap(cur, cur&^(1<<bit)) {
			return cur&(1<<bit) != 0
		}
	}
}

// Reset clears every bit.
func (p *PendingBits) Reset() { p.v.Store(0) }

// WaitConfig bounds how long a caller polls for a pending bit to clear.
type WaitConfig struct {
	Retries    int           `mapstructure:"retries" json:"retries"`
	Interval   time.Duration `mapstructure:"interval" json:"interval"`
	SlowFactor int           `mapstructure:"slow_factor" json:"slow_factor"`
}

// DefaultWaitConfig polls for about five seconds.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{Retries: 5000, Interval: time.Millisecond, SlowFactor: 1}
}

func (w WaitConfig) budget() int {
	f := w.SlowFactor
	if f < 1 {
		f = 1
	}
	if w.Retries < 1 {
		return f
	}
	return w.Retries * f
}

// Total is the longest a single wait may take.
func (w WaitConfig) Total() time.Duration {
	return time.Duration(w.budget()) * w.Interval
}

// waitUntil polls cond every Interval until it holds, the budget is spent or
// ctx is done.
func waitUntil(ctx context.Context, w WaitConfig, cond func() bool) error {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for i := w.budget(); i > 0; i-- {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", core.ErrTimeout, ctx.Err())
		case <-timer.C:
			timer.Reset(interval)
		}
	}
	if cond() {
		return nil
	}
	return core.ErrTimeout
}

// WaitClear waits until bit is cleared.
func (p *PendingBits) WaitClear(ctx context.Context, bit uint, w WaitConfig) error {
	if err := waitUntil(ctx, w, func() bool { return !p.Test(bit) }); err != nil {
		return fmt.Errorf("pending bit %d: %w", bit, err)
	}
	return nil
}
