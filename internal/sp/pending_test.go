package sp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ramrod/internal/core"
)

func TestPendingBits_TestAndSet(t *testing.T) {
	var p PendingBits

	assert.False(t, p.TestAndSet(3))
	assert.True(t, p.TestAndSet(3))
	assert.True(t, p.Test(3))
	assert.False(t, p.Test(2))
	assert.Equal(t, uint64(1<<3), p.Mask())

	assert.True(t, p.TestAndClear(3))
	assert.False(t, p.TestAndClear(3))
	assert.Zero(t, p.Mask())
}

func TestPendingBits_WaitClear(t *testing.T) {
	var p PendingBits
	w := WaitConfig{Retries: 500, Interval: time.Millisecond, SlowFactor: 1}

	p.Set(1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		p.Clear(1)
	}()
	require.NoError(t, p.WaitClear(context.Background(), 1, w))
}

func TestPendingBits_WaitClearTimeout(t *testing.T) {
	var p PendingBits
	p.Set(0)

	err := p.WaitClear(context.Background(), 0, WaitConfig{Retries: 3, Interval: time.Millisecond, SlowFactor: 2})
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.True(t, core.Retryable(err))
}

func TestPendingBits_WaitClearCancelled(t *testing.T) {
	var p PendingBits
	p.Set(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.WaitClear(ctx, 0, WaitConfig{Retries: 1000, Interval: 10 * time.Millisecond})
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestWaitConfig_Total(t *testing.T) {
	w := WaitConfig{Retries: 5000, Interval: time.Millisecond, SlowFactor: 4}
	assert.Equal(t, 20*time.Second, w.Total())
	assert.Equal(t, 5*time.Second, DefaultWaitConfig().Total())
}

func TestEcho_RoundTrip(t *testing.T) {
	ev := Event{Echo: Echo(0x1abcd, StateMcastPending)}
	assert.Equal(t, uint32(0x1abcd), ev.EchoCID())
	assert.Equal(t, StateMcastPending, ev.EchoState())

	ev = Event{Echo: Echo(1<<SWCIDShift|5, StateRSSPending)}
	assert.Equal(t, uint32(5), ev.EchoCID(), "cid is masked to the low bits")
}

func TestRamrodFlags_String(t *testing.T) {
	f := CompWait | DrvClrOnly | Cont
	assert.Equal(t, "comp_wait|drv_clr_only|cont", f.String())
	assert.Equal(t, "none", RamrodFlags(0).String())

	parsed, ok := ParseRamrodFlags("comp_wait, cont|drv_clr_only")
	require.True(t, ok)
	assert.Equal(t, f, parsed)

	_, ok = ParseRamrodFlags("bogus")
	assert.False(t, ok)

	assert.True(t, f.Has(CompWait|Cont))
	assert.False(t, f.Has(Execute))
	assert.Equal(t, CompWait|Cont, f.Without(DrvClrOnly))
}
