package sp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ramrod/internal/core"
)

func TestAcceptFlagsFor(t *testing.T) {
	rx, tx := AcceptFlagsFor(RxModeNone)
	assert.Zero(t, rx)
	assert.Zero(t, tx)
	assert.Equal(t, "drop_all", rx.String())

	rx, _ = AcceptFlagsFor(RxModeNormal)
	assert.Equal(t, AcceptUnicast|AcceptMulticast|AcceptBroadcast|AcceptAnyVLAN, rx)

	rx, _ = AcceptFlagsFor(RxModeAllMulti)
	assert.NotZero(t, rx&AcceptAllMulticast)
	assert.Zero(t, rx&AcceptMulticast)

	rx, tx = AcceptFlagsFor(RxModePromisc)
	assert.NotZero(t, rx&AcceptUnmatched)
	assert.Zero(t, tx&AcceptUnmatched)

	m, ok := ParseRxMode("allmulti")
	require.True(t, ok)
	assert.Equal(t, RxModeAllMulti, m)
}

func TestRxModeObj_SchedulesWhilePending(t *testing.T) {
	ctx := context.Background()
	poster := &recordingPoster{}
	o := NewRxModeObj(newTestEnv(poster), NewRawObj(0, 0, 16, StateRxModePending, nil, ObjTypeRxTx), StateRxModeSched)

	normalRx, normalTx := AcceptFlagsFor(RxModeNormal)
	promiscRx, promiscTx := AcceptFlagsFor(RxModePromisc)

	pending, err := o.Config(ctx, RxModeParams{RxAccept: normalRx, TxAccept: normalTx})
	require.NoError(t, err)
	assert.True(t, pending)
	data := poster.last(t).Data.(*FilterRulesData)
	require.Len(t, data.Rules, 2)
	assert.False(t, data.Rules[0].Tx)
	assert.True(t, data.Rules[1].Tx)

	pending, err = o.Config(ctx, RxModeParams{RxAccept: promiscRx, TxAccept: promiscTx})
	require.NoError(t, err)
	assert.True(t, pending)
	assert.True(t, o.Scheduled())
	assert.Equal(t, 1, poster.count())

	more, err := o.Complete(ctx, eventFor(poster.last(t)))
	require.NoError(t, err)
	assert.True(t, more)
	assert.False(t, o.Scheduled())
	assert.Equal(t, 2, poster.count())
	rx, tx := o.Current()
	assert.Equal(t, promiscRx, rx)
	assert.Equal(t, promiscTx, tx)

	more, err = o.Complete(ctx, eventFor(poster.last(t)))
	require.NoError(t, err)
	assert.False(t, more)

	_, err = o.Complete(ctx, Event{Opcode: OpFilterRules})
	assert.ErrorIs(t, err, core.ErrProtocolMismatch)
}
