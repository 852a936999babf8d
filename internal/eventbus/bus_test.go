package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ramrod/internal/sp"
)

func TestInMemoryEventBus_OrderPerKey(t *testing.T) {
	bus := NewInMemoryEventBus(4, 64, nil)

	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)
	require.NoError(t, bus.Subscribe("t", func(e *Event) error {
		mu.Lock()
		got[e.Key] = append(got[e.Key], e.Payload.(int))
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 20; i++ {
		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, bus.Publish(&Event{Topic: "t", Key: k, Payload: i}))
		}
	}
	require.NoError(t, bus.Close())

	for _, k := range []string{"a", "b", "c"} {
		require.Len(t, got[k], 20)
		for i, v := range got[k] {
			assert.Equal(t, i, v)
		}
	}
	stats := bus.GetStats()
	assert.Equal(t, int64(60), stats.PublishedCount)
	assert.Equal(t, int64(60), stats.ProcessedCount)
	assert.Equal(t, 4, stats.PartitionCount)
}

func TestInMemoryEventBus_SameKeySamePartition(t *testing.T) {
	bus := NewInMemoryEventBus(8, 1, nil)
	defer bus.Close()
	assert.Equal(t, bus.partitionID("17"), bus.partitionID("17"))
}

func TestInMemoryEventBus_PublishAfterClose(t *testing.T) {
	bus := NewInMemoryEventBus(1, 1, nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(&Event{Topic: "t"}), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe("t", func(*Event) error { return nil }), ErrClosed)
}

func TestInMemoryEventBus_PartitionFull(t *testing.T) {
	bus := NewInMemoryEventBus(1, 1, nil)
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, bus.Subscribe("t", func(*Event) error {
		started <- struct{}{}
		<-block
		return nil
	}))

	require.NoError(t, bus.Publish(&Event{Topic: "t", Key: "k"}))
	<-started
	require.NoError(t, bus.Publish(&Event{Topic: "t", Key: "k"}))
	assert.ErrorIs(t, bus.Publish(&Event{Topic: "t", Key: "k"}), ErrPartitionFull)

	close(block)
	<-started
	require.NoError(t, bus.Close())
}

func TestInMemoryEventBus_HandlerErrorCounted(t *testing.T) {
	bus := NewInMemoryEventBus(1, 4, nil)
	require.NoError(t, bus.Subscribe("t", func(*Event) error { return errors.New("boom") }))
	require.NoError(t, bus.Publish(&Event{Topic: "t"}))
	require.NoError(t, bus.Publish(&Event{Topic: "other"}))
	require.NoError(t, bus.Close())

	stats := bus.GetStats()
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Zero(t, stats.ProcessedCount)
}

func TestCompletionBus_RoundTrip(t *testing.T) {
	cb := NewCompletionBus(NewInMemoryEventBus(2, 8, nil))
	got := make(chan sp.Event, 1)
	require.NoError(t, cb.SubscribeCompletions(func(ev sp.Event) error {
		got <- ev
		return nil
	}))

	want := sp.Event{Opcode: sp.OpClassificationRules, CID: 3, Echo: sp.Echo(3, sp.StateMACPending)}
	require.NoError(t, cb.PublishCompletion(want))

	select {
	case ev := <-got:
		assert.Equal(t, want, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not delivered")
	}
	require.NoError(t, cb.Close())
}
