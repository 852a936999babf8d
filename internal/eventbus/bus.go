// Package eventbus dispatches events over a fixed set of partitions chosen
// by consistent hashing of the event key.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/serialx/hashring"
	"go.uber.org/atomic"
)

var (
	ErrClosed        = errors.New("eventbus: closed")
	ErrPartitionFull = errors.New("eventbus: partition queue full")
)

// EventBus is a partitioned publish/subscribe bus.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) error
	Close() error
	GetStats() *Stats
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	PublishedCount int64 `json:"published" yaml:"published"`
	ProcessedCount int64 `json:"processed" yaml:"processed"`
	FailedCount    int64 `json:"failed" yaml:"failed"`
	PartitionCount int   `json:"partitions" yaml:"partitions"`
	QueuedCount    []int `json:"queued" yaml:"queued"`
}

// InMemoryEventBus runs one goroutine per partition.
type InMemoryEventBus struct {
	log            *slog.Logger
	partitions     []*partition
	partitionNodes []string
	hashRing       *hashring.HashRing
	subscribers    map[string]Handler
	mu             sync.RWMutex
	closed         atomic.Bool
	wg             sync.WaitGroup

	publishedCount atomic.Int64
	processedCount atomic.Int64
	failedCount    atomic.Int64
}

// NewInMemoryEventBus starts partitionCount partitions each holding up to
// queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int, log *slog.Logger) *InMemoryEventBus {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if log == nil {
		log = slog.Default()
	}
	bus := &InMemoryEventBus{
		log:            log.With("component", "eventbus"),
		subscribers:    make(map[string]Handler),
		partitions:     make([]*partition, partitionCount),
		partitionNodes: make([]string, partitionCount),
	}
	for i := 0; i < partitionCount; i++ {
		bus.partitionNodes[i] = "partition-" + strconv.Itoa(i)
	}
	bus.hashRing = hashring.New(bus.partitionNodes)

	for i := 0; i < partitionCount; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		bus.partitions[i] = &partition{
			id:     i,
			queue:  make(chan *Event, queueSize),
			ctx:    ctx,
			cancel: cancel,
		}
		bus.wg.Add(1)
		go bus.runPartition(bus.partitions[i])
	}
	return bus
}

// Publish enqueues event on the partition owning its key. It never blocks.
func (b *InMemoryEventBus) Publish(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return ErrClosed
	}
	id := b.partitionID(event.Key)
	select {
	case b.partitions[id].queue <- event:
		b.publishedCount.Inc()
		return nil
	default:
		return fmt.Errorf("%w: partition %d", ErrPartitionFull, id)
	}
}

// Subscribe installs handler for topic, replacing any previous one.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return ErrClosed
	}
	b.subscribers[topic] = handler
	b.log.Debug("subscribed", "topic", topic)
	return nil
}

// Close stops every partition after the events already queued are handled.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return nil
	}
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
	for _, p := range b.partitions {
		p.cancel()
	}
	b.log.Info("event bus closed")
	return nil
}

func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: b.publishedCount.Load(),
		ProcessedCount: b.processedCount.Load(),
		FailedCount:    b.failedCount.Load(),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

func (b *InMemoryEventBus) partitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range b.partitionNodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (b *InMemoryEventBus) handler(topic string) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers[topic]
}

func (b *InMemoryEventBus) runPartition(p *partition) {
	defer b.wg.Done()
	b.log.Debug("partition started", "partition", p.id)
	defer b.log.Debug("partition stopped", "partition", p.id)

	for {
		select {
		case <-p.ctx.Done():
			return
		case event, ok := <-p.queue:
			if !ok {
				return
			}
			h := b.handler(event.Topic)
			if h == nil {
				b.log.Debug("no handler for topic", "topic", event.Topic)
				continue
			}
			if err := h(event); err != nil {
				b.failedCount.Inc()
				b.log.Error("event handler failed", "partition", p.id, "topic", event.Topic, "key", event.Key, "error", err)
				continue
			}
			b.processedCount.Inc()
		}
	}
}
