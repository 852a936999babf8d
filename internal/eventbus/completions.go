package eventbus

import (
	"strconv"

	"firestige.xyz/ramrod/internal/sp"
)

// TopicCompletion carries slow-path completion events.
const TopicCompletion = "completion"

// CompletionBus routes firmware completions so that completions for the
// same connection are handled in the order they were raised.
type CompletionBus struct {
	bus EventBus
}

func NewCompletionBus(bus EventBus) *CompletionBus {
	return &CompletionBus{bus: bus}
}

// PublishCompletion is an hw.CompletionHandler. Errors are returned so the
// caller can count drops.
func (c *CompletionBus) PublishCompletion(ev sp.Event) error {
	return c.bus.Publish(&Event{
		Topic:   TopicCompletion,
		Key:     strconv.FormatUint(uint64(ev.CID), 10),
		Payload: ev,
	})
}

// SubscribeCompletions installs handler for completion events.
func (c *CompletionBus) SubscribeCompletions(handler func(sp.Event) error) error {
	return c.bus.Subscribe(TopicCompletion, func(event *Event) error {
		ev, ok := event.Payload.(sp.Event)
		if !ok {
			return nil
		}
		return handler(ev)
	})
}

func (c *CompletionBus) Close() error {
	return c.bus.Close()
}

func (c *CompletionBus) GetStats() *Stats {
	return c.bus.GetStats()
}
