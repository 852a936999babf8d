package nic

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/multierr"

	"firestige.xyz/ramrod/internal/sp"
)

// rescheduler kicks objects that hold queued work but have nothing
// outstanding, which happens when a completion could not issue the next
// chunk (for example because credit was short at the time).
type rescheduler struct {
	a        *Adapter
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newRescheduler(a *Adapter, interval time.Duration) *rescheduler {
	return &rescheduler{a: a, interval: interval}
}

func (r *rescheduler) start() {
	if r.interval <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

func (r *rescheduler) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *rescheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := &backoff.Backoff{Min: r.interval, Max: 30 * r.interval, Factor: 2, Jitter: true}
	wait := r.interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := r.a.kick(ctx); err != nil {
			wait = b.Duration()
			r.a.log.Warn("reschedule failed", "error", err, "retry_in", wait)
			continue
		}
		b.Reset()
		wait = r.interval
	}
}

// kick issues queued work of every idle object. It returns the combined
// errors of the objects it touched.
func (a *Adapter) kick(ctx context.Context) error {
	var err error
	if a.mcast.Scheduled() && !a.mcast.Pending() {
		_, e := a.mcast.Config(ctx, sp.McastRequest{Cmd: sp.McastCont}, 0)
		err = multierr.Append(err, e)
	}
	for _, qc := range a.queues {
		for _, o := range qc.vlanMacObjs() {
			if o.Idle() || o.Pending() {
				continue
			}
			a.log.Debug("kicking idle object", "object", o.Name(), "queued", o.QueueLen())
			_, e := o.Config(ctx, sp.VlanMacRequest{}, sp.Cont)
			err = multierr.Append(err, e)
		}
	}
	return err
}
