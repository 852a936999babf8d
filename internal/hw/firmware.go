// Package hw simulates the NIC firmware side of the slow path: it accepts
// posted ramrods, applies them to its own filter tables and produces the
// completion events a real device would raise.
package hw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/ramrod/internal/sp"
)

var (
	// ErrRingFull is returned by Post when the completion ring is full or a
	// post failure was injected.
	ErrRingFull = errors.New("hw: slow-path ring full")
	ErrStopped  = errors.New("hw: firmware stopped")
)

// Mode selects how completions are delivered.
type Mode string

const (
	// ModeAuto delivers every completion after Config.CompletionDelay.
	ModeAuto Mode = "auto"
	// ModeHold keeps completions until Release is called.
	ModeHold Mode = "hold"
)

// Config configures the simulated firmware.
type Config struct {
	Mode            Mode          `mapstructure:"mode"`
	CompletionDelay time.Duration `mapstructure:"completion_delay"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// CompletionHandler receives completion events.
type CompletionHandler func(ev sp.Event)

// Firmware is a simulated device. It implements sp.Poster.
type Firmware struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	handler    CompletionHandler
	held       []sp.Event
	failPosts  int
	failEvents int
	stats      map[sp.Opcode]int
	tables     *tables
	classifier *classifier
	running    bool
	ring       chan sp.Event
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New returns a stopped firmware. Call Start before posting in auto mode.
func New(cfg Config, log *slog.Logger) *Firmware {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Firmware{
		cfg:    cfg,
		log:    log.With("component", "firmware"),
		stats:  make(map[sp.Opcode]int),
		tables: newTables(),
	}
}

// OnCompletion installs the completion handler.
func (f *Firmware) OnCompletion(h CompletionHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Start launches the delivery loop.
func (f *Firmware) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.ring = make(chan sp.Event, f.cfg.QueueSize)
	f.running = true
	f.wg.Add(1)
	go f.deliverLoop(ctx, f.ring)
	f.log.Info("firmware started", "mode", f.cfg.Mode, "completion_delay", f.cfg.CompletionDelay)
}

// Stop ends the delivery loop. Undelivered completions are dropped.
func (f *Firmware) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	f.mu.Unlock()
	f.wg.Wait()
	f.log.Info("firmware stopped")
}

func (f *Firmware) deliverLoop(ctx context.Context, ring <-chan sp.Event) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ring:
			if f.cfg.CompletionDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(f.cfg.CompletionDelay):
				}
			}
			f.deliver(ev)
		}
	}
}

func (f *Firmware) deliver(ev sp.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		f.log.Warn("completion dropped, no handler", "opcode", ev.Opcode, "cid", ev.CID)
		return
	}
	h(ev)
}

// SetMode switches between auto and hold delivery.
func (f *Firmware) SetMode(m Mode) {
	f.mu.Lock()
	f.cfg.Mode = m
	f.mu.Unlock()
}

func (f *Firmware) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Mode
}

// FailNextPost makes the next n posts fail with ErrRingFull.
func (f *Firmware) FailNextPost(n int) {
	f.mu.Lock()
	f.failPosts = n
	f.mu.Unlock()
}

// FailNextCompletion makes the next n accepted ramrods complete with an
// error. Failed ramrods are not applied to the tables.
func (f *Firmware) FailNextCompletion(n int) {
	f.mu.Lock()
	f.failEvents = n
	f.mu.Unlock()
}

// Post accepts a ramrod. The completion is never delivered on the calling
// goroutine.
func (f *Firmware) Post(_ context.Context, r sp.Ramrod) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPosts > 0 {
		f.failPosts--
		return fmt.Errorf("%w: injected", ErrRingFull)
	}
	ev := sp.Event{Opcode: r.Opcode, CID: r.CID, Echo: echoOf(r.Data)}
	if f.failEvents > 0 {
		f.failEvents--
		ev.Failed = true
	}

	switch f.cfg.Mode {
	case ModeHold:
		f.held = append(f.held, ev)
	default:
		if !f.running {
			return ErrStopped
		}
		select {
		case f.ring <- ev:
		default:
			return ErrRingFull
		}
	}

	f.stats[r.Opcode]++
	if !ev.Failed {
		f.tables.apply(r)
	}
	f.log.Debug("ramrod accepted", "opcode", r.Opcode, "cid", r.CID, "entries", entries(r.Data), "fail", ev.Failed)
	return nil
}

func entries(p sp.Payload) int {
	if p == nil {
		return 0
	}
	return p.Entries()
}

func echoOf(p sp.Payload) uint32 {
	switch d := p.(type) {
	case *sp.ClassifyData:
		return d.Echo
	case *sp.McastData:
		return d.Echo
	case *sp.RSSData:
		return d.Echo
	case *sp.FilterRulesData:
		return d.Echo
	}
	return 0
}

// Held returns the number of completions waiting for Release.
func (f *Firmware) Held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// Release delivers up to n held completions in post order on the calling
// goroutine and returns how many were delivered.
func (f *Firmware) Release(n int) int {
	f.mu.Lock()
	if n > len(f.held) || n < 0 {
		n = len(f.held)
	}
	batch := append([]sp.Event(nil), f.held[:n]...)
	f.held = f.held[n:]
	f.mu.Unlock()

	for _, ev := range batch {
		f.deliver(ev)
	}
	return len(batch)
}

// ReleaseAll delivers held completions until none remain, including those
// produced while releasing.
func (f *Firmware) ReleaseAll() int {
	total := 0
	for {
		n := f.Release(-1)
		if n == 0 {
			return total
		}
		total += n
	}
}

// Posts returns how many ramrods of each opcode were accepted.
func (f *Firmware) Posts() map[sp.Opcode]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[sp.Opcode]int, len(f.stats))
	for k, v := range f.stats {
		out[k] = v
	}
	return out
}

// Reset wipes the device tables and drops held completions, as a device
// reset would.
func (f *Firmware) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = newTables()
	f.held = nil
	f.log.Info("firmware tables reset")
}
