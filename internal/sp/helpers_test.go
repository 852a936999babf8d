package sp

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingPoster keeps every posted ramrod and never completes them.
type recordingPoster struct {
	mu    sync.Mutex
	posts []Ramrod
	fail  error
}

func (p *recordingPoster) Post(_ context.Context, r Ramrod) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.posts = append(p.posts, r)
	return nil
}

func (p *recordingPoster) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *recordingPoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

func (p *recordingPoster) last(t *testing.T) Ramrod {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.posts, "nothing posted")
	return p.posts[len(p.posts)-1]
}

func (p *recordingPoster) all() []Ramrod {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Ramrod(nil), p.posts...)
}

func newTestEnv(p Poster) *Env {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEnv(p, log, WaitConfig{Retries: 200, Interval: time.Millisecond, SlowFactor: 1})
}

// eventFor builds the completion firmware would send for r.
func eventFor(r Ramrod) Event {
	ev := Event{Opcode: r.Opcode, CID: r.CID}
	switch d := r.Data.(type) {
	case *ClassifyData:
		ev.Echo = d.Echo
	case *McastData:
		ev.Echo = d.Echo
	case *RSSData:
		ev.Echo = d.Echo
	case *FilterRulesData:
		ev.Echo = d.Echo
	}
	return ev
}

func testMAC(i int) MAC {
	return MAC{0x02, 0x00, 0x00, 0x00, byte(i >> 8), byte(i)}
}

func testMcastMAC(i int) MAC {
	return MAC{0x01, 0x00, 0x5e, 0x00, byte(i >> 8), byte(i)}
}
