package sp

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// VlanMacCmd is a classification command.
type VlanMacCmd uint8

const (
	CmdAdd VlanMacCmd = iota
	CmdDel
	CmdMove
)

func (c VlanMacCmd) String() string {
	switch c {
	case CmdAdd:
		return "add"
	case CmdDel:
		return "del"
	case CmdMove:
		return "move"
	}
	return "unknown"
}

// exeElem is one queued classification command.
type exeElem struct {
	cmdLen int
	cmd    VlanMacCmd
	key    Key
	flags  VlanMacFlags
	class  MacClass
	target *VlanMacObj
}

var exeQueueSeq atomic.Uint64

// exeQueue serializes the commands of one object and issues them in chunks.
// The callbacks run with mu held.
type exeQueue struct {
	mu       sync.Mutex
	id       uint64
	chunkLen int
	queue    []*exeElem
	pending  []*exeElem

	validate func(e *exeElem) error
	remove   func(e *exeElem) error
	optimize func(e *exeElem) (bool, error)
	// execute issues a chunk and reports whether hardware was involved.
	execute func(ctx context.Context, chunk []*exeElem, flags RamrodFlags) (bool, error)
}

func newExeQueue(chunkLen int) *exeQueue {
	return &exeQueue{id: exeQueueSeq.Inc(), chunkLen: chunkLen}
}

// lockFor locks q and, for a Move to another object, the destination queue.
// Both are taken in creation order.
func (q *exeQueue) lockFor(e *exeElem) func() {
	if e.cmd != CmdMove || e.target == nil || e.target.exeq == q {
		q.mu.Lock()
		return q.mu.Unlock
	}
	other := e.target.exeq
	first, second := q, other
	if other.id < q.id {
		first, second = other, q
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// add validates e and appends it. Restored elements skip optimization and
// validation: their credit was consumed when they were first added.
func (q *exeQueue) add(e *exeElem, restore bool) error {
	unlock := q.lockFor(e)
	defer unlock()

	if !restore {
		cancelled, err := q.optimize(e)
		if err != nil {
			return err
		}
		if cancelled {
			return nil
		}
		if err := q.validate(e); err != nil {
			return err
		}
	}
	q.queue = append(q.queue, e)
	return nil
}

// findLocked returns the queued element with the same command and key.
func (q *exeQueue) findLocked(cmd VlanMacCmd, key Key) *exeElem {
	for _, e := range q.queue {
		if e.cmd == cmd && e.key == key {
			return e
		}
	}
	return nil
}

func (q *exeQueue) dropLocked(target *exeElem) {
	for i, e := range q.queue {
		if e == target {
			q.queue = append(q.queue[:i:i], q.queue[i+1:]...)
			return
		}
	}
}

// step issues the next chunk. It reports whether a command is outstanding.
func (q *exeQueue) step(ctx context.Context, flags RamrodFlags) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) > 0 {
		if !flags.Has(DrvClrOnly) {
			return true, nil
		}
		q.pending = nil
	}

	n, cur := 0, 0
	for n < len(q.queue) && cur+q.queue[n].cmdLen <= q.chunkLen {
		cur += q.queue[n].cmdLen
		n++
	}
	if n == 0 {
		return false, nil
	}

	q.pending = append([]*exeElem(nil), q.queue[:n]...)
	q.queue = append([]*exeElem(nil), q.queue[n:]...)

	posted, err := q.execute(ctx, q.pending, flags)
	if err != nil {
		q.queue = append(q.pending, q.queue...)
		q.pending = nil
		return false, err
	}
	if !posted {
		q.pending = nil
	}
	return posted, nil
}

func (q *exeQueue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue) == 0 && len(q.pending) == 0
}

func (q *exeQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *exeQueue) pendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
