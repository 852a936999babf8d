package sp

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"firestige.xyz/ramrod/internal/core"
)

// McastCmd is a multicast bulk command.
type McastCmd uint8

const (
	McastAdd McastCmd = iota
	McastDel
	McastRestore
	McastCont
)

func (c McastCmd) String() string {
	switch c {
	case McastAdd:
		return "add"
	case McastDel:
		return "del"
	case McastRestore:
		return "restore"
	case McastCont:
		return "cont"
	}
	return "unknown"
}

// McastRequest is one multicast command. A Del with no addresses deletes
// everything.
type McastRequest struct {
	Cmd  McastCmd
	MACs []MAC
}

type mcastPendingCmd struct {
	cmd      McastCmd
	macs     []MAC
	delCount int
	cursor   int
}

func (c *mcastPendingCmd) clone() *mcastPendingCmd {
	n := *c
	n.macs = append([]MAC(nil), c.macs...)
	return &n
}

// McastObj programs the multicast filter of a function. Commands that do not
// fit one ramrod, or arrive while one is outstanding, are kept as pending
// bulk commands and issued from the completion path.
type McastObj struct {
	mu    sync.Mutex
	raw   RawObj
	sched StateID
	env   *Env
	name  string

	strategy     mcastStrategy
	pendingCmds  []*mcastPendingCmd
	totalPending int
}

// NewMcastObj returns a multicast object. raw.State is the pending bit;
// sched is the bit set while bulk commands wait to be issued.
func NewMcastObj(env *Env, raw RawObj, sched StateID, mode McastMode) *McastObj {
	o := &McastObj{raw: raw, sched: sched, env: env, name: fmt.Sprintf("mcast/fn%d", raw.FuncID)}
	if mode == McastModeExact {
		o.strategy = newExactStrategy(mcastExactMax)
	} else {
		o.strategy = newBinStrategy()
	}
	return o
}

func (o *McastObj) Name() string    { return o.name }
func (o *McastObj) Mode() McastMode { return o.strategy.mode() }
func (o *McastObj) Pending() bool   { return o.raw.Pending() }

func (o *McastObj) Scheduled() bool { return o.raw.Pstate.Test(uint(o.sched)) }

func (o *McastObj) setSched()   { o.raw.Pstate.Set(uint(o.sched)) }
func (o *McastObj) clearSched() { o.raw.Pstate.Clear(uint(o.sched)) }

// Snapshot reports the registry and the pending bookkeeping.
func (o *McastObj) Snapshot() McastSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := o.strategy.snapshot()
	snap.PendingCmds = len(o.pendingCmds)
	snap.TotalPending = o.totalPending
	snap.Scheduled = o.Scheduled()
	return snap
}

// Config validates req, then either issues it or appends it to the pending
// bulk commands. With CompWait it returns once nothing is outstanding.
func (o *McastObj) Config(ctx context.Context, req McastRequest, flags RamrodFlags) (bool, error) {
	o.mu.Lock()
	pending, err := o.configLocked(ctx, req, flags)
	o.mu.Unlock()
	if err != nil || !flags.Has(CompWait) {
		return pending, err
	}
	if err := o.Wait(ctx); err != nil {
		return true, err
	}
	return false, nil
}

// Wait blocks until no bulk command is scheduled and no ramrod is pending.
func (o *McastObj) Wait(ctx context.Context) error {
	w := o.env.Wait()
	if err := o.raw.Pstate.WaitClear(ctx, uint(o.sched), w); err != nil {
		return fmt.Errorf("%s scheduled: %w", o.name, err)
	}
	if err := o.raw.waitComp(ctx, w); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}
	return nil
}

func (o *McastObj) configLocked(ctx context.Context, req McastRequest, flags RamrodFlags) (bool, error) {
	oldSize := o.strategy.size()
	p := &mcastParams{cmd: req.Cmd, macs: req.MACs}
	if req.Cmd == McastCont {
		p.macs = nil
	}
	for _, m := range p.macs {
		if !m.IsMulticast() {
			return false, fmt.Errorf("%w: %s is not a multicast address", core.ErrInvalidArgument, m)
		}
	}
	if err := o.strategy.validate(p); err != nil {
		return false, err
	}
	o.totalPending += p.listLen
	listLen := p.listLen

	if p.listLen == 0 && !o.Scheduled() {
		return false, nil
	}

	restore := o.checkpoint()
	fail := func(err error) (bool, error) {
		restore()
		o.strategy.revert(oldSize)
		o.totalPending -= listLen
		return false, err
	}

	if o.raw.Pending() || o.totalPending > o.strategy.maxCmdLen() {
		o.enqueue(p)
		p.listLen = 0
	}
	if o.raw.Pending() {
		return true, nil
	}

	posted, err := o.issue(ctx, p, flags)
	if err != nil {
		return fail(err)
	}
	for flags.Has(DrvClrOnly) && o.Scheduled() && len(o.pendingCmds) > 0 {
		if _, err := o.issue(ctx, &mcastParams{cmd: McastCont}, flags); err != nil {
			return fail(err)
		}
	}
	return posted, nil
}

func (o *McastObj) checkpoint() func() {
	restoreStrategy := o.strategy.checkpoint()
	cmds := make([]*mcastPendingCmd, len(o.pendingCmds))
	for i, c := range o.pendingCmds {
		cmds[i] = c.clone()
	}
	total, sched := o.totalPending, o.Scheduled()
	return func() {
		restoreStrategy()
		o.pendingCmds = cmds
		o.totalPending = total
		if sched {
			o.setSched()
		} else {
			o.clearSched()
		}
	}
}

func (o *McastObj) enqueue(p *mcastParams) {
	if p.listLen == 0 {
		return
	}
	c := &mcastPendingCmd{cmd: p.cmd}
	switch p.cmd {
	case McastAdd:
		c.macs = append([]MAC(nil), p.macs...)
	case McastDel:
		if len(p.macs) > 0 {
			c.macs = append([]MAC(nil), p.macs...)
		} else {
			c.delCount = p.listLen
		}
	}
	o.pendingCmds = append(o.pendingCmds, c)
	o.setSched()
}

// issue builds one ramrod from the pending bulk commands and then p.
func (o *McastObj) issue(ctx context.Context, p *mcastParams, flags RamrodFlags) (bool, error) {
	o.raw.setPending()
	max := o.strategy.maxCmdLen()
	data := &McastData{Echo: o.raw.echo(), FuncID: o.raw.FuncID}

	o.handlePendingCmds(data, max)
	if len(o.pendingCmds) == 0 {
		o.clearSched()
	}
	if p.listLen > 0 {
		o.handleCurrentCmd(data, p)
	}

	o.totalPending -= len(data.Rules)
	if o.totalPending < 0 || len(o.pendingCmds) == 0 {
		if o.totalPending != 0 {
			o.env.Log.Debug("multicast pending count resynced", "object", o.name, "total", o.totalPending)
		}
		o.totalPending = 0
	}
	if o.totalPending == 0 {
		o.strategy.refresh()
	}

	if flags.Has(DrvClrOnly) || len(data.Rules) == 0 {
		o.raw.clearPending()
		return false, nil
	}
	err := o.env.post(ctx, Ramrod{Opcode: o.strategy.opcode(), CID: o.raw.CID, ConnType: ConnTypeETH, Data: data})
	if err != nil {
		o.raw.clearPending()
		return false, err
	}
	return true, nil
}

func (o *McastObj) handlePendingCmds(data *McastData, max int) {
	done := 0
	for _, c := range o.pendingCmds {
		if len(data.Rules) >= max {
			break
		}
		finished := false
		switch c.cmd {
		case McastAdd, McastDel:
			if c.delCount > 0 {
				for c.delCount > 0 && len(data.Rules) < max {
					data.Rules = append(data.Rules, o.strategy.delOne())
					c.delCount--
				}
				finished = c.delCount == 0
				break
			}
			for len(c.macs) > 0 && len(data.Rules) < max {
				data.Rules = append(data.Rules, o.strategy.setOneRule(c.cmd, c.macs[0]))
				c.macs = c.macs[1:]
			}
			finished = len(c.macs) == 0
		case McastRestore:
			for len(data.Rules) < max {
				rule, next, ok := o.strategy.hdlRestore(c.cursor)
				if !ok {
					finished = true
					break
				}
				data.Rules = append(data.Rules, rule)
				c.cursor = next
			}
			if !finished {
				_, _, more := o.strategy.hdlRestore(c.cursor)
				finished = !more
			}
		default:
			finished = true
		}
		if !finished {
			break
		}
		done++
	}
	o.pendingCmds = o.pendingCmds[done:]
}

func (o *McastObj) handleCurrentCmd(data *McastData, p *mcastParams) {
	switch p.cmd {
	case McastAdd:
		for _, m := range p.macs {
			data.Rules = append(data.Rules, o.strategy.setOneRule(McastAdd, m))
		}
	case McastDel:
		if len(p.macs) == 0 {
			for i := 0; i < p.listLen; i++ {
				data.Rules = append(data.Rules, o.strategy.delOne())
			}
			return
		}
		for _, m := range p.macs {
			data.Rules = append(data.Rules, o.strategy.setOneRule(McastDel, m))
		}
	case McastRestore:
		for cursor := 0; ; {
			rule, next, ok := o.strategy.hdlRestore(cursor)
			if !ok {
				return
			}
			data.Rules = append(data.Rules, rule)
			cursor = next
		}
	}
}

// Complete handles a multicast completion and issues the next scheduled
// bulk command, if any.
func (o *McastObj) Complete(ctx context.Context, ev Event) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.raw.Pending() {
		return false, fmt.Errorf("%w: %s completion for %s", core.ErrProtocolMismatch, ev.Opcode, o.name)
	}
	o.raw.clearPending()

	var err error
	if ev.Failed {
		err = fmt.Errorf("%w: %s on %s", core.ErrRamrodFailed, ev.Opcode, o.name)
	}
	if !o.Scheduled() {
		return false, err
	}
	pending, cerr := o.configLocked(ctx, McastRequest{Cmd: McastCont}, 0)
	return pending, multierr.Append(err, cerr)
}
