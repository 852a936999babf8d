package sp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"firestige.xyz/ramrod/internal/core"
)

// AcceptFlags selects the frame classes a client accepts.
type AcceptFlags uint16

const (
	AcceptUnicast AcceptFlags = 1 << iota
	AcceptMulticast
	AcceptAllUnicast
	AcceptAllMulticast
	AcceptBroadcast
	AcceptUnmatched
	AcceptAnyVLAN
)

var acceptFlagNames = []string{"unicast", "multicast", "all_unicast", "all_multicast", "broadcast", "unmatched", "any_vlan"}

func (f AcceptFlags) String() string {
	var names []string
	for i, n := range acceptFlagNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "drop_all"
	}
	return strings.Join(names, "|")
}

// RxMode is the interface-level receive mode.
type RxMode uint8

const (
	RxModeNone RxMode = iota
	RxModeNormal
	RxModeAllMulti
	RxModePromisc
)

func (m RxMode) String() string {
	return [...]string{"none", "normal", "allmulti", "promisc"}[m]
}

// ParseRxMode maps a mode name onto an RxMode.
func ParseRxMode(s string) (RxMode, bool) {
	for _, m := range []RxMode{RxModeNone, RxModeNormal, RxModeAllMulti, RxModePromisc} {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

// AcceptFlagsFor returns the rx and tx accept flags implementing mode.
func AcceptFlagsFor(mode RxMode) (rx, tx AcceptFlags) {
	switch mode {
	case RxModeNormal:
		rx = AcceptUnicast | AcceptMulticast | AcceptBroadcast | AcceptAnyVLAN
		tx = rx
	case RxModeAllMulti:
		rx = AcceptUnicast | AcceptAllMulticast | AcceptBroadcast | AcceptAnyVLAN
		tx = rx
	case RxModePromisc:
		rx = AcceptUnmatched | AcceptAllUnicast | AcceptAllMulticast | AcceptBroadcast | AcceptAnyVLAN
		tx = AcceptAllUnicast | AcceptAllMulticast | AcceptBroadcast | AcceptAnyVLAN
	}
	return rx, tx
}

// RxModeParams is one filter-rules request for a client.
type RxModeParams struct {
	Flags    RamrodFlags
	RxAccept AcceptFlags
	TxAccept AcceptFlags
}

// FilterRule is one entry of a filter-rules ramrod.
type FilterRule struct {
	ClID   uint8       `json:"cl_id" yaml:"cl_id"`
	FuncID uint8       `json:"func_id" yaml:"func_id"`
	Tx     bool        `json:"tx" yaml:"tx"`
	Accept AcceptFlags `json:"accept" yaml:"accept"`
}

// FilterRulesData is the payload of a filter-rules ramrod.
type FilterRulesData struct {
	Echo  uint32
	Rules []FilterRule
}

func (d *FilterRulesData) Entries() int { return len(d.Rules) }

// RxModeObj applies accept filters to a client. A request made while one
// is outstanding is remembered and issued from the completion; only the
// latest such request is kept.
type RxModeObj struct {
	raw   RawObj
	sched StateID
	env   *Env

	mu        sync.Mutex
	scheduled *RxModeParams
	rx, tx    AcceptFlags
}

func NewRxModeObj(env *Env, raw RawObj, sched StateID) *RxModeObj {
	return &RxModeObj{raw: raw, sched: sched, env: env}
}

func (o *RxModeObj) Pending() bool   { return o.raw.Pending() }
func (o *RxModeObj) Scheduled() bool { return o.raw.Pstate.Test(uint(o.sched)) }

// Current returns the accept flags last sent to hardware.
func (o *RxModeObj) Current() (rx, tx AcceptFlags) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rx, o.tx
}

// Config applies p, or schedules it if a filter update is outstanding.
func (o *RxModeObj) Config(ctx context.Context, p RxModeParams) (bool, error) {
	o.mu.Lock()
	if o.raw.Pending() && !p.Flags.Has(DrvClrOnly) {
		next := p
		o.scheduled = &next
		o.raw.Pstate.Set(uint(o.sched))
		o.mu.Unlock()
		return true, o.wait(ctx, p.Flags)
	}
	pending, err := o.issueLocked(ctx, p)
	o.mu.Unlock()
	if err != nil {
		return false, err
	}
	if pending && p.Flags.Has(CompWait) {
		return true, o.wait(ctx, p.Flags)
	}
	return pending, nil
}

func (o *RxModeObj) wait(ctx context.Context, flags RamrodFlags) error {
	if !flags.Has(CompWait) {
		return nil
	}
	w := o.env.Wait()
	if err := o.raw.Pstate.WaitClear(ctx, uint(o.sched), w); err != nil {
		return fmt.Errorf("rx mode scheduled: %w", err)
	}
	if err := o.raw.waitComp(ctx, w); err != nil {
		return fmt.Errorf("rx mode: %w", err)
	}
	return nil
}

func (o *RxModeObj) issueLocked(ctx context.Context, p RxModeParams) (bool, error) {
	if p.Flags.Has(DrvClrOnly) {
		o.raw.clearPending()
		o.rx, o.tx = p.RxAccept, p.TxAccept
		return false, nil
	}
	data := &FilterRulesData{Echo: o.raw.echo()}
	if o.raw.Type.hasRx() {
		data.Rules = append(data.Rules, FilterRule{ClID: o.raw.ClID, FuncID: o.raw.FuncID, Accept: p.RxAccept})
	}
	if o.raw.Type.hasTx() {
		data.Rules = append(data.Rules, FilterRule{ClID: o.raw.ClID, FuncID: o.raw.FuncID, Tx: true, Accept: p.TxAccept})
	}
	o.raw.setPending()
	if err := o.env.post(ctx, Ramrod{Opcode: OpFilterRules, CID: o.raw.CID, ConnType: ConnTypeETH, Data: data}); err != nil {
		o.raw.clearPending()
		return false, err
	}
	o.rx, o.tx = p.RxAccept, p.TxAccept
	return true, nil
}

// Complete handles a filter-rules completion and issues the scheduled
// request, if any.
func (o *RxModeObj) Complete(ctx context.Context, ev Event) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.raw.Pending() {
		return false, fmt.Errorf("%w: filter rules completion without request", core.ErrProtocolMismatch)
	}
	o.raw.clearPending()
	var err error
	if ev.Failed {
		err = fmt.Errorf("%w: filter rules", core.ErrRamrodFailed)
	}
	if o.scheduled == nil {
		return false, err
	}
	p := *o.scheduled
	o.scheduled = nil
	o.raw.Pstate.Clear(uint(o.sched))
	pending, ierr := o.issueLocked(ctx, p)
	if ierr != nil {
		return false, ierr
	}
	return pending, err
}
