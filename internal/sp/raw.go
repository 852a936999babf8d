package sp

import (
	"context"
)

// RawObj is the identity and pending flag shared by every command object.
// Several objects may share one PendingBits word; each owns one bit.
type RawObj struct {
	FuncID uint8
	ClID   uint8
	CID    uint32
	State  StateID
	Pstate *PendingBits
	Type   ObjType
}

// NewRawObj returns a RawObj owning bit state of pstate. A nil pstate gets a
// private word.
func NewRawObj(funcID, clID uint8, cid uint32, state StateID, pstate *PendingBits, typ ObjType) RawObj {
	if pstate == nil {
		pstate = &PendingBits{}
	}
	return RawObj{FuncID: funcID, ClID: clID, CID: cid, State: state, Pstate: pstate, Type: typ}
}

func (r *RawObj) Pending() bool { return r.Pstate.Test(uint(r.State)) }

func (r *RawObj) setPending() { r.Pstate.Set(uint(r.State)) }

func (r *RawObj) clearPending() { r.Pstate.Clear(uint(r.State)) }

// trySetPending sets the bit and reports whether this call set it.
func (r *RawObj) trySetPending() bool { return !r.Pstate.TestAndSet(uint(r.State)) }

func (r *RawObj) waitComp(ctx context.Context, w WaitConfig) error {
	return r.Pstate.WaitClear(ctx, uint(r.State), w)
}

func (r *RawObj) echo() uint32 { return Echo(r.CID, r.State) }
