package sp

import (
	"context"
	"fmt"
	"sync"

	"firestige.xyz/ramrod/internal/core"
)

const (
	// IndTableSize is the number of RSS indirection table entries.
	IndTableSize = 128
	// RSSKeySize is the length of the Toeplitz hash key in bytes.
	RSSKeySize = 40
)

type RSSMode uint8

const (
	RSSModeDisabled RSSMode = iota
	RSSModeRegular
)

// RSSCaps selects the packet types that are hashed.
type RSSCaps uint16

const (
	RSSIPv4 RSSCaps = 1 << iota
	RSSIPv4TCP
	RSSIPv4UDP
	RSSIPv6
	RSSIPv6TCP
	RSSIPv6UDP
)

// RSSParams is one RSS configuration request.
type RSSParams struct {
	Flags      RamrodFlags
	Mode       RSSMode
	Caps       RSSCaps
	ResultMask uint8
	IndTable   [IndTableSize]uint8
	Key        []byte
	SetKey     bool
}

// RSSData is the payload of an RSS update ramrod.
type RSSData struct {
	Echo       uint32
	EngineID   uint8
	Mode       RSSMode
	Caps       RSSCaps
	ResultMask uint8
	IndTable   [IndTableSize]uint8
	Key        []byte
}

func (d *RSSData) Entries() int { return IndTableSize }

// RSSConfigObj programs receive-side scaling of a function.
type RSSConfigObj struct {
	raw      RawObj
	engineID uint8
	env      *Env

	mu       sync.Mutex
	indTable [IndTableSize]uint8
	caps     RSSCaps
}

func NewRSSConfigObj(env *Env, raw RawObj, engineID uint8) *RSSConfigObj {
	return &RSSConfigObj{raw: raw, engineID: engineID, env: env}
}

func (o *RSSConfigObj) Pending() bool { return o.raw.Pending() }

// IndTable returns the last indirection table sent to hardware.
func (o *RSSConfigObj) IndTable() [IndTableSize]uint8 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.indTable
}

func (o *RSSConfigObj) Caps() RSSCaps {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.caps
}

// Config sends an RSS update. Only one update may be outstanding.
func (o *RSSConfigObj) Config(ctx context.Context, p RSSParams) (bool, error) {
	if p.Flags.Has(DrvClrOnly) {
		return false, nil
	}
	if p.SetKey && len(p.Key) != RSSKeySize {
		return false, fmt.Errorf("%w: rss key is %d bytes, want %d", core.ErrInvalidArgument, len(p.Key), RSSKeySize)
	}
	if !o.raw.trySetPending() {
		return false, fmt.Errorf("%w: rss update outstanding", core.ErrBusy)
	}

	data := &RSSData{
		Echo:       o.raw.echo(),
		EngineID:   o.engineID,
		Mode:       p.Mode,
		Caps:       p.Caps,
		ResultMask: p.ResultMask,
		IndTable:   p.IndTable,
	}
	if p.SetKey {
		data.Key = append([]byte(nil), p.Key...)
	}

	o.mu.Lock()
	o.indTable = p.IndTable
	o.caps = p.Caps
	o.mu.Unlock()

	if err := o.env.post(ctx, Ramrod{Opcode: OpRSSUpdate, CID: o.raw.CID, ConnType: ConnTypeETH, Data: data}); err != nil {
		o.raw.clearPending()
		return false, err
	}
	if p.Flags.Has(CompWait) {
		if err := o.raw.waitComp(ctx, o.env.Wait()); err != nil {
			return true, fmt.Errorf("rss: %w", err)
		}
		return false, nil
	}
	return o.raw.Pending(), nil
}

// Complete handles the RSS update completion.
func (o *RSSConfigObj) Complete(ev Event) error {
	if !o.raw.Pstate.TestAndClear(uint(o.raw.State)) {
		return fmt.Errorf("%w: rss completion without update", core.ErrProtocolMismatch)
	}
	if ev.Failed {
		return fmt.Errorf("%w: rss update", core.ErrRamrodFailed)
	}
	return nil
}
