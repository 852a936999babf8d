// Package nic ties the slow-path objects of one PCI function together: it
// builds the credit pools and objects from the device profile, dispatches
// completions to them and runs the load, unload and recovery sequences.
package nic

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/ramrod/internal/config"
	"firestige.xyz/ramrod/internal/core"
	"firestige.xyz/ramrod/internal/sp"
)

// queueCtx is one client queue with its classification objects. vlan and
// pair are nil on chips without VLAN classification.
type queueCtx struct {
	index  int
	q      *sp.QueueObj
	pstate *sp.PendingBits
	mac    *sp.VlanMacObj
	vlan   *sp.VlanMacObj
	pair   *sp.VlanMacObj
}

func (qc *queueCtx) vlanMacObjs() []*sp.VlanMacObj {
	objs := []*sp.VlanMacObj{qc.mac}
	if qc.vlan != nil {
		objs = append(objs, qc.vlan, qc.pair)
	}
	return objs
}

// Adapter is the slow-path context of one PCI function.
type Adapter struct {
	cfg     config.DeviceConfig
	chip    sp.Chip
	env     *sp.Env
	log     *slog.Logger
	tracker *sp.LoadTracker
	store   Store

	macPool  *sp.CreditPool
	vlanPool *sp.CreditPool

	fn      *sp.FuncObj
	fnState *sp.PendingBits
	queues  []*queueCtx
	byCID   map[uint32]*queueCtx
	mcast   *sp.McastObj
	rss     *sp.RSSConfigObj
	rxMode  *sp.RxModeObj

	// mu is held exclusively by load, unload and recovery and shared by
	// every other operation.
	mu     sync.RWMutex
	loaded bool
	phase  sp.LoadPhase

	filterMu     sync.Mutex
	rxModeName   string
	mcastMembers map[sp.MAC]struct{}
	rssLast      *sp.RSSParams

	resched *rescheduler
}

type options struct {
	log        *slog.Logger
	ops        sp.DriverOps
	reschedule time.Duration
}

// Option customizes an Adapter.
type Option func(*options)

// WithLogger sets the logger used by the adapter and its objects.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDriverOps installs the hardware init and reset hooks.
func WithDriverOps(ops sp.DriverOps) Option {
	return func(o *options) { o.ops = ops }
}

// WithRescheduleInterval sets how often idle objects with queued work are
// kicked. Zero disables the rescheduler.
func WithRescheduleInterval(d time.Duration) Option {
	return func(o *options) { o.reschedule = d }
}

// New builds the objects of the function described by cfg. Ramrods go to
// poster; tracker is shared between the functions of one chip. A nil store
// disables persistence.
func New(cfg config.DeviceConfig, poster sp.Poster, tracker *sp.LoadTracker, store Store, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	chip, err := sp.ParseChip(cfg.Chip)
	if err != nil {
		return nil, err
	}
	o := options{log: slog.Default(), reschedule: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if tracker == nil {
		tracker = sp.NewLoadTracker()
	}
	if store == nil {
		store = noopStore{}
	}

	a := &Adapter{
		cfg:          cfg,
		chip:         chip,
		log:          o.log.With("func_id", cfg.FuncID),
		tracker:      tracker,
		store:        store,
		byCID:        make(map[uint32]*queueCtx),
		mcastMembers: make(map[sp.MAC]struct{}),
		rxModeName:   cfg.RxMode,
	}
	a.env = sp.NewEnv(countingPoster{next: poster}, a.log, sp.WaitConfig{
		Retries:    cfg.Wait.Retries,
		Interval:   cfg.Wait.Interval,
		SlowFactor: cfg.Wait.SlowFactor,
	})
	a.resched = newRescheduler(a, o.reschedule)

	a.buildPools()
	a.fn = sp.NewFuncObj(a.env, uint8(cfg.FuncID), a.funcCID(), o.ops)
	a.buildQueues()
	a.buildFunctionObjects()
	return a, nil
}

func (a *Adapter) buildPools() {
	cfg := a.cfg
	a.macPool = sp.NewMACPool(a.chip, cfg.FuncID, cfg.FuncNum)
	if cfg.MACCredit > 0 {
		base := sp.NoOffset
		if a.chip == sp.ChipE1x {
			base = cfg.FuncID * cfg.MACCredit
		}
		a.macPool = sp.NewCreditPool("mac", base, cfg.MACCredit)
	}
	a.vlanPool = sp.NewVLANPool(a.chip, cfg.FuncNum)
	if cfg.VLANCredit > 0 {
		a.vlanPool = sp.NewCreditPool("vlan", sp.NoOffset, cfg.VLANCredit)
	}
}

// cid returns the connection id of queue index for class of service cos.
func (a *Adapter) cid(index, cos int) uint32 {
	return uint32(index + cos*a.cfg.NumQueues)
}

// funcCID is past every queue connection.
func (a *Adapter) funcCID() uint32 {
	return uint32(a.cfg.NumQueues * a.cfg.MaxCos)
}

func (a *Adapter) buildQueues() {
	funcID := uint8(a.cfg.FuncID)
	for i := 0; i < a.cfg.NumQueues; i++ {
		cids := make([]uint32, a.cfg.MaxCos)
		for c := range cids {
			cids[c] = a.cid(i, c)
		}
		clID := uint8(i)
		qc := &queueCtx{
			index:  i,
			q:      sp.NewQueueObj(a.env, clID, funcID, cids, sp.ObjTypeRxTx),
			pstate: new(sp.PendingBits),
		}
		qc.mac = sp.NewMACObj(a.env, sp.NewRawObj(funcID, clID, cids[0], sp.StateMACPending, qc.pstate, sp.ObjTypeRxTx), a.chip, a.macPool)
		if a.chip != sp.ChipE1x {
			qc.vlan = sp.NewVLANObj(a.env, sp.NewRawObj(funcID, clID, cids[0], sp.StateVLANPending, qc.pstate, sp.ObjTypeRxTx), a.chip, a.vlanPool)
			qc.pair = sp.NewVLANMACObj(a.env, sp.NewRawObj(funcID, clID, cids[0], sp.StateVLANMACPending, qc.pstate, sp.ObjTypeRxTx), a.chip, a.macPool, a.vlanPool)
		}
		a.queues = append(a.queues, qc)
		for _, cid := range cids {
			a.byCID[cid] = qc
		}
	}
}

func (a *Adapter) buildFunctionObjects() {
	funcID := uint8(a.cfg.FuncID)
	a.fnState = new(sp.PendingBits)
	leading := a.cid(0, 0)

	mode := sp.McastModeBins
	if a.chip == sp.ChipE1x || a.cfg.McastExact {
		mode = sp.McastModeExact
	}
	a.mcast = sp.NewMcastObj(a.env, sp.NewRawObj(funcID, 0, leading, sp.StateMcastPending, a.fnState, sp.ObjTypeRx), sp.StateMcastSched, mode)
	a.rss = sp.NewRSSConfigObj(a.env, sp.NewRawObj(funcID, 0, leading, sp.StateRSSPending, a.fnState, sp.ObjTypeRx), funcID)
	a.rxMode = sp.NewRxModeObj(a.env, sp.NewRawObj(funcID, 0, leading, sp.StateRxModePending, a.fnState, sp.ObjTypeRxTx), sp.StateRxModeSched)
}

func (a *Adapter) queue(index int) (*queueCtx, error) {
	if index < 0 || index >= len(a.queues) {
		return nil, fmt.Errorf("%w: queue %d out of range 0..%d", core.ErrInvalidArgument, index, len(a.queues)-1)
	}
	return a.queues[index], nil
}

// FuncID returns the PCI function number.
func (a *Adapter) FuncID() int { return a.cfg.FuncID }

// NumQueues returns the number of client queues.
func (a *Adapter) NumQueues() int { return len(a.queues) }

// Loaded reports whether Load completed and Unload has not run since.
func (a *Adapter) Loaded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loaded
}

// SetWait replaces the completion wait budget of every object.
func (a *Adapter) SetWait(w config.WaitConfig) {
	a.env.SetWait(sp.WaitConfig{Retries: w.Retries, Interval: w.Interval, SlowFactor: w.SlowFactor})
}
