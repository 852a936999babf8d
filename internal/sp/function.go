package sp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"firestige.xyz/ramrod/internal/core"
)

// FuncState is the lifecycle state of a PCI function.
type FuncState uint8

const (
	FStateReset FuncState = iota
	FStateInitialized
	FStateStarted
	FStateTxStopped
	fStateNone
)

var funcStateNames = [...]string{"reset", "initialized", "started", "tx_stopped", "none"}

func (s FuncState) String() string {
	if int(s) < len(funcStateNames) {
		return funcStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// FuncCmd is a function state machine command.
type FuncCmd uint8

const (
	FCmdHwInit FuncCmd = iota
	FCmdStart
	FCmdStop
	FCmdHwReset
	FCmdTxStop
	FCmdTxStart
	FCmdSwitchUpdate
	fCmdMax
)

var funcCmdNames = [...]string{"hw_init", "start", "stop", "hw_reset", "tx_stop", "tx_start", "switch_update"}

func (c FuncCmd) String() string {
	if int(c) < len(funcCmdNames) {
		return funcCmdNames[c]
	}
	return fmt.Sprintf("cmd(%d)", uint8(c))
}

// ParseFuncCmd maps a command name onto a FuncCmd.
func ParseFuncCmd(s string) (FuncCmd, bool) {
	for i, n := range funcCmdNames {
		if n == s {
			return FuncCmd(i), true
		}
	}
	return 0, false
}

// FuncCmdForOpcode maps a completion opcode onto the command that issued it.
func FuncCmdForOpcode(op Opcode) (FuncCmd, bool) {
	switch op {
	case OpFunctionStart:
		return FCmdStart, true
	case OpFunctionStop:
		return FCmdStop, true
	case OpStopTraffic:
		return FCmdTxStop, true
	case OpStartTraffic:
		return FCmdTxStart, true
	case OpFunctionUpdate:
		return FCmdSwitchUpdate, true
	}
	return 0, false
}

// LoadPhase is the depth of hardware initialization a function performs.
type LoadPhase uint8

const (
	LoadCommonChip LoadPhase = iota
	LoadCommon
	LoadPort
	LoadFunction
)

func (p LoadPhase) String() string {
	return [...]string{"common_chip", "common", "port", "function"}[p]
}

// UnloadPhase is the depth of hardware reset a function performs.
type UnloadPhase uint8

const (
	UnloadCommon UnloadPhase = iota
	UnloadPort
	UnloadFunction
)

func (p UnloadPhase) String() string {
	return [...]string{"common", "port", "function"}[p]
}

// DriverOps is the hardware initialization table used by HwInit and
// HwReset. Nil entries are skipped.
type DriverOps struct {
	GunzipInit       func() error
	GunzipEnd        func()
	InitFW           func() error
	ReleaseFW        func()
	InitHwCommonChip func() error
	InitHwCommon     func() error
	InitHwPort       func() error
	InitHwFunc       func() error
	ResetHwCommon    func() error
	ResetHwPort      func() error
	ResetHwFunc      func() error
}

func call(f func() error) error {
	if f == nil {
		return nil
	}
	return f()
}

// FuncStart carries the FunctionStart parameters.
type FuncStart struct {
	MFMode         uint8  `json:"mf_mode"`
	SDVlanTag      uint16 `json:"sd_vlan_tag,omitempty"`
	NetworkCosMode uint8  `json:"network_cos_mode,omitempty"`
}

// FuncSwitchUpdate carries the SwitchUpdate parameters.
type FuncSwitchUpdate struct {
	SuspendChange bool `json:"suspend_change,omitempty"`
	Suspend       bool `json:"suspend,omitempty"`
}

// FuncTxStart carries the TxStart parameters.
type FuncTxStart struct {
	DCBEnabled          bool `json:"dcb_enabled,omitempty"`
	DontAddPriZeroEntry bool `json:"dont_add_pri_0_entry,omitempty"`
}

// FuncParams is one function state change request.
type FuncParams struct {
	Cmd          FuncCmd
	Flags        RamrodFlags
	LoadPhase    LoadPhase
	UnloadPhase  UnloadPhase
	Start        FuncStart
	TxStart      FuncTxStart
	SwitchUpdate FuncSwitchUpdate
}

// FuncRamrodData is the payload of function ramrods.
type FuncRamrodData struct {
	Cmd          FuncCmd
	FuncID       uint8
	Start        *FuncStart
	TxStart      *FuncTxStart
	SwitchUpdate *FuncSwitchUpdate
}

func (d *FuncRamrodData) Entries() int { return 1 }

// NextFuncState returns the state cmd leads to from state. A command is
// never staged while another one is outstanding, so a SwitchUpdate cannot
// overlap a Stop.
func NextFuncState(state FuncState, cmd FuncCmd) (FuncState, bool) {
	switch state {
	case FStateReset:
		if cmd == FCmdHwInit {
			return FStateInitialized, true
		}
	case FStateInitialized:
		switch cmd {
		case FCmdStart:
			return FStateStarted, true
		case FCmdHwReset:
			return FStateReset, true
		}
	case FStateStarted:
		switch cmd {
		case FCmdStop:
			return FStateInitialized, true
		case FCmdSwitchUpdate:
			return FStateStarted, true
		case FCmdTxStop:
			return FStateTxStopped, true
		}
	case FStateTxStopped:
		switch cmd {
		case FCmdSwitchUpdate:
			return FStateTxStopped, true
		case FCmdTxStart:
			return FStateStarted, true
		}
	}
	return fStateNone, false
}

const (
	funcRetryCount    = 300
	funcRetryInterval = 10 * time.Millisecond
)

// FuncObj is the state machine of one PCI function. State changes are
// serialized; HwInit and HwReset run the driver table and complete at once.
type FuncObj struct {
	// mu serializes StateChange calls.
	mu sync.Mutex

	stateMu sync.Mutex
	state   FuncState
	next    FuncState
	pending PendingBits

	funcID uint8
	cid    uint32
	ops    DriverOps
	env    *Env

	retryInterval time.Duration
}

func NewFuncObj(env *Env, funcID uint8, cid uint32, ops DriverOps) *FuncObj {
	return &FuncObj{
		state:         FStateReset,
		next:          fStateNone,
		funcID:        funcID,
		cid:           cid,
		ops:           ops,
		env:           env,
		retryInterval: funcRetryInterval,
	}
}

func (f *FuncObj) State() FuncState {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.state
}

func (f *FuncObj) Pending() uint64 { return f.pending.Mask() }

// check stages the transition of p.Cmd under stateMu. DrvClrOnly forgets
// any outstanding command first.
func (f *FuncObj) check(p FuncParams) error {
	cmd := p.Cmd
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if p.Flags.Has(DrvClrOnly) {
		f.pending.Reset()
		f.next = fStateNone
	}
	if f.pending.Mask() != 0 {
		return fmt.Errorf("%w: function %d has pending 0x%x", core.ErrBusy, f.funcID, f.pending.Mask())
	}
	next, ok := NextFuncState(f.state, cmd)
	if !ok {
		return fmt.Errorf("%w: function %d cannot %s from %s", core.ErrInvalidTransition, f.funcID, cmd, f.state)
	}
	f.next = next
	return nil
}

// StateChange checks and issues a transition. With Retry a busy object is
// re-checked for a while before giving up.
func (f *FuncObj) StateChange(ctx context.Context, p FuncParams) (bool, error) {
	if p.Cmd >= fCmdMax {
		return false, fmt.Errorf("%w: unknown function command %d", core.ErrInvalidArgument, p.Cmd)
	}
	f.mu.Lock()
	err := f.check(p)
	for i := 0; errors.Is(err, core.ErrBusy) && p.Flags.Has(Retry) && i < funcRetryCount; i++ {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("function %d %s: %w", f.funcID, p.Cmd, ctx.Err())
		case <-time.After(f.retryInterval):
		}
		f.mu.Lock()
		err = f.check(p)
	}
	if err != nil {
		f.mu.Unlock()
		return false, err
	}

	bit := uint(p.Cmd)
	f.pending.Set(bit)

	if p.Flags.Has(DrvClrOnly) {
		f.mu.Unlock()
		return false, f.Complete(p.Cmd)
	}

	err = f.send(ctx, p)
	f.mu.Unlock()
	if err != nil {
		f.stateMu.Lock()
		f.next = fStateNone
		f.pending.Clear(bit)
		f.stateMu.Unlock()
		return false, err
	}

	if p.Flags.Has(CompWait) {
		if err := f.pending.WaitClear(ctx, bit, f.env.Wait()); err != nil {
			return true, fmt.Errorf("function %d %s: %w", f.funcID, p.Cmd, err)
		}
		return false, nil
	}
	return f.pending.Test(bit), nil
}

func (f *FuncObj) send(ctx context.Context, p FuncParams) error {
	data := &FuncRamrodData{Cmd: p.Cmd, FuncID: f.funcID}
	r := Ramrod{CID: f.cid, ConnType: ConnTypeNone, Data: data}
	switch p.Cmd {
	case FCmdHwInit:
		return f.hwInit(p.LoadPhase)
	case FCmdHwReset:
		return f.hwReset(p.UnloadPhase)
	case FCmdStart:
		start := p.Start
		data.Start = &start
		r.Opcode = OpFunctionStart
	case FCmdStop:
		r.Opcode = OpFunctionStop
	case FCmdTxStop:
		r.Opcode = OpStopTraffic
	case FCmdTxStart:
		txStart := p.TxStart
		data.TxStart = &txStart
		r.Opcode = OpStartTraffic
	case FCmdSwitchUpdate:
		update := p.SwitchUpdate
		data.SwitchUpdate = &update
		r.Opcode = OpFunctionUpdate
	}
	return f.env.post(ctx, r)
}

func (f *FuncObj) hwInit(phase LoadPhase) error {
	if err := call(f.ops.GunzipInit); err != nil {
		return fmt.Errorf("gunzip init: %w", err)
	}
	err := f.initPhases(phase)
	if f.ops.GunzipEnd != nil {
		f.ops.GunzipEnd()
	}
	if err != nil {
		if f.ops.ReleaseFW != nil {
			f.ops.ReleaseFW()
		}
		return err
	}
	f.env.Log.Info("hardware initialized", "func_id", f.funcID, "phase", phase)
	return f.Complete(FCmdHwInit)
}

func (f *FuncObj) initPhases(phase LoadPhase) error {
	if err := call(f.ops.InitFW); err != nil {
		return fmt.Errorf("init firmware: %w", err)
	}
	steps := []struct {
		name string
		fn   func() error
		from LoadPhase
	}{
		{"common_chip", f.ops.InitHwCommonChip, LoadCommonChip},
		{"common", f.ops.InitHwCommon, LoadCommon},
		{"port", f.ops.InitHwPort, LoadPort},
		{"function", f.ops.InitHwFunc, LoadFunction},
	}
	for _, s := range steps {
		if s.from < phase {
			continue
		}
		// common_chip and common are alternatives: chip-wide init already
		// covers the path-common part.
		if s.from == LoadCommon && phase == LoadCommonChip {
			continue
		}
		if err := call(s.fn); err != nil {
			return fmt.Errorf("init %s: %w", s.name, err)
		}
	}
	return nil
}

func (f *FuncObj) hwReset(phase UnloadPhase) error {
	err := call(f.ops.ResetHwFunc)
	if phase <= UnloadPort {
		err = multierr.Append(err, call(f.ops.ResetHwPort))
	}
	if phase == UnloadCommon {
		err = multierr.Append(err, call(f.ops.ResetHwCommon))
	}
	if err != nil {
		f.env.Log.Error("hardware reset incomplete", "func_id", f.funcID, "phase", phase, "error", err)
	}
	if cerr := f.Complete(FCmdHwReset); cerr != nil {
		return multierr.Append(err, cerr)
	}
	return err
}

// Complete commits the staged transition of cmd.
func (f *FuncObj) Complete(cmd FuncCmd) error {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	bit := uint(cmd)
	if !f.pending.Test(bit) {
		f.env.Log.Error("function completion without pending command", "func_id", f.funcID, "cmd", cmd, "state", f.state, "pending", f.pending.Mask())
		return fmt.Errorf("%w: function %d %s", core.ErrProtocolMismatch, f.funcID, cmd)
	}
	f.env.Log.Debug("function state committed", "func_id", f.funcID, "from", f.state, "to", f.next, "cmd", cmd)
	f.state = f.next
	f.next = fStateNone
	f.pending.Clear(bit)
	return nil
}

// LoadTracker counts loaded functions per path and per port so that the
// first function on the chip performs chip initialization, the first on a
// path or port the common or port part, and the last one the matching reset.
type LoadTracker struct {
	mu     sync.Mutex
	counts map[int]*[3]int
}

func NewLoadTracker() *LoadTracker { return &LoadTracker{counts: make(map[int]*[3]int)} }

func (t *LoadTracker) entry(path int) *[3]int {
	c, ok := t.counts[path]
	if !ok {
		c = &[3]int{}
		t.counts[path] = c
	}
	return c
}

// Load records a function load and returns its initialization phase.
func (t *LoadTracker) Load(path, port int) (LoadPhase, error) {
	if port < 0 || port > 1 {
		return 0, fmt.Errorf("%w: port %d", core.ErrInvalidArgument, port)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	chip := 0
	for _, pc := range t.counts {
		chip += pc[0]
	}
	c := t.entry(path)
	c[0]++
	c[1+port]++
	switch {
	case chip == 0:
		return LoadCommonChip, nil
	case c[0] == 1:
		return LoadCommon, nil
	case c[1+port] == 1:
		return LoadPort, nil
	}
	return LoadFunction, nil
}

// Unload records a function unload and returns its reset phase.
func (t *LoadTracker) Unload(path, port int) (UnloadPhase, error) {
	if port < 0 || port > 1 {
		return 0, fmt.Errorf("%w: port %d", core.ErrInvalidArgument, port)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.entry(path)
	if c[0] == 0 || c[1+port] == 0 {
		return 0, fmt.Errorf("%w: path %d port %d not loaded", core.ErrInvalidArgument, path, port)
	}
	c[0]--
	c[1+port]--
	switch {
	case c[0] == 0:
		return UnloadCommon, nil
	case c[1+port] == 0:
		return UnloadPort, nil
	}
	return UnloadFunction, nil
}

// Counts returns the path total and the two per-port counts.
func (t *LoadTracker) Counts(path int) [3]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.entry(path)
}
