package sp

import (
	"context"
	"fmt"
	"sync"

	"firestige.xyz/ramrod/internal/core"
)

// RegistryEntry is a classification entry the driver believes is installed.
type RegistryEntry struct {
	Key       Key          `json:"key" yaml:"key"`
	CAMOffset int          `json:"cam_offset" yaml:"cam_offset"`
	Flags     VlanMacFlags `json:"flags,omitempty" yaml:"flags,omitempty"`
	Class     MacClass     `json:"class" yaml:"class"`
}

// VlanMacRequest is one classification command.
type VlanMacRequest struct {
	Cmd    VlanMacCmd
	Key    Key
	Flags  VlanMacFlags
	Class  MacClass
	Target *VlanMacObj // Move only
}

// ClassifyRule is one entry of a classification ramrod.
type ClassifyRule struct {
	Cmd       VlanMacCmd `json:"cmd" yaml:"cmd"`
	Kind      Kind       `json:"kind" yaml:"kind"`
	Key       Key        `json:"key" yaml:"key"`
	ClID      uint8      `json:"cl_id" yaml:"cl_id"`
	FuncID    uint8      `json:"func_id" yaml:"func_id"`
	CAMOffset int        `json:"cam_offset" yaml:"cam_offset"`
	Rx        bool       `json:"rx" yaml:"rx"`
	Tx        bool       `json:"tx" yaml:"tx"`
}

// ClassifyData is the payload of classification and set-MAC ramrods.
type ClassifyData struct {
	Echo  uint32
	Rules []ClassifyRule
}

func (d *ClassifyData) Entries() int { return len(d.Rules) }

// vlanMacOps holds the chip-specific parts of a classification object.
type vlanMacOps struct {
	opcode   Opcode
	chunkLen int
	// moveSupported is false where hardware cannot atomically move entries.
	moveSupported bool
	// explicitOffset is set where the rule must name its CAM slot.
	explicitOffset bool
}

var chipVlanMacOps = map[Chip]vlanMacOps{
	ChipE1x: {opcode: OpSetMAC, chunkLen: 1, explicitOffset: true},
	ChipE2:  {opcode: OpClassificationRules, chunkLen: 16, moveSupported: true},
}

// VlanMacObj is a classification object: a registry of MAC, VLAN or
// VLAN+MAC entries owned by one client, and the queue of commands that
// change it.
type VlanMacObj struct {
	raw   RawObj
	kind  Kind
	chip  Chip
	ops   vlanMacOps
	env   *Env
	name  string
	macs  *CreditPool
	vlans *CreditPool

	exeq *exeQueue

	regMu    sync.RWMutex
	registry []*RegistryEntry
}

func newVlanMacObj(env *Env, raw RawObj, kind Kind, chip Chip, macs, vlans *CreditPool) *VlanMacObj {
	o := &VlanMacObj{
		raw:   raw,
		kind:  kind,
		chip:  chip,
		ops:   chipVlanMacOps[chip],
		env:   env,
		macs:  macs,
		vlans: vlans,
		name:  fmt.Sprintf("%s/cl%d", kind, raw.ClID),
	}
	o.exeq = newExeQueue(o.ops.chunkLen)
	o.exeq.validate = o.validate
	o.exeq.remove = o.revertCredit
	o.exeq.optimize = o.optimize
	o.exeq.execute = o.execute
	return o
}

// NewMACObj returns a MAC classification object drawing on macs.
func NewMACObj(env *Env, raw RawObj, chip Chip, macs *CreditPool) *VlanMacObj {
	return newVlanMacObj(env, raw, KindMAC, chip, macs, nil)
}

// NewVLANObj returns a VLAN classification object drawing on vlans.
func NewVLANObj(env *Env, raw RawObj, chip Chip, vlans *CreditPool) *VlanMacObj {
	return newVlanMacObj(env, raw, KindVLAN, chip, nil, vlans)
}

// NewVLANMACObj returns a VLAN+MAC pair object drawing on both pools.
func NewVLANMACObj(env *Env, raw RawObj, chip Chip, macs, vlans *CreditPool) *VlanMacObj {
	return newVlanMacObj(env, raw, KindVLANMAC, chip, macs, vlans)
}

func (o *VlanMacObj) Kind() Kind     { return o.kind }
func (o *VlanMacObj) Name() string   { return o.name }
func (o *VlanMacObj) Raw() RawObj    { return o.raw }
func (o *VlanMacObj) Pending() bool  { return o.raw.Pending() }
func (o *VlanMacObj) QueueLen() int  { return o.exeq.length() }
func (o *VlanMacObj) Idle() bool     { return o.exeq.isEmpty() }
func (o *VlanMacObj) Opcode() Opcode { return o.ops.opcode }

// Registry returns a snapshot of the installed entries in insertion order.
func (o *VlanMacObj) Registry() []RegistryEntry {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	out := make([]RegistryEntry, len(o.registry))
	for i, e := range o.registry {
		out[i] = *e
	}
	return out
}

// Contains reports whether key is in the registry.
func (o *VlanMacObj) Contains(key Key) bool { return o.lookup(key.normalize(o.kind)) != nil }

func (o *VlanMacObj) lookup(key Key) *RegistryEntry {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	for _, e := range o.registry {
		if e.Key == key {
			return e
		}
	}
	return nil
}

func (o *VlanMacObj) insert(e *RegistryEntry) {
	o.regMu.Lock()
	o.registry = append(o.registry, e)
	o.regMu.Unlock()
}

func (o *VlanMacObj) removeEntry(target *RegistryEntry) bool {
	o.regMu.Lock()
	defer o.regMu.Unlock()
	for i, e := range o.registry {
		if e == target {
			o.registry = append(o.registry[:i:i], o.registry[i+1:]...)
			return true
		}
	}
	return false
}

func (o *VlanMacObj) checkKey(key Key) error {
	switch o.kind {
	case KindMAC:
		if !key.MAC.IsValidUnicast() {
			return fmt.Errorf("%w: %s is not a unicast address", core.ErrInvalidArgument, key.MAC)
		}
	case KindVLAN:
		if key.VLAN > MaxVLAN {
			return fmt.Errorf("%w: vlan %d out of range", core.ErrInvalidArgument, key.VLAN)
		}
	case KindVLANMAC:
		if !key.MAC.IsValidUnicast() || key.VLAN > MaxVLAN {
			return fmt.Errorf("%w: bad vlan-mac pair %s", core.ErrInvalidArgument, key.format(o.kind))
		}
	}
	return nil
}

// checkAdd fails if key cannot be added to the registry.
func (o *VlanMacObj) checkAdd(key Key) error {
	if err := o.checkKey(key); err != nil {
		return err
	}
	if o.lookup(key) != nil {
		return fmt.Errorf("%w: %s %s", core.ErrDuplicate, o.kind, key.format(o.kind))
	}
	return nil
}

func (o *VlanMacObj) checkMove(dst *VlanMacObj, key Key) bool {
	if dst == nil || dst.kind != o.kind || dst == o {
		return false
	}
	return o.lookup(key) != nil && dst.checkAdd(key) == nil
}

func (o *VlanMacObj) getCredit() bool {
	switch o.kind {
	case KindMAC:
		return o.macs.Get(1)
	case KindVLAN:
		return o.vlans.Get(1)
	}
	if !o.macs.Get(1) {
		return false
	}
	if !o.vlans.Get(1) {
		o.macs.Put(1)
		return false
	}
	return true
}

func (o *VlanMacObj) putCredit() bool {
	switch o.kind {
	case KindMAC:
		return o.macs.Put(1)
	case KindVLAN:
		return o.vlans.Put(1)
	}
	if !o.macs.Put(1) {
		return false
	}
	if !o.vlans.Put(1) {
		o.macs.Get(1)
		return false
	}
	return true
}

func (o *VlanMacObj) offsetPool() *CreditPool {
	if o.kind == KindVLAN {
		return o.vlans
	}
	return o.macs
}

func (o *VlanMacObj) getCAMOffset() (int, bool) { return o.offsetPool().GetEntry() }

func (o *VlanMacObj) putCAMOffset(off int) {
	if !o.offsetPool().PutEntry(off) {
		o.env.Log.Warn("cam offset not returned", "object", o.name, "offset", off)
	}
}

// optimize cancels e against a queued command with the opposite effect on
// the same key and returns the credit the cancelled command held.
func (o *VlanMacObj) optimize(e *exeElem) (bool, error) {
	var opposite VlanMacCmd
	switch e.cmd {
	case CmdAdd:
		opposite = CmdDel
	case CmdDel:
		opposite = CmdAdd
	default:
		return false, nil
	}
	pos := o.exeq.findLocked(opposite, e.key)
	if pos == nil || pos.restoring() {
		return false, nil
	}
	if !pos.flags.Has(DontConsumeCredit) {
		var ok bool
		if pos.cmd == CmdAdd {
			ok = o.putCredit()
		} else {
			ok = o.getCredit()
		}
		if !ok {
			return false, fmt.Errorf("%w: cannot return credit of cancelled %s", core.ErrInvalidArgument, pos.cmd)
		}
	}
	o.exeq.dropLocked(pos)
	o.env.Log.Debug("cancelled queued command", "object", o.name, "cmd", pos.cmd, "key", e.key.format(o.kind))
	return true, nil
}

func (o *VlanMacObj) validate(e *exeElem) error {
	if e.cmdLen > o.exeq.chunkLen {
		return fmt.Errorf("%w: %s does not fit a %d-rule command", core.ErrNotSupported, e.cmd, o.exeq.chunkLen)
	}
	switch e.cmd {
	case CmdAdd:
		return o.validateAdd(e)
	case CmdDel:
		return o.validateDel(e)
	case CmdMove:
		return o.validateMove(e)
	}
	return fmt.Errorf("%w: unknown command %d", core.ErrInvalidArgument, e.cmd)
}

func (o *VlanMacObj) validateAdd(e *exeElem) error {
	if err := o.checkAdd(e.key); err != nil {
		return err
	}
	if o.exeq.findLocked(CmdAdd, e.key) != nil {
		return fmt.Errorf("%w: add of %s already queued", core.ErrDuplicate, e.key.format(o.kind))
	}
	if !e.flags.Has(DontConsumeCredit) && !o.getCredit() {
		return fmt.Errorf("%w: %s", core.ErrNoCredit, o.name)
	}
	return nil
}

func (o *VlanMacObj) validateDel(e *exeElem) error {
	entry := o.lookup(e.key)
	if entry == nil {
		return fmt.Errorf("%w: %s %s", core.ErrNotFound, o.kind, e.key.format(o.kind))
	}
	if o.exeq.findLocked(CmdMove, e.key) != nil {
		return fmt.Errorf("%w: move of %s is queued", core.ErrInvalidArgument, e.key.format(o.kind))
	}
	if o.exeq.findLocked(CmdDel, e.key) != nil {
		return fmt.Errorf("%w: del of %s already queued", core.ErrDuplicate, e.key.format(o.kind))
	}
	e.flags |= entry.Flags & DontConsumeCredit
	if !e.flags.Has(DontConsumeCredit) && !o.putCredit() {
		return fmt.Errorf("%w: %s credit overflow", core.ErrInvalidArgument, o.name)
	}
	return nil
}

// validateMove runs with both queues locked.
func (o *VlanMacObj) validateMove(e *exeElem) error {
	dst := e.target
	if !o.ops.moveSupported {
		return fmt.Errorf("%w: move on %s", core.ErrNotSupported, o.chip)
	}
	if !o.checkMove(dst, e.key) {
		return fmt.Errorf("%w: cannot move %s from %s", core.ErrInvalidArgument, e.key.format(o.kind), o.name)
	}
	if o.exeq.findLocked(CmdDel, e.key) != nil {
		return fmt.Errorf("%w: del of %s is queued", core.ErrInvalidArgument, e.key.format(o.kind))
	}
	if o.exeq.findLocked(CmdMove, e.key) != nil {
		return fmt.Errorf("%w: move of %s already queued", core.ErrDuplicate, e.key.format(o.kind))
	}
	if dst.exeq.findLocked(CmdAdd, e.key) != nil {
		return fmt.Errorf("%w: add of %s queued on %s", core.ErrInvalidArgument, e.key.format(o.kind), dst.name)
	}
	if !e.flags.Has(DontConsumeCreditDest) && !dst.getCredit() {
		return fmt.Errorf("%w: %s", core.ErrNoCredit, dst.name)
	}
	if !e.flags.Has(DontConsumeCredit) && !o.putCredit() {
		if !e.flags.Has(DontConsumeCreditDest) {
			dst.putCredit()
		}
		return fmt.Errorf("%w: %s credit overflow", core.ErrInvalidArgument, o.name)
	}
	return nil
}

// revertCredit undoes the credit movement of a queued command that is
// dropped without being executed.
func (o *VlanMacObj) revertCredit(e *exeElem) error {
	ok := true
	switch e.cmd {
	case CmdAdd:
		if !e.flags.Has(DontConsumeCredit) && !e.restoring() {
			ok = o.putCredit()
		}
	case CmdDel:
		if !e.flags.Has(DontConsumeCredit) {
			ok = o.getCredit()
		}
	case CmdMove:
		if !e.flags.Has(DontConsumeCreditDest) {
			ok = e.target.putCredit()
		}
		if !e.flags.Has(DontConsumeCredit) {
			ok = o.getCredit() && ok
		}
	}
	if !ok {
		return fmt.Errorf("%w: credit revert of %s %s", core.ErrInvalidArgument, e.cmd, e.key.format(o.kind))
	}
	return nil
}

func (o *VlanMacObj) rule(cmd VlanMacCmd, key Key, camOffset int) ClassifyRule {
	r := ClassifyRule{
		Cmd:       cmd,
		Kind:      o.kind,
		Key:       key,
		ClID:      o.raw.ClID,
		FuncID:    o.raw.FuncID,
		CAMOffset: NoOffset,
		Rx:        o.raw.Type.hasRx(),
		Tx:        o.raw.Type.hasTx(),
	}
	if o.ops.explicitOffset {
		r.CAMOffset = camOffset
	}
	return r
}

type addedEntry struct {
	obj   *VlanMacObj
	entry *RegistryEntry
}

// execute applies a chunk to the registry and posts it. Entries added here
// are rolled back if the post fails.
func (o *VlanMacObj) execute(ctx context.Context, chunk []*exeElem, flags RamrodFlags) (bool, error) {
	drvOnly := flags.Has(DrvClrOnly)
	data := &ClassifyData{Echo: o.raw.echo()}
	var added []addedEntry

	rollback := func() {
		for _, a := range added {
			a.obj.removeEntry(a.entry)
			a.obj.putCAMOffset(a.entry.CAMOffset)
		}
	}

	for _, e := range chunk {
		camObj := o
		if e.cmd == CmdMove {
			camObj = e.target
		}

		var entry *RegistryEntry
		if !e.restoring() && e.cmd != CmdDel {
			off, ok := camObj.getCAMOffset()
			if !ok {
				rollback()
				return false, fmt.Errorf("%w: no free cam offset in %s", core.ErrNoMem, camObj.name)
			}
			entry = &RegistryEntry{Key: e.key, CAMOffset: off, Flags: e.entryFlags(), Class: e.class}
			camObj.insert(entry)
			added = append(added, addedEntry{obj: camObj, entry: entry})
		} else {
			entry = o.lookup(e.key)
			if entry == nil {
				rollback()
				return false, fmt.Errorf("%w: %s vanished from %s", core.ErrNotFound, e.key.format(o.kind), o.name)
			}
		}

		switch e.cmd {
		case CmdMove:
			data.Rules = append(data.Rules, o.rule(CmdDel, e.key, NoOffset), e.target.rule(CmdAdd, e.key, entry.CAMOffset))
		case CmdDel:
			data.Rules = append(data.Rules, o.rule(CmdDel, e.key, entry.CAMOffset))
		default:
			data.Rules = append(data.Rules, o.rule(CmdAdd, e.key, entry.CAMOffset))
		}
	}

	if !drvOnly {
		if o.raw.Pending() {
			o.env.Log.Warn("issuing while a command is pending", "object", o.name)
		}
		o.raw.setPending()
		err := o.env.post(ctx, Ramrod{Opcode: o.ops.opcode, CID: o.raw.CID, ConnType: ConnTypeETH, Data: data})
		if err != nil {
			o.raw.clearPending()
			rollback()
			return false, err
		}
	}

	for _, e := range chunk {
		if e.cmd != CmdDel && e.cmd != CmdMove {
			continue
		}
		entry := o.lookup(e.key)
		if entry == nil {
			o.env.Log.Warn("registry entry missing on cleanup", "object", o.name, "key", e.key.format(o.kind))
			continue
		}
		o.removeEntry(entry)
		o.putCAMOffset(entry.CAMOffset)
	}
	return !drvOnly, nil
}

func (o *VlanMacObj) push(req VlanMacRequest, restore bool) error {
	e := &exeElem{
		cmdLen: 1,
		cmd:    req.Cmd,
		key:    req.Key.normalize(o.kind),
		flags:  req.Flags,
		class:  req.Class,
		target: req.Target,
	}
	if restore {
		e.flags |= restoreMark
	}
	switch req.Cmd {
	case CmdMove:
		if req.Target == nil {
			return fmt.Errorf("%w: move without target", core.ErrInvalidArgument)
		}
		e.cmdLen = 2
	case CmdAdd, CmdDel:
		e.target = nil
	default:
		return fmt.Errorf("%w: unknown command %d", core.ErrInvalidArgument, req.Cmd)
	}
	return o.exeq.add(e, restore)
}

// restoreMark tags queued elements replaying committed state.
const restoreMark VlanMacFlags = 1 << 7

func (e *exeElem) restoring() bool { return e.flags.Has(restoreMark) }

// entryFlags are the flags recorded with the entry e installs. A moved entry
// owns a destination credit only if the move consumed one.
func (e *exeElem) entryFlags() VlanMacFlags {
	f := e.flags &^ restoreMark
	if e.cmd != CmdMove {
		return f
	}
	f &^= DontConsumeCredit | DontConsumeCreditDest
	if e.flags.Has(DontConsumeCreditDest) {
		f |= DontConsumeCredit
	}
	return f
}

func (o *VlanMacObj) step(ctx context.Context, flags RamrodFlags) (bool, error) {
	return o.exeq.step(ctx, flags)
}

// Config queues req and, depending on flags, issues queued commands. It
// reports whether commands are still outstanding.
func (o *VlanMacObj) Config(ctx context.Context, req VlanMacRequest, flags RamrodFlags) (bool, error) {
	pending := false
	if !flags.Has(Cont) {
		if err := o.push(req, flags.Has(Restore)); err != nil {
			return false, err
		}
		pending = !o.exeq.isEmpty()
	}

	if flags.Has(DrvClrOnly) {
		o.raw.clearPending()
	}

	if flags.Has(Cont) || flags.Has(Execute) || flags.Has(CompWait) {
		p, err := o.step(ctx, flags)
		if err != nil {
			return false, err
		}
		pending = p
	}

	if !flags.Has(CompWait) {
		return pending, nil
	}

	budget := o.exeq.length() + 1
	for !o.exeq.isEmpty() {
		if budget == 0 {
			return true, fmt.Errorf("%w: %s still has queued commands", core.ErrTimeout, o.name)
		}
		budget--
		if err := o.raw.waitComp(ctx, o.env.Wait()); err != nil {
			return true, err
		}
		if _, err := o.step(ctx, flags); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Complete handles the completion of the outstanding chunk. With Cont the
// next chunk is issued. It reports whether commands remain.
func (o *VlanMacObj) Complete(ctx context.Context, ev Event, flags RamrodFlags) (bool, error) {
	o.exeq.mu.Lock()
	if !o.raw.Pending() {
		o.exeq.mu.Unlock()
		return false, fmt.Errorf("%w: %s completion for %s", core.ErrProtocolMismatch, ev.Opcode, o.name)
	}
	o.exeq.pending = nil
	o.raw.clearPending()
	o.exeq.mu.Unlock()

	if ev.Failed {
		return false, fmt.Errorf("%w: %s on %s", core.ErrRamrodFailed, ev.Opcode, o.name)
	}
	if flags.Has(Cont) {
		if _, err := o.step(ctx, flags); err != nil {
			return false, err
		}
	}
	return !o.exeq.isEmpty(), nil
}

// DelAll drops queued commands of class and deletes every registry entry of
// that class. The deletions are issued according to flags.
func (o *VlanMacObj) DelAll(ctx context.Context, class MacClass, flags RamrodFlags) (bool, error) {
	o.exeq.mu.Lock()
	var kept []*exeElem
	for i, e := range o.exeq.queue {
		if e.class != class {
			kept = append(kept, e)
			continue
		}
		if err := o.revertCredit(e); err != nil {
			o.exeq.queue = append(kept, o.exeq.queue[i:]...)
			o.exeq.mu.Unlock()
			return false, err
		}
	}
	o.exeq.queue = kept
	o.exeq.mu.Unlock()

	pushFlags := flags.Without(CompWait | Execute | Cont)
	for _, entry := range o.Registry() {
		if entry.Class != class {
			continue
		}
		req := VlanMacRequest{Cmd: CmdDel, Key: entry.Key, Flags: entry.Flags, Class: entry.Class}
		if _, err := o.Config(ctx, req, pushFlags); err != nil {
			return false, fmt.Errorf("queue del of %s: %w", entry.Key.format(o.kind), err)
		}
	}
	return o.Config(ctx, VlanMacRequest{}, flags.With(Cont))
}

// RestoreAll re-issues an add for every registry entry, without consuming
// credit again.
func (o *VlanMacObj) RestoreAll(ctx context.Context, flags RamrodFlags) (bool, error) {
	for _, entry := range o.Registry() {
		req := VlanMacRequest{Cmd: CmdAdd, Key: entry.Key, Flags: entry.Flags, Class: entry.Class}
		if _, err := o.Config(ctx, req, Restore); err != nil {
			return false, fmt.Errorf("queue restore of %s: %w", entry.Key.format(o.kind), err)
		}
	}
	return o.Config(ctx, VlanMacRequest{}, flags.With(Cont).Without(Restore))
}
