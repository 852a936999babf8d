package nic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"firestige.xyz/ramrod/internal/core"
	"firestige.xyz/ramrod/internal/metrics"
	"firestige.xyz/ramrod/internal/sp"
)

// EntryRequest is one classification command against a queue.
type EntryRequest struct {
	Queue int
	Cmd   sp.VlanMacCmd
	Kind  sp.Kind
	Key   sp.Key
	Class sp.MacClass
	Flags sp.VlanMacFlags
	// Target is the destination queue of a Move.
	Target int
	Ramrod sp.RamrodFlags
}

// timedOut counts an expired completion wait of object.
func timedOut(object string, err error) error {
	if errors.Is(err, core.ErrTimeout) {
		metrics.WaitTimeoutsTotal.WithLabelValues(object).Inc()
	}
	return err
}

func (a *Adapter) requireLoaded() error {
	if !a.loaded {
		return fmt.Errorf("%w: function %d not loaded", core.ErrInvalidTransition, a.cfg.FuncID)
	}
	return nil
}

// object returns the classification object of kind on queue index.
func (a *Adapter) object(index int, kind sp.Kind) (*sp.VlanMacObj, error) {
	qc, err := a.queue(index)
	if err != nil {
		return nil, err
	}
	var obj *sp.VlanMacObj
	switch kind {
	case sp.KindMAC:
		obj = qc.mac
	case sp.KindVLAN:
		obj = qc.vlan
	case sp.KindVLANMAC:
		obj = qc.pair
	default:
		return nil, fmt.Errorf("%w: kind %d", core.ErrInvalidArgument, kind)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s classification on %s", core.ErrNotSupported, kind, a.cfg.Chip)
	}
	return obj, nil
}

func (a *Adapter) objectFor(index int, kind string) (*sp.VlanMacObj, error) {
	k, ok := ParseKind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: kind %q", core.ErrInvalidArgument, kind)
	}
	return a.object(index, k)
}

// ParseKind maps "mac", "vlan" or "vlan-mac" onto a Kind.
func ParseKind(s string) (sp.Kind, bool) {
	for _, k := range []sp.Kind{sp.KindMAC, sp.KindVLAN, sp.KindVLANMAC} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// ConfigEntry adds, deletes or moves one classification entry. It reports
// whether commands of the object are still outstanding.
func (a *Adapter) ConfigEntry(ctx context.Context, req EntryRequest) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.requireLoaded(); err != nil {
		return false, err
	}
	obj, err := a.object(req.Queue, req.Kind)
	if err != nil {
		return false, err
	}
	vreq := sp.VlanMacRequest{Cmd: req.Cmd, Key: req.Key, Flags: req.Flags, Class: req.Class}
	if req.Cmd == sp.CmdMove {
		if req.Target == req.Queue {
			return false, fmt.Errorf("%w: move to the same queue", core.ErrInvalidArgument)
		}
		if vreq.Target, err = a.object(req.Target, req.Kind); err != nil {
			return false, err
		}
	}

	pending, err := obj.Config(ctx, vreq, req.Ramrod)
	a.updateGauges()
	if err != nil {
		return pending, timedOut(obj.Name(), err)
	}
	a.log.Debug("classification command accepted", "object", obj.Name(), "cmd", req.Cmd, "pending", pending)
	a.save()
	return pending, nil
}

// Entries returns the registry of kind on queue index.
func (a *Adapter) Entries(index int, kind sp.Kind) ([]sp.RegistryEntry, error) {
	obj, err := a.object(index, kind)
	if err != nil {
		return nil, err
	}
	return obj.Registry(), nil
}

// ConfigMcast adds, deletes or restores multicast addresses. A Del without
// addresses removes them all.
func (a *Adapter) ConfigMcast(ctx context.Context, cmd sp.McastCmd, macs []sp.MAC, flags sp.RamrodFlags) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.requireLoaded(); err != nil {
		return false, err
	}
	pending, err := a.mcast.Config(ctx, sp.McastRequest{Cmd: cmd, MACs: macs}, flags)
	if err != nil {
		return pending, timedOut("mcast", err)
	}
	a.trackMcast(cmd, macs)
	a.save()
	return pending, nil
}

func (a *Adapter) trackMcast(cmd sp.McastCmd, macs []sp.MAC) {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()
	switch cmd {
	case sp.McastAdd:
		for _, m := range macs {
			a.mcastMembers[m] = struct{}{}
		}
	case sp.McastDel:
		if len(macs) == 0 {
			a.mcastMembers = make(map[sp.MAC]struct{})
		}
		for _, m := range macs {
			delete(a.mcastMembers, m)
		}
	}
}

func (a *Adapter) clearMcast() { a.trackMcast(sp.McastDel, nil) }

// McastMembers returns the multicast addresses added and not deleted, in
// address order. The hardware registry may be coarser (bins).
func (a *Adapter) McastMembers() []sp.MAC {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()
	out := make([]sp.MAC, 0, len(a.mcastMembers))
	for m := range a.mcastMembers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// ConfigRSS sends an RSS update and remembers it for recovery.
func (a *Adapter) ConfigRSS(ctx context.Context, p sp.RSSParams) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.requireLoaded(); err != nil {
		return false, err
	}
	pending, err := a.rss.Config(ctx, p)
	if err != nil {
		return pending, timedOut("rss", err)
	}
	a.filterMu.Lock()
	last := p
	last.Key = append([]byte(nil), p.Key...)
	a.rssLast = &last
	a.filterMu.Unlock()
	return pending, nil
}

func (a *Adapter) lastRSS() (sp.RSSParams, bool) {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()
	if a.rssLast == nil {
		return sp.RSSParams{}, false
	}
	return *a.rssLast, true
}

// SetRxMode switches the receive mode of the leading client.
func (a *Adapter) SetRxMode(ctx context.Context, mode sp.RxMode, flags sp.RamrodFlags) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.requireLoaded(); err != nil {
		return err
	}
	if err := a.applyRxMode(ctx, mode, flags); err != nil {
		return err
	}
	a.save()
	return nil
}

func (a *Adapter) applyRxMode(ctx context.Context, mode sp.RxMode, flags sp.RamrodFlags) error {
	rx, tx := sp.AcceptFlagsFor(mode)
	if _, err := a.rxMode.Config(ctx, sp.RxModeParams{Flags: flags, RxAccept: rx, TxAccept: tx}); err != nil {
		return timedOut("rx_mode", err)
	}
	a.filterMu.Lock()
	a.rxModeName = mode.String()
	a.filterMu.Unlock()
	a.log.Debug("rx mode set", "mode", mode, "rx", rx, "tx", tx)
	return nil
}

// RxMode returns the name of the last requested receive mode.
func (a *Adapter) RxMode() string {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()
	return a.rxModeName
}

// QueueCommand drives the state machine of queue index.
func (a *Adapter) QueueCommand(ctx context.Context, index int, p sp.QueueParams) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.requireLoaded(); err != nil {
		return false, err
	}
	qc, err := a.queue(index)
	if err != nil {
		return false, err
	}
	pending, err := qc.q.StateChange(ctx, p)
	a.updateGauges()
	return pending, timedOut(queueLabel(index), err)
}

// FuncCommand drives the function state machine.
func (a *Adapter) FuncCommand(ctx context.Context, p sp.FuncParams) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.requireLoaded(); err != nil {
		return false, err
	}
	if p.Cmd == sp.FCmdHwInit || p.Cmd == sp.FCmdHwReset {
		return false, fmt.Errorf("%w: %s is issued by load and unload", core.ErrInvalidArgument, p.Cmd)
	}
	pending, err := a.fn.StateChange(ctx, p)
	return pending, timedOut("function", err)
}

// save persists the current filters. Failures are logged; the hardware
// state is already committed.
func (a *Adapter) save() {
	snap := Snapshot{
		Version: snapshotVersion,
		FuncID:  a.cfg.FuncID,
		SavedAt: time.Now().UTC(),
		Mcast:   a.McastMembers(),
		RxMode:  a.RxMode(),
	}
	for _, qc := range a.queues {
		for _, o := range qc.vlanMacObjs() {
			for _, e := range o.Registry() {
				snap.Entries = append(snap.Entries, SnapshotEntry{
					Queue: qc.index,
					Kind:  o.Kind().String(),
					Key:   e.Key,
					Class: e.Class.String(),
					Flags: e.Flags,
				})
			}
		}
	}
	if err := a.store.Save(snap); err != nil {
		a.log.Warn("failed to persist filter snapshot", "error", err)
	}
}
