package nic

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"firestige.xyz/ramrod/internal/core"
	"firestige.xyz/ramrod/internal/metrics"
	"firestige.xyz/ramrod/internal/sp"
)

var macClasses = []sp.MacClass{sp.ClassEth, sp.ClassISCSI, sp.ClassNetQ}

// Load brings the function up: hardware init, function start, every queue
// set up with its tx-only connections, the configured rx mode, then the
// saved filters replayed. A failed load is torn down again.
func (a *Adapter) Load(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return fmt.Errorf("%w: function %d already loaded", core.ErrInvalidTransition, a.cfg.FuncID)
	}

	phase, err := a.tracker.Load(a.cfg.Path, a.cfg.Port)
	if err != nil {
		return err
	}
	a.phase = phase
	a.log.Info("loading function", "phase", phase, "queues", len(a.queues), "max_cos", a.cfg.MaxCos)

	if err := a.bringUp(ctx); err != nil {
		a.log.Error("load failed, tearing down", "error", err)
		if terr := a.tearDown(ctx); terr != nil {
			err = multierr.Append(err, terr)
		}
		return err
	}

	a.loaded = true
	a.updateGauges()
	a.resched.start()
	a.log.Info("function loaded", "rx_mode", a.RxMode())
	return nil
}

func (a *Adapter) bringUp(ctx context.Context) error {
	if _, err := a.fn.StateChange(ctx, sp.FuncParams{Cmd: sp.FCmdHwInit, LoadPhase: a.phase, Flags: sp.CompWait}); err != nil {
		return fmt.Errorf("hw init: %w", err)
	}
	if _, err := a.fn.StateChange(ctx, sp.FuncParams{Cmd: sp.FCmdStart, Flags: sp.CompWait | sp.Retry}); err != nil {
		return fmt.Errorf("function start: %w", err)
	}

	for _, qc := range a.queues {
		if err := a.setupQueue(ctx, qc); err != nil {
			return err
		}
	}

	mode, ok := sp.ParseRxMode(a.RxMode())
	if !ok {
		return fmt.Errorf("%w: rx mode %q", core.ErrInvalidArgument, a.RxMode())
	}
	if err := a.applyRxMode(ctx, mode, sp.CompWait); err != nil {
		return fmt.Errorf("rx mode %s: %w", mode, err)
	}
	return a.replay(ctx)
}

func (a *Adapter) setupQueue(ctx context.Context, qc *queueCtx) error {
	steps := []sp.QueueParams{
		{Cmd: sp.QCmdInit},
		{Cmd: sp.QCmdSetup, Setup: sp.QueueSetup{Active: true}},
	}
	for cos := 1; cos < a.cfg.MaxCos; cos++ {
		steps = append(steps, sp.QueueParams{Cmd: sp.QCmdSetupTxOnly, CIDIndex: cos})
	}
	for _, p := range steps {
		p.Flags |= sp.CompWait
		if _, err := qc.q.StateChange(ctx, p); err != nil {
			return fmt.Errorf("queue %d %s: %w", qc.index, p.Cmd, err)
		}
	}
	return nil
}

// replay re-adds the filters of the last saved snapshot.
func (a *Adapter) replay(ctx context.Context) error {
	snap, err := a.store.Load(a.cfg.FuncID)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		a.log.Warn("ignoring unreadable filter snapshot", "error", err)
		return nil
	}

	var errs error
	for _, e := range snap.Entries {
		obj, err := a.objectFor(e.Queue, e.Kind)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		class, ok := sp.ParseMacClass(e.Class)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: mac class %q", core.ErrInvalidArgument, e.Class))
			continue
		}
		req := sp.VlanMacRequest{Cmd: sp.CmdAdd, Key: e.Key, Flags: e.Flags, Class: class}
		if _, err := obj.Config(ctx, req, 0); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replay %s on %s: %w", e.Kind, obj.Name(), err))
		}
	}
	for _, qc := range a.queues {
		for _, o := range qc.vlanMacObjs() {
			if _, err := o.Config(ctx, sp.VlanMacRequest{}, sp.Cont|sp.CompWait); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("replay flush %s: %w", o.Name(), err))
			}
		}
	}

	if len(snap.Mcast) > 0 {
		if _, err := a.mcast.Config(ctx, sp.McastRequest{Cmd: sp.McastAdd, MACs: snap.Mcast}, sp.CompWait); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replay multicast: %w", err))
		} else {
			a.trackMcast(sp.McastAdd, snap.Mcast)
		}
	}
	if mode, ok := sp.ParseRxMode(snap.RxMode); ok && snap.RxMode != a.RxMode() {
		if err := a.applyRxMode(ctx, mode, sp.CompWait); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replay rx mode: %w", err))
		}
	}
	if errs != nil {
		return errs
	}
	a.log.Info("filter snapshot replayed", "entries", len(snap.Entries), "mcast", len(snap.Mcast), "saved_at", snap.SavedAt)
	return nil
}

// Unload removes every filter, tears the queues down, stops the function
// and resets the hardware. It keeps going after a failed step and returns
// the combined errors.
func (a *Adapter) Unload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		return fmt.Errorf("%w: function %d not loaded", core.ErrInvalidTransition, a.cfg.FuncID)
	}
	a.resched.stop()
	a.log.Info("unloading function")
	err := a.tearDown(ctx)
	a.loaded = false
	a.updateGauges()
	if err != nil {
		a.log.Error("unload finished with errors", "error", err)
	}
	return err
}

func (a *Adapter) tearDown(ctx context.Context) error {
	var err error
	for _, qc := range a.queues {
		for _, o := range qc.vlanMacObjs() {
			for _, class := range macClasses {
				if _, e := o.DelAll(ctx, class, sp.CompWait); e != nil {
					err = multierr.Append(err, fmt.Errorf("del all %s on %s: %w", class, o.Name(), e))
				}
			}
		}
	}
	if _, e := a.mcast.Config(ctx, sp.McastRequest{Cmd: sp.McastDel}, sp.CompWait); e != nil {
		err = multierr.Append(err, fmt.Errorf("multicast del all: %w", e))
	}
	a.clearMcast()
	if a.fn.State() == sp.FStateStarted {
		if e := a.applyRxMode(ctx, sp.RxModeNone, sp.CompWait); e != nil {
			err = multierr.Append(err, fmt.Errorf("rx mode none: %w", e))
		}
	}
	for _, qc := range a.queues {
		err = multierr.Append(err, a.teardownQueue(ctx, qc))
	}
	err = multierr.Append(err, a.stopFunction(ctx))
	return err
}

// teardownQueue walks a queue back to Reset from whatever state it is in:
// tx-only connections first, highest class of service first, then the
// leading connection.
func (a *Adapter) teardownQueue(ctx context.Context, qc *queueCtx) error {
	flags := sp.CompWait
	limit := 3*a.cfg.MaxCos + 4
	for i := 0; i < limit; i++ {
		p := sp.QueueParams{Flags: flags}
		switch qc.q.State() {
		case sp.QStateReset:
			return nil
		case sp.QStateInitialized:
			// Nothing was posted for this queue yet.
			flags = sp.DrvClrOnly
			p = sp.QueueParams{Cmd: sp.QCmdSetup, Flags: flags}
		case sp.QStateActive, sp.QStateInactive:
			p.Cmd = sp.QCmdHalt
		case sp.QStateMultiCos:
			p.Cmd, p.CIDIndex = sp.QCmdTerminate, qc.q.NumTxOnly()
		case sp.QStateMcosTerminated:
			p.Cmd, p.CIDIndex = sp.QCmdCfcDel, qc.q.NumTxOnly()
		case sp.QStateStopped:
			p.Cmd = sp.QCmdTerminate
		case sp.QStateTerminated, sp.QStateFlred:
			p.Cmd = sp.QCmdCfcDel
		}
		if _, err := qc.q.StateChange(ctx, p); err != nil {
			return fmt.Errorf("queue %d %s: %w", qc.index, p.Cmd, err)
		}
	}
	return fmt.Errorf("%w: queue %d stuck in %s", core.ErrTimeout, qc.index, qc.q.State())
}

func (a *Adapter) stopFunction(ctx context.Context) error {
	var err error
	if a.fn.State() == sp.FStateTxStopped {
		if _, e := a.fn.StateChange(ctx, sp.FuncParams{Cmd: sp.FCmdTxStart, Flags: sp.CompWait | sp.Retry}); e != nil {
			err = multierr.Append(err, fmt.Errorf("function tx start: %w", e))
		}
	}
	if a.fn.State() == sp.FStateStarted {
		if _, e := a.fn.StateChange(ctx, sp.FuncParams{Cmd: sp.FCmdStop, Flags: sp.CompWait | sp.Retry}); e != nil {
			err = multierr.Append(err, fmt.Errorf("function stop: %w", e))
		}
	}

	phase, e := a.tracker.Unload(a.cfg.Path, a.cfg.Port)
	if e != nil {
		return multierr.Append(err, e)
	}
	if a.fn.State() == sp.FStateInitialized {
		if _, e := a.fn.StateChange(ctx, sp.FuncParams{Cmd: sp.FCmdHwReset, UnloadPhase: phase, Flags: sp.CompWait}); e != nil {
			err = multierr.Append(err, fmt.Errorf("hw reset: %w", e))
		}
	}
	return err
}

// Recover resynchronizes the driver with firmware that lost its filter
// tables. Outstanding classification, multicast, rx-mode and RSS commands
// are dropped driver-side and the registries are re-issued with Restore.
// Queue and function state machines are left as they are.
func (a *Adapter) Recover(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		return fmt.Errorf("%w: function %d not loaded", core.ErrInvalidTransition, a.cfg.FuncID)
	}
	a.resched.stop()
	defer a.resched.start()
	a.log.Warn("recovering filter state")

	var err error
	for _, qc := range a.queues {
		for _, o := range qc.vlanMacObjs() {
			for n := o.QueueLen() + 1; n > 0 && !o.Idle(); n-- {
				if _, e := o.Config(ctx, sp.VlanMacRequest{}, sp.Cont|sp.DrvClrOnly); e != nil {
					err = multierr.Append(err, fmt.Errorf("clear %s: %w", o.Name(), e))
					break
				}
			}
		}
	}
	if a.mcast.Pending() {
		a.abandon(ctx, sp.Event{Opcode: a.mcastOpcode(), Echo: sp.Echo(a.cid(0, 0), sp.StateMcastPending)})
		err = multierr.Append(err, a.mcast.Wait(ctx))
	}
	if a.rss.Pending() {
		a.abandon(ctx, sp.Event{Opcode: sp.OpRSSUpdate, Echo: sp.Echo(a.cid(0, 0), sp.StateRSSPending)})
	}
	if a.rxMode.Pending() {
		a.abandon(ctx, sp.Event{Opcode: sp.OpFilterRules, Echo: sp.Echo(a.cid(0, 0), sp.StateRxModePending)})
	}
	if err != nil {
		return err
	}

	for _, qc := range a.queues {
		for _, o := range qc.vlanMacObjs() {
			if _, e := o.RestoreAll(ctx, sp.CompWait); e != nil {
				err = multierr.Append(err, fmt.Errorf("restore %s: %w", o.Name(), e))
			}
		}
	}
	if _, e := a.mcast.Config(ctx, sp.McastRequest{Cmd: sp.McastRestore}, sp.CompWait); e != nil {
		err = multierr.Append(err, fmt.Errorf("multicast restore: %w", e))
	}
	rx, tx := a.rxMode.Current()
	if _, e := a.rxMode.Config(ctx, sp.RxModeParams{Flags: sp.CompWait, RxAccept: rx, TxAccept: tx}); e != nil {
		err = multierr.Append(err, fmt.Errorf("rx mode restore: %w", e))
	}
	if p, ok := a.lastRSS(); ok {
		p.Flags = sp.CompWait
		if _, e := a.rss.Config(ctx, p); e != nil {
			err = multierr.Append(err, fmt.Errorf("rss restore: %w", e))
		}
	}
	a.updateGauges()
	if err == nil {
		a.log.Info("filter state recovered")
	}
	return err
}

// abandon completes a command the firmware will never answer.
func (a *Adapter) abandon(ctx context.Context, ev sp.Event) {
	a.log.Warn("abandoning outstanding ramrod", "opcode", ev.Opcode)
	metrics.CompletionsTotal.WithLabelValues(ev.Opcode.String(), "abandoned").Inc()
	if err := a.route(ctx, ev); err != nil {
		a.log.Debug("abandoned ramrod", "opcode", ev.Opcode, "error", err)
	}
}

func (a *Adapter) mcastOpcode() sp.Opcode {
	if a.mcast.Mode() == sp.McastModeExact {
		return sp.OpSetMcast
	}
	return sp.OpMulticastRules
}
