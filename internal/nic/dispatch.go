package nic

import (
	"context"
	"errors"
	"fmt"

	"firestige.xyz/ramrod/internal/core"
	"firestige.xyz/ramrod/internal/metrics"
	"firestige.xyz/ramrod/internal/sp"
)

// HandleEvent routes a completion to the object that issued the ramrod.
// Classification, multicast, RSS and rx-mode completions are routed by the
// echo word; queue completions by opcode and connection; function
// completions by opcode.
func (a *Adapter) HandleEvent(ctx context.Context, ev sp.Event) error {
	result := metrics.ResultOK
	if ev.Failed {
		result = metrics.ResultFailed
	}
	metrics.CompletionsTotal.WithLabelValues(ev.Opcode.String(), result).Inc()

	err := a.route(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrProtocolMismatch):
		metrics.ProtocolMismatchTotal.Inc()
		a.log.Error("bad firmware reply", "opcode", ev.Opcode, "cid", ev.CID, "echo", ev.Echo, "error", err)
	default:
		a.log.Warn("completion handling failed", "opcode", ev.Opcode, "cid", ev.CID, "error", err)
	}
	a.updateGauges()
	return err
}

func (a *Adapter) route(ctx context.Context, ev sp.Event) error {
	switch ev.Opcode {
	case sp.OpClassificationRules, sp.OpSetMAC:
		obj, err := a.vlanMacByEcho(ev)
		if err != nil {
			return err
		}
		_, err = obj.Complete(ctx, ev, sp.Cont)
		return err
	case sp.OpMulticastRules, sp.OpSetMcast:
		if err := a.checkEcho(ev, sp.StateMcastPending); err != nil {
			return err
		}
		_, err := a.mcast.Complete(ctx, ev)
		return err
	case sp.OpRSSUpdate:
		if err := a.checkEcho(ev, sp.StateRSSPending); err != nil {
			return err
		}
		return a.rss.Complete(ev)
	case sp.OpFilterRules:
		if err := a.checkEcho(ev, sp.StateRxModePending); err != nil {
			return err
		}
		_, err := a.rxMode.Complete(ctx, ev)
		return err
	}

	if cmd, ok := sp.QueueCmdForOpcode(ev.Opcode); ok {
		qc, found := a.byCID[ev.CID]
		if !found {
			return fmt.Errorf("%w: %s for unknown cid %d", core.ErrProtocolMismatch, ev.Opcode, ev.CID)
		}
		err := qc.q.Complete(cmd)
		if err == nil && ev.Failed {
			err = fmt.Errorf("%w: %s on queue %d", core.ErrRamrodFailed, cmd, qc.index)
		}
		return err
	}
	if cmd, ok := sp.FuncCmdForOpcode(ev.Opcode); ok {
		err := a.fn.Complete(cmd)
		if err == nil && ev.Failed {
			err = fmt.Errorf("%w: function %s", core.ErrRamrodFailed, cmd)
		}
		return err
	}
	return fmt.Errorf("%w: unexpected opcode %s", core.ErrProtocolMismatch, ev.Opcode)
}

func (a *Adapter) checkEcho(ev sp.Event, state sp.StateID) error {
	if ev.EchoState() != state || ev.EchoCID() != a.cid(0, 0)&sp.SWCIDMask {
		return fmt.Errorf("%w: %s echo 0x%x does not match state %d", core.ErrProtocolMismatch, ev.Opcode, ev.Echo, state)
	}
	return nil
}

func (a *Adapter) vlanMacByEcho(ev sp.Event) (*sp.VlanMacObj, error) {
	qc, ok := a.byCID[ev.EchoCID()]
	if !ok || qc.q.CIDs()[0] != ev.EchoCID() {
		return nil, fmt.Errorf("%w: %s echo for unknown cid %d", core.ErrProtocolMismatch, ev.Opcode, ev.EchoCID())
	}
	var obj *sp.VlanMacObj
	switch ev.EchoState() {
	case sp.StateMACPending:
		obj = qc.mac
	case sp.StateVLANPending:
		obj = qc.vlan
	case sp.StateVLANMACPending:
		obj = qc.pair
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s echo state %d on queue %d", core.ErrProtocolMismatch, ev.Opcode, ev.EchoState(), qc.index)
	}
	return obj, nil
}

func (a *Adapter) updateGauges() {
	metrics.CreditAvailable.WithLabelValues(a.macPool.Name()).Set(float64(a.macPool.Check()))
	metrics.CreditAvailable.WithLabelValues(a.vlanPool.Name()).Set(float64(a.vlanPool.Check()))
	for _, qc := range a.queues {
		metrics.QueueState.WithLabelValues(queueLabel(qc.index)).Set(float64(qc.q.State()))
		for _, o := range qc.vlanMacObjs() {
			metrics.ExeQueueDepth.WithLabelValues(o.Name()).Set(float64(o.QueueLen()))
		}
	}
}

func queueLabel(index int) string {
	return fmt.Sprintf("q%d", index)
}
