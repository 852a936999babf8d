package sp

import (
	"context"
	"fmt"
	"sync"

	"firestige.xyz/ramrod/internal/core"
)

// QueueState is the lifecycle state of a queue object.
type QueueState uint8

const (
	QStateReset QueueState = iota
	QStateInitialized
	QStateActive
	QStateMultiCos
	QStateMcosTerminated
	QStateInactive
	QStateStopped
	QStateTerminated
	// QStateFlred is entered on a function-level reset; only CfcDel leaves it.
	QStateFlred
	qStateNone
)

var queueStateNames = [...]string{"reset", "initialized", "active", "multi_cos", "mcos_terminated", "inactive", "stopped", "terminated", "flred", "none"}

func (s QueueState) String() string {
	if int(s) < len(queueStateNames) {
		return queueStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// QueueCmd is a queue state machine command.
type QueueCmd uint8

const (
	QCmdInit QueueCmd = iota
	QCmdSetup
	QCmdSetupTxOnly
	QCmdDeactivate
	QCmdActivate
	QCmdUpdate
	QCmdUpdateTPA
	QCmdHalt
	QCmdCfcDel
	QCmdTerminate
	QCmdEmpty
	qCmdMax
)

var queueCmdNames = [...]string{"init", "setup", "setup_tx_only", "deactivate", "activate", "update", "update_tpa", "halt", "cfc_del", "terminate", "empty"}

func (c QueueCmd) String() string {
	if int(c) < len(queueCmdNames) {
		return queueCmdNames[c]
	}
	return fmt.Sprintf("cmd(%d)", uint8(c))
}

// ParseQueueCmd maps a command name onto a QueueCmd.
func ParseQueueCmd(s string) (QueueCmd, bool) {
	for i, n := range queueCmdNames {
		if n == s {
			return QueueCmd(i), true
		}
	}
	return 0, false
}

// pendingBit is the bit a command occupies while outstanding. Activate and
// Deactivate are sent as updates.
func (c QueueCmd) pendingBit() uint {
	if c == QCmdActivate || c == QCmdDeactivate {
		return uint(QCmdUpdate)
	}
	return uint(c)
}

// QueueCmdForOpcode maps a completion opcode onto the command that issued it.
func QueueCmdForOpcode(op Opcode) (QueueCmd, bool) {
	switch op {
	case OpClientSetup:
		return QCmdSetup, true
	case OpTxQueueSetup:
		return QCmdSetupTxOnly, true
	case OpClientUpdate:
		return QCmdUpdate, true
	case OpTPAUpdate:
		return QCmdUpdateTPA, true
	case OpHalt:
		return QCmdHalt, true
	case OpTerminate:
		return QCmdTerminate, true
	case OpEmpty:
		return QCmdEmpty, true
	case OpCFCDel:
		return QCmdCfcDel, true
	}
	return 0, false
}

// QueueSetup carries the Setup parameters.
type QueueSetup struct {
	Active    bool   `json:"active"`
	MTU       uint16 `json:"mtu,omitempty"`
	TPA       bool   `json:"tpa,omitempty"`
	Stats     bool   `json:"stats,omitempty"`
	VlanStrip bool   `json:"vlan_strip,omitempty"`
}

// QueueUpdate carries Update, Activate and Deactivate parameters. The
// change flags say which values are meaningful.
type QueueUpdate struct {
	ActivateChange  bool `json:"activate_change,omitempty"`
	Activate        bool `json:"activate,omitempty"`
	VlanStripChange bool `json:"vlan_strip_change,omitempty"`
	VlanStrip       bool `json:"vlan_strip,omitempty"`
}

// QueueParams is one queue state change request. CIDIndex selects the
// class-of-service connection for SetupTxOnly, Terminate and CfcDel.
type QueueParams struct {
	Cmd      QueueCmd
	Flags    RamrodFlags
	CIDIndex int
	Setup    QueueSetup
	Update   QueueUpdate
	TPA      bool
}

// QueueRamrodData is the payload of queue ramrods.
type QueueRamrodData struct {
	Cmd      QueueCmd
	ClID     uint8
	FuncID   uint8
	CIDIndex int
	Setup    *QueueSetup
	Update   *QueueUpdate
	TPA      bool
}

func (d *QueueRamrodData) Entries() int { return 1 }

// NextQueueState returns the state a command leads to from state, and the
// resulting number of tx-only connections.
func NextQueueState(state QueueState, p QueueParams, txOnly int) (QueueState, int, bool) {
	switch state {
	case QStateReset:
		if p.Cmd == QCmdInit {
			return QStateInitialized, txOnly, true
		}
	case QStateInitialized:
		if p.Cmd == QCmdSetup {
			if p.Setup.Active {
				return QStateActive, txOnly, true
			}
			return QStateInactive, txOnly, true
		}
	case QStateActive:
		switch p.Cmd {
		case QCmdDeactivate:
			return QStateInactive, txOnly, true
		case QCmdEmpty, QCmdUpdateTPA:
			return QStateActive, txOnly, true
		case QCmdSetupTxOnly:
			return QStateMultiCos, 1, true
		case QCmdHalt:
			return QStateStopped, txOnly, true
		case QCmdUpdate:
			if p.Update.ActivateChange && !p.Update.Activate {
				return QStateInactive, txOnly, true
			}
			return QStateActive, txOnly, true
		}
	case QStateMultiCos:
		switch p.Cmd {
		case QCmdTerminate:
			return QStateMcosTerminated, txOnly, true
		case QCmdSetupTxOnly:
			return QStateMultiCos, txOnly + 1, true
		case QCmdEmpty, QCmdUpdateTPA:
			return QStateMultiCos, txOnly, true
		case QCmdUpdate:
			if p.Update.ActivateChange && !p.Update.Activate {
				return QStateInactive, txOnly, true
			}
			return QStateMultiCos, txOnly, true
		}
	case QStateMcosTerminated:
		if p.Cmd == QCmdCfcDel {
			next := txOnly - 1
			if next == 0 {
				return QStateActive, next, true
			}
			return QStateMultiCos, next, true
		}
	case QStateInactive:
		switch p.Cmd {
		case QCmdActivate:
			return QStateActive, txOnly, true
		case QCmdEmpty, QCmdUpdateTPA:
			return QStateInactive, txOnly, true
		case QCmdHalt:
			return QStateStopped, txOnly, true
		case QCmdUpdate:
			if p.Update.ActivateChange && p.Update.Activate {
				if txOnly == 0 {
					return QStateActive, txOnly, true
				}
				return QStateMultiCos, txOnly, true
			}
			return QStateInactive, txOnly, true
		}
	case QStateStopped:
		if p.Cmd == QCmdTerminate {
			return QStateTerminated, txOnly, true
		}
	case QStateTerminated, QStateFlred:
		if p.Cmd == QCmdCfcDel {
			return QStateReset, txOnly, true
		}
	}
	return qStateNone, txOnly, false
}

// QueueObj is the state machine of one client queue and its tx-only
// class-of-service connections.
type QueueObj struct {
	mu         sync.Mutex
	clID       uint8
	funcID     uint8
	cids       []uint32
	typ        ObjType
	env        *Env
	state      QueueState
	next       QueueState
	numTxOnly  int
	nextTxOnly int
	pending    PendingBits
}

// NewQueueObj returns a queue in Reset. cids holds one connection id per
// class of service; cids[0] is the primary connection.
func NewQueueObj(env *Env, clID, funcID uint8, cids []uint32, typ ObjType) *QueueObj {
	return &QueueObj{
		clID:   clID,
		funcID: funcID,
		cids:   append([]uint32(nil), cids...),
		typ:    typ,
		env:    env,
		state:  QStateReset,
		next:   qStateNone,
	}
}

func (q *QueueObj) ClID() uint8    { return q.clID }
func (q *QueueObj) CIDs() []uint32 { return append([]uint32(nil), q.cids...) }
func (q *QueueObj) MaxCos() int    { return len(q.cids) }

func (q *QueueObj) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *QueueObj) NumTxOnly() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numTxOnly
}

// Pending returns the mask of outstanding command bits.
func (q *QueueObj) Pending() uint64 { return q.pending.Mask() }

// MarkFLR forces the queue into Flred after a function-level reset.
func (q *QueueObj) MarkFLR() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Reset()
	q.state = QStateFlred
	q.next = qStateNone
}

// StateChange checks and issues a transition. The new state is committed by
// Complete. It reports whether the command is still outstanding.
func (q *QueueObj) StateChange(ctx context.Context, p QueueParams) (bool, error) {
	if p.Cmd >= qCmdMax {
		return false, fmt.Errorf("%w: unknown queue command %d", core.ErrInvalidArgument, p.Cmd)
	}
	bit := p.Cmd.pendingBit()

	q.mu.Lock()
	if p.Flags.Has(DrvClrOnly) {
		q.pending.Reset()
		q.next = qStateNone
	}
	if q.pending.Mask() != 0 {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: queue %d has pending 0x%x", core.ErrBusy, q.clID, q.pending.Mask())
	}
	next, tx, ok := NextQueueState(q.state, p, q.numTxOnly)
	if !ok {
		state := q.state
		q.mu.Unlock()
		return false, fmt.Errorf("%w: queue %d cannot %s from %s", core.ErrInvalidTransition, q.clID, p.Cmd, state)
	}
	q.next = next
	q.nextTxOnly = tx
	q.pending.Set(bit)
	q.mu.Unlock()

	if p.Flags.Has(DrvClrOnly) || p.Cmd == QCmdInit {
		return false, q.Complete(p.Cmd)
	}

	if err := q.send(ctx, p); err != nil {
		q.mu.Lock()
		q.next = qStateNone
		q.pending.Clear(bit)
		q.mu.Unlock()
		return false, err
	}

	if p.Flags.Has(CompWait) {
		if err := q.pending.WaitClear(ctx, bit, q.env.Wait()); err != nil {
			return true, fmt.Errorf("queue %d %s: %w", q.clID, p.Cmd, err)
		}
		return false, nil
	}
	return q.pending.Test(bit), nil
}

func (q *QueueObj) cid(idx int) (uint32, error) {
	if idx < 0 || idx >= len(q.cids) {
		return 0, fmt.Errorf("%w: cid index %d out of %d", core.ErrInvalidArgument, idx, len(q.cids))
	}
	return q.cids[idx], nil
}

func (q *QueueObj) send(ctx context.Context, p QueueParams) error {
	if len(q.cids) == 0 {
		return fmt.Errorf("%w: queue %d has no connections", core.ErrInvalidArgument, q.clID)
	}
	data := &QueueRamrodData{Cmd: p.Cmd, ClID: q.clID, FuncID: q.funcID}
	r := Ramrod{CID: q.cids[0], ConnType: ConnTypeETH, Data: data}

	switch p.Cmd {
	case QCmdSetup:
		setup := p.Setup
		data.Setup = &setup
		r.Opcode = OpClientSetup
	case QCmdSetupTxOnly:
		cid, err := q.cid(p.CIDIndex)
		if err != nil {
			return err
		}
		data.CIDIndex = p.CIDIndex
		r.CID, r.Opcode = cid, OpTxQueueSetup
	case QCmdUpdate, QCmdActivate, QCmdDeactivate:
		update := p.Update
		if p.Cmd != QCmdUpdate {
			update.ActivateChange = true
			update.Activate = p.Cmd == QCmdActivate
		}
		data.Update = &update
		r.Opcode = OpClientUpdate
	case QCmdUpdateTPA:
		data.TPA = p.TPA
		r.Opcode = OpTPAUpdate
	case QCmdHalt:
		r.Opcode = OpHalt
	case QCmdTerminate, QCmdCfcDel:
		cid, err := q.cid(p.CIDIndex)
		if err != nil {
			return err
		}
		data.CIDIndex = p.CIDIndex
		r.CID, r.Opcode = cid, OpTerminate
		if p.Cmd == QCmdCfcDel {
			r.Opcode, r.ConnType = OpCFCDel, ConnTypeNone
		}
	case QCmdEmpty:
		r.Opcode = OpEmpty
	default:
		return fmt.Errorf("%w: cannot send %s", core.ErrInvalidArgument, p.Cmd)
	}
	return q.env.post(ctx, r)
}

// Complete commits the staged transition of cmd.
func (q *QueueObj) Complete(cmd QueueCmd) error {
	bit := cmd.pendingBit()
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.pending.Test(bit) {
		q.env.Log.Error("queue completion without pending command", "cl_id", q.clID, "cmd", cmd, "state", q.state, "pending", q.pending.Mask())
		return fmt.Errorf("%w: queue %d %s", core.ErrProtocolMismatch, q.clID, cmd)
	}
	if q.nextTxOnly >= len(q.cids) && len(q.cids) > 0 {
		q.env.Log.Error("illegal tx-only count", "cl_id", q.clID, "tx_only", q.nextTxOnly, "max_cos", len(q.cids))
	}
	q.env.Log.Debug("queue state committed", "cl_id", q.clID, "from", q.state, "to", q.next, "cmd", cmd)
	q.state = q.next
	q.numTxOnly = q.nextTxOnly
	q.next = qStateNone
	q.pending.Clear(bit)
	return nil
}
