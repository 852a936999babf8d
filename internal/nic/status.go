package nic

import (
	"fmt"

	"firestige.xyz/ramrod/internal/sp"
)

// Status is a point-in-time view of the function, safe to serialize.
type Status struct {
	FuncID   int              `json:"func_id" yaml:"func_id"`
	Chip     string           `json:"chip" yaml:"chip"`
	Loaded   bool             `json:"loaded" yaml:"loaded"`
	Phase    string           `json:"load_phase,omitempty" yaml:"load_phase,omitempty"`
	Function FunctionStatus   `json:"function" yaml:"function"`
	Queues   []QueueStatus    `json:"queues" yaml:"queues"`
	Credits  []CreditStatus   `json:"credits" yaml:"credits"`
	Mcast    sp.McastSnapshot `json:"mcast" yaml:"mcast"`
	RxMode   RxModeStatus     `json:"rx_mode" yaml:"rx_mode"`
	RSS      RSSStatus        `json:"rss" yaml:"rss"`
}

type FunctionStatus struct {
	State   string `json:"state" yaml:"state"`
	Pending string `json:"pending" yaml:"pending"`
}

type QueueStatus struct {
	Index   int            `json:"index" yaml:"index"`
	ClID    uint8          `json:"cl_id" yaml:"cl_id"`
	CIDs    []uint32       `json:"cids" yaml:"cids"`
	State   string         `json:"state" yaml:"state"`
	TxOnly  int            `json:"tx_only" yaml:"tx_only"`
	Pending string         `json:"pending" yaml:"pending"`
	Objects []ObjectStatus `json:"objects" yaml:"objects"`
}

// ObjectStatus describes one classification object.
type ObjectStatus struct {
	Name     string             `json:"name" yaml:"name"`
	Kind     string             `json:"kind" yaml:"kind"`
	Pending  bool               `json:"pending" yaml:"pending"`
	Queued   int                `json:"queued" yaml:"queued"`
	Registry []sp.RegistryEntry `json:"registry,omitempty" yaml:"registry,omitempty"`
}

type CreditStatus struct {
	Pool      string `json:"pool" yaml:"pool"`
	Size      int    `json:"size" yaml:"size"`
	Available int    `json:"available" yaml:"available"`
}

type RxModeStatus struct {
	Mode      string `json:"mode" yaml:"mode"`
	Rx        string `json:"rx" yaml:"rx"`
	Tx        string `json:"tx" yaml:"tx"`
	Pending   bool   `json:"pending" yaml:"pending"`
	Scheduled bool   `json:"scheduled" yaml:"scheduled"`
}

type RSSStatus struct {
	Pending  bool    `json:"pending" yaml:"pending"`
	Caps     uint16  `json:"caps" yaml:"caps"`
	IndTable []uint8 `json:"ind_table" yaml:"ind_table,flow"`
}

// Status collects the state of every object without blocking on
// outstanding commands.
func (a *Adapter) Status() Status {
	a.mu.RLock()
	loaded, phase := a.loaded, a.phase
	a.mu.RUnlock()

	st := Status{
		FuncID: a.cfg.FuncID,
		Chip:   a.cfg.Chip,
		Loaded: loaded,
		Function: FunctionStatus{
			State:   a.fn.State().String(),
			Pending: mask(a.fn.Pending()),
		},
		Mcast: a.mcast.Snapshot(),
	}
	if loaded {
		st.Phase = phase.String()
	}

	for _, qc := range a.queues {
		qs := QueueStatus{
			Index:   qc.index,
			ClID:    qc.q.ClID(),
			CIDs:    qc.q.CIDs(),
			State:   qc.q.State().String(),
			TxOnly:  qc.q.NumTxOnly(),
			Pending: mask(qc.q.Pending()),
		}
		for _, o := range qc.vlanMacObjs() {
			qs.Objects = append(qs.Objects, ObjectStatus{
				Name:     o.Name(),
				Kind:     o.Kind().String(),
				Pending:  o.Pending(),
				Queued:   o.QueueLen(),
				Registry: o.Registry(),
			})
		}
		st.Queues = append(st.Queues, qs)
	}

	for _, p := range []*sp.CreditPool{a.macPool, a.vlanPool} {
		st.Credits = append(st.Credits, CreditStatus{Pool: p.Name(), Size: p.Size(), Available: p.Check()})
	}

	rx, tx := a.rxMode.Current()
	st.RxMode = RxModeStatus{
		Mode:      a.RxMode(),
		Rx:        rx.String(),
		Tx:        tx.String(),
		Pending:   a.rxMode.Pending(),
		Scheduled: a.rxMode.Scheduled(),
	}

	table := a.rss.IndTable()
	st.RSS = RSSStatus{Pending: a.rss.Pending(), Caps: uint16(a.rss.Caps()), IndTable: table[:]}
	return st
}

func mask(m uint64) string { return fmt.Sprintf("0x%x", m) }
