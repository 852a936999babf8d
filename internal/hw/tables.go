package hw

import (
	"sort"
	"strconv"

	"github.com/bits-and-blooms/bitset"
	"gopkg.in/yaml.v3"

	"firestige.xyz/ramrod/internal/sp"
)

type client struct {
	queue    string
	macs     map[sp.MAC]struct{}
	vlans    map[uint16]struct{}
	pairs    map[sp.Key]struct{}
	rxAccept sp.AcceptFlags
	txAccept sp.AcceptFlags
}

func newClient() *client {
	return &client{
		macs:  make(map[sp.MAC]struct{}),
		vlans: make(map[uint16]struct{}),
		pairs: make(map[sp.Key]struct{}),
	}
}

// tables is the device view of the filters. Guarded by Firmware.mu.
type tables struct {
	function  string
	clients   map[uint8]*client
	cam       map[int]sp.Key
	mcastBins *bitset.BitSet
	mcastMACs map[sp.MAC]struct{}
	rss       *sp.RSSData
}

func newTables() *tables {
	return &tables{
		function:  "stopped",
		clients:   make(map[uint8]*client),
		cam:       make(map[int]sp.Key),
		mcastBins: bitset.New(sp.McastBins),
		mcastMACs: make(map[sp.MAC]struct{}),
	}
}

func (t *tables) client(id uint8) *client {
	c, ok := t.clients[id]
	if !ok {
		c = newClient()
		t.clients[id] = c
	}
	return c
}

func (t *tables) apply(r sp.Ramrod) {
	switch d := r.Data.(type) {
	case *sp.ClassifyData:
		for _, rule := range d.Rules {
			t.applyClassify(rule)
		}
	case *sp.McastData:
		for _, rule := range d.Rules {
			t.applyMcast(rule)
		}
	case *sp.FilterRulesData:
		for _, rule := range d.Rules {
			c := t.client(rule.ClID)
			if rule.Tx {
				c.txAccept = rule.Accept
			} else {
				c.rxAccept = rule.Accept
			}
		}
	case *sp.RSSData:
		rss := *d
		t.rss = &rss
	case *sp.QueueRamrodData:
		t.client(d.ClID).queue = d.Cmd.String()
	case *sp.FuncRamrodData:
		switch d.Cmd {
		case sp.FCmdStart, sp.FCmdTxStart:
			t.function = "started"
		case sp.FCmdStop:
			t.function = "stopped"
		case sp.FCmdTxStop:
			t.function = "tx_stopped"
		}
	}
}

func (t *tables) applyClassify(rule sp.ClassifyRule) {
	c := t.client(rule.ClID)
	add := rule.Cmd == sp.CmdAdd
	switch rule.Kind {
	case sp.KindMAC:
		if add {
			c.macs[rule.Key.MAC] = struct{}{}
		} else {
			delete(c.macs, rule.Key.MAC)
		}
	case sp.KindVLAN:
		if add {
			c.vlans[rule.Key.VLAN] = struct{}{}
		} else {
			delete(c.vlans, rule.Key.VLAN)
		}
	case sp.KindVLANMAC:
		if add {
			c.pairs[rule.Key] = struct{}{}
		} else {
			delete(c.pairs, rule.Key)
		}
	}
	if rule.CAMOffset == sp.NoOffset {
		return
	}
	if add {
		t.cam[rule.CAMOffset] = rule.Key
	} else {
		delete(t.cam, rule.CAMOffset)
	}
}

func (t *tables) applyMcast(rule sp.McastRule) {
	if rule.Bin == sp.NoBin {
		if rule.Add {
			t.mcastMACs[rule.MAC] = struct{}{}
		} else {
			delete(t.mcastMACs, rule.MAC)
		}
		return
	}
	if rule.Bin == sp.AnyBin && !rule.Add {
		return
	}
	if rule.Add {
		t.mcastBins.Set(uint(rule.Bin))
	} else {
		t.mcastBins.Clear(uint(rule.Bin))
	}
}

// ClientTable is the dump of one client's filters.
type ClientTable struct {
	Queue    string   `json:"queue,omitempty" yaml:"queue,omitempty"`
	MACs     []string `json:"macs,omitempty" yaml:"macs,omitempty"`
	VLANs    []uint16 `json:"vlans,omitempty" yaml:"vlans,omitempty"`
	Pairs    []string `json:"pairs,omitempty" yaml:"pairs,omitempty"`
	RxAccept string   `json:"rx_accept" yaml:"rx_accept"`
	TxAccept string   `json:"tx_accept" yaml:"tx_accept"`
}

// Snapshot is the dump of the device tables.
type Snapshot struct {
	Function  string                `json:"function" yaml:"function"`
	Clients   map[uint8]ClientTable `json:"clients" yaml:"clients"`
	CAM       map[int]string        `json:"cam,omitempty" yaml:"cam,omitempty"`
	McastBins []int                 `json:"mcast_bins,omitempty" yaml:"mcast_bins,omitempty"`
	McastMACs []string              `json:"mcast_macs,omitempty" yaml:"mcast_macs,omitempty"`
	RSSCaps   uint16                `json:"rss_caps,omitempty" yaml:"rss_caps,omitempty"`
	Posts     map[string]int        `json:"posts" yaml:"posts"`
	Held      int                   `json:"held" yaml:"held"`
}

func sortedMACs(set map[sp.MAC]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m.String())
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the device tables.
func (f *Firmware) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables
	snap := Snapshot{
		Function: t.function,
		Clients:  make(map[uint8]ClientTable, len(t.clients)),
		Posts:    make(map[string]int, len(f.stats)),
		Held:     len(f.held),
	}
	for id, c := range t.clients {
		ct := ClientTable{
			Queue:    c.queue,
			MACs:     sortedMACs(c.macs),
			RxAccept: c.rxAccept.String(),
			TxAccept: c.txAccept.String(),
		}
		for v := range c.vlans {
			ct.VLANs = append(ct.VLANs, v)
		}
		sort.Slice(ct.VLANs, func(i, j int) bool { return ct.VLANs[i] < ct.VLANs[j] })
		for k := range c.pairs {
			ct.Pairs = append(ct.Pairs, k.MAC.String()+"@"+strconv.Itoa(int(k.VLAN)))
		}
		sort.Strings(ct.Pairs)
		snap.Clients[id] = ct
	}
	if len(t.cam) > 0 {
		snap.CAM = make(map[int]string, len(t.cam))
		for off, k := range t.cam {
			snap.CAM[off] = k.MAC.String()
		}
	}
	for i, ok := t.mcastBins.NextSet(0); ok; i, ok = t.mcastBins.NextSet(i + 1) {
		snap.McastBins = append(snap.McastBins, int(i))
	}
	snap.McastMACs = sortedMACs(t.mcastMACs)
	if t.rss != nil {
		snap.RSSCaps = uint16(t.rss.Caps)
	}
	for op, n := range f.stats {
		snap.Posts[op.String()] = n
	}
	return snap
}

// DumpYAML renders Snapshot as YAML.
func (f *Firmware) DumpYAML() ([]byte, error) {
	return yaml.Marshal(f.Snapshot())
}
