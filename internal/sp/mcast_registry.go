package sp

import (
	"fmt"
	"hash/crc32"

	"github.com/bits-and-blooms/bitset"

	"firestige.xyz/ramrod/internal/core"
)

const (
	// McastBins is the size of the approximate multicast filter.
	McastBins = 256
	// AnyBin is the rule target when a delete finds no occupied bin.
	AnyBin = 0xff
	// NoBin marks rules of the exact strategy.
	NoBin = -1

	mcastRulesPerRamrod = 16
	mcastExactMax       = 64
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// BinForMAC hashes a multicast address onto one of McastBins bins: the top
// byte of the unreflected-seed CRC32C of the address.
func BinForMAC(m MAC) int {
	crc := ^crc32.Update(^uint32(0), castagnoli, m[:])
	return int(crc>>24) & 0xff
}

// McastRule is one entry of a multicast ramrod.
type McastRule struct {
	Add bool `json:"add" yaml:"add"`
	Bin int  `json:"bin" yaml:"bin"`
	MAC MAC  `json:"mac,omitempty" yaml:"mac,omitempty"`
}

// McastData is the payload of a multicast ramrod.
type McastData struct {
	Echo   uint32
	FuncID uint8
	Rules  []McastRule
}

func (d *McastData) Entries() int { return len(d.Rules) }

// McastMode selects how the multicast registry is kept.
type McastMode uint8

const (
	McastModeBins McastMode = iota
	McastModeExact
)

func (m McastMode) String() string {
	if m == McastModeExact {
		return "exact"
	}
	return "bins"
}

// mcastParams is a multicast request as seen by a strategy.
type mcastParams struct {
	cmd     McastCmd
	macs    []MAC
	listLen int
}

// mcastStrategy is the registry representation of one hardware generation.
type mcastStrategy interface {
	mode() McastMode
	opcode() Opcode
	maxCmdLen() int
	// validate computes the number of rules p needs and updates the size
	// estimate. It fails without side effects.
	validate(p *mcastParams) error
	// revert restores the size estimate saved before validate.
	revert(oldSize int)
	setOneRule(cmd McastCmd, mac MAC) McastRule
	// delOne removes an arbitrary installed entry.
	delOne() McastRule
	// hdlRestore returns the rule for the first entry at or after cursor and
	// the cursor to resume from.
	hdlRestore(cursor int) (McastRule, int, bool)
	size() int
	refresh()
	checkpoint() func()
	snapshot() McastSnapshot
}

// McastSnapshot is a read-only view of a multicast registry.
type McastSnapshot struct {
	Mode         string `json:"mode" yaml:"mode"`
	Size         int    `json:"size" yaml:"size"`
	Bins         []int  `json:"bins,omitempty" yaml:"bins,omitempty"`
	MACs         []MAC  `json:"macs,omitempty" yaml:"macs,omitempty"`
	PendingCmds  int    `json:"pending_cmds" yaml:"pending_cmds"`
	TotalPending int    `json:"total_pending" yaml:"total_pending"`
	Scheduled    bool   `json:"scheduled" yaml:"scheduled"`
}

// sizeEstimate applies the size arithmetic shared by both strategies.
func sizeEstimate(p *mcastParams, regSize int) (listLen, newSize int) {
	switch p.cmd {
	case McastDel:
		if len(p.macs) == 0 {
			return regSize, 0
		}
		newSize = regSize - len(p.macs)
		if newSize < 0 {
			newSize = 0
		}
		return len(p.macs), newSize
	case McastRestore:
		return regSize, regSize
	default:
		return len(p.macs), regSize + len(p.macs)
	}
}

// binStrategy keeps a 256-bin bitmap. Distinct addresses hashing to the
// same bin are indistinguishable: deleting one clears the bin.
type binStrategy struct {
	bins *bitset.BitSet
	num  int
}

func newBinStrategy() *binStrategy { return &binStrategy{bins: bitset.New(McastBins)} }

func (s *binStrategy) mode() McastMode { return McastModeBins }
func (s *binStrategy) opcode() Opcode  { return OpMulticastRules }
func (s *binStrategy) maxCmdLen() int  { return mcastRulesPerRamrod }
func (s *binStrategy) size() int       { return s.num }
func (s *binStrategy) revert(old int)  { s.num = old }
func (s *binStrategy) refresh()        { s.num = int(s.bins.Count()) }

func (s *binStrategy) validate(p *mcastParams) error {
	p.listLen, s.num = sizeEstimate(p, s.num)
	return nil
}

func (s *binStrategy) setOneRule(cmd McastCmd, mac MAC) McastRule {
	bin := BinForMAC(mac)
	if cmd == McastDel {
		s.bins.Clear(uint(bin))
		return McastRule{Bin: bin}
	}
	s.bins.Set(uint(bin))
	return McastRule{Add: true, Bin: bin}
}

func (s *binStrategy) delOne() McastRule {
	idx, ok := s.bins.NextSet(0)
	if !ok {
		return McastRule{Bin: AnyBin}
	}
	s.bins.Clear(idx)
	return McastRule{Bin: int(idx)}
}

func (s *binStrategy) hdlRestore(cursor int) (McastRule, int, bool) {
	if cursor < 0 || cursor >= McastBins {
		return McastRule{}, -1, false
	}
	idx, ok := s.bins.NextSet(uint(cursor))
	if !ok || idx >= McastBins {
		return McastRule{}, -1, false
	}
	return McastRule{Add: true, Bin: int(idx)}, int(idx) + 1, true
}

func (s *binStrategy) checkpoint() func() {
	bins, num := s.bins.Clone(), s.num
	return func() { s.bins, s.num = bins, num }
}

func (s *binStrategy) snapshot() McastSnapshot {
	snap := McastSnapshot{Mode: s.mode().String(), Size: s.num}
	for i, ok := s.bins.NextSet(0); ok; i, ok = s.bins.NextSet(i + 1) {
		snap.Bins = append(snap.Bins, int(i))
	}
	return snap
}

// exactStrategy keeps the installed addresses in insertion order, bounded
// by the hardware table size.
type exactStrategy struct {
	macs []MAC
	num  int
	max  int
}

func newExactStrategy(max int) *exactStrategy { return &exactStrategy{max: max} }

func (s *exactStrategy) mode() McastMode { return McastModeExact }
func (s *exactStrategy) opcode() Opcode  { return OpSetMcast }
func (s *exactStrategy) maxCmdLen() int  { return s.max }
func (s *exactStrategy) size() int       { return s.num }
func (s *exactStrategy) revert(old int)  { s.num = old }
func (s *exactStrategy) refresh()        { s.num = len(s.macs) }

func (s *exactStrategy) validate(p *mcastParams) error {
	if p.cmd == McastAdd && s.num+len(p.macs) > s.max {
		return fmt.Errorf("%w: %d multicast addresses exceed table of %d", core.ErrInvalidArgument, s.num+len(p.macs), s.max)
	}
	p.listLen, s.num = sizeEstimate(p, s.num)
	return nil
}

func (s *exactStrategy) index(mac MAC) int {
	for i, m := range s.macs {
		if m == mac {
			return i
		}
	}
	return -1
}

func (s *exactStrategy) setOneRule(cmd McastCmd, mac MAC) McastRule {
	i := s.index(mac)
	if cmd == McastDel {
		if i >= 0 {
			s.macs = append(s.macs[:i:i], s.macs[i+1:]...)
		}
		return McastRule{Bin: NoBin, MAC: mac}
	}
	if i < 0 {
		s.macs = append(s.macs, mac)
	}
	return McastRule{Add: true, Bin: NoBin, MAC: mac}
}

func (s *exactStrategy) delOne() McastRule {
	if len(s.macs) == 0 {
		return McastRule{Bin: AnyBin}
	}
	mac := s.macs[0]
	s.macs = s.macs[1:]
	return McastRule{Bin: NoBin, MAC: mac}
}

func (s *exactStrategy) hdlRestore(cursor int) (McastRule, int, bool) {
	if cursor < 0 || cursor >= len(s.macs) {
		return McastRule{}, -1, false
	}
	return McastRule{Add: true, Bin: NoBin, MAC: s.macs[cursor]}, cursor + 1, true
}

func (s *exactStrategy) checkpoint() func() {
	macs, num := append([]MAC(nil), s.macs...), s.num
	return func() { s.macs, s.num = macs, num }
}

func (s *exactStrategy) snapshot() McastSnapshot {
	return McastSnapshot{Mode: s.mode().String(), Size: s.num, MACs: append([]MAC(nil), s.macs...)}
}
