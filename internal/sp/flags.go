// Package sp implements the slow-path command framework: objects that issue
// asynchronous configuration commands (ramrods) to NIC firmware, track the
// single outstanding command per hardware entity, and commit driver state
// when the firmware completion arrives.
package sp

import "strings"

// RamrodFlags controls how a request is issued and completed.
type RamrodFlags uint32

const (
	// CompWait blocks until every queued command of the object completed.
	CompWait RamrodFlags = 1 << iota
	// DrvClrOnly updates driver state only; nothing is posted to hardware.
	DrvClrOnly
	// Restore replays already-committed state after a device reset.
	Restore
	// Execute issues queued commands immediately.
	Execute
	// Cont continues issuing commands queued earlier.
	Cont
	// Retry re-checks a busy function object instead of failing at once.
	Retry
)

var ramrodFlagNames = []string{"comp_wait", "drv_clr_only", "restore", "execute", "cont", "retry"}

// Has reports whether all bits of x are set.
func (f RamrodFlags) Has(x RamrodFlags) bool { return f&x == x }

func (f RamrodFlags) With(x RamrodFlags) RamrodFlags    { return f | x }
func (f RamrodFlags) Without(x RamrodFlags) RamrodFlags { return f &^ x }

func (f RamrodFlags) String() string {
	var names []string
	for i, n := range ramrodFlagNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseRamrodFlags parses the names produced by String, separated by '|' or ','.
func ParseRamrodFlags(s string) (RamrodFlags, bool) {
	var f RamrodFlags
	if s == "" || s == "none" {
		return 0, true
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		found := false
		for i, n := range ramrodFlagNames {
			if strings.EqualFold(strings.TrimSpace(part), n) {
				f |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return f, true
}

// VlanMacFlags are per-entry ownership flags of a classification entry.
type VlanMacFlags uint8

const (
	// DontConsumeCredit leaves the credit pool untouched for this entry.
	DontConsumeCredit VlanMacFlags = 1 << iota
	// DontConsumeCreditDest leaves the destination pool untouched on Move.
	DontConsumeCreditDest
)

func (f VlanMacFlags) Has(x VlanMacFlags) bool { return f&x == x }

// MacClass tags an entry with the consumer that owns it. DelAll filters on it.
type MacClass uint8

const (
	ClassEth MacClass = iota
	ClassISCSI
	ClassNetQ
)

func (c MacClass) String() string {
	switch c {
	case ClassEth:
		return "eth"
	case ClassISCSI:
		return "iscsi"
	case ClassNetQ:
		return "netq"
	}
	return "unknown"
}

// ParseMacClass maps a class name onto a MacClass.
func ParseMacClass(s string) (MacClass, bool) {
	for _, c := range []MacClass{ClassEth, ClassISCSI, ClassNetQ} {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}
