package sp

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/atomic"
)

// NoOffset is returned by GetEntry for pools that do not track CAM offsets.
const NoOffset = -1

// CreditPool counts how many classification entries of one kind may still be
// installed. A pool with a non-negative base also hands out CAM offsets in
// [base, base+size).
type CreditPool struct {
	name      string
	size      int32
	base      int
	unlimited bool

	credit atomic.Int32

	mu   sync.Mutex
	free *bitset.BitSet
}

// NewCreditPool returns a pool of size credits. A negative size makes the
// pool unlimited; a negative base disables offset tracking.
func NewCreditPool(name string, base, size int) *CreditPool {
	p := &CreditPool{name: name, base: base}
	if size < 0 {
		p.unlimited = true
		p.base = NoOffset
		p.credit.Store(-1)
		return p
	}
	p.size = int32(size)
	p.credit.Store(int32(size))
	if base >= 0 {
		p.free = bitset.New(uint(size))
		for i := 0; i < size; i++ {
			p.free.Set(uint(i))
		}
	} else {
		p.base = NoOffset
	}
	return p
}

// NewUnlimitedPool never runs out of credit.
func NewUnlimitedPool(name string) *CreditPool { return NewCreditPool(name, NoOffset, -1) }

func (p *CreditPool) Name() string { return p.name }

// Size is the number of credits the pool was created with, or -1.
func (p *CreditPool) Size() int {
	if p.unlimited {
		return -1
	}
	return int(p.size)
}

// Get takes n credits. It fails without side effects if fewer are left.
func (p *CreditPool) Get(n int) bool {
	if p.unlimited {
		return true
	}
	for {
		cur := p.credit.Load()
		next := cur - int32(n)
		if next < 0 {
			return false
		}
		if p.credit.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Put returns n credits. It fails if the pool would exceed its size.
func (p *CreditPool) Put(n int) bool {
	if p.unlimited {
		return true
	}
	for {
		cur := p.credit.Load()
		next := cur + int32(n)
		if next > p.size {
			return false
		}
		if p.credit.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Check returns the credits left, or -1 for an unlimited pool.
func (p *CreditPool) Check() int {
	return int(p.credit.Load())
}

// GetEntry reserves the lowest free CAM offset.
func (p *CreditPool) GetEntry() (int, bool) {
	if p.free == nil {
		return NoOffset, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.free.NextSet(0)
	if !ok || idx >= uint(p.size) {
		return NoOffset, false
	}
	p.free.Clear(idx)
	return p.base + int(idx), true
}

// PutEntry releases an offset reserved by GetEntry.
func (p *CreditPool) PutEntry(offset int) bool {
	if p.free == nil {
		return true
	}
	if offset < p.base || offset >= p.base+int(p.size) {
		return false
	}
	idx := uint(offset - p.base)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free.Test(idx) {
		return false
	}
	p.free.Set(idx)
	return true
}

// FreeEntries is the number of unreserved offsets, or -1 if none are tracked.
func (p *CreditPool) FreeEntries() int {
	if p.free == nil {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.free.Count())
}

// Pool sizes for the supported chip generations.
const (
	e1xMACCredit = 96
	e2MACCredit  = 272
	e2VLANCredit = 272
)

// NewMACPool builds the MAC pool of one PCI function. On e1x the pool also
// hands out CAM offsets, partitioned between functions.
func NewMACPool(chip Chip, funcID, funcNum int) *CreditPool {
	if funcNum <= 0 {
		return NewCreditPool("mac", NoOffset, 0)
	}
	switch chip {
	case ChipE1x:
		size := e1xMACCredit / funcNum
		return NewCreditPool("mac", funcID*size, size)
	default:
		return NewCreditPool("mac", NoOffset, e2MACCredit/funcNum)
	}
}

// NewVLANPool builds the VLAN pool of one PCI function. e1x has no VLAN
// credit in hardware.
func NewVLANPool(chip Chip, funcNum int) *CreditPool {
	switch {
	case chip == ChipE1x:
		return NewUnlimitedPool("vlan")
	case funcNum <= 0:
		return NewCreditPool("vlan", NoOffset, 0)
	default:
		return NewCreditPool("vlan", NoOffset, e2VLANCredit/funcNum)
	}
}
