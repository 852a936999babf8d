package sp

import (
	"fmt"
	"net"
)

// MAC is a 48-bit Ethernet address usable as a map key.
type MAC [6]byte

// ParseMAC parses the colon or dash separated form.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, fmt.Errorf("parse mac %q: %w", s, err)
	}
	if len(hw) != len(m) {
		return m, fmt.Errorf("parse mac %q: not a 48-bit address", s)
	}
	copy(m[:], hw)
	return m, nil
}

// MustParseMAC is ParseMAC for constants; it panics on malformed input.
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

func (m MAC) IsZero() bool      { return m == MAC{} }
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsValidUnicast reports whether m can be programmed as a unicast filter.
func (m MAC) IsValidUnicast() bool { return !m.IsZero() && !m.IsMulticast() }

func (m MAC) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MaxVLAN is the largest valid 802.1Q VLAN id.
const MaxVLAN = 4095

// Kind is the classification key kind of an object.
type Kind uint8

const (
	KindMAC Kind = iota
	KindVLAN
	KindVLANMAC
)

func (k Kind) String() string {
	switch k {
	case KindMAC:
		return "mac"
	case KindVLAN:
		return "vlan"
	case KindVLANMAC:
		return "vlan-mac"
	}
	return "unknown"
}

// Key identifies a classification entry. Only the fields used by the
// object's Kind are significant.
type Key struct {
	MAC  MAC    `json:"mac,omitempty"`
	VLAN uint16 `json:"vlan,omitempty"`
}

func (k Key) format(kind Kind) string {
	switch kind {
	case KindMAC:
		return k.MAC.String()
	case KindVLAN:
		return fmt.Sprintf("vlan %d", k.VLAN)
	default:
		return fmt.Sprintf("%s vlan %d", k.MAC, k.VLAN)
	}
}

// normalize clears the fields a Kind does not use, so that keys compare equal.
func (k Key) normalize(kind Kind) Key {
	switch kind {
	case KindMAC:
		return Key{MAC: k.MAC}
	case KindVLAN:
		return Key{VLAN: k.VLAN}
	}
	return k
}

// Chip selects the hardware generation behavior of an object.
type Chip uint8

const (
	// ChipE1x is the older generation: one CAM entry per command, explicit
	// CAM offsets, exact multicast table.
	ChipE1x Chip = iota
	// ChipE2 batches classification rules and hashes multicast into bins.
	ChipE2
)

func (c Chip) String() string {
	if c == ChipE1x {
		return "e1x"
	}
	return "e2"
}

// ParseChip maps a configuration string onto a Chip.
func ParseChip(s string) (Chip, error) {
	switch s {
	case "e1x", "E1x", "e1", "e1h":
		return ChipE1x, nil
	case "e2", "E2", "e3":
		return ChipE2, nil
	}
	return 0, fmt.Errorf("unknown chip %q", s)
}

// ObjType says which directions of a connection an object configures.
type ObjType uint8

const (
	ObjTypeRx ObjType = iota
	ObjTypeTx
	ObjTypeRxTx
)

func (t ObjType) hasRx() bool { return t == ObjTypeRx || t == ObjTypeRxTx }
func (t ObjType) hasTx() bool { return t == ObjTypeTx || t == ObjTypeRxTx }
