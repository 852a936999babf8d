package hw

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/ramrod/internal/sp"
)

var broadcastMAC = sp.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Verdict is the rx filter decision for one frame.
type Verdict struct {
	Accepted bool   `json:"accepted" yaml:"accepted"`
	Reason   string `json:"reason" yaml:"reason"`
	DstMAC   string `json:"dst_mac" yaml:"dst_mac"`
	VLAN     int    `json:"vlan" yaml:"vlan"`
}

// classifier decodes the L2 header of a frame. Not safe for concurrent use.
type classifier struct {
	parser *gopacket.DecodingLayerParser

	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	payload gopacket.Payload

	decoded []gopacket.LayerType
}

func newClassifier() *classifier {
	c := &classifier{}
	c.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&c.eth,
		&c.dot1q,
		&c.payload,
	)
	c.parser.IgnoreUnsupported = true
	return c
}

// decode returns the destination MAC and the outer VLAN id, or -1 when the
// frame is untagged.
func (c *classifier) decode(frame []byte) (sp.MAC, int, error) {
	c.decoded = c.decoded[:0]
	if err := c.parser.DecodeLayers(frame, &c.decoded); err != nil {
		return sp.MAC{}, 0, err
	}
	var (
		dst     sp.MAC
		vlan    = -1
		haveEth bool
	)
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			copy(dst[:], c.eth.DstMAC)
			haveEth = true
		case layers.LayerTypeDot1Q:
			if vlan < 0 {
				vlan = int(c.dot1q.VLANIdentifier)
			}
		}
	}
	if !haveEth {
		return sp.MAC{}, 0, fmt.Errorf("hw: frame has no ethernet header")
	}
	return dst, vlan, nil
}

// Accepts runs frame through the rx filters of client clID.
func (f *Firmware) Accepts(clID uint8, frame []byte) (Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.classifier == nil {
		f.classifier = newClassifier()
	}
	dst, vlan, err := f.classifier.decode(frame)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{DstMAC: dst.String(), VLAN: vlan}
	c, ok := f.tables.clients[clID]
	if !ok {
		v.Reason = "unknown client"
		return v, nil
	}
	v.Accepted, v.Reason = f.tables.match(c, dst, vlan)
	return v, nil
}

func (t *tables) match(c *client, dst sp.MAC, vlan int) (bool, string) {
	acc := c.rxAccept
	if acc == 0 {
		return false, "drop_all"
	}
	if vlan >= 0 && acc&sp.AcceptAnyVLAN == 0 && !c.vlanAllowed(dst, uint16(vlan)) {
		return false, "vlan filtered"
	}
	switch {
	case dst == broadcastMAC:
		if acc&sp.AcceptBroadcast != 0 {
			return true, "broadcast"
		}
		return false, "broadcast filtered"
	case dst.IsMulticast():
		if acc&sp.AcceptAllMulticast != 0 {
			return true, "all multicast"
		}
		if acc&sp.AcceptMulticast != 0 && t.mcastMatch(dst) {
			return true, "multicast match"
		}
	default:
		if acc&sp.AcceptAllUnicast != 0 {
			return true, "all unicast"
		}
		if acc&sp.AcceptUnicast != 0 && c.unicastMatch(dst, vlan) {
			return true, "unicast match"
		}
	}
	if acc&sp.AcceptUnmatched != 0 {
		return true, "unmatched"
	}
	return false, "no match"
}

func (c *client) vlanAllowed(dst sp.MAC, vlan uint16) bool {
	if _, ok := c.vlans[vlan]; ok {
		return true
	}
	_, ok := c.pairs[sp.Key{MAC: dst, VLAN: vlan}]
	return ok
}

func (c *client) unicastMatch(dst sp.MAC, vlan int) bool {
	if _, ok := c.macs[dst]; ok {
		return true
	}
	if vlan < 0 {
		return false
	}
	_, ok := c.pairs[sp.Key{MAC: dst, VLAN: uint16(vlan)}]
	return ok
}

func (t *tables) mcastMatch(dst sp.MAC) bool {
	if _, ok := t.mcastMACs[dst]; ok {
		return true
	}
	return t.mcastBins.Test(uint(sp.BinForMAC(dst)))
}
