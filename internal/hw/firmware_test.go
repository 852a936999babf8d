package hw

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ramrod/internal/sp"
)

type eventSink struct {
	mu     sync.Mutex
	events []sp.Event
}

func (s *eventSink) handle(ev sp.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) all() []sp.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sp.Event(nil), s.events...)
}

func newHeld(t *testing.T) (*Firmware, *eventSink) {
	t.Helper()
	fw := New(Config{Mode: ModeHold}, nil)
	sink := &eventSink{}
	fw.OnCompletion(sink.handle)
	return fw, sink
}

func addMAC(clID uint8, mac sp.MAC) sp.Ramrod {
	return sp.Ramrod{
		Opcode: sp.OpClassificationRules,
		CID:    uint32(clID),
		Data: &sp.ClassifyData{Echo: 7, Rules: []sp.ClassifyRule{{
			Cmd: sp.CmdAdd, Kind: sp.KindMAC, Key: sp.Key{MAC: mac}, ClID: clID, CAMOffset: sp.NoOffset, Rx: true,
		}}},
	}
}

func accept(clID uint8, rx sp.AcceptFlags) sp.Ramrod {
	return sp.Ramrod{
		Opcode: sp.OpFilterRules,
		CID:    uint32(clID),
		Data:   &sp.FilterRulesData{Rules: []sp.FilterRule{{ClID: clID, Accept: rx}}},
	}
}

func frame(t *testing.T, dst sp.MAC, vlan int) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0xaa},
		DstMAC:       net.HardwareAddr(dst[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ls := []gopacket.SerializableLayer{eth}
	if vlan >= 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: uint16(vlan), Type: layers.EthernetTypeIPv4})
	}
	ls = append(ls, gopacket.Payload(make([]byte, 46)))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, ls...))
	return buf.Bytes()
}

func TestFirmware_HoldAndRelease(t *testing.T) {
	fw, sink := newHeld(t)
	mac := sp.MustParseMAC("02:00:00:00:00:01")

	require.NoError(t, fw.Post(context.Background(), addMAC(1, mac)))
	assert.Equal(t, 1, fw.Held())
	assert.Empty(t, sink.all())

	assert.Equal(t, 1, fw.Release(5))
	evs := sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, sp.OpClassificationRules, evs[0].Opcode)
	assert.Equal(t, uint32(7), evs[0].Echo)
	assert.False(t, evs[0].Failed)
	assert.Equal(t, 1, fw.Posts()[sp.OpClassificationRules])
}

func TestFirmware_AutoDelivers(t *testing.T) {
	fw := New(Config{Mode: ModeAuto, CompletionDelay: time.Millisecond}, nil)
	got := make(chan sp.Event, 1)
	fw.OnCompletion(func(ev sp.Event) { got <- ev })
	fw.Start(context.Background())
	defer fw.Stop()

	require.NoError(t, fw.Post(context.Background(), addMAC(2, sp.MustParseMAC("02:00:00:00:00:02"))))
	select {
	case ev := <-got:
		assert.Equal(t, uint32(2), ev.CID)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not delivered")
	}
}

func TestFirmware_StoppedRejectsPost(t *testing.T) {
	fw := New(Config{}, nil)
	err := fw.Post(context.Background(), addMAC(1, sp.MustParseMAC("02:00:00:00:00:01")))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestFirmware_FailNextPost(t *testing.T) {
	fw, _ := newHeld(t)
	fw.FailNextPost(1)

	err := fw.Post(context.Background(), addMAC(1, sp.MustParseMAC("02:00:00:00:00:01")))
	assert.ErrorIs(t, err, ErrRingFull)
	assert.Zero(t, fw.Held())
	assert.Empty(t, fw.Posts())

	require.NoError(t, fw.Post(context.Background(), addMAC(1, sp.MustParseMAC("02:00:00:00:00:01"))))
	assert.Equal(t, 1, fw.Held())
}

func TestFirmware_FailNextCompletionSkipsTables(t *testing.T) {
	fw, sink := newHeld(t)
	fw.FailNextCompletion(1)

	require.NoError(t, fw.Post(context.Background(), addMAC(1, sp.MustParseMAC("02:00:00:00:00:01"))))
	fw.ReleaseAll()

	evs := sink.all()
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Failed)
	assert.Empty(t, fw.Snapshot().Clients)
}

func TestFirmware_Accepts(t *testing.T) {
	fw, _ := newHeld(t)
	ctx := context.Background()
	mac := sp.MustParseMAC("02:00:00:00:00:01")
	rx, _ := sp.AcceptFlagsFor(sp.RxModeNormal)

	require.NoError(t, fw.Post(ctx, addMAC(1, mac)))
	require.NoError(t, fw.Post(ctx, accept(1, rx)))
	require.NoError(t, fw.Post(ctx, sp.Ramrod{
		Opcode: sp.OpMulticastRules,
		Data: &sp.McastData{Rules: []sp.McastRule{
			{Add: true, Bin: sp.BinForMAC(sp.MustParseMAC("01:00:5e:00:00:01"))},
		}},
	}))

	tests := []struct {
		name string
		dst  string
		vlan int
		want bool
	}{
		{"own unicast", "02:00:00:00:00:01", -1, true},
		{"own unicast tagged", "02:00:00:00:00:01", 10, true},
		{"foreign unicast", "02:00:00:00:00:09", -1, false},
		{"broadcast", "ff:ff:ff:ff:ff:ff", -1, true},
		{"multicast in bin", "01:00:5e:00:00:01", -1, true},
		{"multicast other bin", "01:00:5e:00:00:fb", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := fw.Accepts(1, frame(t, sp.MustParseMAC(tt.dst), tt.vlan))
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Accepted, v.Reason)
			assert.Equal(t, tt.dst, v.DstMAC)
			assert.Equal(t, tt.vlan, v.VLAN)
		})
	}
}

func TestFirmware_AcceptsVLANFilter(t *testing.T) {
	fw, _ := newHeld(t)
	ctx := context.Background()
	require.NoError(t, fw.Post(ctx, sp.Ramrod{
		Opcode: sp.OpClassificationRules,
		Data: &sp.ClassifyData{Rules: []sp.ClassifyRule{{
			Cmd: sp.CmdAdd, Kind: sp.KindVLAN, Key: sp.Key{VLAN: 10}, ClID: 3, CAMOffset: sp.NoOffset, Rx: true,
		}}},
	}))
	require.NoError(t, fw.Post(ctx, accept(3, sp.AcceptBroadcast)))

	v, err := fw.Accepts(3, frame(t, broadcastMAC, 10))
	require.NoError(t, err)
	assert.True(t, v.Accepted)

	v, err = fw.Accepts(3, frame(t, broadcastMAC, 20))
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, "vlan filtered", v.Reason)
}

func TestFirmware_AcceptsUnknownClient(t *testing.T) {
	fw, _ := newHeld(t)
	v, err := fw.Accepts(9, frame(t, broadcastMAC, -1))
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, "unknown client", v.Reason)
}

func TestFirmware_AcceptsShortFrame(t *testing.T) {
	fw, _ := newHeld(t)
	_, err := fw.Accepts(1, []byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestFirmware_CAMAndDump(t *testing.T) {
	fw, _ := newHeld(t)
	ctx := context.Background()
	mac := sp.MustParseMAC("02:00:00:00:00:05")
	require.NoError(t, fw.Post(ctx, sp.Ramrod{
		Opcode: sp.OpSetMAC,
		Data: &sp.ClassifyData{Rules: []sp.ClassifyRule{{
			Cmd: sp.CmdAdd, Kind: sp.KindMAC, Key: sp.Key{MAC: mac}, ClID: 0, CAMOffset: 4, Rx: true,
		}}},
	}))

	snap := fw.Snapshot()
	assert.Equal(t, map[int]string{4: mac.String()}, snap.CAM)
	assert.Equal(t, []string{mac.String()}, snap.Clients[0].MACs)
	assert.Equal(t, 1, snap.Held)

	out, err := fw.DumpYAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "function: stopped")
	assert.Contains(t, string(out), mac.String())

	fw.Reset()
	snap = fw.Snapshot()
	assert.Empty(t, snap.CAM)
	assert.Zero(t, snap.Held)
}
