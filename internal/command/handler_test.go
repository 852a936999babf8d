package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ramrod/internal/config"
	"firestige.xyz/ramrod/internal/core"
	"firestige.xyz/ramrod/internal/hw"
	"firestige.xyz/ramrod/internal/nic"
	"firestige.xyz/ramrod/internal/sp"
)

// mockConfigReloader is a mock implementation of ConfigReloader.
type mockConfigReloader struct {
	reloadFunc func() error
}

func (m *mockConfigReloader) Reload() error {
	if m.reloadFunc != nil {
		return m.reloadFunc()
	}
	return nil
}

type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Load(ctx context.Context) error    { return m.Called().Error(0) }
func (m *mockAdapter) Unload(ctx context.Context) error  { return m.Called().Error(0) }
func (m *mockAdapter) Recover(ctx context.Context) error { return m.Called().Error(0) }

func (m *mockAdapter) ConfigEntry(ctx context.Context, req nic.EntryRequest) (bool, error) {
	args := m.Called(req)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdapter) Entries(queue int, kind sp.Kind) ([]sp.RegistryEntry, error) {
	args := m.Called(queue, kind)
	entries, _ := args.Get(0).([]sp.RegistryEntry)
	return entries, args.Error(1)
}

func (m *mockAdapter) ConfigMcast(ctx context.Context, cmd sp.McastCmd, macs []sp.MAC, flags sp.RamrodFlags) (bool, error) {
	args := m.Called(cmd, macs, flags)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdapter) ConfigRSS(ctx context.Context, p sp.RSSParams) (bool, error) {
	args := m.Called(p)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdapter) SetRxMode(ctx context.Context, mode sp.RxMode, flags sp.RamrodFlags) error {
	return m.Called(mode, flags).Error(0)
}

func (m *mockAdapter) QueueCommand(ctx context.Context, queue int, p sp.QueueParams) (bool, error) {
	args := m.Called(queue, p)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdapter) FuncCommand(ctx context.Context, p sp.FuncParams) (bool, error) {
	args := m.Called(p)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdapter) Status() nic.Status {
	return nic.Status{FuncID: 1, Chip: "e2", Loaded: true, Queues: make([]nic.QueueStatus, 2)}
}

func params(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestCommandHandler_ErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("q0: %w", core.ErrNoCredit), ErrCodeRetryable},
		{core.ErrTimeout, ErrCodeRetryable},
		{core.ErrDuplicate, ErrCodeRejected},
		{core.ErrNotSupported, ErrCodeRejected},
		{core.ErrInvalidTransition, ErrCodeRejected},
		{fmt.Errorf("wrap: %w", core.ErrProtocolMismatch), ErrCodeInconsistent},
		{core.ErrRamrodFailed, ErrCodeInconsistent},
		{errors.New("boom"), ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			m := &mockAdapter{}
			m.On("ConfigEntry", mock.Anything).Return(false, tt.err)
			h := NewCommandHandler(m, nil, nil)

			resp := h.Handle(context.Background(), Command{
				Method: "mac_add",
				Params: params(t, EntryParams{Queue: 0, MAC: "02:00:00:00:00:01"}),
			})
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			m.AssertExpectations(t)
		})
	}
}

func TestCommandHandler_EntryRequest(t *testing.T) {
	m := &mockAdapter{}
	vlan := 42
	want := nic.EntryRequest{
		Queue:  1,
		Cmd:    sp.CmdMove,
		Kind:   sp.KindVLANMAC,
		Key:    sp.Key{MAC: sp.MustParseMAC("02:00:00:00:00:01"), VLAN: 42},
		Class:  sp.ClassISCSI,
		Target: 0,
		Ramrod: sp.CompWait,
	}
	m.On("ConfigEntry", want).Return(false, nil)
	h := NewCommandHandler(m, nil, nil)

	resp := h.Handle(context.Background(), Command{
		Method: "mac_move",
		Params: params(t, EntryParams{Queue: 1, MAC: "02:00:00:00:00:01", VLAN: &vlan, Class: "iscsi"}),
		ID:     "req-1",
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "req-1", resp.ID)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "vlan-mac", result["kind"])
	m.AssertExpectations(t)
}

func TestCommandHandler_InvalidParams(t *testing.T) {
	big := 5000
	tests := []struct {
		name   string
		method string
		params json.RawMessage
	}{
		{"bad json", "mac_add", json.RawMessage(`{invalid json}`)},
		{"bad mac", "mac_add", params(t, EntryParams{MAC: "zz"})},
		{"bad class", "mac_add", params(t, EntryParams{MAC: "02:00:00:00:00:01", Class: "fcoe"})},
		{"bad flags", "mac_del", params(t, EntryParams{MAC: "02:00:00:00:00:01", Flags: "sometimes"})},
		{"vlan missing", "vlan_add", params(t, EntryParams{Queue: 0})},
		{"vlan range", "vlan_add", params(t, EntryParams{VLAN: &big})},
		{"bad kind", "mac_list", params(t, ListParams{Kind: "vxlan"})},
		{"mcast empty", "mcast_add", params(t, McastParams{})},
		{"mcast mac", "mcast_del", params(t, McastParams{MACs: []string{"nope"}})},
		{"rss mode", "rss_config", params(t, RSSParams{Mode: "toeplitz"})},
		{"rss cap", "rss_config", params(t, RSSParams{Caps: []string{"sctp"}})},
		{"rss key", "rss_config", params(t, RSSParams{Key: "xyz"})},
		{"rss table", "rss_config", params(t, RSSParams{IndTable: make([]uint8, sp.IndTableSize+1)})},
		{"rx mode", "rx_mode", params(t, RxModeParams{Mode: "everything"})},
		{"queue cmd", "queue_cmd", params(t, QueueCmdParams{Cmd: "explode"})},
		{"func cmd", "func_cmd", params(t, FuncCmdParams{Cmd: "reboot"})},
	}
	h := NewCommandHandler(&mockAdapter{}, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(context.Background(), Command{Method: tt.method, Params: tt.params})
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
		})
	}
}

func TestCommandHandler_RSSDefaults(t *testing.T) {
	m := &mockAdapter{}
	m.On("ConfigRSS", mock.MatchedBy(func(p sp.RSSParams) bool {
		for i, q := range p.IndTable {
			if int(q) != i%2 {
				return false
			}
		}
		return p.Mode == sp.RSSModeRegular &&
			p.Caps == sp.RSSIPv4|sp.RSSIPv4TCP &&
			p.SetKey && len(p.Key) == 2 &&
			p.Flags == sp.CompWait
	})).Return(false, nil)
	h := NewCommandHandler(m, nil, nil)

	resp := h.Handle(context.Background(), Command{
		Method: "rss_config",
		Params: params(t, RSSParams{Caps: []string{"ipv4", "IPV4_TCP"}, Key: "beef"}),
	})
	require.Nil(t, resp.Error)
	m.AssertExpectations(t)
}

func TestCommandHandler_ReplayCache(t *testing.T) {
	m := &mockAdapter{}
	m.On("SetRxMode", sp.RxModePromisc, sp.CompWait).Return(nil).Once()
	h := NewCommandHandler(m, nil, nil)

	cmd := Command{Method: "rx_mode", Params: params(t, RxModeParams{Mode: "promisc"}), ID: "dup-1"}
	first := h.Handle(context.Background(), cmd)
	second := h.Handle(context.Background(), cmd)
	require.Nil(t, first.Error)
	assert.Equal(t, first, second)
	m.AssertNumberOfCalls(t, "SetRxMode", 1)

	// Commands without an id are never replayed.
	m.On("SetRxMode", sp.RxModeNormal, sp.CompWait).Return(nil).Twice()
	cmd = Command{Method: "rx_mode", Params: params(t, RxModeParams{Mode: "normal"})}
	h.Handle(context.Background(), cmd)
	h.Handle(context.Background(), cmd)
	m.AssertNumberOfCalls(t, "SetRxMode", 3)
}

func TestCommandHandler_RetryableNotReplayed(t *testing.T) {
	m := &mockAdapter{}
	m.On("FuncCommand", mock.Anything).Return(false, core.ErrBusy).Once()
	m.On("FuncCommand", mock.Anything).Return(false, nil).Once()
	h := NewCommandHandler(m, nil, nil)

	cmd := Command{Method: "func_cmd", Params: params(t, FuncCmdParams{Cmd: "tx_stop"}), ID: "req-1"}
	first := h.Handle(context.Background(), cmd)
	require.NotNil(t, first.Error)
	assert.Equal(t, ErrCodeRetryable, first.Error.Code)

	second := h.Handle(context.Background(), cmd)
	require.Nil(t, second.Error)
	m.AssertNumberOfCalls(t, "FuncCommand", 2)

	// The successful response is the one replayed from now on.
	third := h.Handle(context.Background(), cmd)
	assert.Equal(t, second, third)
	m.AssertNumberOfCalls(t, "FuncCommand", 2)
}

func TestCommandHandler_HandleUnknownMethod(t *testing.T) {
	h := NewCommandHandler(&mockAdapter{}, nil, nil)

	resp := h.Handle(context.Background(), Command{Method: "unknown.method", ID: "req-6"})

	assert.Equal(t, "req-6", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestCommandHandler_HandleConfigReload(t *testing.T) {
	reloadCalled := false
	reloader := &mockConfigReloader{
		reloadFunc: func() error {
			reloadCalled = true
			return nil
		},
	}
	h := NewCommandHandler(&mockAdapter{}, nil, reloader)

	resp := h.Handle(context.Background(), Command{Method: "config_reload", ID: "req-5"})
	assert.Nil(t, resp.Error)
	assert.True(t, reloadCalled)

	h = NewCommandHandler(&mockAdapter{}, nil, &mockConfigReloader{reloadFunc: func() error { return errors.New("bad yaml") }})
	resp = h.Handle(context.Background(), Command{Method: "config_reload"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}

func TestCommandHandler_DaemonShutdown(t *testing.T) {
	h := NewCommandHandler(&mockAdapter{}, nil, nil)
	resp := h.Handle(context.Background(), Command{Method: "daemon_shutdown"})
	require.NotNil(t, resp.Error)

	done := make(chan struct{})
	h.SetShutdownFunc(func() { close(done) })
	resp = h.Handle(context.Background(), Command{Method: "daemon_shutdown"})
	require.Nil(t, resp.Error)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not called")
	}
}

func TestCommandHandler_FrameCheckUnavailable(t *testing.T) {
	h := NewCommandHandler(&mockAdapter{}, nil, nil)
	resp := h.Handle(context.Background(), Command{Method: "frame_check", Params: params(t, FrameParams{Frame: "00"})})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}

// device wires a loaded adapter to an auto-mode firmware.
func device(t *testing.T) (*nic.Adapter, *hw.Firmware) {
	t.Helper()
	fw := hw.New(hw.Config{Mode: hw.ModeAuto}, nil)
	a, err := nic.New(config.DeviceConfig{
		Chip:      "e2",
		FuncNum:   1,
		NumQueues: 2,
		MaxCos:    1,
		RxMode:    "normal",
		Wait:      config.WaitConfig{Retries: 2000, Interval: time.Millisecond, SlowFactor: 1},
	}, fw, nil, nil, nic.WithRescheduleInterval(0))
	require.NoError(t, err)
	fw.OnCompletion(func(ev sp.Event) { _ = a.HandleEvent(context.Background(), ev) })
	fw.Start(context.Background())
	t.Cleanup(fw.Stop)
	return a, fw
}

func untaggedFrame(dst string) string {
	return strings.ReplaceAll(dst, ":", "") + "0200000000aa" + "0800" + strings.Repeat("00", 46)
}

func TestCommandHandler_Device(t *testing.T) {
	a, fw := device(t)
	h := NewCommandHandler(a, fw, nil)
	ctx := context.Background()
	call := func(method string, p interface{}) Response {
		t.Helper()
		cmd := Command{Method: method}
		if p != nil {
			cmd.Params = params(t, p)
		}
		resp := h.Handle(ctx, cmd)
		require.Nil(t, resp.Error, "%s: %+v", method, resp.Error)
		return resp
	}

	resp := h.Handle(ctx, Command{Method: "mac_add", Params: params(t, EntryParams{MAC: "02:00:00:00:00:01"})})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeRejected, resp.Error.Code, "not loaded")

	call("nic_load", nil)

	call("mac_add", EntryParams{Queue: 0, MAC: "02:00:00:00:00:01"})
	resp = call("mac_list", ListParams{Queue: 0})
	assert.Equal(t, 1, resp.Result.(map[string]interface{})["count"])

	resp = call("frame_check", FrameParams{Client: 0, Frame: untaggedFrame("02:00:00:00:00:01")})
	v := resp.Result.(hw.Verdict)
	assert.True(t, v.Accepted)
	assert.Equal(t, "unicast match", v.Reason)

	resp = call("frame_check", FrameParams{Client: 1, Frame: untaggedFrame("02:00:00:00:00:01")})
	assert.False(t, resp.Result.(hw.Verdict).Accepted)

	call("mac_move", EntryParams{Queue: 0, MAC: "02:00:00:00:00:01", Target: 1})
	resp = call("frame_check", FrameParams{Client: 1, Frame: untaggedFrame("02:00:00:00:00:01")})
	assert.True(t, resp.Result.(hw.Verdict).Accepted)

	resp = h.Handle(ctx, Command{Method: "mac_del", Params: params(t, EntryParams{Queue: 0, MAC: "02:00:00:00:00:01"})})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeRejected, resp.Error.Code)

	vlan := 100
	call("vlan_add", EntryParams{Queue: 1, VLAN: &vlan})
	resp = call("mac_list", ListParams{Queue: 1, Kind: "vlan"})
	assert.Equal(t, 1, resp.Result.(map[string]interface{})["count"])

	call("mcast_add", McastParams{MACs: []string{"01:00:5e:00:00:01"}})
	assert.Equal(t, []int{109}, fw.Snapshot().McastBins)

	call("rx_mode", RxModeParams{Mode: "promisc"})
	assert.Equal(t, "promisc", a.RxMode())

	call("rss_config", RSSParams{Caps: []string{"ipv4", "ipv6"}})
	assert.Equal(t, uint16(sp.RSSIPv4|sp.RSSIPv6), a.Status().RSS.Caps)

	activate := false
	resp = call("queue_cmd", QueueCmdParams{Queue: 0, Cmd: "update", Activate: &activate})
	assert.Equal(t, "inactive", resp.Result.(map[string]interface{})["state"])

	resp = call("func_cmd", FuncCmdParams{Cmd: "tx_stop"})
	assert.Equal(t, "tx_stopped", resp.Result.(map[string]interface{})["state"])
	call("func_cmd", FuncCmdParams{Cmd: "tx_start"})

	resp = call("status", nil)
	assert.True(t, resp.Result.(nic.Status).Loaded)

	call("nic_unload", nil)
	assert.False(t, a.Loaded())
}
