package command

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"firestige.xyz/ramrod/internal/nic"
	"firestige.xyz/ramrod/internal/sp"
)

// EntryParams are the parameters of mac_add, mac_del, mac_move, vlan_add
// and vlan_del. A MAC with a VLAN names a VLAN+MAC pair.
type EntryParams struct {
	Queue  int    `json:"queue"`
	MAC    string `json:"mac,omitempty"`
	VLAN   *int   `json:"vlan,omitempty"`
	Class  string `json:"class,omitempty"`  // eth (default) | iscsi | netq
	Target int    `json:"target,omitempty"` // mac_move destination queue
	Flags  string `json:"flags,omitempty"`  // ramrod flags, default comp_wait
}

// ListParams are the parameters of mac_list.
type ListParams struct {
	Queue int    `json:"queue"`
	Kind  string `json:"kind,omitempty"` // mac (default) | vlan | vlan-mac
}

// McastParams are the parameters of the mcast_* commands.
type McastParams struct {
	MACs  []string `json:"macs,omitempty"`
	Flags string   `json:"flags,omitempty"`
}

// RSSParams are the parameters of rss_config. An empty indirection table
// spreads the entries over every queue.
type RSSParams struct {
	Mode       string   `json:"mode,omitempty"` // regular (default) | disabled
	Caps       []string `json:"caps,omitempty"`
	ResultMask uint8    `json:"result_mask,omitempty"`
	IndTable   []uint8  `json:"ind_table,omitempty"`
	Key        string   `json:"key,omitempty"` // hex, 40 bytes
	Flags      string   `json:"flags,omitempty"`
}

// RxModeParams are the parameters of rx_mode.
type RxModeParams struct {
	Mode  string `json:"mode"`
	Flags string `json:"flags,omitempty"`
}

// QueueCmdParams are the parameters of queue_cmd.
type QueueCmdParams struct {
	Queue    int    `json:"queue"`
	Cmd      string `json:"cmd"`
	CIDIndex int    `json:"cid_index,omitempty"`
	Active   *bool  `json:"active,omitempty"`   // setup; default true
	Activate *bool  `json:"activate,omitempty"` // update
	Flags    string `json:"flags,omitempty"`
}

// FuncCmdParams are the parameters of func_cmd.
type FuncCmdParams struct {
	Cmd     string `json:"cmd"`
	Suspend *bool  `json:"suspend,omitempty"` // switch_update
	Flags   string `json:"flags,omitempty"`
}

// FrameParams are the parameters of frame_check.
type FrameParams struct {
	Client uint8  `json:"client"`
	Frame  string `json:"frame"` // hex encoded Ethernet frame
}

var rssCapNames = map[string]sp.RSSCaps{
	"ipv4":     sp.RSSIPv4,
	"ipv4_tcp": sp.RSSIPv4TCP,
	"ipv4_udp": sp.RSSIPv4UDP,
	"ipv6":     sp.RSSIPv6,
	"ipv6_tcp": sp.RSSIPv6TCP,
	"ipv6_udp": sp.RSSIPv6UDP,
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// ramrodFlags parses a flag list; the empty string means comp_wait.
func ramrodFlags(s string) (sp.RamrodFlags, error) {
	if s == "" {
		return sp.CompWait, nil
	}
	f, ok := sp.ParseRamrodFlags(s)
	if !ok {
		return 0, fmt.Errorf("unknown ramrod flags %q", s)
	}
	return f, nil
}

func macClass(s string) (sp.MacClass, error) {
	if s == "" {
		return sp.ClassEth, nil
	}
	c, ok := sp.ParseMacClass(s)
	if !ok {
		return 0, fmt.Errorf("unknown mac class %q", s)
	}
	return c, nil
}

func parseVLAN(v *int) (uint16, error) {
	if v == nil {
		return 0, fmt.Errorf("vlan is required")
	}
	if *v < 0 || *v > sp.MaxVLAN {
		return 0, fmt.Errorf("vlan %d out of range 0..%d", *v, sp.MaxVLAN)
	}
	return uint16(*v), nil
}

func (p EntryParams) request(cmd sp.VlanMacCmd, kind sp.Kind) (nic.EntryRequest, error) {
	req := nic.EntryRequest{Queue: p.Queue, Cmd: cmd, Kind: kind, Target: p.Target}
	var err error
	if req.Ramrod, err = ramrodFlags(p.Flags); err != nil {
		return req, err
	}
	if req.Class, err = macClass(p.Class); err != nil {
		return req, err
	}
	if kind != sp.KindVLAN {
		if req.Key.MAC, err = sp.ParseMAC(p.MAC); err != nil {
			return req, err
		}
	}
	if kind != sp.KindMAC {
		if req.Key.VLAN, err = parseVLAN(p.VLAN); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (h *CommandHandler) handleMAC(ctx context.Context, cmd Command, op sp.VlanMacCmd) Response {
	var params EntryParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	kind := sp.KindMAC
	if params.VLAN != nil {
		kind = sp.KindVLANMAC
	}
	return h.configEntry(ctx, cmd.ID, params, op, kind)
}

func (h *CommandHandler) handleVLAN(ctx context.Context, cmd Command, op sp.VlanMacCmd) Response {
	var params EntryParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	return h.configEntry(ctx, cmd.ID, params, op, sp.KindVLAN)
}

func (h *CommandHandler) configEntry(ctx context.Context, id string, params EntryParams, op sp.VlanMacCmd, kind sp.Kind) Response {
	req, err := params.request(op, kind)
	if err != nil {
		return paramsError(id, err)
	}
	pending, err := h.adapter.ConfigEntry(ctx, req)
	if err != nil {
		return failed(id, fmt.Sprintf("%s %s", kind, op), err)
	}
	return Response{
		ID: id,
		Result: map[string]interface{}{
			"queue":   req.Queue,
			"kind":    kind.String(),
			"cmd":     op.String(),
			"pending": pending,
		},
	}
}

func (h *CommandHandler) handleMACList(_ context.Context, cmd Command) Response {
	var params ListParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	kind := sp.KindMAC
	if params.Kind != "" {
		k, ok := nic.ParseKind(params.Kind)
		if !ok {
			return paramsError(cmd.ID, fmt.Errorf("unknown kind %q", params.Kind))
		}
		kind = k
	}
	entries, err := h.adapter.Entries(params.Queue, kind)
	if err != nil {
		return failed(cmd.ID, "list", err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"queue":   params.Queue,
			"kind":    kind.String(),
			"entries": entries,
			"count":   len(entries),
		},
	}
}

func (h *CommandHandler) handleMcast(ctx context.Context, cmd Command, op sp.McastCmd) Response {
	var params McastParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	flags, err := ramrodFlags(params.Flags)
	if err != nil {
		return paramsError(cmd.ID, err)
	}
	macs := make([]sp.MAC, 0, len(params.MACs))
	for _, s := range params.MACs {
		m, err := sp.ParseMAC(s)
		if err != nil {
			return paramsError(cmd.ID, err)
		}
		macs = append(macs, m)
	}
	if op == sp.McastAdd && len(macs) == 0 {
		return paramsError(cmd.ID, fmt.Errorf("macs is required"))
	}

	pending, err := h.adapter.ConfigMcast(ctx, op, macs, flags)
	if err != nil {
		return failed(cmd.ID, "multicast "+op.String(), err)
	}
	st := h.adapter.Status()
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"cmd":     op.String(),
			"pending": pending,
			"mcast":   st.Mcast,
		},
	}
}

func (h *CommandHandler) handleRSS(ctx context.Context, cmd Command) Response {
	var params RSSParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	p := sp.RSSParams{Mode: sp.RSSModeRegular, ResultMask: params.ResultMask}
	var err error
	if p.Flags, err = ramrodFlags(params.Flags); err != nil {
		return paramsError(cmd.ID, err)
	}
	switch params.Mode {
	case "", "regular":
	case "disabled":
		p.Mode = sp.RSSModeDisabled
	default:
		return paramsError(cmd.ID, fmt.Errorf("unknown rss mode %q", params.Mode))
	}
	for _, name := range params.Caps {
		c, ok := rssCapNames[strings.ToLower(name)]
		if !ok {
			return paramsError(cmd.ID, fmt.Errorf("unknown rss capability %q", name))
		}
		p.Caps |= c
	}

	if len(params.IndTable) > sp.IndTableSize {
		return paramsError(cmd.ID, fmt.Errorf("indirection table has %d entries, max %d", len(params.IndTable), sp.IndTableSize))
	}
	queues := len(h.adapter.Status().Queues)
	for i := range p.IndTable {
		switch {
		case len(params.IndTable) > 0:
			p.IndTable[i] = params.IndTable[i%len(params.IndTable)]
		case queues > 0:
			p.IndTable[i] = uint8(i % queues)
		}
	}

	if params.Key != "" {
		key, err := hex.DecodeString(params.Key)
		if err != nil {
			return paramsError(cmd.ID, fmt.Errorf("rss key: %w", err))
		}
		p.Key, p.SetKey = key, true
	}

	pending, err := h.adapter.ConfigRSS(ctx, p)
	if err != nil {
		return failed(cmd.ID, "rss config", err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"pending": pending,
			"caps":    uint16(p.Caps),
		},
	}
}

func (h *CommandHandler) handleRxMode(ctx context.Context, cmd Command) Response {
	var params RxModeParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	mode, ok := sp.ParseRxMode(params.Mode)
	if !ok {
		return paramsError(cmd.ID, fmt.Errorf("unknown rx mode %q", params.Mode))
	}
	flags, err := ramrodFlags(params.Flags)
	if err != nil {
		return paramsError(cmd.ID, err)
	}
	if err := h.adapter.SetRxMode(ctx, mode, flags); err != nil {
		return failed(cmd.ID, "rx mode", err)
	}
	rx, tx := sp.AcceptFlagsFor(mode)
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"mode": mode.String(),
			"rx":   rx.String(),
			"tx":   tx.String(),
		},
	}
}

func (h *CommandHandler) handleQueueCmd(ctx context.Context, cmd Command) Response {
	var params QueueCmdParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	qcmd, ok := sp.ParseQueueCmd(params.Cmd)
	if !ok {
		return paramsError(cmd.ID, fmt.Errorf("unknown queue command %q", params.Cmd))
	}
	flags, err := ramrodFlags(params.Flags)
	if err != nil {
		return paramsError(cmd.ID, err)
	}
	p := sp.QueueParams{Cmd: qcmd, Flags: flags, CIDIndex: params.CIDIndex}
	p.Setup.Active = params.Active == nil || *params.Active
	if params.Activate != nil {
		p.Update.ActivateChange = true
		p.Update.Activate = *params.Activate
	}

	pending, err := h.adapter.QueueCommand(ctx, params.Queue, p)
	if err != nil {
		return failed(cmd.ID, "queue "+qcmd.String(), err)
	}
	st := h.adapter.Status()
	result := map[string]interface{}{
		"queue":   params.Queue,
		"cmd":     qcmd.String(),
		"pending": pending,
	}
	if params.Queue >= 0 && params.Queue < len(st.Queues) {
		result["state"] = st.Queues[params.Queue].State
	}
	return Response{ID: cmd.ID, Result: result}
}

func (h *CommandHandler) handleFuncCmd(ctx context.Context, cmd Command) Response {
	var params FuncCmdParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	fcmd, ok := sp.ParseFuncCmd(params.Cmd)
	if !ok {
		return paramsError(cmd.ID, fmt.Errorf("unknown function command %q", params.Cmd))
	}
	flags, err := ramrodFlags(params.Flags)
	if err != nil {
		return paramsError(cmd.ID, err)
	}
	p := sp.FuncParams{Cmd: fcmd, Flags: flags | sp.Retry}
	if params.Suspend != nil {
		p.SwitchUpdate = sp.FuncSwitchUpdate{SuspendChange: true, Suspend: *params.Suspend}
	}

	pending, err := h.adapter.FuncCommand(ctx, p)
	if err != nil {
		return failed(cmd.ID, "function "+fcmd.String(), err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"cmd":     fcmd.String(),
			"pending": pending,
			"state":   h.adapter.Status().Function.State,
		},
	}
}

func (h *CommandHandler) handleFrameCheck(_ context.Context, cmd Command) Response {
	if h.frames == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "frame check not available")
	}
	var params FrameParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return paramsError(cmd.ID, err)
	}
	frame, err := hex.DecodeString(strings.ReplaceAll(params.Frame, ":", ""))
	if err != nil {
		return paramsError(cmd.ID, fmt.Errorf("frame: %w", err))
	}
	verdict, err := h.frames.Accepts(params.Client, frame)
	if err != nil {
		return paramsError(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: verdict}
}
