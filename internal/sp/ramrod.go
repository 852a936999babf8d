package sp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Opcode identifies a firmware command.
type Opcode uint8

const (
	OpNone Opcode = iota
	OpClassificationRules
	OpSetMAC
	OpMulticastRules
	OpSetMcast
	OpFilterRules
	OpRSSUpdate
	OpClientSetup
	OpTxQueueSetup
	OpClientUpdate
	OpTPAUpdate
	OpHalt
	OpTerminate
	OpEmpty
	OpCFCDel
	OpFunctionStart
	OpFunctionStop
	OpFunctionUpdate
	OpStopTraffic
	OpStartTraffic
)

var opcodeNames = map[Opcode]string{
	OpNone:                "none",
	OpClassificationRules: "classification_rules",
	OpSetMAC:              "set_mac",
	OpMulticastRules:      "multicast_rules",
	OpSetMcast:            "set_mcast",
	OpFilterRules:         "filter_rules",
	OpRSSUpdate:           "rss_update",
	OpClientSetup:         "client_setup",
	OpTxQueueSetup:        "tx_queue_setup",
	OpClientUpdate:        "client_update",
	OpTPAUpdate:           "tpa_update",
	OpHalt:                "halt",
	OpTerminate:           "terminate",
	OpEmpty:               "empty",
	OpCFCDel:              "cfc_del",
	OpFunctionStart:       "function_start",
	OpFunctionStop:        "function_stop",
	OpFunctionUpdate:      "function_update",
	OpStopTraffic:         "stop_traffic",
	OpStartTraffic:        "start_traffic",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// ConnType is the connection type carried by a ramrod.
type ConnType uint8

const (
	ConnTypeETH ConnType = iota
	ConnTypeNone
)

// Payload is the data buffer of a ramrod.
type Payload interface {
	// Entries is the number of rules or table entries the buffer carries.
	Entries() int
}

// Ramrod is one command posted to firmware.
type Ramrod struct {
	Opcode   Opcode
	CID      uint32
	ConnType ConnType
	Data     Payload
}

// Poster delivers ramrods to hardware. Post must not deliver the completion
// on the calling goroutine: objects hold their own locks while posting.
type Poster interface {
	Post(ctx context.Context, r Ramrod) error
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(ctx context.Context, r Ramrod) error

func (f PosterFunc) Post(ctx context.Context, r Ramrod) error { return f(ctx, r) }

// Event is a firmware completion.
type Event struct {
	Opcode Opcode `json:"opcode"`
	CID    uint32 `json:"cid"`
	Echo   uint32 `json:"echo"`
	Failed bool   `json:"failed,omitempty"`
}

const (
	// SWCIDShift splits the echo word into a connection id and a state id.
	SWCIDShift = 17
	SWCIDMask  = 1<<SWCIDShift - 1
)

// Echo packs a connection id and pending-state id into one word so a
// completion can be routed back to the object that issued it.
func Echo(cid uint32, state StateID) uint32 {
	return cid&SWCIDMask | uint32(state)<<SWCIDShift
}

func (e Event) EchoCID() uint32    { return e.Echo & SWCIDMask }
func (e Event) EchoState() StateID { return StateID(e.Echo >> SWCIDShift) }

// Env carries the collaborators every slow-path object needs.
type Env struct {
	Poster Poster
	Log    *slog.Logger

	mu   sync.RWMutex
	wait WaitConfig
}

// NewEnv returns an Env posting through p. A nil logger uses slog.Default.
func NewEnv(p Poster, log *slog.Logger, w WaitConfig) *Env {
	if log == nil {
		log = slog.Default()
	}
	return &Env{Poster: p, Log: log, wait: w}
}

// Wait returns the current wait bounds.
func (e *Env) Wait() WaitConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wait
}

// SetWait replaces the wait bounds; used on configuration reload.
func (e *Env) SetWait(w WaitConfig) {
	e.mu.Lock()
	e.wait = w
	e.mu.Unlock()
}

func (e *Env) post(ctx context.Context, r Ramrod) error {
	if e.Poster == nil {
		return fmt.Errorf("post %s: no poster configured", r.Opcode)
	}
	if err := e.Poster.Post(ctx, r); err != nil {
		return fmt.Errorf("post %s cid %d: %w", r.Opcode, r.CID, err)
	}
	return nil
}
