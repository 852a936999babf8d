// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/ramrod/internal/core"
	"firestige.xyz/ramrod/internal/hw"
	"firestige.xyz/ramrod/internal/metrics"
	"firestige.xyz/ramrod/internal/nic"
	"firestige.xyz/ramrod/internal/sp"
)

// Version is reported by daemon_status.
const Version = "0.1.0"

// replayTTL bounds how long a response is kept for a repeated request id.
const replayTTL = 5 * time.Minute

// Adapter is the slow-path surface driven by commands. *nic.Adapter
// implements it.
type Adapter interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Recover(ctx context.Context) error
	ConfigEntry(ctx context.Context, req nic.EntryRequest) (bool, error)
	Entries(queue int, kind sp.Kind) ([]sp.RegistryEntry, error)
	ConfigMcast(ctx context.Context, cmd sp.McastCmd, macs []sp.MAC, flags sp.RamrodFlags) (bool, error)
	ConfigRSS(ctx context.Context, p sp.RSSParams) (bool, error)
	SetRxMode(ctx context.Context, mode sp.RxMode, flags sp.RamrodFlags) error
	QueueCommand(ctx context.Context, queue int, p sp.QueueParams) (bool, error)
	FuncCommand(ctx context.Context, p sp.FuncParams) (bool, error)
	Status() nic.Status
}

// FrameChecker classifies a frame against the device filter tables.
// *hw.Firmware implements it.
type FrameChecker interface {
	Accepts(clID uint8, frame []byte) (hw.Verdict, error)
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	adapter        Adapter
	frames         FrameChecker
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      int64  // Unix timestamp of daemon start for uptime calc

	// responses keeps recent responses by request id so that a command
	// delivered twice (Kafka is at-least-once) is executed once.
	responses *cache.Cache
}

// NewCommandHandler creates a new command handler. frames may be nil when
// no device tables are available.
func NewCommandHandler(adapter Adapter, frames FrameChecker, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		adapter:        adapter,
		frames:         frames,
		configReloader: reloader,
		startTime:      time.Now().Unix(),
		responses:      cache.New(replayTTL, 2*replayTTL),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "mac_add", "queue_cmd"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
	ErrCodeRetryable      = -32001 // Object busy or completion timed out
	ErrCodeRejected       = -32002 // Request can never succeed as issued
	ErrCodeInconsistent   = -32003 // Driver and firmware disagree
)

// ErrorCode classifies err into a response code.
func ErrorCode(err error) int {
	switch {
	case core.Retryable(err):
		return ErrCodeRetryable
	case core.Invalid(err):
		return ErrCodeRejected
	case core.Inconsistent(err):
		return ErrCodeInconsistent
	}
	return ErrCodeInternalError
}

func errorResponse(id string, code int, format string, args ...interface{}) Response {
	return Response{
		ID: id,
		Error: &ErrorInfo{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
}

func failed(id, op string, err error) Response {
	return errorResponse(id, ErrorCode(err), "%s failed: %v", op, err)
}

func paramsError(id string, err error) Response {
	return errorResponse(id, ErrCodeInvalidParams, "invalid params: %v", err)
}

// Handle processes a command and returns a response. A request id seen in
// the last few minutes gets the earlier response without re-executing.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	if cmd.ID != "" {
		if cached, ok := h.responses.Get(cmd.ID); ok {
			slog.Info("replaying cached response", "method", cmd.Method, "id", cmd.ID)
			return cached.(Response)
		}
	}
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	start := time.Now()
	resp, known := h.dispatch(ctx, cmd)

	label := cmd.Method
	if !known {
		label = "unknown"
	}
	result := metrics.ResultOK
	if resp.Error != nil {
		result = metrics.ResultFailed
		slog.Warn("command failed", "method", cmd.Method, "id", cmd.ID, "code", resp.Error.Code, "error", resp.Error.Message)
	}
	metrics.CommandsTotal.WithLabelValues(label, result).Inc()
	metrics.CommandLatencySeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())

	// A retryable failure must run again when the same request is redelivered.
	if cmd.ID != "" && known && (resp.Error == nil || resp.Error.Code != ErrCodeRetryable) {
		h.responses.SetDefault(cmd.ID, resp)
	}
	return resp
}

func (h *CommandHandler) dispatch(ctx context.Context, cmd Command) (Response, bool) {
	switch cmd.Method {
	case "nic_load":
		return h.handleLifecycle(ctx, cmd, "load", h.adapter.Load), true
	case "nic_unload":
		return h.handleLifecycle(ctx, cmd, "unload", h.adapter.Unload), true
	case "nic_recover":
		return h.handleLifecycle(ctx, cmd, "recover", h.adapter.Recover), true
	case "mac_add":
		return h.handleMAC(ctx, cmd, sp.CmdAdd), true
	case "mac_del":
		return h.handleMAC(ctx, cmd, sp.CmdDel), true
	case "mac_move":
		return h.handleMAC(ctx, cmd, sp.CmdMove), true
	case "mac_list":
		return h.handleMACList(ctx, cmd), true
	case "vlan_add":
		return h.handleVLAN(ctx, cmd, sp.CmdAdd), true
	case "vlan_del":
		return h.handleVLAN(ctx, cmd, sp.CmdDel), true
	case "mcast_add":
		return h.handleMcast(ctx, cmd, sp.McastAdd), true
	case "mcast_del":
		return h.handleMcast(ctx, cmd, sp.McastDel), true
	case "mcast_restore":
		return h.handleMcast(ctx, cmd, sp.McastRestore), true
	case "rss_config":
		return h.handleRSS(ctx, cmd), true
	case "rx_mode":
		return h.handleRxMode(ctx, cmd), true
	case "queue_cmd":
		return h.handleQueueCmd(ctx, cmd), true
	case "func_cmd":
		return h.handleFuncCmd(ctx, cmd), true
	case "frame_check":
		return h.handleFrameCheck(ctx, cmd), true
	case "status":
		return Response{ID: cmd.ID, Result: h.adapter.Status()}, true
	case "config_reload":
		return h.handleConfigReload(ctx, cmd), true
	case "daemon_shutdown":
		return h.handleDaemonShutdown(ctx, cmd), true
	case "daemon_status":
		return h.handleDaemonStatus(ctx, cmd), true
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method), false
	}
}

func (h *CommandHandler) handleLifecycle(ctx context.Context, cmd Command, op string, fn func(context.Context) error) Response {
	if err := fn(ctx); err != nil {
		return failed(cmd.ID, op, err)
	}
	st := h.adapter.Status()
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status":   op + "ed",
			"loaded":   st.Loaded,
			"function": st.Function.State,
		},
	}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "reload config failed: %v", err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reloaded",
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	st := h.adapter.Status()
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"version":    Version,
			"uptime_sec": time.Now().Unix() - h.startTime,
			"func_id":    st.FuncID,
			"chip":       st.Chip,
			"loaded":     st.Loaded,
			"function":   st.Function.State,
		},
	}
}
