package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/ramrod/internal/core"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client. A zero timeout means 10s.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for the response. A command error is
// returned in Response.Error, not as err.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrDaemonNotRunning, c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := uuid.NewString()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

func (c *UDSClient) Load(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "nic_load", nil)
}

func (c *UDSClient) Unload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "nic_unload", nil)
}

func (c *UDSClient) Recover(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "nic_recover", nil)
}

// MAC issues mac_add, mac_del or mac_move depending on op.
func (c *UDSClient) MAC(ctx context.Context, op string, params EntryParams) (*Response, error) {
	return c.Call(ctx, "mac_"+op, params)
}

// VLAN issues vlan_add or vlan_del depending on op.
func (c *UDSClient) VLAN(ctx context.Context, op string, params EntryParams) (*Response, error) {
	return c.Call(ctx, "vlan_"+op, params)
}

func (c *UDSClient) List(ctx context.Context, params ListParams) (*Response, error) {
	return c.Call(ctx, "mac_list", params)
}

// Mcast issues mcast_add, mcast_del or mcast_restore depending on op.
func (c *UDSClient) Mcast(ctx context.Context, op string, params McastParams) (*Response, error) {
	return c.Call(ctx, "mcast_"+op, params)
}

func (c *UDSClient) RSS(ctx context.Context, params RSSParams) (*Response, error) {
	return c.Call(ctx, "rss_config", params)
}

func (c *UDSClient) RxMode(ctx context.Context, params RxModeParams) (*Response, error) {
	return c.Call(ctx, "rx_mode", params)
}

func (c *UDSClient) QueueCmd(ctx context.Context, params QueueCmdParams) (*Response, error) {
	return c.Call(ctx, "queue_cmd", params)
}

func (c *UDSClient) FuncCmd(ctx context.Context, params FuncCmdParams) (*Response, error) {
	return c.Call(ctx, "func_cmd", params)
}

func (c *UDSClient) FrameCheck(ctx context.Context, params FrameParams) (*Response, error) {
	return c.Call(ctx, "frame_check", params)
}

func (c *UDSClient) Status(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "status", nil)
}

// ConfigReload is a convenience method for config_reload command.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "config_reload", nil)
}

func (c *UDSClient) Shutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_shutdown", nil)
}

// Ping checks that the daemon answers daemon_status.
func (c *UDSClient) Ping(ctx context.Context) error {
	resp, err := c.Call(ctx, "daemon_status", nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon_status: %s", resp.Error.Message)
	}
	return nil
}
