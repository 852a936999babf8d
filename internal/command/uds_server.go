package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
)

// maxRequestSize bounds one request line. frame_check carries a hex frame.
const maxRequestSize = 1 << 20

// Dispatcher executes one command. *CommandHandler implements it.
type Dispatcher interface {
	Handle(ctx context.Context, cmd Command) Response
}

// UDSServer serves line-delimited JSON-RPC 2.0 over a Unix domain socket.
type UDSServer struct {
	socketPath string
	handler    Dispatcher
	listener   net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewUDSServer creates a new UDS server.
func NewUDSServer(socketPath string, handler Dispatcher) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start listens on the socket and blocks until ctx is cancelled.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	// Owner only.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("uds server started", "socket", s.socketPath)

	go s.acceptLoop(ctx, listener)

	<-ctx.Done()
	slog.Info("uds server stopping", "reason", ctx.Err())
	return s.Stop()
}

func (s *UDSServer) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			slog.Error("failed to accept connection", "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(ctx, conn)
	}
}

func (s *UDSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	slog.Debug("uds connection established")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req JSONRPCRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			slog.Warn("failed to parse request", "error", err)
			encoder.Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				Error: &ErrorInfo{
					Code:    ErrCodeParseError,
					Message: fmt.Sprintf("parse error: %v", err),
				},
			})
			continue
		}
		if req.Method == "" {
			encoder.Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error: &ErrorInfo{
					Code:    ErrCodeInvalidRequest,
					Message: "method is required",
				},
			})
			continue
		}

		cmd := Command{Method: req.Method, Params: req.Params}
		if req.ID != nil {
			cmd.ID = fmt.Sprintf("%v", req.ID)
		}
		resp := s.handler.Handle(ctx, cmd)

		if err := encoder.Encode(JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  resp.Result,
			Error:   resp.Error,
		}); err != nil {
			slog.Warn("failed to send response", "error", err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("connection error", "error", err)
	}
	slog.Debug("uds connection closed")
}

// Stop closes the listener and every open connection, then removes the
// socket file.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.RemoveAll(s.socketPath)

	slog.Info("uds server stopped")
	return nil
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}
