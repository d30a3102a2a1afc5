// Package dap implements the Debug Adapter Protocol client used to read
// variable state from a paused debuggee.
//
// Message framing and the typed protocol schema come from go-dap; this
// package adds transports, request/response correlation and event dispatch.
package dap

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	godap "github.com/google/go-dap"
)

// Transport represents a DAP transport layer.
type Transport interface {
	// Send sends a message to the debug adapter.
	Send(msg godap.Message) error

	// Receive receives the next message from the debug adapter.
	Receive() (godap.Message, error)

	// Close closes the transport.
	Close() error
}

// StdioTransport implements Transport over stdin/stdout of an adapter
// subprocess (for example "gdb -i dap").
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewStdioTransport starts cmd and speaks DAP over its standard streams.
func NewStdioTransport(cmd *exec.Cmd) (*StdioTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start adapter: %w", err)
	}

	return &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		reader: bufio.NewReader(stdout),
	}, nil
}

// Send sends a message to the debug adapter.
func (t *StdioTransport) Send(msg godap.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return godap.WriteProtocolMessage(t.stdin, msg)
}

// Receive receives a message from the debug adapter.
func (t *StdioTransport) Receive() (godap.Message, error) {
	return godap.ReadProtocolMessage(t.reader)
}

// Close closes the pipes and stops the adapter process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stdin.Close()
	t.stdout.Close()

	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}

	return t.cmd.Wait()
}

// SocketTransport implements Transport over a TCP connection to an adapter
// running in server mode.
type SocketTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// DialTimeout bounds the connection attempt in NewSocketTransport.
const DialTimeout = 10 * time.Second

// NewSocketTransport dials address and returns a transport over it.
func NewSocketTransport(address string) (*SocketTransport, error) {
	conn, err := net.DialTimeout("tcp", address, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	return NewConnTransport(conn), nil
}

// NewConnTransport wraps an established connection.
func NewConnTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Send sends a message to the debug adapter.
func (t *SocketTransport) Send(msg godap.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return godap.WriteProtocolMessage(t.conn, msg)
}

// Receive receives a message from the debug adapter.
func (t *SocketTransport) Receive() (godap.Message, error) {
	return godap.ReadProtocolMessage(t.reader)
}

// Close closes the connection.
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}
