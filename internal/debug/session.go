// Package debug drives a read-only debug session over the Debug Adapter
// Protocol and exposes it as the host debug API used by the debugger
// facade.
//
// A Session attaches to an already running debuggee, tracks its state and
// answers inspection requests (threads, stack traces, scopes, variables and
// evaluation). It never steps, continues or sets breakpoints; the debuggee
// is driven by whoever else is attached to the adapter, or by the adapter's
// own console.
package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	godap "github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/dshills/pgnodes/internal/dap"
)

// SessionState represents the current state of a debug session.
type SessionState int

const (
	// StateConnected is after transport is established.
	StateConnected SessionState = iota
	// StateConfiguring is after initialize but before configurationDone.
	StateConfiguring
	// StateRunning is when the debuggee is running.
	StateRunning
	// StateStopped is when the debuggee is stopped (breakpoint, signal, etc).
	StateStopped
	// StateTerminated is when the debuggee has exited.
	StateTerminated
	// StateDisconnected is when the debug adapter has disconnected.
	StateDisconnected
)

// String returns a string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Live reports whether the session can still answer requests.
func (s SessionState) Live() bool {
	return s != StateTerminated && s != StateDisconnected
}

// Session represents a debug session with a debug adapter.
type Session struct {
	id           string
	client       *dap.Client
	capabilities *godap.Capabilities
	state        SessionState
	stateMu      sync.RWMutex

	// Current thread ID (when stopped)
	currentThread int

	threads   []godap.Thread
	threadsMu sync.RWMutex

	handlers   SessionHandlers
	handlersMu sync.RWMutex

	// Adapter command (for stdio transport)
	cmd *exec.Cmd
}

// SessionHandlers contains callbacks for session events. They run on the
// client's receive goroutine and must not issue requests synchronously.
type SessionHandlers struct {
	// OnStateChanged is called when the session state changes.
	OnStateChanged func(old, new SessionState)

	// OnStopped is called when the debuggee stops.
	OnStopped func(reason string, threadID int, allStopped bool)

	// OnContinued is called when the debuggee resumes.
	OnContinued func(threadID int)

	// OnOutput is called when the adapter or debuggee produces output.
	OnOutput func(category, output string)

	// OnTerminated is called when the debuggee terminates or the adapter
	// connection is lost.
	OnTerminated func()
}

// SessionConfig configures a debug session.
type SessionConfig struct {
	// AdapterID is the debug adapter identifier.
	AdapterID string

	// ClientID is this client's identifier.
	ClientID string

	// ClientName is this client's name.
	ClientName string

	// LinesStartAt1 indicates if line numbers start at 1.
	LinesStartAt1 bool

	// ColumnsStartAt1 indicates if column numbers start at 1.
	ColumnsStartAt1 bool
}

// DefaultSessionConfig returns a default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AdapterID:       "cppdbg",
		ClientID:        "pgnodes",
		ClientName:      "PostgreSQL node inspector",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
	}
}

// NewSession creates a new debug session with the given client.
func NewSession(client *dap.Client) *Session {
	s := &Session{
		id:     uuid.NewString(),
		client: client,
		state:  StateConnected,
	}

	client.OnInitialized(s.onInitialized)
	client.OnStopped(s.onStopped)
	client.OnContinued(s.onContinued)
	client.OnExited(s.onExited)
	client.OnTerminated(s.onTerminated)
	client.OnOutput(s.onOutput)

	return s
}

// NewStdioSession creates a debug session using stdio transport with a subprocess.
func NewStdioSession(command string, args ...string) (*Session, error) {
	cmd := exec.Command(command, args...)
	transport, err := dap.NewStdioTransport(cmd)
	if err != nil {
		return nil, fmt.Errorf("create stdio transport: %w", err)
	}

	session := NewSession(dap.NewClient(transport))
	session.cmd = cmd

	return session, nil
}

// NewSocketSession creates a debug session using socket transport.
func NewSocketSession(address string) (*Session, error) {
	transport, err := dap.NewSocketTransport(address)
	if err != nil {
		return nil, fmt.Errorf("create socket transport: %w", err)
	}

	return NewSession(dap.NewClient(transport)), nil
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// SetHandlers sets the session event handlers.
func (s *Session) SetHandlers(handlers SessionHandlers) {
	s.handlersMu.Lock()
	s.handlers = handlers
	s.handlersMu.Unlock()
}

func (s *Session) getHandlers() SessionHandlers {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// setState updates the session state. Terminal states are final.
func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	old := s.state
	if !old.Live() && state != StateDisconnected {
		s.stateMu.Unlock()
		return
	}
	s.state = state
	s.stateMu.Unlock()

	if old == state {
		return
	}
	if handler := s.getHandlers().OnStateChanged; handler != nil {
		handler(old, state)
	}
}

// Capabilities returns the debug adapter capabilities.
func (s *Session) Capabilities() *godap.Capabilities {
	return s.capabilities
}

// CurrentThread returns the thread of the last stop.
func (s *Session) CurrentThread() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.currentThread
}

// Threads returns the last fetched list of threads.
func (s *Session) Threads() []godap.Thread {
	s.threadsMu.RLock()
	defer s.threadsMu.RUnlock()
	return append([]godap.Thread{}, s.threads...)
}

// Done is closed when the adapter connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.client.Done()
}

// Initialize initializes the debug session.
func (s *Session) Initialize(ctx context.Context, config SessionConfig) error {
	args := godap.InitializeRequestArguments{
		ClientID:        config.ClientID,
		ClientName:      config.ClientName,
		AdapterID:       config.AdapterID,
		LinesStartAt1:   config.LinesStartAt1,
		ColumnsStartAt1: config.ColumnsStartAt1,
		PathFormat:      "path",
	}

	caps, err := s.client.Initialize(ctx, args)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	s.capabilities = caps
	s.setState(StateConfiguring)

	return nil
}

// Attach attaches to a running process. args is adapter specific, for
// example {"processId": 4242} for cppdbg.
func (s *Session) Attach(ctx context.Context, args json.RawMessage) error {
	if err := s.client.Attach(ctx, args); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	return nil
}

// ConfigurationDone signals that configuration is complete.
func (s *Session) ConfigurationDone(ctx context.Context) error {
	if err := s.client.ConfigurationDone(ctx); err != nil {
		return fmt.Errorf("configurationDone: %w", err)
	}

	// A stop reported during configuration wins.
	if s.State() == StateConfiguring {
		s.setState(StateRunning)
	}
	return nil
}

// Disconnect detaches from the debuggee, leaving it running.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	s.setState(StateDisconnected)
	return nil
}

// Close closes the session and underlying client.
func (s *Session) Close() error {
	s.setState(StateDisconnected)
	return s.client.Close()
}

// GetThreads retrieves the current threads.
func (s *Session) GetThreads(ctx context.Context) ([]godap.Thread, error) {
	threads, err := s.client.Threads(ctx)
	if err != nil {
		return nil, err
	}

	s.threadsMu.Lock()
	s.threads = threads
	s.threadsMu.Unlock()

	return threads, nil
}

// GetStackTrace retrieves the stack trace for a thread.
func (s *Session) GetStackTrace(ctx context.Context, threadID int, startFrame, levels int) ([]godap.StackFrame, int, error) {
	args := godap.StackTraceArguments{
		ThreadId:   threadID,
		StartFrame: startFrame,
		Levels:     levels,
	}

	result, err := s.client.StackTrace(ctx, args)
	if err != nil {
		return nil, 0, err
	}

	return result.StackFrames, result.TotalFrames, nil
}

// GetScopes retrieves the scopes for a stack frame.
func (s *Session) GetScopes(ctx context.Context, frameID int) ([]godap.Scope, error) {
	return s.client.Scopes(ctx, godap.ScopesArguments{FrameId: frameID})
}

// GetVariables retrieves variables from a scope or variable reference.
func (s *Session) GetVariables(ctx context.Context, variablesRef int) ([]godap.Variable, error) {
	return s.client.Variables(ctx, godap.VariablesArguments{VariablesReference: variablesRef})
}

// Evaluate evaluates an expression.
func (s *Session) Evaluate(ctx context.Context, expression string, frameID int, context string) (*godap.EvaluateResponseBody, error) {
	args := godap.EvaluateArguments{
		Expression: expression,
		FrameId:    frameID,
		Context:    context,
	}

	return s.client.Evaluate(ctx, args)
}

// Event handlers

func (s *Session) onInitialized() {
	s.setState(StateConfiguring)
}

func (s *Session) onStopped(body godap.StoppedEventBody) {
	s.stateMu.Lock()
	s.currentThread = body.ThreadId
	s.stateMu.Unlock()

	s.setState(StateStopped)

	if handler := s.getHandlers().OnStopped; handler != nil {
		handler(body.Reason, body.ThreadId, body.AllThreadsStopped)
	}
}

func (s *Session) onContinued(body godap.ContinuedEventBody) {
	s.setState(StateRunning)

	if handler := s.getHandlers().OnContinued; handler != nil {
		handler(body.ThreadId)
	}
}

func (s *Session) onExited(godap.ExitedEventBody) {
	s.setState(StateTerminated)
}

func (s *Session) onTerminated() {
	s.setState(StateTerminated)

	if handler := s.getHandlers().OnTerminated; handler != nil {
		handler()
	}
}

func (s *Session) onOutput(body godap.OutputEventBody) {
	if handler := s.getHandlers().OnOutput; handler != nil {
		handler(body.Category, body.Output)
	}
}
