package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	godap "github.com/google/go-dap"
)

var (
	// ErrConnectionLost is returned for every request that was pending, or is
	// issued, after the transport failed.
	ErrConnectionLost = errors.New("dap: connection to debug adapter lost")

	// ErrClosed is returned for requests issued after Close.
	ErrClosed = errors.New("dap: client closed")
)

// ResponseError is returned when the adapter answers a request with
// success=false.
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Command)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Client is a DAP client that communicates with a debug adapter.
type Client struct {
	transport Transport
	seq       int64
	pending   map[int]*pendingRequest
	pendingMu sync.Mutex
	handlers  eventHandlers
	handlerMu sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	err       error
	errMu     sync.RWMutex
}

// pendingRequest tracks a request awaiting its response.
type pendingRequest struct {
	done      chan struct{}
	closeOnce sync.Once
	response  godap.ResponseMessage
	err       error
}

func (p *pendingRequest) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// eventHandlers stores event handler functions.
type eventHandlers struct {
	onInitialized func()
	onStopped     func(godap.StoppedEventBody)
	onContinued   func(godap.ContinuedEventBody)
	onExited      func(godap.ExitedEventBody)
	onTerminated  func()
	onOutput      func(godap.OutputEventBody)
	onAny         func(godap.EventMessage)
}

// NewClient creates a client and starts its receive loop.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int]*pendingRequest),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close closes the client and the underlying transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	err := c.transport.Close()
	c.failPending(ErrClosed)
	return err
}

// Done is closed when the client is closed or the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Error returns the receive error that ended the connection, if any.
func (c *Client) Error() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

func (c *Client) receiveLoop() {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			// Adapters emit vendor-specific events and commands that go-dap
			// cannot type; the frame is consumed, so keep reading.
			var fieldErr *godap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				continue
			}

			select {
			case <-c.done:
				return
			default:
			}

			lost := fmt.Errorf("%w: %v", ErrConnectionLost, err)
			c.errMu.Lock()
			c.err = lost
			c.errMu.Unlock()

			c.failPending(lost)
			c.closeOnce.Do(func() {
				close(c.done)
			})

			c.handlerMu.RLock()
			onTerminated := c.handlers.onTerminated
			c.handlerMu.RUnlock()
			if onTerminated != nil {
				onTerminated()
			}
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		c.handleMessage(msg)
	}
}

// failPending resolves every outstanding request with err.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for seq, req := range c.pending {
		req.err = err
		req.close()
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
}

func (c *Client) handleMessage(msg godap.Message) {
	switch m := msg.(type) {
	case godap.ResponseMessage:
		c.handleResponse(m)
	case godap.EventMessage:
		c.handleEvent(m)
	}
}

func (c *Client) handleResponse(resp godap.ResponseMessage) {
	seq := resp.GetResponse().RequestSeq

	c.pendingMu.Lock()
	req, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()

	if ok {
		req.response = resp
		req.close()
	}
}

func (c *Client) handleEvent(evt godap.EventMessage) {
	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()

	switch e := evt.(type) {
	case *godap.InitializedEvent:
		if handlers.onInitialized != nil {
			handlers.onInitialized()
		}
	case *godap.StoppedEvent:
		if handlers.onStopped != nil {
			handlers.onStopped(e.Body)
		}
	case *godap.ContinuedEvent:
		if handlers.onContinued != nil {
			handlers.onContinued(e.Body)
		}
	case *godap.ExitedEvent:
		if handlers.onExited != nil {
			handlers.onExited(e.Body)
		}
	case *godap.TerminatedEvent:
		if handlers.onTerminated != nil {
			handlers.onTerminated()
		}
	case *godap.OutputEvent:
		if handlers.onOutput != nil {
			handlers.onOutput(e.Body)
		}
	}

	if handlers.onAny != nil {
		handlers.onAny(evt)
	}
}

// sendRequest stamps req with a sequence number, sends it and waits for the
// matching response.
func (c *Client) sendRequest(ctx context.Context, req godap.RequestMessage) (godap.ResponseMessage, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	seq := int(atomic.AddInt64(&c.seq, 1))
	r := req.GetRequest()
	r.Seq = seq
	r.Type = "request"

	pending := &pendingRequest{
		done: make(chan struct{}),
	}

	c.pendingMu.Lock()
	c.pending[seq] = pending
	c.pendingMu.Unlock()

	if err := c.transport.Send(req); err != nil {
		c.forget(seq)
		select {
		case <-c.done:
			return nil, fmt.Errorf("send %s: %w", r.Command, c.closedErr())
		default:
		}
		return nil, fmt.Errorf("send %s: %w", r.Command, err)
	}

	select {
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	case <-pending.done:
	case <-c.done:
		// The connection may have ended before this request was registered,
		// in which case nothing will ever resolve it.
		select {
		case <-pending.done:
		default:
			c.forget(seq)
			return nil, c.closedErr()
		}
	}

	if pending.err != nil {
		return nil, pending.err
	}
	resp := pending.response.GetResponse()
	if !resp.Success {
		return nil, &ResponseError{Command: r.Command, Message: resp.Message}
	}
	return pending.response, nil
}

func (c *Client) forget(seq int) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

// closedErr is the error for requests that found the client done.
func (c *Client) closedErr() error {
	if err := c.Error(); err != nil {
		return err
	}
	return ErrClosed
}

// roundTrip sends req and asserts the concrete response type.
func roundTrip[T godap.ResponseMessage](ctx context.Context, c *Client, req godap.RequestMessage) (T, error) {
	var zero T
	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected response %T", req.GetRequest().Command, resp)
	}
	return typed, nil
}

func newRequest(command string) godap.Request {
	return godap.Request{
		ProtocolMessage: godap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// Event handler setters

// OnInitialized sets the handler for the initialized event.
func (c *Client) OnInitialized(handler func()) {
	c.handlerMu.Lock()
	c.handlers.onInitialized = handler
	c.handlerMu.Unlock()
}

// OnStopped sets the handler for the stopped event.
func (c *Client) OnStopped(handler func(godap.StoppedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onStopped = handler
	c.handlerMu.Unlock()
}

// OnContinued sets the handler for the continued event.
func (c *Client) OnContinued(handler func(godap.ContinuedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onContinued = handler
	c.handlerMu.Unlock()
}

// OnExited sets the handler for the exited event.
func (c *Client) OnExited(handler func(godap.ExitedEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onExited = handler
	c.handlerMu.Unlock()
}

// OnTerminated sets the handler for the terminated event. It also runs when
// the connection to the adapter is lost.
func (c *Client) OnTerminated(handler func()) {
	c.handlerMu.Lock()
	c.handlers.onTerminated = handler
	c.handlerMu.Unlock()
}

// OnOutput sets the handler for the output event.
func (c *Client) OnOutput(handler func(godap.OutputEventBody)) {
	c.handlerMu.Lock()
	c.handlers.onOutput = handler
	c.handlerMu.Unlock()
}

// OnAnyEvent sets a handler for all events.
func (c *Client) OnAnyEvent(handler func(godap.EventMessage)) {
	c.handlerMu.Lock()
	c.handlers.onAny = handler
	c.handlerMu.Unlock()
}

// DAP Request Methods

// Initialize sends the initialize request.
func (c *Client) Initialize(ctx context.Context, args godap.InitializeRequestArguments) (*godap.Capabilities, error) {
	resp, err := roundTrip[*godap.InitializeResponse](ctx, c, &godap.InitializeRequest{
		Request:   newRequest("initialize"),
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// Attach sends the attach request. args is adapter specific JSON.
func (c *Client) Attach(ctx context.Context, args json.RawMessage) error {
	_, err := roundTrip[*godap.AttachResponse](ctx, c, &godap.AttachRequest{
		Request:   newRequest("attach"),
		Arguments: args,
	})
	return err
}

// ConfigurationDone sends the configurationDone request.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := roundTrip[*godap.ConfigurationDoneResponse](ctx, c, &godap.ConfigurationDoneRequest{
		Request: newRequest("configurationDone"),
	})
	return err
}

// Disconnect sends the disconnect request. The debuggee is left running.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := roundTrip[*godap.DisconnectResponse](ctx, c, &godap.DisconnectRequest{
		Request: newRequest("disconnect"),
	})
	return err
}

// Threads sends the threads request.
func (c *Client) Threads(ctx context.Context) ([]godap.Thread, error) {
	resp, err := roundTrip[*godap.ThreadsResponse](ctx, c, &godap.ThreadsRequest{
		Request: newRequest("threads"),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Threads, nil
}

// StackTrace sends the stackTrace request.
func (c *Client) StackTrace(ctx context.Context, args godap.StackTraceArguments) (*godap.StackTraceResponseBody, error) {
	resp, err := roundTrip[*godap.StackTraceResponse](ctx, c, &godap.StackTraceRequest{
		Request:   newRequest("stackTrace"),
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// Scopes sends the scopes request.
func (c *Client) Scopes(ctx context.Context, args godap.ScopesArguments) ([]godap.Scope, error) {
	resp, err := roundTrip[*godap.ScopesResponse](ctx, c, &godap.ScopesRequest{
		Request:   newRequest("scopes"),
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Scopes, nil
}

// Variables sends the variables request.
func (c *Client) Variables(ctx context.Context, args godap.VariablesArguments) ([]godap.Variable, error) {
	resp, err := roundTrip[*godap.VariablesResponse](ctx, c, &godap.VariablesRequest{
		Request:   newRequest("variables"),
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body.Variables, nil
}

// Evaluate sends the evaluate request.
func (c *Client) Evaluate(ctx context.Context, args godap.EvaluateArguments) (*godap.EvaluateResponseBody, error) {
	resp, err := roundTrip[*godap.EvaluateResponse](ctx, c, &godap.EvaluateRequest{
		Request:   newRequest("evaluate"),
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}
