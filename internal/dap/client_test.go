package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu        sync.Mutex
	sendQueue []godap.Message
	recvChan  chan godap.Message
	errChan   chan error
	closed    bool
	sendErr   error
	onSend    func(godap.RequestMessage)
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		recvChan: make(chan godap.Message, 10),
		errChan:  make(chan error, 1),
	}
}

func (t *mockTransport) Send(msg godap.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return io.ErrClosedPipe
	}
	if t.sendErr != nil {
		return t.sendErr
	}

	t.sendQueue = append(t.sendQueue, msg)
	if t.onSend != nil {
		if req, ok := msg.(godap.RequestMessage); ok {
			t.onSend(req)
		}
	}
	return nil
}

func (t *mockTransport) Receive() (godap.Message, error) {
	select {
	case msg, ok := <-t.recvChan:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case err := <-t.errChan:
		return nil, err
	}
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.recvChan)
	}
	return nil
}

func (t *mockTransport) queue(msg godap.Message) {
	t.recvChan <- msg
}

func (t *mockTransport) getSentMessages() []godap.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]godap.Message{}, t.sendQueue...)
}

func response(req godap.RequestMessage) godap.Response {
	r := req.GetRequest()
	return godap.Response{
		ProtocolMessage: godap.ProtocolMessage{Type: "response"},
		RequestSeq:      r.Seq,
		Command:         r.Command,
		Success:         true,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientSendRequest(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(req godap.RequestMessage) {
		mt.queue(&godap.ConfigurationDoneResponse{Response: response(req)})
	}

	client := NewClient(mt)
	defer client.Close()

	require.NoError(t, client.ConfigurationDone(testContext(t)))

	msgs := mt.getSentMessages()
	require.Len(t, msgs, 1)

	req, ok := msgs[0].(*godap.ConfigurationDoneRequest)
	require.True(t, ok, "sent %T", msgs[0])
	assert.Equal(t, "configurationDone", req.Command)
	assert.Equal(t, "request", req.Type)
	assert.Equal(t, 1, req.Seq)
}

func TestClientSequenceNumbers(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(req godap.RequestMessage) {
		mt.queue(&godap.ThreadsResponse{Response: response(req)})
	}

	client := NewClient(mt)
	defer client.Close()

	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		_, err := client.Threads(ctx)
		require.NoError(t, err)
	}

	msgs := mt.getSentMessages()
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, i+1, msg.GetSeq())
	}
}

func TestClientInitialize(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(req godap.RequestMessage) {
		mt.queue(&godap.InitializeResponse{
			Response: response(req),
			Body: godap.Capabilities{
				SupportsConfigurationDoneRequest: true,
				SupportsEvaluateForHovers:        true,
			},
		})
	}

	client := NewClient(mt)
	defer client.Close()

	caps, err := client.Initialize(testContext(t), godap.InitializeRequestArguments{
		ClientID:      "pgnodes",
		AdapterID:     "gdb",
		LinesStartAt1: true,
	})
	require.NoError(t, err)
	assert.True(t, caps.SupportsConfigurationDoneRequest)
	assert.True(t, caps.SupportsEvaluateForHovers)

	req := mt.getSentMessages()[0].(*godap.InitializeRequest)
	assert.Equal(t, "pgnodes", req.Arguments.ClientID)
}

func TestClientAttachPassesRawArguments(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(req godap.RequestMessage) {
		mt.queue(&godap.AttachResponse{Response: response(req)})
	}

	client := NewClient(mt)
	defer client.Close()

	args := json.RawMessage(`{"processId":4242}`)
	require.NoError(t, client.Attach(testContext(t), args))

	req := mt.getSentMessages()[0].(*godap.AttachRequest)
	assert.JSONEq(t, `{"processId":4242}`, string(req.Arguments))
}

func TestClientEvaluate(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(req godap.RequestMessage) {
		eval := req.(*godap.EvaluateRequest)
		mt.queue(&godap.EvaluateResponse{
			Response: response(req),
			Body: godap.EvaluateResponseBody{
				Result:             "0x55d0c0a8",
				Type:               "Node *",
				VariablesReference: 17,
			},
		})
		assert.Equal(t, "parse", eval.Arguments.Expression)
		assert.Equal(t, 3, eval.Arguments.FrameId)
	}

	client := NewClient(mt)
	defer client.Close()

	body, err := client.Evaluate(testContext(t), godap.EvaluateArguments{
		Expression: "parse",
		FrameId:    3,
		Context:    "watch",
	})
	require.NoError(t, err)
	assert.Equal(t, "0x55d0c0a8", body.Result)
	assert.Equal(t, "Node *", body.Type)
	assert.Equal(t, 17, body.VariablesReference)
}

func TestClientErrorResponse(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(req godap.RequestMessage) {
		r := response(req)
		r.Success = false
		r.Message = "No symbol \"nope\" in current context."
		mt.queue(&godap.ErrorResponse{Response: r})
	}

	client := NewClient(mt)
	defer client.Close()

	_, err := client.Evaluate(testContext(t), godap.EvaluateArguments{Expression: "nope"})
	require.Error(t, err)

	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "evaluate", respErr.Command)
	assert.Contains(t, respErr.Message, "No symbol")
}

func TestClientUnexpectedResponseType(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(req godap.RequestMessage) {
		mt.queue(&godap.ThreadsResponse{Response: response(req)})
	}

	client := NewClient(mt)
	defer client.Close()

	_, err := client.Scopes(testContext(t), godap.ScopesArguments{FrameId: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected response")
}

func TestClientContextCancellation(t *testing.T) {
	mt := newMockTransport()

	client := NewClient(mt)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Threads(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientSendError(t *testing.T) {
	mt := newMockTransport()
	mt.sendErr = io.ErrShortWrite

	client := NewClient(mt)
	defer client.Close()

	_, err := client.Threads(testContext(t))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestClientConnectionLostFailsPending(t *testing.T) {
	mt := newMockTransport()

	client := NewClient(mt)
	defer client.Close()

	var terminated sync.WaitGroup
	terminated.Add(1)
	client.OnTerminated(func() {
		terminated.Done()
	})

	errs := make(chan error, 1)
	go func() {
		_, err := client.Threads(context.Background())
		errs <- err
	}()

	// Wait for the request to be in flight before dropping the connection.
	require.Eventually(t, func() bool {
		return len(mt.getSentMessages()) == 1
	}, time.Second, 5*time.Millisecond)

	mt.errChan <- io.ErrUnexpectedEOF

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed")
	}

	terminated.Wait()
	assert.ErrorIs(t, client.Error(), ErrConnectionLost)

	_, err := client.Threads(testContext(t))
	assert.ErrorIs(t, err, ErrConnectionLost)

	select {
	case <-client.Done():
	default:
		t.Fatal("Done not closed after connection loss")
	}
}

// loseConnection ends c the way the receive loop does once it has already
// failed every registered request.
func loseConnection(c *Client, err error) {
	c.errMu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	c.errMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func TestClientConnectionLostWhileSending(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	mt.onSend = func(godap.RequestMessage) {
		loseConnection(client, io.ErrUnexpectedEOF)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := client.Threads(context.Background())
		errs <- err
	}()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("request outlived the connection")
	}

	client.pendingMu.Lock()
	assert.Empty(t, client.pending)
	client.pendingMu.Unlock()
}

// brokenPipe fails every Send, ending the client first.
type brokenPipe struct {
	*mockTransport
	client *Client
}

func (t *brokenPipe) Send(godap.Message) error {
	loseConnection(t.client, io.ErrUnexpectedEOF)
	return io.ErrClosedPipe
}

func TestClientSendFailsAfterConnectionLost(t *testing.T) {
	bp := &brokenPipe{mockTransport: newMockTransport()}
	client := NewClient(bp)
	bp.client = client
	defer client.Close()

	_, err := client.Threads(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, err.Error(), "send threads")
}

func TestClientSkipsUndecodableMessages(t *testing.T) {
	mt := newMockTransport()
	mt.onSend = func(req godap.RequestMessage) {
		mt.errChan <- &godap.DecodeProtocolMessageFieldError{
			Seq:        99,
			SubType:    "event",
			FieldName:  "event",
			FieldValue: "gdbCustom",
		}
		mt.queue(&godap.ThreadsResponse{Response: response(req)})
	}

	client := NewClient(mt)
	defer client.Close()

	_, err := client.Threads(testContext(t))
	require.NoError(t, err)
	assert.NoError(t, client.Error())
}

func TestClientClose(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)

	require.NoError(t, client.Close())

	_, err := client.Threads(testContext(t))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestClientEventHandlers(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt)
	defer client.Close()

	stopped := make(chan godap.StoppedEventBody, 1)
	continued := make(chan godap.ContinuedEventBody, 1)
	output := make(chan godap.OutputEventBody, 1)
	initialized := make(chan struct{}, 1)
	anyEvents := make(chan string, 8)

	client.OnStopped(func(body godap.StoppedEventBody) { stopped <- body })
	client.OnContinued(func(body godap.ContinuedEventBody) { continued <- body })
	client.OnOutput(func(body godap.OutputEventBody) { output <- body })
	client.OnInitialized(func() { initialized <- struct{}{} })
	client.OnAnyEvent(func(evt godap.EventMessage) { anyEvents <- evt.GetEvent().Event })

	mt.queue(&godap.InitializedEvent{Event: godap.Event{Event: "initialized"}})
	mt.queue(&godap.StoppedEvent{
		Event: godap.Event{Event: "stopped"},
		Body:  godap.StoppedEventBody{Reason: "breakpoint", ThreadId: 7},
	})
	mt.queue(&godap.ContinuedEvent{
		Event: godap.Event{Event: "continued"},
		Body:  godap.ContinuedEventBody{ThreadId: 7},
	})
	mt.queue(&godap.OutputEvent{
		Event: godap.Event{Event: "output"},
		Body:  godap.OutputEventBody{Category: "console", Output: "hello\n"},
	})

	waitFor := func(ch <-chan struct{}) {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	waitFor(initialized)

	select {
	case body := <-stopped:
		assert.Equal(t, "breakpoint", body.Reason)
		assert.Equal(t, 7, body.ThreadId)
	case <-time.After(time.Second):
		t.Fatal("stopped not delivered")
	}
	select {
	case body := <-continued:
		assert.Equal(t, 7, body.ThreadId)
	case <-time.After(time.Second):
		t.Fatal("continued not delivered")
	}
	select {
	case body := <-output:
		assert.Equal(t, "hello\n", body.Output)
	case <-time.After(time.Second):
		t.Fatal("output not delivered")
	}

	var names []string
	for len(names) < 4 {
		select {
		case name := <-anyEvents:
			names = append(names, name)
		case <-time.After(time.Second):
			t.Fatalf("only %d events delivered", len(names))
		}
	}
	assert.Equal(t, []string{"initialized", "stopped", "continued", "output"}, names)
}
