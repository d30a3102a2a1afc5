// Package daptest provides an in-memory debug adapter for tests.
package daptest

import (
	"bufio"
	"net"
	"sync"

	godap "github.com/google/go-dap"

	"github.com/dshills/pgnodes/internal/dap"
)

// HandlerFunc answers a request. The adapter fills in the response envelope
// (seq, request_seq, command); handlers only set the body, and Success when
// they want to fail.
type HandlerFunc func(req godap.RequestMessage) godap.ResponseMessage

// Adapter is a fake debug adapter speaking DAP over a net.Pipe.
type Adapter struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	seq     int

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	received []string

	done chan struct{}
}

// New starts an adapter and returns it together with a client connected to
// it. Close the client to stop the adapter.
func New() (*Adapter, *dap.Client) {
	server, client := net.Pipe()
	a := &Adapter{
		conn:     server,
		reader:   bufio.NewReader(server),
		handlers: make(map[string]HandlerFunc),
		done:     make(chan struct{}),
	}
	go a.serve()
	return a, dap.NewClient(dap.NewConnTransport(client))
}

// Handle registers fn for command, replacing any previous handler.
func (a *Adapter) Handle(command string, fn HandlerFunc) {
	a.mu.Lock()
	a.handlers[command] = fn
	a.mu.Unlock()
}

// Received returns the commands received so far, in order.
func (a *Adapter) Received() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.received...)
}

// Count returns how many times command was received.
func (a *Adapter) Count(command string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.received {
		if c == command {
			n++
		}
	}
	return n
}

// Send pushes an event to the client.
func (a *Adapter) Send(evt godap.EventMessage) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.seq++
	e := evt.GetEvent()
	e.Seq = a.seq
	e.Type = "event"
	return godap.WriteProtocolMessage(a.conn, evt)
}

// Drop closes the connection without a terminated event, as a crashing
// adapter would.
func (a *Adapter) Drop() {
	a.conn.Close()
	<-a.done
}

// Done is closed once the adapter stopped serving.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) serve() {
	defer close(a.done)
	for {
		msg, err := godap.ReadProtocolMessage(a.reader)
		if err != nil {
			return
		}
		req, ok := msg.(godap.RequestMessage)
		if !ok {
			continue
		}
		command := req.GetRequest().Command

		a.mu.Lock()
		a.received = append(a.received, command)
		fn := a.handlers[command]
		a.mu.Unlock()

		var resp godap.ResponseMessage
		if fn != nil {
			resp = fn(req)
		}
		if resp == nil {
			resp = Fail("unsupported request " + command)
		}
		if err := a.reply(req, resp); err != nil {
			return
		}
	}
}

func (a *Adapter) reply(req godap.RequestMessage, resp godap.ResponseMessage) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.seq++
	r := resp.GetResponse()
	r.Seq = a.seq
	r.Type = "response"
	r.RequestSeq = req.GetRequest().Seq
	r.Command = req.GetRequest().Command
	if _, failed := resp.(*godap.ErrorResponse); !failed {
		r.Success = true
	}
	return godap.WriteProtocolMessage(a.conn, resp)
}

// Fail builds an error response carrying message.
func Fail(message string) *godap.ErrorResponse {
	return &godap.ErrorResponse{
		Response: godap.Response{Success: false, Message: message},
	}
}

// Stopped builds a stopped event for threadID.
func Stopped(threadID int, reason string) *godap.StoppedEvent {
	return &godap.StoppedEvent{
		Event: godap.Event{Event: "stopped"},
		Body:  godap.StoppedEventBody{Reason: reason, ThreadId: threadID},
	}
}

// Continued builds a continued event for threadID.
func Continued(threadID int) *godap.ContinuedEvent {
	return &godap.ContinuedEvent{
		Event: godap.Event{Event: "continued"},
		Body:  godap.ContinuedEventBody{ThreadId: threadID, AllThreadsContinued: true},
	}
}

// Terminated builds a terminated event.
func Terminated() *godap.TerminatedEvent {
	return &godap.TerminatedEvent{Event: godap.Event{Event: "terminated"}}
}
