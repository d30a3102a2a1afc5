// Package debuggertest provides an in-memory debug host for tests.
package debuggertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/pgnodes/internal/debugger"
	"github.com/dshills/pgnodes/internal/host"
)

// Session is a scripted debug session. Expressions evaluate to the values
// registered with Set; anything else fails like an unknown symbol.
type Session struct {
	id string

	mu         sync.Mutex
	values     map[string]debugger.Variable
	errors     map[string]string
	children   map[int][]debugger.Variable
	scopes     map[int][]debugger.Scope
	evals      []string
	terminated bool

	// BeforeEvaluate, when set, runs before every evaluation outside the
	// session's lock.
	BeforeEvaluate func(expr string)
}

// NewSession creates an empty session.
func NewSession(id string) *Session {
	return &Session{
		id:       id,
		values:   make(map[string]debugger.Variable),
		errors:   make(map[string]string),
		children: make(map[int][]debugger.Variable),
		scopes:   make(map[int][]debugger.Scope),
	}
}

// ID implements debugger.Session.
func (s *Session) ID() string { return s.id }

// Set makes expr evaluate to value of type typ with children under ref.
func (s *Session) Set(expr, value, typ string, ref int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errors, expr)
	s.values[expr] = debugger.Variable{Name: expr, Value: value, Type: typ, Ref: ref}
}

// Fail makes expr fail with message.
func (s *Session) Fail(expr, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, expr)
	s.errors[expr] = message
}

// SetChildren sets the variables listed under ref.
func (s *Session) SetChildren(ref int, vars ...debugger.Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[ref] = vars
}

// SetScopes sets the scopes of frameID.
func (s *Session) SetScopes(frameID int, scopes ...debugger.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[frameID] = scopes
}

// Terminate makes every later call fail with ErrSessionTerminated.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
}

// Evaluations returns every evaluated expression, in order.
func (s *Session) Evaluations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evals...)
}

// EvalCount returns how often expr was evaluated.
func (s *Session) EvalCount(expr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.evals {
		if e == expr {
			n++
		}
	}
	return n
}

// ResetEvaluations clears the evaluation log.
func (s *Session) ResetEvaluations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals = nil
}

// Scopes implements debugger.Session.
func (s *Session) Scopes(_ context.Context, frameID int) ([]debugger.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil, debugger.ErrSessionTerminated
	}
	return append([]debugger.Scope(nil), s.scopes[frameID]...), nil
}

// Variables implements debugger.Session.
func (s *Session) Variables(_ context.Context, ref int) ([]debugger.Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil, debugger.ErrSessionTerminated
	}
	vars, ok := s.children[ref]
	if !ok {
		return nil, fmt.Errorf("invalid variables reference %d", ref)
	}
	return append([]debugger.Variable(nil), vars...), nil
}

// Evaluate implements debugger.Session.
func (s *Session) Evaluate(ctx context.Context, expr string, _ int) (*debugger.Variable, error) {
	if s.BeforeEvaluate != nil {
		s.BeforeEvaluate(expr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evals = append(s.evals, expr)
	if s.terminated {
		return nil, debugger.ErrSessionTerminated
	}
	if msg, ok := s.errors[expr]; ok {
		return nil, fmt.Errorf("%s", msg)
	}
	v, ok := s.values[expr]
	if !ok {
		return nil, fmt.Errorf("No symbol \"%s\" in current context.", expr)
	}
	return &v, nil
}

// Host is a scripted debugger.Host.
type Host struct {
	mu       sync.Mutex
	session  debugger.Session
	frame    debugger.Frame
	hasFrame bool
	nextID   int
	focus    map[int]func(debugger.Frame)
	events   map[int]func(debugger.SessionEvent)
}

// NewHost creates a host without a session.
func NewHost() *Host {
	return &Host{
		focus:  make(map[int]func(debugger.Frame)),
		events: make(map[int]func(debugger.SessionEvent)),
	}
}

// SetSession replaces the active session; nil ends it.
func (h *Host) SetSession(s debugger.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s == nil {
		h.session = nil
		h.hasFrame = false
		return
	}
	h.session = s
}

// SetFrame sets the focused frame without notifying.
func (h *Host) SetFrame(f debugger.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frame = f
	h.hasFrame = true
}

// Focus sets the focused frame and notifies focus listeners.
func (h *Host) Focus(f debugger.Frame) {
	h.SetFrame(f)

	h.mu.Lock()
	listeners := make([]func(debugger.Frame), 0, len(h.focus))
	for _, fn := range h.focus {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(f)
	}
}

// Emit delivers a lifecycle event.
func (h *Host) Emit(e debugger.SessionEvent) {
	h.mu.Lock()
	listeners := make([]func(debugger.SessionEvent), 0, len(h.events))
	for _, fn := range h.events {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// Listeners returns the number of active subscriptions.
func (h *Host) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.focus) + len(h.events)
}

// ActiveSession implements debugger.Host.
func (h *Host) ActiveSession() debugger.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// ActiveStackItem implements debugger.Host.
func (h *Host) ActiveStackItem() (debugger.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame, h.hasFrame
}

// OnDidChangeActiveStackItem implements debugger.Host.
func (h *Host) OnDidChangeActiveStackItem(fn func(debugger.Frame)) host.Disposable {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.focus[id] = fn
	return host.DisposableFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.focus, id)
	})
}

// OnDidReceiveSessionEvent implements debugger.Host.
func (h *Host) OnDidReceiveSessionEvent(fn func(debugger.SessionEvent)) host.Disposable {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.events[id] = fn
	return host.DisposableFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.events, id)
	})
}
