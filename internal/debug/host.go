package debug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/pgnodes/internal/dap"
	"github.com/dshills/pgnodes/internal/debugger"
	"github.com/dshills/pgnodes/internal/host"
	"github.com/dshills/pgnodes/internal/logging"
)

// DefaultStackTimeout bounds the stack fetch that follows a stop.
const DefaultStackTimeout = 10 * time.Second

// Host implements debugger.Host on top of a DAP session.
//
// On every stop it loads the stopped thread's call stack, focuses the top
// frame and then announces both the focus change and the stopped event.
// Losing the focused frame, on continue or termination, is announced as a
// focus change to the zero Frame.
// Stack loading runs on its own goroutine because session handlers are
// called on the client's receive goroutine, which must keep reading for the
// responses to arrive.
type Host struct {
	log     logging.Logger
	timeout time.Duration

	mu       sync.RWMutex
	session  *Session
	nav      *StackNavigator
	frame    debugger.Frame
	hasFrame bool

	// stops is bumped on every state change so stack loads started for an
	// earlier stop are dropped.
	stops uint64

	nextID    uint64
	focusSubs map[uint64]func(debugger.Frame)
	eventSubs map[uint64]func(debugger.SessionEvent)
}

// NewHost creates a host without a session.
func NewHost(log logging.Logger) *Host {
	if log == nil {
		log = logging.Discard
	}
	return &Host{
		log:       log,
		timeout:   DefaultStackTimeout,
		focusSubs: make(map[uint64]func(debugger.Frame)),
		eventSubs: make(map[uint64]func(debugger.SessionEvent)),
	}
}

// SetStackTimeout changes the bound of post-stop stack fetches.
func (h *Host) SetStackTimeout(d time.Duration) {
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// Attach makes s the active session and takes over its event handlers.
func (h *Host) Attach(s *Session) {
	h.mu.Lock()
	h.session = s
	h.nav = NewStackNavigator(s)
	h.hasFrame = false
	h.stops++
	h.mu.Unlock()

	s.SetHandlers(SessionHandlers{
		OnStateChanged: func(old, state SessionState) {
			h.log.Debug("session %s: %s -> %s", s.ID(), old, state)
		},
		OnStopped: func(reason string, threadID int, _ bool) {
			h.onStopped(s, reason, threadID)
		},
		OnContinued: func(threadID int) {
			h.onContinued(s, threadID)
		},
		OnOutput: func(category, output string) {
			h.log.Debug("[%s] %s", category, output)
		},
		OnTerminated: func() {
			h.onTerminated(s)
		},
	})
}

// Detach forgets the active session, as if it had terminated.
func (h *Host) Detach() {
	h.mu.RLock()
	s := h.session
	h.mu.RUnlock()
	if s != nil {
		h.onTerminated(s)
	}
}

// Session returns the attached session, nil if none.
func (h *Host) Session() *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// Navigator returns the stack navigator of the attached session.
func (h *Host) Navigator() *StackNavigator {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nav
}

// ActiveSession implements debugger.Host.
func (h *Host) ActiveSession() debugger.Session {
	h.mu.RLock()
	s := h.session
	h.mu.RUnlock()

	if s == nil || !s.State().Live() {
		return nil
	}
	return &sessionAdapter{s: s}
}

// ActiveStackItem implements debugger.Host.
func (h *Host) ActiveStackItem() (debugger.Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frame, h.hasFrame
}

// SelectFrame focuses frame index of thread, loading its stack when
// needed, and notifies focus listeners.
func (h *Host) SelectFrame(ctx context.Context, threadID, index int) (debugger.Frame, error) {
	h.mu.RLock()
	s, nav := h.session, h.nav
	h.mu.RUnlock()

	if s == nil {
		return debugger.Frame{}, debugger.ErrSessionTerminated
	}
	if s.State() != StateStopped {
		return debugger.Frame{}, debugger.ErrNoActiveFrame
	}

	if _, err := nav.GetCurrentFrame(threadID); err != nil {
		if _, err := nav.GetCallStack(ctx, threadID); err != nil {
			return debugger.Frame{}, mapError(err)
		}
	}

	for {
		loaded, total := nav.FrameCount(threadID)
		if index < loaded || loaded >= total {
			break
		}
		if err := nav.FetchMoreFrames(ctx, threadID); err != nil {
			return debugger.Frame{}, mapError(err)
		}
		if more, _ := nav.FrameCount(threadID); more == loaded {
			break
		}
	}

	sf, err := nav.SelectFrame(threadID, index)
	if err != nil {
		return debugger.Frame{}, err
	}

	frame := debugger.Frame{SessionID: s.ID(), ThreadID: threadID, FrameID: sf.ID}
	h.mu.Lock()
	if h.session != s {
		h.mu.Unlock()
		return debugger.Frame{}, debugger.ErrSessionTerminated
	}
	h.frame = frame
	h.hasFrame = true
	h.mu.Unlock()

	h.emitFocus(frame)
	return frame, nil
}

// OnDidChangeActiveStackItem implements debugger.Host.
func (h *Host) OnDidChangeActiveStackItem(fn func(debugger.Frame)) host.Disposable {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.focusSubs[id] = fn

	return host.Once(func() {
		h.mu.Lock()
		delete(h.focusSubs, id)
		h.mu.Unlock()
	})
}

// OnDidReceiveSessionEvent implements debugger.Host.
func (h *Host) OnDidReceiveSessionEvent(fn func(debugger.SessionEvent)) host.Disposable {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.eventSubs[id] = fn

	return host.Once(func() {
		h.mu.Lock()
		delete(h.eventSubs, id)
		h.mu.Unlock()
	})
}

func (h *Host) emitFocus(frame debugger.Frame) {
	h.mu.RLock()
	subs := make([]func(debugger.Frame), 0, len(h.focusSubs))
	for _, fn := range h.focusSubs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(frame)
	}
}

func (h *Host) emitEvent(e debugger.SessionEvent) {
	h.mu.RLock()
	subs := make([]func(debugger.SessionEvent), 0, len(h.eventSubs))
	for _, fn := range h.eventSubs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

func (h *Host) onStopped(s *Session, reason string, threadID int) {
	h.mu.Lock()
	if h.session != s {
		h.mu.Unlock()
		return
	}
	h.stops++
	seq := h.stops
	nav := h.nav
	timeout := h.timeout
	h.hasFrame = false
	h.mu.Unlock()

	h.log.Debug("session %s stopped (%s) on thread %d", s.ID(), reason, threadID)
	go h.focusTop(s, nav, seq, threadID, timeout)
}

// focusTop loads the stack of threadID and focuses its top frame.
func (h *Host) focusTop(s *Session, nav *StackNavigator, seq uint64, threadID int, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if threadID == 0 {
		if threads, err := s.GetThreads(ctx); err == nil && len(threads) > 0 {
			threadID = threads[0].Id
		}
	}

	var frame debugger.Frame
	stack, err := nav.GetCallStack(ctx, threadID)
	focused := err == nil && len(stack.Frames) > 0
	if err != nil {
		h.log.Warn("load stack of thread %d: %v", threadID, err)
	}

	h.mu.Lock()
	if h.session != s || h.stops != seq {
		h.mu.Unlock()
		return
	}
	if focused {
		frame = debugger.Frame{SessionID: s.ID(), ThreadID: threadID, FrameID: stack.Frames[0].ID}
		h.frame = frame
		h.hasFrame = true
	}
	h.mu.Unlock()

	if focused {
		h.emitFocus(frame)
	}
	h.emitEvent(debugger.SessionEvent{Kind: debugger.EventStopped, SessionID: s.ID(), ThreadID: threadID})
}

func (h *Host) onContinued(s *Session, threadID int) {
	h.mu.Lock()
	if h.session != s {
		h.mu.Unlock()
		return
	}
	h.stops++
	hadFrame := h.hasFrame
	h.hasFrame = false
	h.frame = debugger.Frame{}
	nav := h.nav
	h.mu.Unlock()

	nav.ClearStacks()
	if hadFrame {
		h.emitFocus(debugger.Frame{})
	}
	h.emitEvent(debugger.SessionEvent{Kind: debugger.EventContinued, SessionID: s.ID(), ThreadID: threadID})
}

func (h *Host) onTerminated(s *Session) {
	h.mu.Lock()
	if h.session != s {
		h.mu.Unlock()
		return
	}
	h.session = nil
	h.nav = nil
	hadFrame := h.hasFrame
	h.hasFrame = false
	h.frame = debugger.Frame{}
	h.stops++
	h.mu.Unlock()

	h.log.Info("debug session %s ended", s.ID())
	if hadFrame {
		h.emitFocus(debugger.Frame{})
	}
	h.emitEvent(debugger.SessionEvent{Kind: debugger.EventTerminated, SessionID: s.ID()})
}

// sessionAdapter exposes a Session as a debugger.Session.
type sessionAdapter struct {
	s *Session
}

func (a *sessionAdapter) ID() string {
	return a.s.ID()
}

func (a *sessionAdapter) Scopes(ctx context.Context, frameID int) ([]debugger.Scope, error) {
	if err := a.live(); err != nil {
		return nil, err
	}
	scopes, err := a.s.GetScopes(ctx, frameID)
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]debugger.Scope, len(scopes))
	for i, sc := range scopes {
		out[i] = debugger.Scope{Name: sc.Name, Ref: sc.VariablesReference, Expensive: sc.Expensive}
	}
	return out, nil
}

func (a *sessionAdapter) Variables(ctx context.Context, ref int) ([]debugger.Variable, error) {
	if err := a.live(); err != nil {
		return nil, err
	}
	vars, err := a.s.GetVariables(ctx, ref)
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]debugger.Variable, len(vars))
	for i, v := range vars {
		out[i] = debugger.Variable{
			Name:  v.Name,
			Value: v.Value,
			Type:  v.Type,
			Expr:  v.EvaluateName,
			Ref:   v.VariablesReference,
		}
	}
	return out, nil
}

func (a *sessionAdapter) Evaluate(ctx context.Context, expr string, frameID int) (*debugger.Variable, error) {
	if err := a.live(); err != nil {
		return nil, err
	}
	body, err := a.s.Evaluate(ctx, expr, frameID, "watch")
	if err != nil {
		return nil, mapError(err)
	}
	return &debugger.Variable{
		Name:  expr,
		Value: body.Result,
		Type:  body.Type,
		Expr:  expr,
		Ref:   body.VariablesReference,
	}, nil
}

func (a *sessionAdapter) live() error {
	if !a.s.State().Live() {
		return debugger.ErrSessionTerminated
	}
	return nil
}

// mapError turns transport failures into session termination. Adapter
// rejections are returned as is.
func mapError(err error) error {
	if errors.Is(err, dap.ErrConnectionLost) || errors.Is(err, dap.ErrClosed) {
		return fmt.Errorf("%w: %v", debugger.ErrSessionTerminated, err)
	}
	return err
}
