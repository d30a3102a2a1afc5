package debugger

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/pgnodes/internal/host"
)

// Frame identifies a paused stack frame. It is a lookup key, never a handle:
// every operation re-resolves the session it names.
type Frame struct {
	SessionID string
	ThreadID  int
	FrameID   int
}

// String returns a compact representation for logs.
func (f Frame) String() string {
	return fmt.Sprintf("%s/%d/%d", f.SessionID, f.ThreadID, f.FrameID)
}

// Variable is raw data read from a paused frame. It is created fresh for
// every query and must not be cached across a refresh.
type Variable struct {
	Name  string
	Value string
	Type  string

	// Expr evaluates to this variable in Frame.
	Expr string

	// Ref is the adapter's variables reference, 0 when there are no
	// children.
	Ref int

	Frame Frame
}

// invalidMarkers are substrings debuggers put in place of a value they could
// not read.
var invalidMarkers = []string{
	"Cannot access memory",
	"<error",
	"<unavailable>",
	"<optimized out>",
}

// Invalid reports whether the value is a failed memory read.
func (v *Variable) Invalid() bool {
	if v == nil {
		return true
	}
	for _, m := range invalidMarkers {
		if strings.Contains(v.Value, m) {
			return true
		}
	}
	return false
}

// IsNull reports whether the value is a null pointer.
func (v *Variable) IsNull() bool {
	val := strings.TrimSpace(v.Value)
	return val == "0x0" || val == "NULL" || val == "nullptr" || strings.HasPrefix(val, "0x0 ")
}

// Scope is a variable scope of a frame.
type Scope struct {
	Name      string
	Ref       int
	Expensive bool
}

// ArrayRef describes an array whose length is wanted.
type ArrayRef struct {
	// Expr evaluates to the array or to the pointer to its first element.
	Expr string

	// LengthExpr, when set, evaluates to the number of elements (usually a
	// length member next to the pointer).
	LengthExpr string

	// Capacity is the declared size of a fixed array, 0 when unknown.
	Capacity int
}

// Session is a live debug session as seen by the facade.
type Session interface {
	ID() string

	Scopes(ctx context.Context, frameID int) ([]Scope, error)

	// Variables returns the children of ref. Frame is not set.
	Variables(ctx context.Context, ref int) ([]Variable, error)

	// Evaluate evaluates expr in frameID. Frame is not set.
	Evaluate(ctx context.Context, expr string, frameID int) (*Variable, error)
}

// EventKind is the kind of a session lifecycle event.
type EventKind int

const (
	EventStopped EventKind = iota
	EventContinued
	EventTerminated
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventStopped:
		return "stopped"
	case EventContinued:
		return "continued"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SessionEvent is a session lifecycle notification.
type SessionEvent struct {
	Kind      EventKind
	SessionID string
	ThreadID  int
}

// Host is the host debug API.
type Host interface {
	// ActiveSession returns the current session or nil.
	ActiveSession() Session

	// ActiveStackItem returns the frame the user is inspecting.
	ActiveStackItem() (Frame, bool)

	// OnDidChangeActiveStackItem subscribes to focus changes. Only hosts
	// with stack focus events deliver them. Losing the focus, when the
	// debuggee resumes or the session ends, is delivered as the zero Frame.
	OnDidChangeActiveStackItem(fn func(Frame)) host.Disposable

	// OnDidReceiveSessionEvent subscribes to lifecycle events.
	OnDidReceiveSessionEvent(fn func(SessionEvent)) host.Disposable
}

// MemberExpr builds the expression for member of a value of parentType
// evaluated by parentExpr. Index members ("[3]") become subscripts.
func MemberExpr(parentExpr, parentType, member string) string {
	if strings.HasPrefix(member, "[") && strings.HasSuffix(member, "]") {
		return fmt.Sprintf("(%s)%s", parentExpr, member)
	}
	if strings.HasSuffix(strings.TrimSpace(parentType), "*") {
		return fmt.Sprintf("(%s)->%s", parentExpr, member)
	}
	return fmt.Sprintf("(%s).%s", parentExpr, member)
}
