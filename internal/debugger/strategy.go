package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/pgnodes/internal/host"
)

// arrayStrategy determines the number of elements of an array.
type arrayStrategy interface {
	name() string
	length(ctx context.Context, f *Facade, ref ArrayRef, frame Frame) (int, error)
}

// directArrays asks the debugger once.
type directArrays struct{}

func (directArrays) name() string { return "direct" }

func (directArrays) length(ctx context.Context, f *Facade, ref ArrayRef, frame Frame) (int, error) {
	expr := ref.LengthExpr
	if expr == "" {
		expr = fmt.Sprintf("sizeof(%s)/sizeof((%s)[0])", ref.Expr, ref.Expr)
	}
	return f.evalCount(ctx, expr, frame)
}

// manualArrays probes elements one by one. A length expression is data
// stored in the debuggee, so it is still read with a single evaluation.
// Without one the probe stops at the first element that fails to evaluate
// or reads invalid memory, and never goes past the declared capacity or the
// configured limit.
type manualArrays struct {
	limit int
}

func (manualArrays) name() string { return "manual" }

func (m manualArrays) length(ctx context.Context, f *Facade, ref ArrayRef, frame Frame) (int, error) {
	if ref.LengthExpr != "" {
		return f.evalCount(ctx, ref.LengthExpr, frame)
	}

	bound := m.limit
	if ref.Capacity > 0 && ref.Capacity < bound {
		bound = ref.Capacity
	}

	n := 0
	for ; n < bound; n++ {
		v, err := f.Evaluate(ctx, fmt.Sprintf("(%s)[%d]", ref.Expr, n), frame)
		if err != nil {
			if errors.Is(err, ErrSessionTerminated) || ctx.Err() != nil {
				return 0, err
			}
			break
		}
		if v.Invalid() {
			break
		}
	}
	return n, nil
}

// focusStrategy detects focus changes.
type focusStrategy interface {
	name() string
	subscribe(h Host, fn func()) host.Disposable
}

// nativeFocus relays the host's own stack item notifications.
type nativeFocus struct{}

func (nativeFocus) name() string { return "native" }

func (nativeFocus) subscribe(h Host, fn func()) host.Disposable {
	return once(h.OnDidChangeActiveStackItem(func(Frame) {
		fn()
	}))
}

// eventFocus emulates focus changes from lifecycle events. A stopped event
// that does not follow another stopped event counts as a focus change, as
// does termination. It cannot tell a stop on the same frame from a stop on a
// different one and fires for both.
type eventFocus struct{}

func (eventFocus) name() string { return "event" }

func (eventFocus) subscribe(h Host, fn func()) host.Disposable {
	var mu sync.Mutex
	stopped := false

	return once(h.OnDidReceiveSessionEvent(func(e SessionEvent) {
		mu.Lock()
		wasStopped := stopped
		stopped = e.Kind == EventStopped
		mu.Unlock()

		switch e.Kind {
		case EventStopped:
			if !wasStopped {
				fn()
			}
		case EventTerminated:
			fn()
		}
	}))
}

func once(d host.Disposable) host.Disposable {
	if d == nil {
		return host.DisposableFunc(nil)
	}
	return host.Once(d.Dispose)
}
