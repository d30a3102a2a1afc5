// Package debugger is the single gateway to the live debug session.
//
// The Facade evaluates expressions in a paused frame, lists variables and
// signals focus changes. Host differences are hidden behind two strategies
// chosen once at construction from the capability flags: how array lengths
// are determined and how focus changes are detected.
//
// The facade never keeps a session. Every operation asks the host for the
// active session and compares it with the session the frame belongs to; a
// missing or different session fails with ErrSessionTerminated.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/pgnodes/internal/features"
	"github.com/dshills/pgnodes/internal/host"
	"github.com/dshills/pgnodes/internal/logging"
)

const tracerName = "github.com/dshills/pgnodes/internal/debugger"

// DefaultMaxArrayProbe bounds manual array probing when neither the array's
// capacity nor the options give a bound.
const DefaultMaxArrayProbe = 1024

// Options configures a Facade.
type Options struct {
	Flags features.Flags

	// MaxArrayProbe bounds manual array probing. Zero means
	// DefaultMaxArrayProbe.
	MaxArrayProbe int

	Logger logging.Logger
}

// Facade normalizes host debugger capabilities behind one interface.
type Facade struct {
	host   Host
	log    logging.Logger
	tracer trace.Tracer

	arrays arrayStrategy
	focus  focusStrategy

	group singleflight.Group

	mu     sync.Mutex
	subs   host.Disposables
	closed bool
}

// New creates a facade over h, selecting strategies from opts.Flags.
func New(h Host, opts Options) *Facade {
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	if opts.MaxArrayProbe <= 0 {
		opts.MaxArrayProbe = DefaultMaxArrayProbe
	}

	f := &Facade{
		host:   h,
		log:    opts.Logger,
		tracer: otel.Tracer(tracerName),
	}

	if opts.Flags.ArrayLengthEvaluation {
		f.arrays = directArrays{}
	} else {
		f.arrays = manualArrays{limit: opts.MaxArrayProbe}
	}

	if opts.Flags.StackFocusEvents {
		f.focus = nativeFocus{}
	} else {
		f.focus = eventFocus{}
		f.log.Warn("stack focus events unavailable: refreshing on every stopped event, " +
			"which also fires when the focused frame did not change")
	}

	f.log.Debug("debugger facade: arrays=%s focus=%s", f.arrays.name(), f.focus.name())
	return f
}

// ArrayStrategy names the array length strategy in use.
func (f *Facade) ArrayStrategy() string {
	return f.arrays.name()
}

// FocusStrategy names the focus change strategy in use.
func (f *Facade) FocusStrategy() string {
	return f.focus.name()
}

// session re-resolves the active session for frame.
func (f *Facade) session(frame Frame) (Session, error) {
	s := f.host.ActiveSession()
	if s == nil {
		return nil, ErrSessionTerminated
	}
	if frame.SessionID != "" && s.ID() != frame.SessionID {
		return nil, ErrSessionTerminated
	}
	return s, nil
}

func (f *Facade) start(ctx context.Context, op string, frame Frame, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("debug.session", frame.SessionID),
		attribute.Int("debug.thread", frame.ThreadID),
		attribute.Int("debug.frame", frame.FrameID),
	)
	return f.tracer.Start(ctx, "debugger."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// wrap maps a session error onto the facade's taxonomy.
func wrap(expr string, err error) error {
	if errors.Is(err, ErrSessionTerminated) {
		return err
	}
	return &EvaluationError{Expr: expr, Err: err}
}

// ActiveFrame returns the frame the user is inspecting.
func (f *Facade) ActiveFrame(ctx context.Context) (Frame, error) {
	_, span := f.tracer.Start(ctx, "debugger.ActiveFrame")

	s := f.host.ActiveSession()
	if s == nil {
		finish(span, ErrSessionTerminated)
		return Frame{}, ErrSessionTerminated
	}

	frame, ok := f.host.ActiveStackItem()
	if !ok || (frame.SessionID != "" && frame.SessionID != s.ID()) {
		finish(span, ErrNoActiveFrame)
		return Frame{}, ErrNoActiveFrame
	}
	if frame.SessionID == "" {
		frame.SessionID = s.ID()
	}

	finish(span, nil)
	return frame, nil
}

// Evaluate evaluates expr in frame. Identical concurrent requests share one
// round-trip.
func (f *Facade) Evaluate(ctx context.Context, expr string, frame Frame) (_ *Variable, err error) {
	ctx, span := f.start(ctx, "Evaluate", frame, attribute.String("debug.expr", expr))
	defer func() { finish(span, err) }()

	s, err := f.session(frame)
	if err != nil {
		return nil, err
	}

	// The round-trip belongs to every caller sharing it, so it runs
	// detached and each caller stops waiting on its own context.
	key := fmt.Sprintf("%s\x00%d\x00%d\x00%s", s.ID(), frame.ThreadID, frame.FrameID, expr)
	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (any, error) {
		return s.Evaluate(detached, expr, frame.FrameID)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.Shared {
		span.SetAttributes(attribute.Bool("debug.shared", true))
	}
	if r.Err != nil {
		return nil, wrap(expr, r.Err)
	}
	res := r.Val

	// Shared results are copied so callers cannot observe each other.
	v := *res.(*Variable)
	v.Frame = frame
	if v.Expr == "" {
		v.Expr = expr
	}
	if v.Name == "" {
		v.Name = expr
	}
	return &v, nil
}

// ListVariables returns the variables of the frame's non-expensive scopes,
// locals and arguments in adapter order.
func (f *Facade) ListVariables(ctx context.Context, frame Frame) (_ []*Variable, err error) {
	ctx, span := f.start(ctx, "ListVariables", frame)
	defer func() { finish(span, err) }()

	s, err := f.session(frame)
	if err != nil {
		return nil, err
	}

	scopes, err := s.Scopes(ctx, frame.FrameID)
	if err != nil {
		return nil, wrap("scopes", err)
	}

	var out []*Variable
	for _, scope := range scopes {
		if scope.Expensive || scope.Ref == 0 {
			continue
		}
		vars, err := s.Variables(ctx, scope.Ref)
		if err != nil {
			return nil, wrap(scope.Name, err)
		}
		for i := range vars {
			v := vars[i]
			v.Frame = frame
			if v.Expr == "" {
				v.Expr = v.Name
			}
			out = append(out, &v)
		}
	}
	return out, nil
}

// Members returns the debugger's own children of v.
func (f *Facade) Members(ctx context.Context, v *Variable) (_ []*Variable, err error) {
	ctx, span := f.start(ctx, "Members", v.Frame, attribute.String("debug.expr", v.Expr))
	defer func() { finish(span, err) }()

	if v.Ref == 0 {
		return nil, nil
	}

	s, err := f.session(v.Frame)
	if err != nil {
		return nil, err
	}

	vars, err := s.Variables(ctx, v.Ref)
	if err != nil {
		return nil, wrap(v.Expr, err)
	}

	out := make([]*Variable, 0, len(vars))
	for i := range vars {
		m := vars[i]
		m.Frame = v.Frame
		if m.Expr == "" {
			m.Expr = MemberExpr(v.Expr, v.Type, m.Name)
		}
		out = append(out, &m)
	}
	return out, nil
}

// GetArrayLength returns the number of elements of ref.
func (f *Facade) GetArrayLength(ctx context.Context, ref ArrayRef, frame Frame) (_ int, err error) {
	ctx, span := f.start(ctx, "GetArrayLength", frame,
		attribute.String("debug.expr", ref.Expr),
		attribute.String("debug.strategy", f.arrays.name()),
	)
	defer func() { finish(span, err) }()

	if _, err := f.session(frame); err != nil {
		return 0, err
	}

	n, err := f.arrays.length(ctx, f, ref, frame)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("debug.length", n))
	return n, nil
}

// evalCount evaluates expr and parses the result as an element count.
func (f *Facade) evalCount(ctx context.Context, expr string, frame Frame) (int, error) {
	v, err := f.Evaluate(ctx, expr, frame)
	if err != nil {
		return 0, err
	}
	n, err := ParseCount(v.Value)
	if err != nil {
		return 0, &EvaluationError{Expr: expr, Err: err}
	}
	return n, nil
}

// ParseCount parses an integer as printed by a debugger ("5", "5UL",
// "0x10", "16 '\\020'"). Negative values count as zero.
func ParseCount(s string) (int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty count")
	}
	tok := strings.TrimRight(strings.ToLower(fields[0]), "ul")
	n, err := strconv.ParseInt(tok, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", s, err)
	}
	if n < 0 {
		return 0, nil
	}
	return int(n), nil
}

// OnFocusChange registers fn to run when the user may have switched frame
// or thread. The subscription is also released by Close.
func (f *Facade) OnFocusChange(fn func()) host.Disposable {
	sub := f.focus.subscribe(f.host, fn)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		sub.Dispose()
		return host.DisposableFunc(nil)
	}
	f.subs.Add(sub)
	return sub
}

// Close releases every host subscription. It is safe to call Close multiple
// times.
func (f *Facade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.subs.Dispose()
	return nil
}

// Dispose implements host.Disposable.
func (f *Facade) Dispose() {
	_ = f.Close()
}
