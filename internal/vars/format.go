package vars

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dshills/pgnodes/internal/debugger"
)

// Functions of the pg_hacker_helper contrib extension.
const (
	helperVersionExpr = "pg_hacker_helper_version()"
	helperFormatFunc  = "pg_hacker_helper_format_expr"
)

// ExprFormatter describes expression nodes with the pg_hacker_helper
// extension loaded into the debuggee. Availability is probed once and kept
// until Reset.
type ExprFormatter struct {
	ev    Evaluator
	types map[string]bool

	mu         sync.Mutex
	rangeTable string
	probed     bool
	available  bool
}

// noRangeTable makes the helper print Vars without relation names.
const noRangeTable = "(List *) 0"

// NewExprFormatter creates a formatter for nodes of the given types.
func NewExprFormatter(ev Evaluator, types ...string) *ExprFormatter {
	f := &ExprFormatter{
		ev:         ev,
		types:      make(map[string]bool, len(types)),
		rangeTable: noRangeTable,
	}
	for _, t := range types {
		f.types[t] = true
	}
	return f
}

// SetRangeTable sets the expression of the range table used to name Vars,
// such as "root->parse->rtable". It is evaluated in the frame of each
// described node; "" clears it.
func (f *ExprFormatter) SetRangeTable(expr string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = noRangeTable
	}
	f.mu.Lock()
	f.rangeTable = expr
	f.mu.Unlock()
}

// Reset forgets the probe result. The extension may be loaded between
// stops.
func (f *ExprFormatter) Reset() {
	f.mu.Lock()
	f.probed = false
	f.available = false
	f.mu.Unlock()
}

// Available reports whether the helper extension answered the probe.
func (f *ExprFormatter) Available(ctx context.Context, frame debugger.Frame) (bool, error) {
	f.mu.Lock()
	if f.probed {
		ok := f.available
		f.mu.Unlock()
		return ok, nil
	}
	f.mu.Unlock()

	ok := false
	v, err := f.ev.Evaluate(ctx, helperVersionExpr, frame)
	switch {
	case errors.Is(err, debugger.ErrSessionTerminated):
		return false, err
	case err == nil:
		n, perr := debugger.ParseCount(v.Value)
		ok = perr == nil && n >= 1
	}

	f.mu.Lock()
	f.probed = true
	f.available = ok
	f.mu.Unlock()
	return ok, nil
}

// Describe implements Describer.
func (f *ExprFormatter) Describe(ctx context.Context, n *Node) (string, error) {
	if n.Var == nil || !f.types[n.Type] {
		return "", nil
	}

	ok, err := f.Available(ctx, n.Var.Frame)
	if err != nil || !ok {
		return "", err
	}

	f.mu.Lock()
	rtable := f.rangeTable
	f.mu.Unlock()

	expr := fmt.Sprintf("%s((Expr *)(%s), %s)", helperFormatFunc, n.Var.Expr, rtable)
	v, err := f.ev.Evaluate(ctx, expr, n.Var.Frame)
	if err != nil {
		return "", err
	}
	return cString(v.Value), nil
}

// cString extracts the contents of a printed C string such as
// `0x55d0c8a3e0 "a.x + 1"`. A null pointer yields "".
func cString(s string) string {
	start := strings.IndexByte(s, '"')
	end := strings.LastIndexByte(s, '"')
	if start < 0 || end <= start {
		return ""
	}
	return strings.ReplaceAll(s[start+1:end], `\"`, `"`)
}
