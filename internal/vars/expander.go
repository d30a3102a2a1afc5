package vars

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/pgnodes/internal/debugger"
	"github.com/dshills/pgnodes/internal/logging"
)

// DefaultElementLimit bounds the children produced for one list, array or
// chain.
const DefaultElementLimit = 1024

var (
	// fixedArrayType matches "int [4]" and "RangeTblEntry *[8]".
	fixedArrayType = regexp.MustCompile(`^(.*?)\s*\[(\d+)\]$`)

	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Node is a classified variable.
type Node struct {
	// Name is the label: the variable or member name, or "[i]".
	Name string

	// Var is the variable read from the debuggee; nil for error leaves.
	Var *debugger.Variable

	Kind Kind

	// Type is the display type. Tagged nodes carry their concrete type.
	Type string

	// Tag is the discriminator value of a tagged node.
	Tag string

	// Description is an optional one-line summary.
	Description string

	// Err is set on error leaves.
	Err error

	rule   *Rule
	member *MemberRule

	parentExpr string
	parentType string
	capacity   int
}

// Expandable reports whether the node may have children.
func (n *Node) Expandable() bool {
	return n.Err == nil && n.Var != nil && n.Kind != Scalar
}

// Value returns the displayed value.
func (n *Node) Value() string {
	if n.Err != nil {
		return n.Err.Error()
	}
	if n.Var == nil {
		return ""
	}
	return n.Var.Value
}

// Member returns the special member rule applied to the node, if any.
func (n *Node) Member() *MemberRule {
	return n.member
}

// ErrorNode builds an error leaf.
func ErrorNode(name string, err error) *Node {
	return &Node{Name: name, Kind: Scalar, Err: err}
}

// Describer adds a one-line description to classified nodes.
type Describer interface {
	Describe(ctx context.Context, n *Node) (string, error)
}

// Source lists the variables of a frame.
type Source interface {
	ListVariables(ctx context.Context, frame debugger.Frame) ([]*debugger.Variable, error)
}

// Expander classifies variables and enumerates their children.
type Expander struct {
	ev        Evaluator
	nodes     *NodeVarRegistry
	members   *SpecialMemberRegistry
	log       logging.Logger
	limit     int
	describer Describer
}

// ExpanderOption configures an Expander.
type ExpanderOption func(*Expander)

// WithLogger sets the logger.
func WithLogger(log logging.Logger) ExpanderOption {
	return func(x *Expander) {
		if log != nil {
			x.log = log
		}
	}
}

// WithElementLimit bounds the children of one list, array or chain.
func WithElementLimit(n int) ExpanderOption {
	return func(x *Expander) {
		if n > 0 {
			x.limit = n
		}
	}
}

// WithDescriber installs d to describe resolved tagged nodes.
func WithDescriber(d Describer) ExpanderOption {
	return func(x *Expander) {
		x.describer = d
	}
}

// NewExpander creates an expander reading through ev.
func NewExpander(ev Evaluator, nodes *NodeVarRegistry, members *SpecialMemberRegistry, opts ...ExpanderOption) *Expander {
	x := &Expander{
		ev:      ev,
		nodes:   nodes,
		members: members,
		log:     logging.Discard,
		limit:   DefaultElementLimit,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Evaluator returns the evaluator used by the expander.
func (x *Expander) Evaluator() Evaluator {
	return x.ev
}

// Limit returns the element limit.
func (x *Expander) Limit() int {
	return x.limit
}

// Roots classifies the variables of frame. src is usually the same facade
// as the evaluator.
func (x *Expander) Roots(ctx context.Context, src Source, frame debugger.Frame) ([]*Node, error) {
	vars, err := src.ListVariables(ctx, frame)
	if err != nil {
		return nil, err
	}

	out := make([]*Node, 0, len(vars))
	for _, v := range vars {
		n, err := x.Classify(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Classify classifies a top-level variable. The only error returned is
// session termination; other failures produce an error leaf.
func (x *Expander) Classify(ctx context.Context, v *debugger.Variable) (*Node, error) {
	return x.classify(ctx, nil, v)
}

func (x *Expander) classify(ctx context.Context, parent *Node, v *debugger.Variable) (*Node, error) {
	n := &Node{Name: v.Name, Var: v, Type: v.Type, Kind: Scalar}
	if v.Invalid() {
		return n, nil
	}

	// Special members win over the member's own type.
	if parent != nil && parent.Var != nil {
		n.parentExpr = parent.Var.Expr
		n.parentType = parent.Var.Type
		if mr, ok := x.members.Lookup(x.nodes.Normalize(parent.Type), v.Name); ok {
			if !v.IsNull() {
				n.member = mr
				n.Kind = mr.kind()
			}
			return n, nil
		}
	}

	if v.IsNull() {
		return n, nil
	}

	if pointerDepth(v.Type) > 1 {
		x.generic(n)
		return n, nil
	}

	rule, err := x.nodes.Classify(v.Type)
	if err != nil {
		x.generic(n)
		return n, nil
	}

	if rule.Kind == Tagged {
		// An embedded header (Scan.plan, Expr xpr) is the base struct
		// itself; only references are polymorphic.
		if pointerDepth(v.Type) == 0 {
			n.Kind = Struct
			return n, nil
		}
		return x.resolve(ctx, rule, n)
	}
	n.Kind = rule.Kind
	n.rule = rule
	return n, nil
}

// generic classifies a value no rule applies to.
func (x *Expander) generic(n *Node) {
	if m := fixedArrayType.FindStringSubmatch(n.Var.Type); m != nil {
		if c, err := strconv.Atoi(m[2]); err == nil && c > 0 {
			n.Kind = Array
			n.capacity = c
			return
		}
	}
	if n.Var.Ref != 0 {
		n.Kind = Struct
	}
}

// resolve reads the discriminator of a tagged value and reclassifies it as
// the concrete type.
func (x *Expander) resolve(ctx context.Context, rule *Rule, n *Node) (*Node, error) {
	v := n.Var

	dv, err := x.ev.Evaluate(ctx, discriminatorExpr(rule, v), v.Frame)
	if err != nil {
		return x.fail(n, err)
	}

	n.Tag = tagValue(dv.Value)
	concrete, ok := rule.Tags[n.Tag]
	if !ok {
		// Unmapped tags render opaquely.
		n.Kind = Scalar
		n.Description = n.Tag
		return n, nil
	}
	concrete = x.nodes.Normalize(concrete)

	cv, err := x.ev.Evaluate(ctx, castExpr(concrete, v), v.Frame)
	if err != nil {
		return x.fail(n, err)
	}
	cv.Name = v.Name
	n.Var = cv
	n.Type = concrete

	cr, err := x.nodes.Classify(concrete)
	if err != nil || cr.Kind == Tagged {
		n.Kind = Struct
	} else {
		n.Kind = cr.Kind
		n.rule = cr
	}

	if x.describer != nil {
		d, err := x.describer.Describe(ctx, n)
		if errors.Is(err, debugger.ErrSessionTerminated) {
			return nil, err
		}
		if err != nil {
			x.log.Debug("describe %s: %v", cv.Expr, err)
		}
		n.Description = d
	}
	return n, nil
}

// fail turns err into an error leaf unless the session is gone.
func (x *Expander) fail(n *Node, err error) (*Node, error) {
	if errors.Is(err, debugger.ErrSessionTerminated) {
		return nil, err
	}
	n.Kind = Scalar
	n.Err = err
	return n, nil
}

// discriminatorExpr and castExpr take a single pointer to a tagged type.
func discriminatorExpr(rule *Rule, v *debugger.Variable) string {
	return fmt.Sprintf("((%s *)(%s))->%s", rule.Type, v.Expr, rule.Discriminator)
}

func castExpr(concrete string, v *debugger.Variable) string {
	return fmt.Sprintf("((%s *)(%s))", concrete, v.Expr)
}

// tagValue extracts the enumerator from a printed discriminator such as
// "T_SelectStmt" or "T_SelectStmt (71)".
func tagValue(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Children enumerates the children of n. Failures of single children
// become error leaves; a failure of n itself is returned.
func (x *Expander) Children(ctx context.Context, n *Node) ([]*Node, error) {
	if !n.Expandable() {
		return nil, nil
	}

	if mr := n.member; mr != nil {
		switch mr.Kind {
		case MemberArray:
			ref := debugger.ArrayRef{Expr: n.Var.Expr, LengthExpr: x.lengthExpr(n)}
			return x.arrayChildren(ctx, n, ref, mr.ElementType)
		case MemberChain:
			return x.chain(ctx, n.Var.Expr, mr.Next, mr.Value, mr.ElementType, n.Var.Frame)
		default:
			return mr.Children(ctx, x, n)
		}
	}

	switch n.Kind {
	case Struct:
		return x.structChildren(ctx, n)
	case List:
		return x.listChildren(ctx, n, n.rule.List)
	case Array:
		ref := debugger.ArrayRef{Expr: n.Var.Expr, Capacity: n.capacity}
		return x.arrayChildren(ctx, n, ref, "")
	case Special:
		return n.rule.Children(ctx, x, n)
	default:
		return nil, nil
	}
}

func (x *Expander) structChildren(ctx context.Context, n *Node) ([]*Node, error) {
	members, err := x.ev.Members(ctx, n.Var)
	if err != nil {
		return nil, err
	}

	out := make([]*Node, 0, len(members))
	for _, m := range members {
		c, err := x.classify(ctx, n, m)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// lengthExpr builds the length expression of a member array.
func (x *Expander) lengthExpr(n *Node) string {
	le := n.member.LengthExpr
	switch {
	case identifier.MatchString(le) && n.parentExpr != "":
		return debugger.MemberExpr(n.parentExpr, n.parentType, le)
	case strings.Contains(le, "{}"):
		return strings.ReplaceAll(le, "{}", "("+n.parentExpr+")")
	default:
		return le
	}
}

func (x *Expander) arrayChildren(ctx context.Context, n *Node, ref debugger.ArrayRef, elemType string) ([]*Node, error) {
	length, err := x.ev.GetArrayLength(ctx, ref, n.Var.Frame)
	if err != nil {
		return nil, err
	}
	if length > x.limit {
		x.log.Debug("array %s has %d elements, showing %d", ref.Expr, length, x.limit)
		length = x.limit
	}

	out := make([]*Node, 0, length)
	for i := 0; i < length; i++ {
		expr := fmt.Sprintf("(%s)[%d]", ref.Expr, i)
		if elemType != "" {
			expr = fmt.Sprintf("(%s)(%s)[%d]", elemType, ref.Expr, i)
		}
		c, err := x.Element(ctx, fmt.Sprintf("[%d]", i), expr, n.Var.Frame)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (x *Expander) listChildren(ctx context.Context, n *Node, layout *ListLayout) ([]*Node, error) {
	frame := n.Var.Frame
	expr, typ := n.Var.Expr, n.Var.Type

	if layout.linked() {
		next, value, elemType := layout.Next, layout.Value, layout.ElementType
		if mr, ok := x.members.Lookup(x.nodes.Normalize(n.Type), layout.Head); ok && mr.Kind == MemberChain {
			next, value, elemType = mr.Next, mr.Value, mr.ElementType
		}
		return x.chain(ctx, debugger.MemberExpr(expr, typ, layout.Head), next, value, elemType, frame)
	}

	lv, err := x.ev.Evaluate(ctx, debugger.MemberExpr(expr, typ, layout.Length), frame)
	if err != nil {
		return nil, err
	}
	length, err := debugger.ParseCount(lv.Value)
	if err != nil {
		return nil, err
	}
	if length > x.limit {
		x.log.Debug("list %s has %d elements, showing %d", expr, length, x.limit)
		length = x.limit
	}

	tag := n.Tag
	if tag == "" && layout.Tag != "" && len(layout.Cells) > 0 {
		tv, err := x.ev.Evaluate(ctx, debugger.MemberExpr(expr, typ, layout.Tag), frame)
		if err != nil {
			return nil, err
		}
		tag = tagValue(tv.Value)
	}

	cell := layout.DefaultCell
	if c, ok := layout.Cells[tag]; ok {
		cell = c
	}

	elements := debugger.MemberExpr(expr, typ, layout.Elements)
	out := make([]*Node, 0, length)
	for i := 0; i < length; i++ {
		e := fmt.Sprintf("%s[%d].%s", elements, i, cell)
		if cell == layout.DefaultCell && layout.ElementType != "" {
			e = fmt.Sprintf("(%s)%s", layout.ElementType, e)
		}
		c, err := x.Element(ctx, fmt.Sprintf("[%d]", i), e, frame)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// chain follows next from the cell at start until a null cell.
func (x *Expander) chain(ctx context.Context, start, next, value, elemType string, frame debugger.Frame) ([]*Node, error) {
	var out []*Node
	cur := start
	for i := 0; i < x.limit; i++ {
		name := fmt.Sprintf("[%d]", i)

		cell, err := x.ev.Evaluate(ctx, cur, frame)
		if err != nil {
			if errors.Is(err, debugger.ErrSessionTerminated) {
				return nil, err
			}
			out = append(out, ErrorNode(name, err))
			break
		}
		if cell.IsNull() || cell.Invalid() {
			break
		}

		var c *Node
		if value == "" && elemType == "" {
			cell.Name = name
			c, err = x.classify(ctx, nil, cell)
		} else {
			e := cur
			if value != "" {
				e = debugger.MemberExpr(cur, cell.Type, value)
			}
			if elemType != "" {
				e = fmt.Sprintf("(%s)(%s)", elemType, e)
			}
			c, err = x.Element(ctx, name, e, frame)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)

		cur = debugger.MemberExpr(cur, cell.Type, next)
	}
	return out, nil
}

// Element evaluates expr and classifies the result under name. Failures
// other than session termination produce an error leaf.
func (x *Expander) Element(ctx context.Context, name, expr string, frame debugger.Frame) (*Node, error) {
	v, err := x.ev.Evaluate(ctx, expr, frame)
	if err != nil {
		if errors.Is(err, debugger.ErrSessionTerminated) {
			return nil, err
		}
		return ErrorNode(name, err), nil
	}
	v.Name = name
	return x.classify(ctx, nil, v)
}
