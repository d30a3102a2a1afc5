// Package vars classifies debugger variables of a PostgreSQL backend and
// derives their displayable children.
//
// Classification is table driven. NodeVarRegistry maps type names to a Kind
// and the layout needed to expand values of that kind; SpecialMemberRegistry
// overrides the rendering of individual (containing type, member) pairs. The
// Expander applies both registries to live variables read through an
// Evaluator.
package vars

import (
	"context"

	"github.com/dshills/pgnodes/internal/debugger"
)

// Kind is the classification of a variable.
type Kind int

const (
	// Scalar values render their value and have no children.
	Scalar Kind = iota
	// Struct values expand into their named fields.
	Struct
	// Tagged values are polymorphic nodes. A discriminator member names the
	// concrete type, which is classified in turn.
	Tagged
	// List values are containers whose elements are found by traversal.
	List
	// Array values are expanded by index after their length is determined.
	Array
	// Special values delegate child enumeration to a registered function.
	Special
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Struct:
		return "struct"
	case Tagged:
		return "tagged"
	case List:
		return "list"
	case Array:
		return "array"
	case Special:
		return "special"
	default:
		return "unknown"
	}
}

// Evaluator reads debuggee state. The debugger facade implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, frame debugger.Frame) (*debugger.Variable, error)
	Members(ctx context.Context, v *debugger.Variable) ([]*debugger.Variable, error)
	GetArrayLength(ctx context.Context, ref debugger.ArrayRef, frame debugger.Frame) (int, error)
}

// ChildFunc enumerates the children of n.
type ChildFunc func(ctx context.Context, x *Expander, n *Node) ([]*Node, error)

// Rule is the type-level classification rule.
type Rule struct {
	// Type is the normalized type name.
	Type string
	Kind Kind

	// Discriminator is the member holding the tag of a Tagged type.
	Discriminator string

	// Tags maps discriminator values to concrete type names.
	Tags map[string]string

	// List describes the layout of a List type.
	List *ListLayout

	// Children enumerates the children of a Special type.
	Children ChildFunc
}

// ListLayout describes how to traverse a List. Either the array-backed
// fields (Length, Elements) or the linked fields (Head, Next) are set.
type ListLayout struct {
	// Length is the member holding the number of cells.
	Length string

	// Elements is the member pointing at the cell array.
	Elements string

	// Tag is the member holding the list's own tag. It is read when the
	// list was not reached through tag resolution.
	Tag string

	// Cells maps the list's own tag to the cell member holding the value.
	// DefaultCell is used for unmapped tags.
	Cells       map[string]string
	DefaultCell string

	// ElementType is the type values read from DefaultCell are cast to.
	ElementType string

	// Head is the member pointing at the first linked cell.
	Head string

	// Next links a cell to the following one.
	Next string

	// Value is the cell member holding the element. Empty means the cell is
	// the element.
	Value string
}

func (l *ListLayout) linked() bool {
	return l.Head != ""
}

// MemberKind is the kind of a special member rule.
type MemberKind int

const (
	// MemberArray is a pointer member with a length expression.
	MemberArray MemberKind = iota
	// MemberChain is a linked chain followed through a next member.
	MemberChain
	// MemberCustom delegates to a ChildFunc.
	MemberCustom
)

// String returns the member kind name.
func (k MemberKind) String() string {
	switch k {
	case MemberArray:
		return "array"
	case MemberChain:
		return "chain"
	case MemberCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// MemberRule overrides the rendering of one member of one containing type.
type MemberRule struct {
	// Type is the normalized containing type.
	Type   string
	Member string
	Kind   MemberKind

	// LengthExpr gives the element count of a MemberArray. A bare identifier
	// names a sibling member; "{}" is replaced by the containing value's
	// expression; anything else is evaluated as is.
	LengthExpr string

	// ElementType, when set, is the type array elements or chain values are
	// cast to.
	ElementType string

	// Next is the member linking chain cells.
	Next string

	// Value is the chain cell member holding the element. Empty means the
	// cell is the element.
	Value string

	// Children enumerates the children of a MemberCustom.
	Children ChildFunc
}

func (r *MemberRule) kind() Kind {
	switch r.Kind {
	case MemberArray:
		return Array
	case MemberChain:
		return List
	default:
		return Special
	}
}
