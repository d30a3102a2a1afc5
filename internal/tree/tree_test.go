package tree_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pgnodes/internal/debugger"
	"github.com/dshills/pgnodes/internal/debugger/debuggertest"
	"github.com/dshills/pgnodes/internal/features"
	"github.com/dshills/pgnodes/internal/tree"
	"github.com/dshills/pgnodes/internal/vars"
)

var (
	frameA = debugger.Frame{SessionID: "s1", ThreadID: 1, FrameID: 1000}
	frameB = debugger.Frame{SessionID: "s1", ThreadID: 1, FrameID: 1001}
)

type fixture struct {
	host     *debuggertest.Host
	session  *debuggertest.Session
	facade   *debugger.Facade
	provider *tree.Provider
}

func newFixture(t *testing.T, flags features.Flags) *fixture {
	t.Helper()

	h := debuggertest.NewHost()
	s := debuggertest.NewSession("s1")
	h.SetSession(s)
	h.SetFrame(frameA)

	f := debugger.New(h, debugger.Options{Flags: flags})
	t.Cleanup(func() { _ = f.Close() })

	nodes := vars.NewNodeVarRegistry()
	members := vars.NewSpecialMemberRegistry()
	vars.RegisterPostgres(nodes, members, nil)
	require.NoError(t, nodes.Register(vars.Rule{
		Type: "ListNode", Kind: vars.List,
		List: &vars.ListLayout{Head: "head", Next: "next"},
	}))
	require.NoError(t, members.Register(vars.MemberRule{
		Type: "ListNode", Member: "head", Kind: vars.MemberChain, Next: "next", Value: "value",
	}))
	nodes.Freeze()
	members.Freeze()

	p := tree.NewProvider(f, vars.NewExpander(f, nodes, members))
	f.OnFocusChange(p.Refresh)

	return &fixture{host: h, session: s, facade: f, provider: p}
}

// locals makes vs the local variables of frame.
func (fx *fixture) locals(frame debugger.Frame, ref int, vs ...debugger.Variable) {
	fx.session.SetScopes(frame.FrameID, debugger.Scope{Name: "Locals", Ref: ref})
	fx.session.SetChildren(ref, vs...)
}

func labels(items []*tree.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Label
	}
	return out
}

func values(items []*tree.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}

func TestLinkedListExpandsOnce(t *testing.T) {
	fx := newFixture(t, features.Flags{ArrayLengthEvaluation: true})
	fx.locals(frameA, 1, debugger.Variable{Name: "list", Value: "0x50", Type: "ListNode *", Ref: 2})

	cur := "(list)->head"
	for i, v := range []string{"1", "2", "3"} {
		fx.session.Set(cur, fmt.Sprintf("0x%x", 0x100*(i+1)), "ListCell *", 0)
		fx.session.Set(debugger.MemberExpr(cur, "ListCell *", "value"), v, "int", 0)
		cur = debugger.MemberExpr(cur, "ListCell *", "next")
	}
	fx.session.Set(cur, "0x0", "ListCell *", 0)

	ctx := context.Background()
	roots, err := fx.provider.GetChildren(ctx, nil)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	list := roots[0]
	assert.True(t, list.Collapsible)
	assert.Equal(t, tree.Unexpanded, fx.provider.State(list))

	children, err := fx.provider.GetChildren(ctx, list)
	require.NoError(t, err)
	assert.Equal(t, []string{"[0]", "[1]", "[2]"}, labels(children))
	assert.Equal(t, []string{"1", "2", "3"}, values(children))
	assert.Equal(t, tree.Expanded, fx.provider.State(list))

	fx.session.ResetEvaluations()
	again, err := fx.provider.GetChildren(ctx, list)
	require.NoError(t, err)
	assert.Equal(t, children, again)
	assert.Empty(t, fx.session.Evaluations(), "cached children are not re-evaluated")
}

func TestManualArrayProbing(t *testing.T) {
	fx := newFixture(t, features.Flags{})
	fx.locals(frameA, 1, debugger.Variable{Name: "arr", Value: "{1, 2, 3, 4, 5}", Type: "int [5]", Ref: 3})
	for i := 0; i < 5; i++ {
		fx.session.Set(fmt.Sprintf("(arr)[%d]", i), fmt.Sprint(i+1), "int", 0)
	}

	ctx := context.Background()
	roots, err := fx.provider.GetChildren(ctx, nil)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	fx.session.ResetEvaluations()
	children, err := fx.provider.GetChildren(ctx, roots[0])
	require.NoError(t, err)
	assert.Len(t, children, 5)

	evals := fx.session.Evaluations()
	require.Len(t, evals, 10, "five probes then five reads")
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("(arr)[%d]", i), evals[i])
	}
}

func TestCancelledExpansionIsRetried(t *testing.T) {
	fx := newFixture(t, features.Flags{ArrayLengthEvaluation: true})
	fx.locals(frameA, 1, debugger.Variable{Name: "list", Value: "0x50", Type: "ListNode *", Ref: 2})

	cur := "(list)->head"
	for i, v := range []string{"1", "2"} {
		fx.session.Set(cur, fmt.Sprintf("0x%x", 0x100*(i+1)), "ListCell *", 0)
		fx.session.Set(debugger.MemberExpr(cur, "ListCell *", "value"), v, "int", 0)
		cur = debugger.MemberExpr(cur, "ListCell *", "next")
	}
	fx.session.Set(cur, "0x0", "ListCell *", 0)

	roots, err := fx.provider.GetChildren(context.Background(), nil)
	require.NoError(t, err)
	list := roots[0]

	ctx, cancel := context.WithCancel(context.Background())
	var once atomic.Bool
	fx.session.BeforeEvaluate = func(string) {
		if once.CompareAndSwap(false, true) {
			cancel()
		}
	}
	_, err = fx.provider.GetChildren(ctx, list)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, tree.Unexpanded, fx.provider.State(list))

	children, err := fx.provider.GetChildren(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, []string{"[0]", "[1]"}, labels(children))
	for _, c := range children {
		assert.False(t, c.Error, c.Label)
	}
	assert.Equal(t, tree.Expanded, fx.provider.State(list))
}

func TestCancelledRootsAreRetried(t *testing.T) {
	fx := newFixture(t, features.Flags{ArrayLengthEvaluation: true})
	fx.locals(frameA, 1, debugger.Variable{Name: "n", Value: "3", Type: "int"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.provider.GetChildren(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)

	roots, err := fx.provider.GetChildren(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, labels(roots))
}

// focusOnFirstEvaluation switches focus to frame when the next evaluation
// starts, simulating a user click while a round-trip is in flight.
func (fx *fixture) focusOnFirstEvaluation(frame debugger.Frame) {
	var once atomic.Bool
	fx.session.BeforeEvaluate = func(string) {
		if once.CompareAndSwap(false, true) {
			fx.host.Focus(frame)
		}
	}
}

func TestFocusChangeDiscardsInflightRoots(t *testing.T) {
	fx := newFixture(t, features.Flags{ArrayLengthEvaluation: true, StackFocusEvents: true})
	fx.locals(frameA, 1, debugger.Variable{Name: "stmt", Value: "0x10", Type: "Node *", Ref: 5})
	fx.session.Set("((Node *)(stmt))->type", "T_SelectStmt", "NodeTag", 0)
	fx.session.Set("((SelectStmt *)(stmt))", "0x10", "SelectStmt *", 5)
	fx.locals(frameB, 2, debugger.Variable{Name: "root", Value: "0x20", Type: "PlannerInfo *", Ref: 6})

	var refreshed atomic.Int32
	fx.provider.OnDidChangeTreeData(func() { refreshed.Add(1) })
	fx.focusOnFirstEvaluation(frameB)

	ctx := context.Background()
	_, err := fx.provider.GetChildren(ctx, nil)
	assert.ErrorIs(t, err, tree.ErrStale)
	assert.Equal(t, int32(1), refreshed.Load())

	roots, err := fx.provider.GetChildren(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, labels(roots))
}

func TestFocusChangeDiscardsInflightExpansion(t *testing.T) {
	fx := newFixture(t, features.Flags{ArrayLengthEvaluation: true, StackFocusEvents: true})
	fx.locals(frameA, 1, debugger.Variable{Name: "rel", Value: "0x10", Type: "RelOptInfo *", Ref: 5})
	fx.session.SetChildren(5, debugger.Variable{Name: "parent", Value: "0x30", Type: "Node *", Ref: 7})
	fx.session.Set("((Node *)((rel)->parent))->type", "T_Query", "NodeTag", 0)
	fx.session.Set("((Query *)((rel)->parent))", "0x30", "Query *", 7)
	fx.locals(frameB, 2, debugger.Variable{Name: "root", Value: "0x20", Type: "PlannerInfo *", Ref: 6})

	ctx := context.Background()
	roots, err := fx.provider.GetChildren(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"rel"}, labels(roots))
	rel := roots[0]

	fx.focusOnFirstEvaluation(frameB)
	_, err = fx.provider.GetChildren(ctx, rel)
	assert.ErrorIs(t, err, tree.ErrStale)
	assert.Equal(t, tree.Unexpanded, fx.provider.State(rel))

	_, err = fx.provider.GetChildren(ctx, rel)
	assert.ErrorIs(t, err, tree.ErrStale, "items of the old frame are stale")

	roots, err = fx.provider.GetChildren(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, labels(roots))
}

func TestRefreshWithoutSession(t *testing.T) {
	fx := newFixture(t, features.Flags{})
	fx.host.SetSession(nil)

	var notified atomic.Int32
	d := fx.provider.OnDidChangeTreeData(func() { notified.Add(1) })

	assert.NotPanics(t, fx.provider.Refresh)
	assert.NotPanics(t, fx.provider.Refresh)
	assert.Equal(t, int32(2), notified.Load())

	roots, err := fx.provider.GetChildren(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, roots)
	assert.Empty(t, fx.session.Evaluations())

	d.Dispose()
	fx.provider.Refresh()
	assert.Equal(t, int32(2), notified.Load())
}

func TestSiblingFailureIsolated(t *testing.T) {
	fx := newFixture(t, features.Flags{ArrayLengthEvaluation: true})
	fx.locals(frameA, 1,
		debugger.Variable{Name: "bad", Value: "0xdead", Type: "Node *", Ref: 4},
		debugger.Variable{Name: "good", Value: "0x10", Type: "Node *", Ref: 5},
		debugger.Variable{Name: "n", Value: "3", Type: "int"},
	)
	fx.session.Fail("((Node *)(bad))->type", "Cannot access memory at address 0xdead")
	fx.session.Set("((Node *)(good))->type", "T_Query", "NodeTag", 0)
	fx.session.Set("((Query *)(good))", "0x10", "Query *", 8)
	fx.session.SetChildren(8, debugger.Variable{Name: "commandType", Value: "CMD_SELECT", Type: "CmdType"})

	ctx := context.Background()
	roots, err := fx.provider.GetChildren(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"bad", "good", "n"}, labels(roots))

	assert.True(t, roots[0].Error)
	assert.Contains(t, roots[0].Value, "Cannot access memory")
	assert.False(t, roots[0].Collapsible)

	assert.False(t, roots[1].Error)
	assert.Equal(t, "Query", roots[1].Type)
	children, err := fx.provider.GetChildren(ctx, roots[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"commandType"}, labels(children))
}

func TestExpansionFailureBecomesErrorLeaf(t *testing.T) {
	fx := newFixture(t, features.Flags{ArrayLengthEvaluation: true})
	fx.locals(frameA, 1, debugger.Variable{Name: "rel", Value: "0x10", Type: "RelOptInfo *", Ref: 99})

	ctx := context.Background()
	roots, err := fx.provider.GetChildren(ctx, nil)
	require.NoError(t, err)

	children, err := fx.provider.GetChildren(ctx, roots[0])
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.True(t, children[0].Error)
	assert.Equal(t, "rel", children[0].Label)
}

func TestSessionTerminatedClearsTree(t *testing.T) {
	fx := newFixture(t, features.Flags{ArrayLengthEvaluation: true})
	fx.locals(frameA, 1, debugger.Variable{Name: "rel", Value: "0x10", Type: "RelOptInfo *", Ref: 5})
	fx.session.SetChildren(5, debugger.Variable{Name: "relid", Value: "1", Type: "Index"})

	var notified atomic.Int32
	fx.provider.OnDidChangeTreeData(func() { notified.Add(1) })

	ctx := context.Background()
	roots, err := fx.provider.GetChildren(ctx, nil)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	fx.session.Terminate()
	children, err := fx.provider.GetChildren(ctx, roots[0])
	assert.NoError(t, err)
	assert.Empty(t, children)
	assert.Equal(t, int32(1), notified.Load())

	for i := 0; i < 3; i++ {
		roots, err = fx.provider.GetChildren(ctx, nil)
		assert.NoError(t, err)
		assert.Empty(t, roots)
	}
	assert.Equal(t, int32(1), notified.Load(), "the loss is reported once")
}

func TestResetHookRunsOnRefresh(t *testing.T) {
	h := debuggertest.NewHost()
	f := debugger.New(h, debugger.Options{})
	defer f.Close()

	calls := 0
	x := vars.NewExpander(f, vars.NewNodeVarRegistry(), vars.NewSpecialMemberRegistry())
	p := tree.NewProvider(f, x, tree.WithResetHook(func() { calls++ }))

	gen := p.Generation()
	p.Refresh()
	assert.Equal(t, 1, calls)
	assert.Equal(t, gen+1, p.Generation())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "expanding", tree.Expanding.String())
	assert.Equal(t, "unknown", tree.State(7).String())
}
