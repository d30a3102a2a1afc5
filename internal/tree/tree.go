// Package tree projects classified variables into the lazily expanded tree
// shown by the host's variables panel.
//
// Items are created on demand and expanded at most once per generation.
// Refresh starts a new generation: cached children are dropped and any
// expansion still running for the previous generation is discarded instead
// of cached, so an answer for an old frame never reaches the panel.
package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/pgnodes/internal/debugger"
	"github.com/dshills/pgnodes/internal/host"
	"github.com/dshills/pgnodes/internal/logging"
	"github.com/dshills/pgnodes/internal/vars"
)

// ErrStale is returned for items and expansions of an earlier generation.
// The panel re-queries the roots.
var ErrStale = errors.New("tree: item belongs to an earlier refresh")

// State is the expansion state of an item.
type State int

const (
	Unexpanded State = iota
	Expanding
	Expanded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unexpanded:
		return "unexpanded"
	case Expanding:
		return "expanding"
	case Expanded:
		return "expanded"
	default:
		return "unknown"
	}
}

// Item is one row of the panel.
type Item struct {
	ID          uuid.UUID
	Label       string
	Value       string
	Description string
	Type        string
	Collapsible bool

	// Error marks an inline error leaf; Value holds the message.
	Error bool

	node *vars.Node
	gen  uint64

	// guarded by Provider.mu
	state    State
	children []*Item
}

// Node returns the classified variable behind the item.
func (it *Item) Node() *vars.Node {
	return it.node
}

// Frames resolves the focused frame and lists its variables.
type Frames interface {
	ActiveFrame(ctx context.Context) (debugger.Frame, error)
	vars.Source
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// WithResetHook registers fn to run on every Refresh, before listeners are
// notified.
func WithResetHook(fn func()) Option {
	return func(p *Provider) {
		if fn != nil {
			p.resets = append(p.resets, fn)
		}
	}
}

// Provider answers the panel's children queries.
//
// Provider is safe for concurrent use. It never holds its lock across a
// debugger round-trip.
type Provider struct {
	frames Frames
	x      *vars.Expander
	log    logging.Logger
	resets []func()

	group singleflight.Group

	mu        sync.Mutex
	gen       uint64
	roots     []*Item
	haveRoots bool
	lost      bool
	nextID    int
	listeners map[int]func()
}

// NewProvider creates a provider reading frames and classifying with x.
func NewProvider(frames Frames, x *vars.Expander, opts ...Option) *Provider {
	p := &Provider{
		frames:    frames,
		x:         x,
		log:       logging.Discard,
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generation returns the current generation.
func (p *Provider) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// State returns the expansion state of it.
func (p *Provider) State(it *Item) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if it.gen != p.gen {
		return Unexpanded
	}
	return it.state
}

// GetChildren returns the children of it, or the variables of the focused
// frame when it is nil. A terminated session yields no children.
func (p *Provider) GetChildren(ctx context.Context, it *Item) ([]*Item, error) {
	if it == nil {
		return p.rootItems(ctx)
	}

	p.mu.Lock()
	if it.gen != p.gen {
		p.mu.Unlock()
		return nil, ErrStale
	}
	if it.state == Expanded {
		out := it.children
		p.mu.Unlock()
		return out, nil
	}
	if !it.Collapsible {
		p.mu.Unlock()
		return nil, nil
	}
	it.state = Expanding
	gen := it.gen
	p.mu.Unlock()

	key := fmt.Sprintf("%d/%s", gen, it.ID)
	res, err, _ := p.group.Do(key, func() (any, error) {
		return p.expand(ctx, it, gen)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*Item), nil
}

func (p *Provider) expand(ctx context.Context, it *Item, gen uint64) ([]*Item, error) {
	nodes, err := p.x.Children(ctx, it.node)
	if errors.Is(err, debugger.ErrSessionTerminated) {
		p.sessionLost()
		return nil, nil
	}
	if ctx.Err() != nil {
		// An abandoned expansion says nothing about the node.
		p.mu.Lock()
		if gen == p.gen && it.state == Expanding {
			it.state = Unexpanded
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}

	var children []*Item
	if err != nil {
		p.log.Debug("expand %s: %v", it.Label, err)
		children = []*Item{errorItem(it.Label, err, gen)}
	} else {
		children = p.items(nodes, gen)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return nil, ErrStale
	}
	it.children = children
	it.state = Expanded
	return children, nil
}

func (p *Provider) rootItems(ctx context.Context) ([]*Item, error) {
	p.mu.Lock()
	if p.haveRoots {
		out := p.roots
		p.mu.Unlock()
		return out, nil
	}
	gen := p.gen
	p.mu.Unlock()

	frame, err := p.frames.ActiveFrame(ctx)
	switch {
	case errors.Is(err, debugger.ErrSessionTerminated):
		p.sessionLost()
		return nil, nil
	case errors.Is(err, debugger.ErrNoActiveFrame):
		p.log.Debug("no focused frame")
		return nil, nil
	case err != nil:
		return nil, err
	}

	var roots []*Item
	nodes, err := p.x.Roots(ctx, p.frames, frame)
	switch {
	case errors.Is(err, debugger.ErrSessionTerminated):
		p.sessionLost()
		return nil, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		p.log.Debug("list variables of %s: %v", frame, err)
		roots = []*Item{errorItem("variables", err, gen)}
	default:
		roots = p.items(nodes, gen)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return nil, ErrStale
	}
	p.roots = roots
	p.haveRoots = true
	p.lost = false
	return roots, nil
}

func (p *Provider) items(nodes []*vars.Node, gen uint64) []*Item {
	out := make([]*Item, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, newItem(n, gen))
	}
	return out
}

func newItem(n *vars.Node, gen uint64) *Item {
	if n.Err != nil {
		return errorItem(n.Name, n.Err, gen)
	}
	return &Item{
		ID:          uuid.New(),
		Label:       n.Name,
		Value:       n.Value(),
		Description: n.Description,
		Type:        n.Type,
		Collapsible: n.Expandable(),
		node:        n,
		gen:         gen,
	}
}

func errorItem(label string, err error, gen uint64) *Item {
	return &Item{
		ID:    uuid.New(),
		Label: label,
		Value: err.Error(),
		Error: true,
		node:  vars.ErrorNode(label, err),
		gen:   gen,
	}
}

// Refresh drops every cached item and asks the panel to re-query. It does
// not talk to the debugger, so it is safe without a session.
func (p *Provider) Refresh() {
	p.mu.Lock()
	p.gen++
	p.roots = nil
	p.haveRoots = false
	p.mu.Unlock()

	for _, fn := range p.resets {
		fn()
	}
	p.notify()
}

// sessionLost clears the tree once per loss of the session.
func (p *Provider) sessionLost() {
	p.mu.Lock()
	if p.lost {
		p.mu.Unlock()
		return
	}
	p.lost = true
	p.gen++
	p.roots = nil
	p.haveRoots = false
	p.mu.Unlock()

	p.log.Info("debug session ended, clearing variables")
	p.notify()
}

// OnDidChangeTreeData registers fn to run whenever the panel should
// re-query.
func (p *Provider) OnDidChangeTreeData(fn func()) host.Disposable {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return host.Once(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	})
}

func (p *Provider) notify() {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
