package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ddddddO/gtree"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/dshills/pgnodes/internal/tree"
)

// maxStaleRetries bounds how often a walk restarts after a refresh raced
// with it.
const maxStaleRetries = 3

// entry is an item with its children collected to some depth.
type entry struct {
	item     *tree.Item
	children []*entry
}

// Printer renders the variables tree of the focused frame.
type Printer struct {
	Provider *tree.Provider

	// Depth is the number of levels expanded below the roots.
	Depth int

	// JSON selects JSON output instead of a text tree.
	JSON bool
}

// Print writes the tree under header to w.
func (p *Printer) Print(ctx context.Context, w io.Writer, header string) error {
	entries, err := p.collect(ctx)
	if err != nil {
		return err
	}
	if p.JSON {
		return writeJSON(w, header, entries)
	}
	return writeText(w, header, entries)
}

func (p *Printer) collect(ctx context.Context) ([]*entry, error) {
	var err error
	for i := 0; i < maxStaleRetries; i++ {
		var roots []*entry
		roots, err = p.walk(ctx, nil, 0)
		if !errors.Is(err, tree.ErrStale) {
			return roots, err
		}
	}
	return nil, err
}

func (p *Printer) walk(ctx context.Context, parent *tree.Item, depth int) ([]*entry, error) {
	items, err := p.Provider.GetChildren(ctx, parent)
	if err != nil {
		return nil, err
	}

	out := make([]*entry, 0, len(items))
	for _, it := range items {
		e := &entry{item: it}
		if it.Collapsible && depth < p.Depth {
			e.children, err = p.walk(ctx, it, depth+1)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// label formats one line of the text tree.
func label(it *tree.Item) string {
	if it.Error {
		return fmt.Sprintf("%s: <error: %s>", it.Label, it.Value)
	}

	var b strings.Builder
	b.WriteString(it.Label)
	if it.Value != "" {
		b.WriteString(" = ")
		b.WriteString(it.Value)
	}
	if it.Type != "" {
		fmt.Fprintf(&b, " (%s)", it.Type)
	}
	if it.Description != "" {
		b.WriteString(" ")
		b.WriteString(it.Description)
	}
	return b.String()
}

func writeText(w io.Writer, header string, entries []*entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintf(w, "%s\n(no variables)\n", header)
		return err
	}

	root := gtree.NewRoot(header)
	var add func(parent *gtree.Node, entries []*entry)
	add = func(parent *gtree.Node, entries []*entry) {
		for _, e := range entries {
			add(parent.Add(label(e.item)), e.children)
		}
	}
	add(root, entries)
	return gtree.OutputProgrammably(w, root)
}

func writeJSON(w io.Writer, header string, entries []*entry) error {
	doc, err := sjson.SetBytes([]byte(`{}`), "frame", header)
	if err != nil {
		return err
	}
	doc, err = sjson.SetRawBytes(doc, "items", []byte(`[]`))
	if err != nil {
		return err
	}
	for _, e := range entries {
		raw, err := entryJSON(e)
		if err != nil {
			return err
		}
		if doc, err = sjson.SetRawBytes(doc, "items.-1", raw); err != nil {
			return err
		}
	}
	_, err = w.Write(pretty.Pretty(doc))
	return err
}

func entryJSON(e *entry) ([]byte, error) {
	it := e.item
	fields := []struct {
		path  string
		value any
		skip  bool
	}{
		{"name", it.Label, false},
		{"value", it.Value, false},
		{"type", it.Type, it.Type == ""},
		{"description", it.Description, it.Description == ""},
		{"error", true, !it.Error},
		{"expandable", true, !it.Collapsible},
	}

	obj := []byte(`{}`)
	var err error
	for _, f := range fields {
		if f.skip {
			continue
		}
		if obj, err = sjson.SetBytes(obj, f.path, f.value); err != nil {
			return nil, err
		}
	}

	for _, c := range e.children {
		raw, err := entryJSON(c)
		if err != nil {
			return nil, err
		}
		if obj, err = sjson.SetRawBytes(obj, "children.-1", raw); err != nil {
			return nil, err
		}
	}
	return obj, nil
}
