// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package symbolic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/heliolabs/helioscope/services/raster/event"
)

// ErrBound is returned when an operation requires the computation to be
// unbound first.
var ErrBound = errors.New("symbolic: computation is bound")

// Computation owns an expression tree, its bound items, and the
// needs-update notification stream.
//
// Lifecycle: ParseExpression (or SetRoot from a serialized record), then
// Bind against a resolver, then Evaluate as often as needed. When any
// bound item's data changes, needs-update fires; callers re-evaluate at
// their convenience. Rebinding requires an explicit Unbind.
type Computation struct {
	reg     *Registry
	emitter *event.Emitter

	mu         sync.Mutex
	root       *DataNode
	bound      map[uuid.UUID]BoundItem
	expression string
}

// NewComputation creates an empty computation against a registry.
func NewComputation(reg *Registry) *Computation {
	return &Computation{reg: reg, emitter: event.NewEmitter()}
}

// ParseExpression parses an expression into the computation's tree.
//
// Description:
//
//	Parses expression with the restricted grammar and the given variable
//	map. On success the parsed tree replaces the current root; bound
//	items, if any, are released. On failure the computation keeps its
//	prior state untouched.
//
// Inputs:
//
//	expression - The source text.
//	variables - Variable name to object specifier map.
//
// Outputs:
//
//	bool - False on parse failure.
func (c *Computation) ParseExpression(expression string, variables map[string]string) bool {
	root, ok := ParseExpression(c.reg, expression, variables)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.unbindLocked()
	c.root = root
	c.expression = expression
	c.mu.Unlock()
	return true
}

// Expression returns the source text of the last successful parse.
func (c *Computation) Expression() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expression
}

// Root returns the current node tree, or nil.
func (c *Computation) Root() *DataNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// SetRoot installs a deserialized node tree, releasing any bound items.
func (c *Computation) SetRoot(root *DataNode) {
	c.mu.Lock()
	c.unbindLocked()
	c.root = root
	c.expression = ""
	c.mu.Unlock()
}

// Write serializes the computation's tree.
func (c *Computation) Write() (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root == nil {
		return nil, fmt.Errorf("%w: empty computation", ErrBadNode)
	}
	return c.root.Write()
}

// Bind resolves every data leaf against the resolver.
//
// Description:
//
//	Reference nodes from the parser are rewritten to data or property
//	nodes; those plus deserialized data and property nodes get a
//	BoundItem keyed by node id. Each bound item subscribes to its item's
//	change stream and triggers needs-update. The first resolution
//	failure aborts the bind, releases everything bound so far, and
//	leaves the tree untouched.
//
// Inputs:
//
//	resolver - Specifier resolution. Must not be nil.
//
// Outputs:
//
//	error - ErrBound when already bound, or the resolution failure.
func (c *Computation) Bind(resolver Resolver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound != nil {
		return ErrBound
	}
	if c.root == nil {
		return fmt.Errorf("%w: empty computation", ErrBadNode)
	}

	// Resolve every leaf first; node types are rewritten only once the
	// whole bind has succeeded, so a failed bind leaves the tree intact.
	bound := make(map[uuid.UUID]BoundItem)
	var leaves []*DataNode
	var bindErr error
	c.root.Walk(func(n *DataNode) {
		if bindErr != nil {
			return
		}
		switch n.Type {
		case NodeReference, NodeData, NodeProperty:
		default:
			return
		}
		item, err := resolver.ResolveItem(n.Specifier)
		if err != nil {
			bindErr = fmt.Errorf("%w: %q: %v", ErrResolve, n.Specifier, err)
			return
		}
		if item == nil {
			bindErr = fmt.Errorf("%w: %q resolved to nil", ErrResolve, n.Specifier)
			return
		}
		if n.Property != "" {
			b, err := newBoundProperty(item, n.Property, c.notifyNeedsUpdate)
			if err != nil {
				bindErr = err
				return
			}
			bound[n.ID] = b
		} else {
			bound[n.ID] = newBoundData(item, c.notifyNeedsUpdate)
		}
		leaves = append(leaves, n)
	})
	if bindErr != nil {
		for _, b := range bound {
			b.Close()
		}
		return bindErr
	}
	for _, n := range leaves {
		if n.Type == NodeReference {
			if n.Property != "" {
				n.Type = NodeProperty
			} else {
				n.Type = NodeData
			}
		}
	}
	c.bound = bound
	return nil
}

// Unbind releases all bound items. The tree itself is kept.
func (c *Computation) Unbind() {
	c.mu.Lock()
	c.unbindLocked()
	c.mu.Unlock()
}

func (c *Computation) unbindLocked() {
	for _, b := range c.bound {
		b.Close()
	}
	c.bound = nil
}

// Bound reports whether the computation currently holds bound items.
func (c *Computation) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound != nil
}

// Evaluate produces the computation's lazy result value.
func (c *Computation) Evaluate() (*DataAndCalibration, error) {
	c.mu.Lock()
	root := c.root
	bound := c.bound
	c.mu.Unlock()
	if root == nil {
		return nil, fmt.Errorf("%w: empty computation", ErrBadNode)
	}
	return c.reg.Evaluate(root, bound)
}

// NeedsUpdate registers a callback fired when any bound item's data
// changes. The returned function unsubscribes.
func (c *Computation) NeedsUpdate(fn func()) func() {
	sub := c.emitter.Subscribe(func(event.ChangeKind) { fn() })
	return func() { c.emitter.Unsubscribe(sub) }
}

func (c *Computation) notifyNeedsUpdate() {
	c.emitter.Notify(event.Data)
}

// Close releases bound items and subscriptions.
func (c *Computation) Close() {
	c.Unbind()
}
