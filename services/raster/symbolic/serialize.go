// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package symbolic

import (
	"fmt"

	"github.com/google/uuid"
)

// Record is the serialized form of a DataNode: a tagged tree that JSON
// round-trips losslessly.
type Record struct {
	Type      string    `json:"type"`
	ID        string    `json:"uuid"`
	Function  string    `json:"function,omitempty"`
	Inputs    []*Record `json:"inputs,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Specifier string    `json:"specifier,omitempty"`
	Property  string    `json:"property,omitempty"`
}

// Write serializes the node tree. Reference nodes are intermediate parser
// output and cannot be written; bind or rewrite them first.
func (n *DataNode) Write() (*Record, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil node", ErrBadNode)
	}
	if n.Type == NodeReference {
		return nil, fmt.Errorf("%w: reference node %q is not serializable", ErrBadNode, n.Specifier)
	}
	rec := &Record{
		Type:      n.Type.String(),
		ID:        n.ID.String(),
		Specifier: n.Specifier,
		Property:  n.Property,
	}
	if n.Function != FnInvalid {
		rec.Function = n.Function.String()
	}
	if n.Type == NodeConstant {
		v := n.Value
		rec.Value = &v
	}
	for _, child := range n.Children {
		childRec, err := child.Write()
		if err != nil {
			return nil, err
		}
		rec.Inputs = append(rec.Inputs, childRec)
	}
	return rec, nil
}

// ReadNode is the inverse of Write.
func ReadNode(rec *Record) (*DataNode, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrBadNode)
	}
	nodeType := NodeTypeFromString(rec.Type)
	if nodeType == NodeInvalid || nodeType == NodeReference {
		return nil, fmt.Errorf("%w: record type %q", ErrBadNode, rec.Type)
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: record uuid: %v", ErrBadNode, err)
	}
	node := &DataNode{
		Type:      nodeType,
		ID:        id,
		Specifier: rec.Specifier,
		Property:  rec.Property,
	}
	if rec.Function != "" {
		node.Function = FunctionFromString(rec.Function)
		if node.Function == FnInvalid {
			return nil, fmt.Errorf("%w: record function %q", ErrBadNode, rec.Function)
		}
	}
	if rec.Value != nil {
		node.Value = *rec.Value
	}
	for _, input := range rec.Inputs {
		child, err := ReadNode(input)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}
