// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package symbolic implements the computation graph: expressions over data
// items parsed into a typed node tree, bound to live items, and evaluated
// lazily into calibrated arrays.
//
// The expression grammar is restricted on purpose. There is no host code
// execution; only the operators and the functions the registry knows.
package symbolic

import (
	"errors"

	"github.com/google/uuid"
)

// ErrBadNode is returned for structurally invalid nodes.
var ErrBadNode = errors.New("symbolic: bad node")

// ErrUnbound is returned when evaluation reaches a data node with no bound
// item.
var ErrUnbound = errors.New("symbolic: node not bound")

// ErrResolve is returned when binding cannot resolve an object specifier.
var ErrResolve = errors.New("symbolic: cannot resolve specifier")

// NodeType tags the DataNode variant.
type NodeType int

const (
	NodeInvalid NodeType = iota

	// NodeConstant is a numeric literal.
	NodeConstant

	// NodeScalar reduces its child to a single value (min, mean, std...).
	NodeScalar

	// NodeUnary applies an elementwise unary function to its child.
	NodeUnary

	// NodeBinary combines two children elementwise (+ - * / **).
	NodeBinary

	// NodeFunction applies a registry library function; the first child is
	// the data operand, later children are parameters.
	NodeFunction

	// NodeData yields a bound data item's derived data.
	NodeData

	// NodeProperty yields a scalar property of a bound item.
	NodeProperty

	// NodeReference is an unresolved variable produced by the parser. It
	// is replaced during binding and is not serializable.
	NodeReference
)

var nodeTypeNames = map[NodeType]string{
	NodeConstant:  "constant",
	NodeScalar:    "scalar",
	NodeUnary:     "unary",
	NodeBinary:    "binary",
	NodeFunction:  "function",
	NodeData:      "data",
	NodeProperty:  "property",
	NodeReference: "reference",
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return "invalid"
}

// NodeTypeFromString is the inverse of String. Unknown names yield
// NodeInvalid.
func NodeTypeFromString(s string) NodeType {
	for t, name := range nodeTypeNames {
		if name == s {
			return t
		}
	}
	return NodeInvalid
}

// FunctionID identifies a registry function. The zero value is invalid.
type FunctionID int

const (
	FnInvalid FunctionID = iota

	// unary, elementwise
	FnAbs
	FnNeg
	FnLog
	FnLog2
	FnLog10

	// binary, elementwise with broadcasting
	FnAdd
	FnSub
	FnMul
	FnDiv
	FnPow

	// reducers, array to scalar
	FnMin
	FnMax
	FnMean
	FnStd
	FnSum
	FnMedian
	FnPtp

	// library, array to array
	FnGaussianBlur
	FnCrop
	FnInvert
	FnHistogram
	FnTransposeFlip
)

var functionNames = map[FunctionID]string{
	FnAbs:           "abs",
	FnNeg:           "neg",
	FnLog:           "log",
	FnLog2:          "log2",
	FnLog10:         "log10",
	FnAdd:           "add",
	FnSub:           "sub",
	FnMul:           "mul",
	FnDiv:           "div",
	FnPow:           "pow",
	FnMin:           "amin",
	FnMax:           "amax",
	FnMean:          "mean",
	FnStd:           "std",
	FnSum:           "sum",
	FnMedian:        "median",
	FnPtp:           "ptp",
	FnGaussianBlur:  "gaussian_blur",
	FnCrop:          "crop",
	FnInvert:        "invert",
	FnHistogram:     "histogram",
	FnTransposeFlip: "transpose_flip",
}

func (f FunctionID) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return "invalid"
}

// FunctionFromString is the inverse of String. Unknown names yield
// FnInvalid.
func FunctionFromString(s string) FunctionID {
	for f, name := range functionNames {
		if name == s {
			return f
		}
	}
	return FnInvalid
}

// DataNode is one node of a computation graph. The Type tag determines
// which fields are meaningful.
type DataNode struct {
	Type      NodeType
	ID        uuid.UUID
	Function  FunctionID  // Scalar, Unary, Binary, Function
	Children  []*DataNode // operands, in order
	Value     float64     // Constant
	Specifier string      // Data, Property, Reference: object specifier
	Property  string      // Property: property name
}

// NewConstantNode creates a numeric literal node.
func NewConstantNode(v float64) *DataNode {
	return &DataNode{Type: NodeConstant, ID: uuid.New(), Value: v}
}

// NewUnaryNode applies fn elementwise to child.
func NewUnaryNode(fn FunctionID, child *DataNode) *DataNode {
	return &DataNode{Type: NodeUnary, ID: uuid.New(), Function: fn, Children: []*DataNode{child}}
}

// NewBinaryNode combines left and right with fn.
func NewBinaryNode(fn FunctionID, left, right *DataNode) *DataNode {
	return &DataNode{Type: NodeBinary, ID: uuid.New(), Function: fn, Children: []*DataNode{left, right}}
}

// NewScalarNode reduces child with fn.
func NewScalarNode(fn FunctionID, child *DataNode) *DataNode {
	return &DataNode{Type: NodeScalar, ID: uuid.New(), Function: fn, Children: []*DataNode{child}}
}

// NewFunctionNode applies a library function to its arguments.
func NewFunctionNode(fn FunctionID, args ...*DataNode) *DataNode {
	return &DataNode{Type: NodeFunction, ID: uuid.New(), Function: fn, Children: args}
}

// NewDataNode references an object specifier to be bound to a data item.
func NewDataNode(specifier string) *DataNode {
	return &DataNode{Type: NodeData, ID: uuid.New(), Specifier: specifier}
}

// NewPropertyNode references a named property of a bound item.
func NewPropertyNode(specifier, property string) *DataNode {
	return &DataNode{Type: NodeProperty, ID: uuid.New(), Specifier: specifier, Property: property}
}

// NewReferenceNode is an unresolved variable; binding rewrites it.
func NewReferenceNode(name string) *DataNode {
	return &DataNode{Type: NodeReference, ID: uuid.New(), Specifier: name}
}

// Walk visits the node and its descendants depth-first.
func (n *DataNode) Walk(visit func(*DataNode)) {
	if n == nil {
		return
	}
	for _, child := range n.Children {
		child.Walk(visit)
	}
	visit(n)
}
