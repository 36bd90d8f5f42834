// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package symbolic

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/heliolabs/helioscope/services/raster/calibration"
	"github.com/heliolabs/helioscope/services/raster/ndarray"
	"github.com/heliolabs/helioscope/services/raster/operation"
)

// Registry holds the function tables a computation evaluates against.
// Construct one with NewRegistry and share it; there is no ambient global
// table.
type Registry struct {
	unary    map[FunctionID]unaryFunc
	binary   map[FunctionID]func(a, b *ndarray.Array) (*ndarray.Array, error)
	reducers map[FunctionID]func(a *ndarray.Array) (float64, error)
	library  map[FunctionID]libraryFunc
}

type unaryFunc struct {
	apply func(a *ndarray.Array) (*ndarray.Array, error)
	// dtypeOut maps the operand dtype to the result dtype for the header.
	dtypeOut func(ndarray.DType) ndarray.DType
}

type libraryFunc struct {
	minArgs int
	maxArgs int
	// header appraises the result without materializing. args[0] is the
	// data operand; parameter values come from constant args when present.
	header func(args []*DataAndCalibration) ([]int, ndarray.DType, calibration.List)
	apply  func(ctx context.Context, args []*DataAndCalibration) (*ndarray.Array, error)
}

func sameDType(d ndarray.DType) ndarray.DType { return d }

func toFloat(d ndarray.DType) ndarray.DType {
	if d.IsComplex() {
		return ndarray.Float64
	}
	return d
}

// NewRegistry builds the standard function tables.
func NewRegistry() *Registry {
	r := &Registry{
		unary:    make(map[FunctionID]unaryFunc),
		binary:   make(map[FunctionID]func(a, b *ndarray.Array) (*ndarray.Array, error)),
		reducers: make(map[FunctionID]func(a *ndarray.Array) (float64, error)),
		library:  make(map[FunctionID]libraryFunc),
	}

	r.unary[FnAbs] = unaryFunc{
		apply: func(a *ndarray.Array) (*ndarray.Array, error) {
			if a.DType().IsComplex() {
				return a.Magnitude()
			}
			return a.Map(math.Abs)
		},
		dtypeOut: toFloat,
	}
	r.unary[FnNeg] = unaryFunc{
		apply: func(a *ndarray.Array) (*ndarray.Array, error) {
			if a.DType().IsComplex() {
				return a.MapComplex(func(v complex128) complex128 { return -v })
			}
			return a.Map(func(v float64) float64 { return -v })
		},
		dtypeOut: sameDType,
	}
	r.unary[FnLog] = unaryFunc{
		apply:    func(a *ndarray.Array) (*ndarray.Array, error) { return a.Map(math.Log) },
		dtypeOut: toFloat,
	}
	r.unary[FnLog2] = unaryFunc{
		apply:    func(a *ndarray.Array) (*ndarray.Array, error) { return a.Map(math.Log2) },
		dtypeOut: toFloat,
	}
	r.unary[FnLog10] = unaryFunc{
		apply:    func(a *ndarray.Array) (*ndarray.Array, error) { return a.Map(math.Log10) },
		dtypeOut: toFloat,
	}

	r.binary[FnAdd] = ndarray.Add
	r.binary[FnSub] = ndarray.Sub
	r.binary[FnMul] = ndarray.Mul
	r.binary[FnDiv] = ndarray.Div
	r.binary[FnPow] = ndarray.Pow

	r.reducers[FnMin] = (*ndarray.Array).Min
	r.reducers[FnMax] = (*ndarray.Array).Max
	r.reducers[FnMean] = (*ndarray.Array).Mean
	r.reducers[FnStd] = (*ndarray.Array).Std
	r.reducers[FnSum] = (*ndarray.Array).Sum
	r.reducers[FnMedian] = (*ndarray.Array).Median
	r.reducers[FnPtp] = (*ndarray.Array).Ptp

	r.library[FnInvert] = libraryFunc{
		minArgs: 1, maxArgs: 1,
		header: func(args []*DataAndCalibration) ([]int, ndarray.DType, calibration.List) {
			return args[0].Shape, args[0].DType, args[0].Calibrations.Clone()
		},
		apply: func(ctx context.Context, args []*DataAndCalibration) (*ndarray.Array, error) {
			src, err := args[0].Data(ctx)
			if err != nil {
				return nil, err
			}
			return operation.NewInvert().Process(src)
		},
	}

	r.library[FnGaussianBlur] = libraryFunc{
		minArgs: 2, maxArgs: 2,
		header: func(args []*DataAndCalibration) ([]int, ndarray.DType, calibration.List) {
			return args[0].Shape, args[0].DType, args[0].Calibrations.Clone()
		},
		apply: func(ctx context.Context, args []*DataAndCalibration) (*ndarray.Array, error) {
			src, err := args[0].Data(ctx)
			if err != nil {
				return nil, err
			}
			sigma, err := args[1].ScalarValue(ctx)
			if err != nil {
				return nil, err
			}
			return operation.NewGaussianBlur(sigma).Process(src)
		},
	}

	r.library[FnCrop] = libraryFunc{
		minArgs: 5, maxArgs: 5,
		header: func(args []*DataAndCalibration) ([]int, ndarray.DType, calibration.List) {
			op, ok := cropFromArgs(args)
			if !ok || args[0].Shape == nil {
				return nil, args[0].DType, args[0].Calibrations.Clone()
			}
			shape, dtype := op.TransformShape(args[0].Shape, args[0].DType)
			cals := op.TransformCalibrations(args[0].Shape, args[0].DType, args[0].Calibrations)
			return shape, dtype, cals
		},
		apply: func(ctx context.Context, args []*DataAndCalibration) (*ndarray.Array, error) {
			src, err := args[0].Data(ctx)
			if err != nil {
				return nil, err
			}
			bounds := make([]float64, 4)
			for i := 0; i < 4; i++ {
				if bounds[i], err = args[i+1].ScalarValue(ctx); err != nil {
					return nil, err
				}
			}
			op := operation.NewCrop(operation.Bounds{
				Top: bounds[0], Left: bounds[1], Height: bounds[2], Width: bounds[3],
			})
			return op.Process(src)
		},
	}

	r.library[FnHistogram] = libraryFunc{
		minArgs: 2, maxArgs: 2,
		header: func(args []*DataAndCalibration) ([]int, ndarray.DType, calibration.List) {
			if args[1].IsConstant() {
				return []int{int(args[1].ConstantValue())}, ndarray.Int32, nil
			}
			return nil, ndarray.Int32, nil
		},
		apply: func(ctx context.Context, args []*DataAndCalibration) (*ndarray.Array, error) {
			src, err := args[0].Data(ctx)
			if err != nil {
				return nil, err
			}
			bins, err := args[1].ScalarValue(ctx)
			if err != nil {
				return nil, err
			}
			return src.Histogram(int(bins))
		},
	}

	r.library[FnTransposeFlip] = libraryFunc{
		minArgs: 4, maxArgs: 4,
		header: func(args []*DataAndCalibration) ([]int, ndarray.DType, calibration.List) {
			shape := args[0].Shape
			cals := args[0].Calibrations.Clone()
			transpose := args[1].IsConstant() && args[1].ConstantValue() != 0
			if transpose && len(shape) == 2 {
				shape = []int{shape[1], shape[0]}
				if len(cals) == 2 {
					cals[0], cals[1] = cals[1], cals[0]
				}
			}
			return shape, args[0].DType, cals
		},
		apply: func(ctx context.Context, args []*DataAndCalibration) (*ndarray.Array, error) {
			out, err := args[0].Data(ctx)
			if err != nil {
				return nil, err
			}
			flags := make([]float64, 3)
			for i := 0; i < 3; i++ {
				if flags[i], err = args[i+1].ScalarValue(ctx); err != nil {
					return nil, err
				}
			}
			if flags[0] != 0 {
				if out, err = out.Transpose2D(); err != nil {
					return nil, err
				}
			}
			if flags[1] != 0 {
				if out, err = out.FlipV(); err != nil {
					return nil, err
				}
			}
			if flags[2] != 0 {
				if out, err = out.FlipH(); err != nil {
					return nil, err
				}
			}
			return out, nil
		},
	}

	return r
}

// cropFromArgs builds a crop step from constant parameter values; fails
// when a parameter is not a literal.
func cropFromArgs(args []*DataAndCalibration) (*operation.Crop, bool) {
	vals := make([]float64, 4)
	for i := 0; i < 4; i++ {
		if !args[i+1].IsConstant() {
			return nil, false
		}
		vals[i] = args[i+1].ConstantValue()
	}
	return operation.NewCrop(operation.Bounds{
		Top: vals[0], Left: vals[1], Height: vals[2], Width: vals[3],
	}), true
}

func (r *Registry) isReducer(fn FunctionID) bool {
	_, ok := r.reducers[fn]
	return ok
}

func (r *Registry) isUnary(fn FunctionID) bool {
	_, ok := r.unary[fn]
	return ok
}

func (r *Registry) isLibrary(fn FunctionID) bool {
	_, ok := r.library[fn]
	return ok
}

// Evaluate walks the node tree post-order and produces a lazy value. Data
// and property nodes look up their bound items by node id.
func (r *Registry) Evaluate(node *DataNode, bound map[uuid.UUID]BoundItem) (*DataAndCalibration, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: nil node", ErrBadNode)
	}
	switch node.Type {
	case NodeConstant:
		return newConstantValue(node.Value), nil

	case NodeData, NodeProperty:
		item, ok := bound[node.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s node %s", ErrUnbound, node.Type, node.ID)
		}
		return item.Value()

	case NodeReference:
		return nil, fmt.Errorf("%w: unresolved reference %q", ErrUnbound, node.Specifier)

	case NodeUnary:
		if len(node.Children) != 1 {
			return nil, fmt.Errorf("%w: unary node needs one child", ErrBadNode)
		}
		fn, ok := r.unary[node.Function]
		if !ok {
			return nil, fmt.Errorf("%w: unknown unary function %s", ErrBadNode, node.Function)
		}
		child, err := r.Evaluate(node.Children[0], bound)
		if err != nil {
			return nil, err
		}
		out := newValue(child.Shape, fn.dtypeOut(child.DType), func(ctx context.Context) (*ndarray.Array, error) {
			src, err := child.Data(ctx)
			if err != nil {
				return nil, err
			}
			return fn.apply(src)
		})
		out.Calibrations = child.Calibrations.Clone()
		out.Intensity = child.Intensity
		return out, nil

	case NodeBinary:
		if len(node.Children) != 2 {
			return nil, fmt.Errorf("%w: binary node needs two children", ErrBadNode)
		}
		fn, ok := r.binary[node.Function]
		if !ok {
			return nil, fmt.Errorf("%w: unknown binary function %s", ErrBadNode, node.Function)
		}
		left, err := r.Evaluate(node.Children[0], bound)
		if err != nil {
			return nil, err
		}
		right, err := r.Evaluate(node.Children[1], bound)
		if err != nil {
			return nil, err
		}
		// Shape and calibrations come from the operand that carries them.
		shape := left.Shape
		cals := left.Calibrations
		intensity := left.Intensity
		if isScalarShape(shape) {
			shape = right.Shape
		}
		if len(cals) == 0 {
			cals = right.Calibrations
			intensity = right.Intensity
		}
		out := newValue(shape, binaryDType(node.Function, left, right), func(ctx context.Context) (*ndarray.Array, error) {
			a, err := left.Data(ctx)
			if err != nil {
				return nil, err
			}
			b, err := right.Data(ctx)
			if err != nil {
				return nil, err
			}
			return fn(a, b)
		})
		out.Calibrations = cals.Clone()
		out.Intensity = intensity
		return out, nil

	case NodeScalar:
		if len(node.Children) != 1 {
			return nil, fmt.Errorf("%w: scalar node needs one child", ErrBadNode)
		}
		fn, ok := r.reducers[node.Function]
		if !ok {
			return nil, fmt.Errorf("%w: unknown reducer %s", ErrBadNode, node.Function)
		}
		child, err := r.Evaluate(node.Children[0], bound)
		if err != nil {
			return nil, err
		}
		out := newValue([]int{1}, ndarray.Float64, func(ctx context.Context) (*ndarray.Array, error) {
			src, err := child.Data(ctx)
			if err != nil {
				return nil, err
			}
			v, err := fn(src)
			if err != nil {
				return nil, err
			}
			return ndarray.Scalar(v), nil
		})
		out.Intensity = child.Intensity
		return out, nil

	case NodeFunction:
		fn, ok := r.library[node.Function]
		if !ok {
			return nil, fmt.Errorf("%w: unknown function %s", ErrBadNode, node.Function)
		}
		if len(node.Children) < fn.minArgs || len(node.Children) > fn.maxArgs {
			return nil, fmt.Errorf("%w: %s takes %d to %d arguments, got %d",
				ErrBadNode, node.Function, fn.minArgs, fn.maxArgs, len(node.Children))
		}
		args := make([]*DataAndCalibration, len(node.Children))
		for i, child := range node.Children {
			v, err := r.Evaluate(child, bound)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		shape, dtype, cals := fn.header(args)
		out := newValue(shape, dtype, func(ctx context.Context) (*ndarray.Array, error) {
			return fn.apply(ctx, args)
		})
		out.Calibrations = cals
		out.Intensity = args[0].Intensity
		return out, nil

	default:
		return nil, fmt.Errorf("%w: type %s", ErrBadNode, node.Type)
	}
}

func isScalarShape(shape []int) bool {
	if shape == nil {
		return false
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n == 1
}

// binaryDType mirrors ndarray's dtype carry for binary results: matching
// operand dtypes keep theirs, a scalar-shaped operand defers to the other
// side, division always promotes to Float64.
func binaryDType(fn FunctionID, left, right *DataAndCalibration) ndarray.DType {
	if fn == FnDiv {
		return ndarray.Float64
	}
	switch {
	case left.DType == right.DType:
		return left.DType
	case isScalarShape(left.Shape):
		return right.DType
	case isScalarShape(right.Shape):
		return left.DType
	default:
		return ndarray.Float64
	}
}
