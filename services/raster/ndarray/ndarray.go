// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ndarray provides the dense multi-dimensional array type that the
// data model computes over, along with dtype classification and the
// element-wise and reduction primitives used by operations and by the
// symbolic function registry.
//
// Arrays are immutable by convention: operations return new arrays rather
// than mutating inputs. The three storage classes (float64, complex128,
// uint8) cover all supported dtypes; the DType records intended precision.
package ndarray

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when operand shapes are incompatible.
var ErrShapeMismatch = errors.New("ndarray: shape mismatch")

// ErrBadDType is returned when an operation does not support the operand
// dtype class.
var ErrBadDType = errors.New("ndarray: unsupported dtype")

// Array is a dense n-dimensional array.
//
// Exactly one of the three storage slices is non-nil, chosen by the dtype's
// storage class. Array values are not safe for concurrent mutation; the data
// model treats them as immutable once published.
type Array struct {
	shape     []int
	dtype     DType
	scalars   []float64    // real and integer dtypes
	complexes []complex128 // complex dtypes
	bytes     []uint8      // rgb/rgba dtypes
}

// New creates a zero-filled array with the given shape and dtype.
func New(shape []int, dtype DType) (*Array, error) {
	if !ShapeValid(shape, dtype) {
		return nil, fmt.Errorf("%w: shape %v dtype %s", ErrBadDType, shape, dtype)
	}
	a := &Array{shape: append([]int(nil), shape...), dtype: dtype}
	n := elementCount(shape)
	switch {
	case dtype.IsComplex():
		a.complexes = make([]complex128, n)
	case dtype.IsRGBType():
		if shape[len(shape)-1] != dtype.ComponentCount() {
			return nil, fmt.Errorf("%w: trailing axis %d does not match %s components",
				ErrShapeMismatch, shape[len(shape)-1], dtype)
		}
		a.bytes = make([]uint8, n)
	default:
		a.scalars = make([]float64, n)
	}
	return a, nil
}

// FromFloat64s creates an array from row-major float64 data. The data slice
// is copied.
func FromFloat64s(shape []int, dtype DType, data []float64) (*Array, error) {
	if !dtype.IsScalar() {
		return nil, fmt.Errorf("%w: %s is not a scalar dtype", ErrBadDType, dtype)
	}
	a, err := New(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(data) != len(a.scalars) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	copy(a.scalars, data)
	return a, nil
}

// FromComplex128s creates a complex array from row-major data.
func FromComplex128s(shape []int, dtype DType, data []complex128) (*Array, error) {
	if !dtype.IsComplex() {
		return nil, fmt.Errorf("%w: %s is not a complex dtype", ErrBadDType, dtype)
	}
	a, err := New(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(data) != len(a.complexes) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	copy(a.complexes, data)
	return a, nil
}

// FromBytes creates an RGB/RGBA array from row-major component data.
func FromBytes(shape []int, dtype DType, data []uint8) (*Array, error) {
	if !dtype.IsRGBType() {
		return nil, fmt.Errorf("%w: %s is not an rgb dtype", ErrBadDType, dtype)
	}
	a, err := New(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(data) != len(a.bytes) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	copy(a.bytes, data)
	return a, nil
}

// Scalar wraps a single float64 as a rank-1 array of length 1. Used for
// constant nodes and reduction results.
func Scalar(v float64) *Array {
	a, _ := FromFloat64s([]int{1}, Float64, []float64{v})
	return a
}

// Shape returns a copy of the array's shape.
func (a *Array) Shape() []int {
	return append([]int(nil), a.shape...)
}

// DType returns the array's element type.
func (a *Array) DType() DType {
	return a.dtype
}

// SpatialShape returns the shape without the component axis.
func (a *Array) SpatialShape() []int {
	return SpatialShape(a.shape, a.dtype)
}

// Len returns the total element count, including color components.
func (a *Array) Len() int {
	return elementCount(a.shape)
}

// Rank returns the number of axes.
func (a *Array) Rank() int {
	return len(a.shape)
}

// Float64s returns the underlying scalar storage, or nil for non-scalar
// dtypes. The slice is shared; callers must not mutate published arrays.
func (a *Array) Float64s() []float64 {
	return a.scalars
}

// Complex128s returns the underlying complex storage, or nil.
func (a *Array) Complex128s() []complex128 {
	return a.complexes
}

// Bytes returns the underlying rgb/rgba storage, or nil.
func (a *Array) Bytes() []uint8 {
	return a.bytes
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	if a == nil {
		return nil
	}
	c := &Array{shape: append([]int(nil), a.shape...), dtype: a.dtype}
	if a.scalars != nil {
		c.scalars = append([]float64(nil), a.scalars...)
	}
	if a.complexes != nil {
		c.complexes = append([]complex128(nil), a.complexes...)
	}
	if a.bytes != nil {
		c.bytes = append([]uint8(nil), a.bytes...)
	}
	return c
}

// Equal compares shape, dtype and contents bit-exactly.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.dtype != b.dtype || !ShapeEqual(a.shape, b.shape) {
		return false
	}
	for i := range a.scalars {
		if a.scalars[i] != b.scalars[i] {
			return false
		}
	}
	for i := range a.complexes {
		if a.complexes[i] != b.complexes[i] {
			return false
		}
	}
	for i := range a.bytes {
		if a.bytes[i] != b.bytes[i] {
			return false
		}
	}
	return true
}

// flatIndex converts an n-dimensional index to a row-major offset.
func (a *Array) flatIndex(ix []int) (int, error) {
	if len(ix) != len(a.shape) {
		return 0, fmt.Errorf("%w: index rank %d vs shape rank %d", ErrShapeMismatch, len(ix), len(a.shape))
	}
	off := 0
	for i, v := range ix {
		if v < 0 || v >= a.shape[i] {
			return 0, fmt.Errorf("%w: index %v out of range for shape %v", ErrShapeMismatch, ix, a.shape)
		}
		off = off*a.shape[i] + v
	}
	return off, nil
}

// At returns the scalar element at the given index. Valid only for scalar
// dtypes.
func (a *Array) At(ix ...int) (float64, error) {
	if a.scalars == nil {
		return 0, fmt.Errorf("%w: At on %s array", ErrBadDType, a.dtype)
	}
	off, err := a.flatIndex(ix)
	if err != nil {
		return 0, err
	}
	return a.scalars[off], nil
}

// SetAt stores a scalar element at the given index. Valid only for scalar
// dtypes; intended for construction, not for mutating published arrays.
func (a *Array) SetAt(v float64, ix ...int) error {
	if a.scalars == nil {
		return fmt.Errorf("%w: SetAt on %s array", ErrBadDType, a.dtype)
	}
	off, err := a.flatIndex(ix)
	if err != nil {
		return err
	}
	a.scalars[off] = v
	return nil
}
