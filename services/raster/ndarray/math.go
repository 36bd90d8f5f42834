// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ndarray

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
)

// Map applies fn to every element and returns a new array with the same
// shape. For complex arrays fn receives the magnitude and the result dtype
// becomes Float64. RGB arrays are not supported.
func (a *Array) Map(fn func(float64) float64) (*Array, error) {
	switch {
	case a.scalars != nil:
		out := a.Clone()
		for i, v := range out.scalars {
			out.scalars[i] = fn(v)
		}
		return out, nil
	case a.complexes != nil:
		out, err := New(a.shape, Float64)
		if err != nil {
			return nil, err
		}
		for i, v := range a.complexes {
			out.scalars[i] = fn(cmplx.Abs(v))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: element map on %s array", ErrBadDType, a.dtype)
	}
}

// MapComplex applies fn element-wise to a complex array.
func (a *Array) MapComplex(fn func(complex128) complex128) (*Array, error) {
	if a.complexes == nil {
		return nil, fmt.Errorf("%w: complex map on %s array", ErrBadDType, a.dtype)
	}
	out := a.Clone()
	for i, v := range out.complexes {
		out.complexes[i] = fn(v)
	}
	return out, nil
}

// broadcastPair validates operand shapes for a binary operation. A rank-1
// length-1 array broadcasts against anything; otherwise shapes must match.
func broadcastPair(a, b *Array) ([]int, error) {
	aScalar := a.Len() == 1
	bScalar := b.Len() == 1
	switch {
	case aScalar && !bScalar:
		return b.shape, nil
	case !aScalar && bScalar:
		return a.shape, nil
	case ShapeEqual(a.shape, b.shape):
		return a.shape, nil
	default:
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.shape, b.shape)
	}
}

// zipDType carries the operand dtype through a binary op: matching dtypes
// keep theirs, a length-1 operand defers to the other side, anything else
// promotes to Float64.
func zipDType(a, b *Array) DType {
	switch {
	case a.dtype == b.dtype:
		return a.dtype
	case a.Len() == 1:
		return b.dtype
	case b.Len() == 1:
		return a.dtype
	default:
		return Float64
	}
}

// Zip combines two scalar arrays element-wise with broadcast of length-1
// operands. The result dtype follows zipDType.
func Zip(a, b *Array, fn func(x, y float64) float64) (*Array, error) {
	return zipAs(a, b, zipDType(a, b), fn)
}

func zipAs(a, b *Array, dtype DType, fn func(x, y float64) float64) (*Array, error) {
	if a.scalars == nil || b.scalars == nil {
		return nil, fmt.Errorf("%w: binary op needs scalar operands (%s, %s)", ErrBadDType, a.dtype, b.dtype)
	}
	shape, err := broadcastPair(a, b)
	if err != nil {
		return nil, err
	}
	out, err := New(shape, dtype)
	if err != nil {
		return nil, err
	}
	av, bv := a.scalars, b.scalars
	for i := range out.scalars {
		x := av[i%len(av)]
		y := bv[i%len(bv)]
		out.scalars[i] = fn(x, y)
	}
	return out, nil
}

// Add returns a + b element-wise.
func Add(a, b *Array) (*Array, error) {
	return Zip(a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns a - b element-wise.
func Sub(a, b *Array) (*Array, error) {
	return Zip(a, b, func(x, y float64) float64 { return x - y })
}

// Mul returns a * b element-wise.
func Mul(a, b *Array) (*Array, error) {
	return Zip(a, b, func(x, y float64) float64 { return x * y })
}

// Div returns a / b element-wise as Float64. Division by zero follows IEEE
// semantics.
func Div(a, b *Array) (*Array, error) {
	return zipAs(a, b, Float64, func(x, y float64) float64 { return x / y })
}

// Pow returns a ** b element-wise.
func Pow(a, b *Array) (*Array, error) {
	return Zip(a, b, math.Pow)
}

// reduce collapses a scalar or complex array to one float64.
func (a *Array) reduce(init float64, fn func(acc, v float64) float64) (float64, error) {
	switch {
	case a.scalars != nil:
		acc := init
		for _, v := range a.scalars {
			acc = fn(acc, v)
		}
		return acc, nil
	case a.complexes != nil:
		acc := init
		for _, v := range a.complexes {
			acc = fn(acc, cmplx.Abs(v))
		}
		return acc, nil
	default:
		return 0, fmt.Errorf("%w: reduction on %s array", ErrBadDType, a.dtype)
	}
}

// Min returns the smallest element (complex arrays reduce by magnitude).
func (a *Array) Min() (float64, error) {
	if a.Len() == 0 {
		return 0, fmt.Errorf("%w: empty array", ErrShapeMismatch)
	}
	return a.reduce(math.Inf(1), math.Min)
}

// Max returns the largest element.
func (a *Array) Max() (float64, error) {
	if a.Len() == 0 {
		return 0, fmt.Errorf("%w: empty array", ErrShapeMismatch)
	}
	return a.reduce(math.Inf(-1), math.Max)
}

// Sum returns the sum of all elements.
func (a *Array) Sum() (float64, error) {
	return a.reduce(0, func(acc, v float64) float64 { return acc + v })
}

// Mean returns the arithmetic mean.
func (a *Array) Mean() (float64, error) {
	if a.Len() == 0 {
		return 0, fmt.Errorf("%w: empty array", ErrShapeMismatch)
	}
	sum, err := a.Sum()
	if err != nil {
		return 0, err
	}
	return sum / float64(a.Len()), nil
}

// Std returns the population standard deviation.
func (a *Array) Std() (float64, error) {
	mean, err := a.Mean()
	if err != nil {
		return 0, err
	}
	sq, err := a.reduce(0, func(acc, v float64) float64 {
		d := v - mean
		return acc + d*d
	})
	if err != nil {
		return 0, err
	}
	return math.Sqrt(sq / float64(a.Len())), nil
}

// Var returns the population variance.
func (a *Array) Var() (float64, error) {
	std, err := a.Std()
	if err != nil {
		return 0, err
	}
	return std * std, nil
}

// Median returns the median element value.
func (a *Array) Median() (float64, error) {
	if a.scalars == nil {
		return 0, fmt.Errorf("%w: median on %s array", ErrBadDType, a.dtype)
	}
	if len(a.scalars) == 0 {
		return 0, fmt.Errorf("%w: empty array", ErrShapeMismatch)
	}
	vals := append([]float64(nil), a.scalars...)
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2], nil
	}
	return (vals[n/2-1] + vals[n/2]) / 2, nil
}

// Ptp returns max - min (peak to peak).
func (a *Array) Ptp() (float64, error) {
	mn, err := a.Min()
	if err != nil {
		return 0, err
	}
	mx, err := a.Max()
	if err != nil {
		return 0, err
	}
	return mx - mn, nil
}

// Magnitude converts a complex array to its element-wise magnitude as a
// Float64 array. Scalar arrays are returned as a clone.
func (a *Array) Magnitude() (*Array, error) {
	if a.scalars != nil {
		return a.Clone(), nil
	}
	return a.Map(func(v float64) float64 { return v })
}

// Crop2D extracts a rectangular region from the first two axes. top/left/
// height/width are element indices; RGB component axes are carried along.
func (a *Array) Crop2D(top, left, height, width int) (*Array, error) {
	if len(a.SpatialShape()) != 2 {
		return nil, fmt.Errorf("%w: crop requires 2d data, have shape %v", ErrShapeMismatch, a.shape)
	}
	if top < 0 || left < 0 || height <= 0 || width <= 0 ||
		top+height > a.shape[0] || left+width > a.shape[1] {
		return nil, fmt.Errorf("%w: crop region %d,%d %dx%d outside shape %v",
			ErrShapeMismatch, top, left, height, width, a.shape)
	}
	comps := a.dtype.ComponentCount()
	outShape := []int{height, width}
	if a.dtype.IsRGBType() {
		outShape = append(outShape, comps)
	}
	out, err := New(outShape, a.dtype)
	if err != nil {
		return nil, err
	}
	rowLen := a.shape[1] * comps
	for r := 0; r < height; r++ {
		srcOff := (top+r)*rowLen + left*comps
		dstOff := r * width * comps
		switch {
		case a.scalars != nil:
			copy(out.scalars[dstOff:dstOff+width*comps], a.scalars[srcOff:srcOff+width*comps])
		case a.complexes != nil:
			copy(out.complexes[dstOff:dstOff+width*comps], a.complexes[srcOff:srcOff+width*comps])
		default:
			copy(out.bytes[dstOff:dstOff+width*comps], a.bytes[srcOff:srcOff+width*comps])
		}
	}
	return out, nil
}

// Transpose2D swaps the first two axes of a scalar 2-d array.
func (a *Array) Transpose2D() (*Array, error) {
	if a.scalars == nil || len(a.shape) != 2 {
		return nil, fmt.Errorf("%w: transpose requires scalar 2d data", ErrBadDType)
	}
	out, err := New([]int{a.shape[1], a.shape[0]}, a.dtype)
	if err != nil {
		return nil, err
	}
	for r := 0; r < a.shape[0]; r++ {
		for c := 0; c < a.shape[1]; c++ {
			out.scalars[c*a.shape[0]+r] = a.scalars[r*a.shape[1]+c]
		}
	}
	return out, nil
}

// FlipH mirrors a scalar 2-d array horizontally.
func (a *Array) FlipH() (*Array, error) {
	if a.scalars == nil || len(a.shape) != 2 {
		return nil, fmt.Errorf("%w: flip requires scalar 2d data", ErrBadDType)
	}
	out := a.Clone()
	w := a.shape[1]
	for r := 0; r < a.shape[0]; r++ {
		row := out.scalars[r*w : (r+1)*w]
		for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
			row[i], row[j] = row[j], row[i]
		}
	}
	return out, nil
}

// FlipV mirrors a scalar 2-d array vertically.
func (a *Array) FlipV() (*Array, error) {
	if a.scalars == nil || len(a.shape) != 2 {
		return nil, fmt.Errorf("%w: flip requires scalar 2d data", ErrBadDType)
	}
	out := a.Clone()
	w := a.shape[1]
	for i, j := 0, a.shape[0]-1; i < j; i, j = i+1, j-1 {
		ri := out.scalars[i*w : (i+1)*w]
		rj := out.scalars[j*w : (j+1)*w]
		for c := 0; c < w; c++ {
			ri[c], rj[c] = rj[c], ri[c]
		}
	}
	return out, nil
}

// GaussianBlur2D applies a separable gaussian kernel to a scalar 2-d array.
// The kernel is truncated at three sigma on each side.
func (a *Array) GaussianBlur2D(sigma float64) (*Array, error) {
	if a.scalars == nil || len(a.shape) != 2 {
		return nil, fmt.Errorf("%w: gaussian blur requires scalar 2d data", ErrBadDType)
	}
	if sigma <= 0 {
		return a.Clone(), nil
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	var norm float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		norm += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= norm
	}

	h, w := a.shape[0], a.shape[1]
	convolve := func(src []float64, rows, cols int, horizontal bool) []float64 {
		dst := make([]float64, len(src))
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				var acc float64
				for k := -radius; k <= radius; k++ {
					rr, cc := r, c
					if horizontal {
						cc = clamp(c+k, 0, cols-1)
					} else {
						rr = clamp(r+k, 0, rows-1)
					}
					acc += src[rr*cols+cc] * kernel[k+radius]
				}
				dst[r*cols+c] = acc
			}
		}
		return dst
	}

	out := a.Clone()
	out.scalars = convolve(out.scalars, h, w, true)
	out.scalars = convolve(out.scalars, h, w, false)
	return out, nil
}

// Histogram counts elements into the given number of equal-width bins
// between the array's min and max. Returns a 1-d Int32 array.
func (a *Array) Histogram(bins int) (*Array, error) {
	if a.scalars == nil {
		return nil, fmt.Errorf("%w: histogram on %s array", ErrBadDType, a.dtype)
	}
	if bins <= 0 {
		return nil, fmt.Errorf("%w: %d bins", ErrShapeMismatch, bins)
	}
	mn, err := a.Min()
	if err != nil {
		return nil, err
	}
	mx, _ := a.Max()
	out, err := New([]int{bins}, Int32)
	if err != nil {
		return nil, err
	}
	span := mx - mn
	for _, v := range a.scalars {
		bin := 0
		if span > 0 {
			bin = int(float64(bins) * (v - mn) / span)
			if bin >= bins {
				bin = bins - 1
			}
		}
		out.scalars[bin]++
	}
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
