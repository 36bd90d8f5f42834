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
	"sync"

	"github.com/heliolabs/helioscope/services/raster/calibration"
	"github.com/heliolabs/helioscope/services/raster/ndarray"
)

// DataAndCalibration is the result of evaluating a computation node: a
// precomputed shape/dtype/calibration header plus a deferred data thunk.
// The header is readable without materializing anything; Data blocks.
type DataAndCalibration struct {
	// Shape and DType describe the data the thunk will produce. Shape is
	// nil when the producer cannot appraise it cheaply.
	Shape []int
	DType ndarray.DType

	// Calibrations and Intensity carry across from the operand that owns
	// them.
	Calibrations calibration.List
	Intensity    calibration.Calibration

	compute func(ctx context.Context) (*ndarray.Array, error)

	mu   sync.Mutex
	done bool
	data *ndarray.Array
	err  error

	// constant is set for values originating in numeric literals, so
	// library function headers can read parameters without a context.
	constant *float64
}

// newValue builds a lazy value around a compute thunk.
func newValue(shape []int, dtype ndarray.DType, compute func(ctx context.Context) (*ndarray.Array, error)) *DataAndCalibration {
	return &DataAndCalibration{Shape: shape, DType: dtype, compute: compute}
}

// newConstantValue wraps a numeric literal.
func newConstantValue(v float64) *DataAndCalibration {
	val := newValue([]int{1}, ndarray.Float64, func(context.Context) (*ndarray.Array, error) {
		return ndarray.Scalar(v), nil
	})
	val.constant = &v
	return val
}

// Data materializes the value. The result is memoized; concurrent callers
// share one computation.
func (v *DataAndCalibration) Data(ctx context.Context) (*ndarray.Array, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.done {
		v.data, v.err = v.compute(ctx)
		// A context error is not a result; let a later call retry.
		if v.err == nil || ctx.Err() == nil {
			v.done = true
		}
	}
	return v.data, v.err
}

// ScalarValue materializes the value and returns its single element.
func (v *DataAndCalibration) ScalarValue(ctx context.Context) (float64, error) {
	if v.constant != nil {
		return *v.constant, nil
	}
	data, err := v.Data(ctx)
	if err != nil {
		return 0, err
	}
	if data == nil || data.Len() != 1 {
		return 0, fmt.Errorf("%w: value is not scalar", ErrBadNode)
	}
	if data.Float64s() != nil {
		return data.Float64s()[0], nil
	}
	return 0, fmt.Errorf("%w: value is not scalar", ErrBadNode)
}

// IsConstant reports whether the value is a numeric literal.
func (v *DataAndCalibration) IsConstant() bool { return v.constant != nil }

// ConstantValue returns the literal value; only meaningful when IsConstant.
func (v *DataAndCalibration) ConstantValue() float64 {
	if v.constant == nil {
		return 0
	}
	return *v.constant
}
