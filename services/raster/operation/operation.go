// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package operation defines the processing steps a data item applies to its
// source data, and the concrete steps shipped with the core.
//
// Operations are chained: the item threads data, shape, dtype, and
// calibrations through each enabled step in order. A disabled step is
// skipped everywhere, including shape and calibration transfer.
package operation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/heliolabs/helioscope/services/raster/calibration"
	"github.com/heliolabs/helioscope/services/raster/ndarray"
)

// ErrBadInput is returned when an operation is asked to process data it
// cannot handle.
var ErrBadInput = errors.New("operation: bad input")

// Operation is one processing step in a data item's chain.
//
// Process is the only potentially slow call; the transform methods answer
// shape, dtype, and calibration questions without touching data so that a
// data item can appraise its derived output cheaply.
//
// Implementations must be safe for concurrent use; Enabled may be toggled
// while another goroutine is mid-Process.
type Operation interface {
	// ID identifies the operation kind, e.g. "crop".
	ID() string

	// Enabled reports whether the step participates in the chain.
	Enabled() bool

	// SetEnabled toggles participation.
	SetEnabled(enabled bool)

	// Process applies the step to src and returns a new array. src must
	// not be mutated.
	Process(src *ndarray.Array) (*ndarray.Array, error)

	// TransformShape maps the incoming shape and dtype to the outgoing
	// ones without processing data.
	TransformShape(shape []int, dtype ndarray.DType) ([]int, ndarray.DType)

	// TransformCalibrations maps per-axis spatial calibrations across the
	// step, given the incoming spatial shape.
	TransformCalibrations(shape []int, dtype ndarray.DType, cals calibration.List) calibration.List

	// TransformIntensityCalibration maps the intensity calibration across
	// the step.
	TransformIntensityCalibration(shape []int, dtype ndarray.DType, cal calibration.Calibration) calibration.Calibration

	// SyncSourceShape notifies the step that the upstream spatial shape
	// changed, so shape-dependent parameters can be revalidated.
	SyncSourceShape(shape []int, dtype ndarray.DType)

	// Clone returns an independent copy of the step, including its
	// enabled state and parameters.
	Clone() Operation
}

// enabledFlag provides the Enabled/SetEnabled half of Operation.
type enabledFlag struct {
	disabled atomic.Bool
}

func (f *enabledFlag) Enabled() bool           { return !f.disabled.Load() }
func (f *enabledFlag) SetEnabled(enabled bool) { f.disabled.Store(!enabled) }

// Invert negates scalar data and complements rgb data.
type Invert struct {
	enabledFlag
}

// NewInvert creates an enabled invert step.
func NewInvert() *Invert { return &Invert{} }

func (o *Invert) ID() string { return "invert" }

func (o *Invert) Process(src *ndarray.Array) (*ndarray.Array, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrBadInput)
	}
	if src.DType().IsRGBType() {
		out := src.Clone()
		b := out.Bytes()
		for i := range b {
			b[i] = 255 - b[i]
		}
		return out, nil
	}
	if src.DType().IsComplex() {
		return src.MapComplex(func(v complex128) complex128 { return -v })
	}
	return src.Map(func(v float64) float64 { return -v })
}

func (o *Invert) TransformShape(shape []int, dtype ndarray.DType) ([]int, ndarray.DType) {
	return shape, dtype
}

func (o *Invert) TransformCalibrations(shape []int, dtype ndarray.DType, cals calibration.List) calibration.List {
	return cals.Clone()
}

func (o *Invert) TransformIntensityCalibration(shape []int, dtype ndarray.DType, cal calibration.Calibration) calibration.Calibration {
	return cal
}

func (o *Invert) SyncSourceShape(shape []int, dtype ndarray.DType) {}

func (o *Invert) Clone() Operation {
	c := NewInvert()
	c.SetEnabled(o.Enabled())
	return c
}

// Bounds is a fractional crop rectangle over the source spatial shape:
// origin (top, left) and size (height, width), each in [0, 1].
type Bounds struct {
	Top    float64 `json:"top" yaml:"top"`
	Left   float64 `json:"left" yaml:"left"`
	Height float64 `json:"height" yaml:"height"`
	Width  float64 `json:"width" yaml:"width"`
}

// Crop extracts a fractional rectangle from 2d data.
type Crop struct {
	enabledFlag
	bounds atomic.Value // Bounds
}

// NewCrop creates an enabled crop step with the given fractional bounds.
func NewCrop(bounds Bounds) *Crop {
	c := &Crop{}
	c.bounds.Store(clampBounds(bounds))
	return c
}

func clampBounds(b Bounds) Bounds {
	clamp01 := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	b.Top = clamp01(b.Top)
	b.Left = clamp01(b.Left)
	b.Height = clamp01(b.Height)
	b.Width = clamp01(b.Width)
	if b.Top+b.Height > 1 {
		b.Height = 1 - b.Top
	}
	if b.Left+b.Width > 1 {
		b.Width = 1 - b.Left
	}
	return b
}

func (o *Crop) ID() string { return "crop" }

// Bounds returns the current fractional bounds.
func (o *Crop) Bounds() Bounds { return o.bounds.Load().(Bounds) }

// SetBounds replaces the fractional bounds, clamping them into [0, 1].
func (o *Crop) SetBounds(b Bounds) { o.bounds.Store(clampBounds(b)) }

// pixelRect resolves the fractional bounds against a spatial shape.
func (o *Crop) pixelRect(spatial []int) (top, left, height, width int) {
	b := o.Bounds()
	top = int(float64(spatial[0]) * b.Top)
	left = int(float64(spatial[1]) * b.Left)
	height = int(float64(spatial[0]) * b.Height)
	width = int(float64(spatial[1]) * b.Width)
	return top, left, height, width
}

func (o *Crop) Process(src *ndarray.Array) (*ndarray.Array, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrBadInput)
	}
	spatial := src.SpatialShape()
	if len(spatial) != 2 {
		return nil, fmt.Errorf("%w: crop requires 2d data, got rank %d", ErrBadInput, len(spatial))
	}
	top, left, height, width := o.pixelRect(spatial)
	return src.Crop2D(top, left, height, width)
}

func (o *Crop) TransformShape(shape []int, dtype ndarray.DType) ([]int, ndarray.DType) {
	spatial := ndarray.SpatialShape(shape, dtype)
	if len(spatial) != 2 {
		return shape, dtype
	}
	_, _, height, width := o.pixelRect(spatial)
	out := []int{height, width}
	if dtype.IsRGBType() {
		out = append(out, dtype.ComponentCount())
	}
	return out, dtype
}

// TransformCalibrations shifts each axis offset to the cropped origin:
// offset' = offset + size*origin_fraction*scale. Scale and units carry over.
func (o *Crop) TransformCalibrations(shape []int, dtype ndarray.DType, cals calibration.List) calibration.List {
	spatial := ndarray.SpatialShape(shape, dtype)
	out := cals.Clone()
	if len(spatial) != 2 || len(out) < 2 {
		return out
	}
	b := o.Bounds()
	origin := []float64{b.Top, b.Left}
	for i := 0; i < 2; i++ {
		out[i].Offset += float64(spatial[i]) * origin[i] * out[i].Scale
	}
	return out
}

func (o *Crop) TransformIntensityCalibration(shape []int, dtype ndarray.DType, cal calibration.Calibration) calibration.Calibration {
	return cal
}

func (o *Crop) SyncSourceShape(shape []int, dtype ndarray.DType) {
	// Bounds are fractional; a shape change only requires re-clamping.
	o.SetBounds(o.Bounds())
}

func (o *Crop) Clone() Operation {
	c := NewCrop(o.Bounds())
	c.SetEnabled(o.Enabled())
	return c
}

// GaussianBlur smooths 2d scalar data with a separable gaussian kernel.
type GaussianBlur struct {
	enabledFlag
	sigma atomic.Value // float64
}

// NewGaussianBlur creates an enabled blur step. Non-positive sigma is
// treated as a pass-through.
func NewGaussianBlur(sigma float64) *GaussianBlur {
	o := &GaussianBlur{}
	o.sigma.Store(sigma)
	return o
}

func (o *GaussianBlur) ID() string { return "gaussian-blur" }

// Sigma returns the current kernel width.
func (o *GaussianBlur) Sigma() float64 { return o.sigma.Load().(float64) }

// SetSigma replaces the kernel width.
func (o *GaussianBlur) SetSigma(sigma float64) { o.sigma.Store(sigma) }

func (o *GaussianBlur) Process(src *ndarray.Array) (*ndarray.Array, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrBadInput)
	}
	if src.DType().IsRGBType() || src.DType().IsComplex() {
		return nil, fmt.Errorf("%w: gaussian blur requires scalar data, got %s", ErrBadInput, src.DType())
	}
	if len(src.Shape()) != 2 {
		return nil, fmt.Errorf("%w: gaussian blur requires 2d data, got rank %d", ErrBadInput, len(src.Shape()))
	}
	return src.GaussianBlur2D(o.Sigma())
}

func (o *GaussianBlur) TransformShape(shape []int, dtype ndarray.DType) ([]int, ndarray.DType) {
	return shape, dtype
}

func (o *GaussianBlur) TransformCalibrations(shape []int, dtype ndarray.DType, cals calibration.List) calibration.List {
	return cals.Clone()
}

func (o *GaussianBlur) TransformIntensityCalibration(shape []int, dtype ndarray.DType, cal calibration.Calibration) calibration.Calibration {
	return cal
}

func (o *GaussianBlur) SyncSourceShape(shape []int, dtype ndarray.DType) {}

func (o *GaussianBlur) Clone() Operation {
	c := NewGaussianBlur(o.Sigma())
	c.SetEnabled(o.Enabled())
	return c
}
