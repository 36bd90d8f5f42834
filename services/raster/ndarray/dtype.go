// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ndarray

// DType identifies the element type of an Array.
//
// Real and integer dtypes share a float64 storage class; the dtype records
// the intended precision for serialization and display. Complex dtypes use a
// complex128 storage class, RGB/RGBA use a byte storage class with one
// trailing component axis.
type DType int

const (
	DTypeInvalid DType = iota
	Float32
	Float64
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Complex64
	Complex128
	RGB
	RGBA
)

// String returns the canonical dtype name used in serialized records.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Complex64:
		return "complex64"
	case Complex128:
		return "complex128"
	case RGB:
		return "rgb"
	case RGBA:
		return "rgba"
	default:
		return "invalid"
	}
}

// DTypeFromString is the inverse of DType.String. Unknown names return
// DTypeInvalid.
func DTypeFromString(s string) DType {
	switch s {
	case "float32":
		return Float32
	case "float64":
		return Float64
	case "int16":
		return Int16
	case "int32":
		return Int32
	case "int64":
		return Int64
	case "uint8":
		return Uint8
	case "uint16":
		return Uint16
	case "uint32":
		return Uint32
	case "complex64":
		return Complex64
	case "complex128":
		return Complex128
	case "rgb":
		return RGB
	case "rgba":
		return RGBA
	default:
		return DTypeInvalid
	}
}

// DisplayName returns a human-readable dtype description, matching the
// format strings used by the inspector panels.
func (d DType) DisplayName() string {
	switch d {
	case Float32:
		return "Real (32-bit)"
	case Float64:
		return "Real (64-bit)"
	case Int16:
		return "Integer (16-bit)"
	case Int32:
		return "Integer (32-bit)"
	case Int64:
		return "Integer (64-bit)"
	case Uint8:
		return "Unsigned Integer (8-bit)"
	case Uint16:
		return "Unsigned Integer (16-bit)"
	case Uint32:
		return "Unsigned Integer (32-bit)"
	case Complex64:
		return "Complex (2 x 32-bit)"
	case Complex128:
		return "Complex (2 x 64-bit)"
	case RGB:
		return "RGB (8-bit)"
	case RGBA:
		return "RGBA (8-bit)"
	default:
		return "Unknown Data Type"
	}
}

// IsComplex returns true for complex storage dtypes.
func (d DType) IsComplex() bool {
	return d == Complex64 || d == Complex128
}

// IsRGBType returns true for RGB and RGBA dtypes.
func (d DType) IsRGBType() bool {
	return d == RGB || d == RGBA
}

// IsScalar returns true for real and integer dtypes.
func (d DType) IsScalar() bool {
	switch d {
	case Float32, Float64, Int16, Int32, Int64, Uint8, Uint16, Uint32:
		return true
	default:
		return false
	}
}

// ComponentCount returns the number of components per sample: 3 for RGB,
// 4 for RGBA, 1 otherwise.
func (d DType) ComponentCount() int {
	switch d {
	case RGB:
		return 3
	case RGBA:
		return 4
	default:
		return 1
	}
}

// SpatialShape returns the shape with any trailing component axis removed.
//
// For RGB/RGBA arrays the last axis holds color components and does not
// count as a spatial dimension. Returns nil for a nil shape.
func SpatialShape(shape []int, dtype DType) []int {
	if shape == nil {
		return nil
	}
	if dtype.IsRGBType() && len(shape) > 0 {
		return append([]int(nil), shape[:len(shape)-1]...)
	}
	return append([]int(nil), shape...)
}

// ShapeValid reports whether shape and dtype describe actual data: a
// non-empty shape with positive dimensions and a known dtype.
func ShapeValid(shape []int, dtype DType) bool {
	if dtype == DTypeInvalid || len(shape) == 0 {
		return false
	}
	for _, n := range shape {
		if n <= 0 {
			return false
		}
	}
	return true
}

// ShapeEqual compares two shapes element-wise.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// elementCount returns the product of all dimensions, including the
// component axis for RGB/RGBA shapes.
func elementCount(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
