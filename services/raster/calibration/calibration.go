// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package calibration provides per-axis affine unit mappings from array
// indices to physical units.
package calibration

import (
	"fmt"
	"strconv"
)

// Calibration maps an array index x to a calibrated value offset + x*scale,
// expressed in Unit. The zero value is not a valid calibration; use
// Identity.
type Calibration struct {
	Offset float64 `json:"offset" yaml:"offset"`
	Scale  float64 `json:"scale" yaml:"scale"`
	Unit   string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Identity returns the default calibration: offset 0, scale 1, no unit.
func Identity() Calibration {
	return Calibration{Scale: 1}
}

// Convert maps an uncalibrated index or value into calibrated units.
func (c Calibration) Convert(value float64) float64 {
	return c.Offset + value*c.Scale
}

// ConvertSize maps a size (difference of values) into calibrated units; the
// offset does not apply.
func (c Calibration) ConvertSize(size float64) float64 {
	return size * c.Scale
}

// FormatValue renders a calibrated value with its unit for display.
func (c Calibration) FormatValue(value float64) string {
	s := strconv.FormatFloat(c.Convert(value), 'g', 6, 64)
	if c.Unit != "" {
		return fmt.Sprintf("%s %s", s, c.Unit)
	}
	return s
}

// List is an ordered sequence of per-axis calibrations. Its length must
// equal the spatial dimensionality of the data it describes; Synced
// re-establishes that invariant after a shape change.
type List []Calibration

// IdentityList returns n identity calibrations.
func IdentityList(n int) List {
	l := make(List, n)
	for i := range l {
		l[i] = Identity()
	}
	return l
}

// Clone returns a copy of the list.
func (l List) Clone() List {
	return append(List(nil), l...)
}

// Synced returns a list of exactly n entries: existing calibrations are
// kept, missing axes are padded with identity calibrations, extra axes are
// truncated from the end.
func (l List) Synced(n int) List {
	if n < 0 {
		n = 0
	}
	out := make(List, n)
	for i := 0; i < n; i++ {
		if i < len(l) {
			out[i] = l[i]
		} else {
			out[i] = Identity()
		}
	}
	return out
}
