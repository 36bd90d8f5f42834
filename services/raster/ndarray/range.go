// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ndarray

// Range is a min/max pair describing the value extent of an array.
type Range struct {
	Min float64
	Max float64
}

// ComputeRange derives the display range of an array by dtype class:
// rgb-type data is always 0..255, complex data reduces by magnitude, and
// scalar data by plain min/max. Returns ok=false for nil or empty arrays,
// the "no data yet" case.
func ComputeRange(a *Array) (Range, bool) {
	if a == nil || a.Len() == 0 {
		return Range{}, false
	}
	if a.dtype.IsRGBType() {
		return Range{Min: 0, Max: 255}, true
	}
	mn, err := a.Min()
	if err != nil {
		return Range{}, false
	}
	mx, err := a.Max()
	if err != nil {
		return Range{}, false
	}
	return Range{Min: mn, Max: mx}, true
}
