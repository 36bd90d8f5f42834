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

	"github.com/heliolabs/helioscope/services/raster/dataitem"
	"github.com/heliolabs/helioscope/services/raster/event"
	"github.com/heliolabs/helioscope/services/raster/ndarray"
)

// Resolver maps object specifiers to live data items during binding.
type Resolver interface {
	// ResolveItem returns the item for a specifier, or an error when the
	// specifier is unknown. Resolution failure fails the whole bind.
	ResolveItem(specifier string) (*dataitem.DataItem, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(specifier string) (*dataitem.DataItem, error)

// ResolveItem calls the function.
func (f ResolverFunc) ResolveItem(specifier string) (*dataitem.DataItem, error) {
	return f(specifier)
}

// BoundItem is a resolved graph leaf: a live data item or one of its
// properties. Value produces a lazy evaluation result; Close detaches the
// change subscription.
type BoundItem interface {
	Value() (*DataAndCalibration, error)
	Close()
}

// boundData wraps a live item's derived data.
type boundData struct {
	item *dataitem.DataItem
	sub  event.Subscription
}

func newBoundData(item *dataitem.DataItem, onChange func()) *boundData {
	b := &boundData{item: item}
	b.sub = item.Subscribe(func(kinds event.ChangeKind) {
		if kinds.HasAny(event.Data | event.Source) {
			onChange()
		}
	})
	return b
}

func (b *boundData) Value() (*DataAndCalibration, error) {
	shape, dtype := b.item.ShapeAndDType()
	item := b.item
	v := newValue(shape, dtype, func(ctx context.Context) (*ndarray.Array, error) {
		ref := item.DataRef()
		defer ref.Close()
		return ref.Data(ctx)
	})
	v.Calibrations = b.item.CalculatedCalibrations()
	v.Intensity = b.item.CalculatedIntensityCalibration()
	return v, nil
}

func (b *boundData) Close() {
	b.item.Unsubscribe(b.sub)
}

// boundProperty wraps a scalar property of a live item. The supported
// property set mirrors the cheap appraisal paths.
type boundProperty struct {
	item     *dataitem.DataItem
	property string
	sub      event.Subscription
}

func newBoundProperty(item *dataitem.DataItem, property string, onChange func()) (*boundProperty, error) {
	switch property {
	case "data_min", "data_max", "mean", "std":
	default:
		return nil, fmt.Errorf("%w: unknown property %q", ErrResolve, property)
	}
	b := &boundProperty{item: item, property: property}
	b.sub = item.Subscribe(func(kinds event.ChangeKind) {
		if kinds.HasAny(event.Data | event.Source) {
			onChange()
		}
	})
	return b, nil
}

func (b *boundProperty) Value() (*DataAndCalibration, error) {
	item := b.item
	property := b.property
	return newValue([]int{1}, ndarray.Float64, func(ctx context.Context) (*ndarray.Array, error) {
		stats, err := item.Statistics(ctx)
		if err != nil {
			return nil, err
		}
		var v float64
		switch property {
		case "data_min":
			v = stats.Min
		case "data_max":
			v = stats.Max
		case "mean":
			v = stats.Mean
		case "std":
			v = stats.Std
		}
		return ndarray.Scalar(v), nil
	}), nil
}

func (b *boundProperty) Close() {
	b.item.Unsubscribe(b.sub)
}
