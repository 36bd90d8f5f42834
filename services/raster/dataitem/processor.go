// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dataitem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/heliolabs/helioscope/services/raster/ndarray"
)

// ErrUnknownComputation is returned for a computation name with no
// registered function.
var ErrUnknownComputation = errors.New("dataitem: unknown computation")

// ComputeFunc derives a named value from materialized data.
type ComputeFunc func(a *ndarray.Array) (any, error)

// ComputationRegistry maps names to extra computations that items expose
// through Compute. Construct one and share it across items; there is no
// ambient global registry.
type ComputationRegistry struct {
	mu  sync.RWMutex
	fns map[string]ComputeFunc
}

// NewComputationRegistry creates an empty registry.
func NewComputationRegistry() *ComputationRegistry {
	return &ComputationRegistry{fns: make(map[string]ComputeFunc)}
}

// Register adds a named computation. Re-registering a name is an error.
func (r *ComputationRegistry) Register(name string, fn ComputeFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("computation %q already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// Names lists the registered computation names.
func (r *ComputationRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	return names
}

func (r *ComputationRegistry) lookup(name string) (ComputeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Statistics summarizes materialized data. Complex data is summarized by
// magnitude, rgb data by component value.
type Statistics struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Statistics returns summary statistics of the derived data, materializing
// it if needed. The result is cached until the next data change.
func (d *DataItem) Statistics(ctx context.Context) (Statistics, error) {
	d.mu.RLock()
	if d.statsValid {
		stats := d.stats
		d.mu.RUnlock()
		return stats, nil
	}
	d.mu.RUnlock()

	data, err := d.Data(ctx)
	if err != nil {
		return Statistics{}, err
	}
	if data == nil || data.Len() == 0 {
		return Statistics{}, ErrNoData
	}
	switch {
	case data.DType().IsComplex():
		data, err = data.Magnitude()
		if err != nil {
			return Statistics{}, err
		}
	case data.DType().IsRGBType():
		vals := make([]float64, len(data.Bytes()))
		for i, b := range data.Bytes() {
			vals[i] = float64(b)
		}
		data, err = ndarray.FromFloat64s(data.Shape(), ndarray.Float64, vals)
		if err != nil {
			return Statistics{}, err
		}
	}

	var stats Statistics
	if stats.Mean, err = data.Mean(); err != nil {
		return Statistics{}, err
	}
	if stats.Std, err = data.Std(); err != nil {
		return Statistics{}, err
	}
	if stats.Min, err = data.Min(); err != nil {
		return Statistics{}, err
	}
	if stats.Max, err = data.Max(); err != nil {
		return Statistics{}, err
	}

	d.mu.Lock()
	// Only cache if the data the stats were computed from is still current.
	if d.cacheValid {
		d.stats = stats
		d.statsValid = true
	}
	d.mu.Unlock()
	return stats, nil
}

// Compute runs a registered extra computation against the derived data.
func (d *DataItem) Compute(ctx context.Context, name string) (any, error) {
	if d.comps == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComputation, name)
	}
	fn, ok := d.comps.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComputation, name)
	}
	data, err := d.Data(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoData
	}
	return fn(data)
}
