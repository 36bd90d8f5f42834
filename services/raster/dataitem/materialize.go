// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dataitem

import (
	"context"
	"fmt"
	"sync"

	"github.com/heliolabs/helioscope/services/raster/ndarray"
	"github.com/heliolabs/helioscope/services/raster/operation"
)

// Data returns the item's derived data, materializing it if the cache is
// stale.
//
// Description:
//
//	Fast path: a valid cache is returned without blocking. Otherwise the
//	derived data is computed once for all concurrent callers: the base
//	array comes from master data or recursively from the source (through
//	a scoped data reference, with no locks of this item held), then each
//	enabled operation is applied in order. The data range is computed as
//	a byproduct and cached for DataRange. A mutation that lands while the
//	computation is in flight keeps the cache stale, so the next call
//	recomputes against the new state.
//
//	An item with neither master data nor a source returns (nil, nil).
//
// Inputs:
//
//	ctx - Cancels a pending materialization between processing steps.
//
// Outputs:
//
//	*ndarray.Array - The derived data. Callers must not mutate it.
//	error - Context or processing error; ErrClosed after Close.
//
// Thread Safety: Safe for concurrent use. Blocks; do not call from a
// foreground goroutine, use the appraisal paths instead.
func (d *DataItem) Data(ctx context.Context) (*ndarray.Array, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	d.mu.RLock()
	if d.cacheValid {
		data := d.cachedData
		d.mu.RUnlock()
		d.metrics.recordCacheHit()
		return data, nil
	}
	d.mu.RUnlock()

	v, err, _ := d.flight.Do("materialize", func() (any, error) {
		return d.materialize(ctx)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*ndarray.Array), nil
}

func (d *DataItem) materialize(ctx context.Context) (*ndarray.Array, error) {
	// A concurrent caller may have filled the cache while this call waited
	// in the flight group.
	d.mu.RLock()
	if d.cacheValid {
		data := d.cachedData
		d.mu.RUnlock()
		d.metrics.recordCacheHit()
		return data, nil
	}
	d.mu.RUnlock()

	// Hold a residency reference so unloaded master data is present for
	// the duration of the computation.
	ref := d.DataRef()
	defer ref.Close()

	// The generation pins the inputs: a mutation landing while the
	// computation runs bumps it, and the result is then published without
	// marking the cache valid.
	d.mu.RLock()
	master := d.master
	src := d.source
	ops := append([]operation.Operation(nil), d.ops...)
	gen := d.generation
	d.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var base *ndarray.Array
	switch {
	case master != nil:
		base = master
	case src != nil:
		srcRef := src.DataRef()
		var err error
		base, err = srcRef.Data(ctx)
		srcRef.Close()
		if err != nil {
			return nil, fmt.Errorf("fetch source data: %w", err)
		}
	}

	if base == nil {
		d.mu.Lock()
		if d.generation == gen {
			d.cachedData = nil
			d.cacheValid = true
			d.rangeValid = false
		}
		d.mu.Unlock()
		return nil, nil
	}

	out := base
	for _, op := range ops {
		if !op.Enabled() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := op.Process(out)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", op.ID(), err)
		}
		out = next
	}

	rng, rngOK := ndarray.ComputeRange(out)

	d.mu.Lock()
	d.cachedData = out
	if d.generation == gen {
		d.cacheValid = true
		d.dataRange = rng
		d.rangeValid = rngOK
	}
	d.mu.Unlock()

	d.metrics.recordMaterialization()
	return out, nil
}

// DataRef acquires a residency reference and returns a scoped guard for it.
// Close releases the reference; closing twice is safe.
func (d *DataItem) DataRef() *DataRef {
	d.IncrementDataRef()
	return &DataRef{item: d}
}

// DataRef is a scoped residency reference on a data item.
type DataRef struct {
	item *DataItem
	once sync.Once
}

// Data returns the referenced item's derived data.
func (r *DataRef) Data(ctx context.Context) (*ndarray.Array, error) {
	return r.item.Data(ctx)
}

// Close releases the reference.
func (r *DataRef) Close() {
	r.once.Do(r.item.DecrementDataRef)
}

// IncrementDataRef acquires a residency reference.
//
// Description:
//
//	On the 0 to 1 transition, unloaded master data is loaded back from
//	the backing store, and one reference is acquired on the source item
//	so the whole upstream chain stays resident. The recursive acquire
//	happens with no locks of this item held.
//
// Thread Safety: Safe for concurrent use.
func (d *DataItem) IncrementDataRef() {
	d.refMu.Lock()
	d.refCount++
	initial := d.refCount == 1
	if initial {
		d.loadMaster()
	}
	d.refMu.Unlock()

	if initial {
		if src := d.DataSource(); src != nil {
			src.IncrementDataRef()
		}
	}
	d.metrics.recordRefDelta(1)
}

// DecrementDataRef releases a residency reference.
//
// Description:
//
//	On the 1 to 0 transition, master data that the backing store can
//	reload is unloaded: the in-memory array and the derived cache are
//	dropped while shape and dtype stay appraisable. The matching release
//	on the source item happens with no locks of this item held.
//
// Thread Safety: Safe for concurrent use. Panics on a release without a
// matching acquire.
func (d *DataItem) DecrementDataRef() {
	d.refMu.Lock()
	if d.refCount == 0 {
		d.refMu.Unlock()
		panic("dataitem: data ref released more times than acquired")
	}
	d.refCount--
	final := d.refCount == 0
	if final {
		d.unloadMaster()
	}
	d.refMu.Unlock()

	if final {
		if src := d.DataSource(); src != nil {
			src.DecrementDataRef()
		}
	}
	d.metrics.recordRefDelta(-1)
}

// Live reports whether any residency reference is currently held.
func (d *DataItem) Live() bool {
	d.refMu.Lock()
	defer d.refMu.Unlock()
	return d.refCount > 0
}

// loadMaster reloads unloaded master data from the backing store. Called
// with refMu held; takes mu.
func (d *DataItem) loadMaster() {
	d.mu.Lock()
	needed := d.master == nil && d.masterShape != nil && d.store != nil
	store := d.store
	d.mu.Unlock()
	if !needed {
		return
	}
	a, err := store.ReadData(d.id.String())
	if err != nil {
		d.logger.Error("load master data",
			"item", d.id.String(), "error", err.Error())
		return
	}
	d.mu.Lock()
	if d.master == nil {
		d.master = a
	}
	d.mu.Unlock()
	d.metrics.recordLoad()
}

// unloadMaster drops the in-memory master array when the backing store
// holds a copy. Shape and dtype stay recorded. Called with refMu held.
func (d *DataItem) unloadMaster() {
	d.mu.Lock()
	store := d.store
	candidate := d.master != nil && store != nil
	d.mu.Unlock()
	if !candidate {
		return
	}
	stored, err := store.HasData(d.id.String())
	if err != nil || !stored {
		if err != nil {
			d.logger.Warn("check backing store before unload",
				"item", d.id.String(), "error", err.Error())
		}
		return
	}
	d.mu.Lock()
	d.master = nil
	d.cachedData = nil
	d.cacheValid = false
	d.rangeValid = false
	d.mu.Unlock()
	d.metrics.recordUnload()
}
