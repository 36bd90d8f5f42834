// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dataitem implements the data entity at the center of the raster
// model: a calibrated n-dimensional array that either owns master data or
// derives its data from a source item through a chain of operations.
//
// Derived data is materialized lazily and memoized. Cheap appraisal paths
// (shape, dtype, data range, calibrations) never touch array data, so the
// render layer can ask them from a foreground goroutine.
package dataitem

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/heliolabs/helioscope/services/raster/calibration"
	"github.com/heliolabs/helioscope/services/raster/event"
	"github.com/heliolabs/helioscope/services/raster/ndarray"
	"github.com/heliolabs/helioscope/services/raster/operation"
	"github.com/heliolabs/helioscope/services/raster/storage"
)

// ErrClosed is returned when an item is used after Close.
var ErrClosed = errors.New("dataitem: item is closed")

// ErrNoData is returned by computations that require materialized data on an
// item that has none.
var ErrNoData = errors.New("dataitem: no data")

// DataItem is a calibrated array entity. It holds either master data or a
// data source, never both.
//
// Lock domains, outermost first: refMu (residency), mu (state), changeMu
// (accumulator). No method calls into another item while holding mu or
// changeMu; cross-item work (source fetch, recursive ref acquire) happens
// with all own locks released.
type DataItem struct {
	id      uuid.UUID
	logger  *slog.Logger
	store   storage.Store
	metrics *Metrics
	comps   *ComputationRegistry
	emitter *event.Emitter

	mu           sync.RWMutex
	master       *ndarray.Array
	masterShape  []int
	masterDType  ndarray.DType
	source       *DataItem
	sourceSub    event.Subscription
	ops          []operation.Operation
	intensityCal calibration.Calibration
	spatialCals  calibration.List
	metadata     map[string]map[string]any

	cachedData *ndarray.Array
	cacheValid bool
	dataRange  ndarray.Range
	rangeValid bool
	stats      Statistics
	statsValid bool
	generation uint64

	flight singleflight.Group

	refMu    sync.Mutex
	refCount int

	changeMu    sync.Mutex
	changeDepth int
	pending     event.ChangeKind

	closed atomic.Bool
}

// Option configures a DataItem at construction time.
type Option func(*DataItem)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *DataItem) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithStore attaches backing storage. Items with a store write master data
// through to it and may unload the in-memory array while no data references
// are held.
func WithStore(s storage.Store) Option {
	return func(d *DataItem) { d.store = s }
}

// WithMetrics attaches shared instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(d *DataItem) { d.metrics = m }
}

// WithComputations attaches a registry of named extra computations.
func WithComputations(reg *ComputationRegistry) Option {
	return func(d *DataItem) { d.comps = reg }
}

// New creates an empty data item.
func New(opts ...Option) *DataItem {
	d := &DataItem{
		id:           uuid.New(),
		logger:       slog.Default(),
		emitter:      event.NewEmitter(),
		intensityCal: calibration.Identity(),
		metadata:     make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ID returns the item's identity.
func (d *DataItem) ID() uuid.UUID { return d.id }

// Subscribe registers a handler for consolidated change notifications.
func (d *DataItem) Subscribe(h event.Handler) event.Subscription {
	return d.emitter.Subscribe(h)
}

// Unsubscribe removes a previously registered handler.
func (d *DataItem) Unsubscribe(s event.Subscription) {
	d.emitter.Unsubscribe(s)
}

// SetMasterData replaces the item's master data.
//
// Description:
//
//	Installs a new master array, records its shape and dtype, resyncs the
//	spatial calibration list to the new spatial rank, notifies the
//	operation chain of the shape change, and emits a DATA change. When a
//	backing store is attached the array is written through to it. Passing
//	nil clears the master data.
//
// Inputs:
//
//	a - The new master array, or nil to clear.
//
// Outputs:
//
//	error - ErrClosed after Close, or a storage write error.
//
// Thread Safety: Safe for concurrent use. Panics if a data source is
// attached; an item holds master data XOR a source.
func (d *DataItem) SetMasterData(a *ndarray.Array) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	if d.source != nil && a != nil {
		d.mu.Unlock()
		panic("dataitem: cannot set master data while a data source is attached")
	}
	d.master = a
	if a != nil {
		d.masterShape = a.Shape()
		d.masterDType = a.DType()
		d.spatialCals = d.spatialCals.Synced(len(a.SpatialShape()))
	} else {
		d.masterShape = nil
		d.masterDType = ndarray.DTypeInvalid
	}
	for _, op := range d.ops {
		if a != nil {
			op.SyncSourceShape(a.Shape(), a.DType())
		}
	}
	store := d.store
	d.mu.Unlock()

	if store != nil && a != nil {
		if err := store.WriteData(d.id.String(), a); err != nil {
			return fmt.Errorf("write master data: %w", err)
		}
	}
	if store != nil && a == nil {
		if err := store.DeleteData(d.id.String()); err != nil {
			return fmt.Errorf("clear master data: %w", err)
		}
	}
	d.noteChange(event.Data)
	return nil
}

// SetDataSource attaches or detaches the upstream item this item derives
// its data from.
//
// Description:
//
//	Attaches src and subscribes to its change notifications; data or
//	source changes upstream surface here as a SOURCE change, invalidating
//	the derived cache before local observers run. If this item currently
//	holds data references, one reference is moved onto the new source and
//	off the old one. Passing nil detaches.
//
// Inputs:
//
//	src - The upstream item, or nil.
//
// Outputs:
//
//	error - ErrClosed after Close.
//
// Thread Safety: Safe for concurrent use. Panics if master data is present,
// or if src would make the item its own source.
func (d *DataItem) SetDataSource(src *DataItem) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if src == d {
		panic("dataitem: item cannot be its own data source")
	}
	d.mu.Lock()
	if src != nil && d.master != nil {
		d.mu.Unlock()
		panic("dataitem: cannot attach a data source while master data is present")
	}
	old := d.source
	oldSub := d.sourceSub
	d.source = src
	d.sourceSub = event.Subscription{}
	d.mu.Unlock()

	// Subscription churn happens with mu released; an upstream change
	// slipping through before the subscription lands is covered by the
	// SOURCE invalidation below.
	if old != nil {
		old.Unsubscribe(oldSub)
	}
	if src != nil {
		sub := src.Subscribe(func(kinds event.ChangeKind) {
			if kinds.HasAny(event.Data | event.Source) {
				d.noteChange(event.Source)
			}
		})
		d.mu.Lock()
		d.sourceSub = sub
		d.mu.Unlock()
	}

	// A held residency reference extends one level upstream.
	d.refMu.Lock()
	held := d.refCount > 0
	d.refMu.Unlock()
	if held {
		if src != nil {
			src.IncrementDataRef()
		}
		if old != nil {
			old.DecrementDataRef()
		}
	}
	d.noteChange(event.Source)
	return nil
}

// DataSource returns the attached source item, or nil.
func (d *DataItem) DataSource() *DataItem {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.source
}

// HasMasterData reports whether the item owns master data, loaded or not.
func (d *DataItem) HasMasterData() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.masterShape != nil
}

// MasterDataLoaded reports whether the master array is resident in memory.
// False for items whose data has been unloaded to the backing store.
func (d *DataItem) MasterDataLoaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.master != nil
}

// AddOperation appends a processing step to the chain and emits a DATA
// change. The step is told the shape it will receive.
func (d *DataItem) AddOperation(op operation.Operation) error {
	if d.closed.Load() {
		return ErrClosed
	}
	shape, dtype := d.inputShapeForNewOp()
	d.mu.Lock()
	d.ops = append(d.ops, op)
	d.mu.Unlock()
	if shape != nil {
		op.SyncSourceShape(shape, dtype)
	}
	d.noteChange(event.Data)
	return nil
}

// RemoveOperation removes a step from the chain and emits a DATA change.
func (d *DataItem) RemoveOperation(op operation.Operation) error {
	if d.closed.Load() {
		return ErrClosed
	}
	removed := false
	d.mu.Lock()
	for i, o := range d.ops {
		if o == op {
			d.ops = append(d.ops[:i], d.ops[i+1:]...)
			removed = true
			break
		}
	}
	d.mu.Unlock()
	if removed {
		d.noteChange(event.Data)
	}
	return nil
}

// Operations returns a copy of the operation chain.
func (d *DataItem) Operations() []operation.Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]operation.Operation(nil), d.ops...)
}

// inputShapeForNewOp threads the base shape through the existing enabled
// steps to find what a newly appended step would receive.
func (d *DataItem) inputShapeForNewOp() ([]int, ndarray.DType) {
	shape, dtype := d.baseShapeAndDType()
	if shape == nil {
		return nil, ndarray.DTypeInvalid
	}
	for _, op := range d.Operations() {
		if op.Enabled() {
			shape, dtype = op.TransformShape(shape, dtype)
		}
	}
	return shape, dtype
}

// baseShapeAndDType returns the pre-chain shape: the master data header or
// the source item's derived shape.
func (d *DataItem) baseShapeAndDType() ([]int, ndarray.DType) {
	d.mu.RLock()
	shape := d.masterShape
	dtype := d.masterDType
	src := d.source
	d.mu.RUnlock()
	if shape != nil {
		return append([]int(nil), shape...), dtype
	}
	if src != nil {
		return src.ShapeAndDType()
	}
	return nil, ndarray.DTypeInvalid
}

// ShapeAndDType returns the shape and dtype of the item's derived data
// without materializing it. Returns (nil, DTypeInvalid) when the item has
// neither data nor a source.
func (d *DataItem) ShapeAndDType() ([]int, ndarray.DType) {
	shape, dtype := d.baseShapeAndDType()
	if shape == nil {
		return nil, ndarray.DTypeInvalid
	}
	for _, op := range d.Operations() {
		if op.Enabled() {
			shape, dtype = op.TransformShape(shape, dtype)
		}
	}
	return shape, dtype
}

// IntensityCalibration returns the intrinsic intensity calibration.
func (d *DataItem) IntensityCalibration() calibration.Calibration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.intensityCal
}

// SetIntensityCalibration replaces the intrinsic intensity calibration.
func (d *DataItem) SetIntensityCalibration(cal calibration.Calibration) {
	d.mu.Lock()
	d.intensityCal = cal
	d.mu.Unlock()
	d.noteChange(event.Metadata)
}

// SpatialCalibrations returns a copy of the intrinsic per-axis calibrations.
func (d *DataItem) SpatialCalibrations() calibration.List {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.spatialCals.Clone()
}

// SetSpatialCalibration replaces the calibration for one spatial axis.
// Out-of-range axes are ignored.
func (d *DataItem) SetSpatialCalibration(axis int, cal calibration.Calibration) {
	changed := false
	d.mu.Lock()
	if axis >= 0 && axis < len(d.spatialCals) {
		d.spatialCals[axis] = cal
		changed = true
	}
	d.mu.Unlock()
	if changed {
		d.noteChange(event.Metadata)
	}
}

// CalculatedCalibrations returns the effective per-axis calibrations of the
// derived data: the source item's calculated calibrations when a source is
// attached, the intrinsic ones otherwise, carried across each enabled step.
func (d *DataItem) CalculatedCalibrations() calibration.List {
	d.mu.RLock()
	src := d.source
	intrinsic := d.spatialCals.Clone()
	d.mu.RUnlock()

	var cals calibration.List
	shape, dtype := d.baseShapeAndDType()
	if src != nil {
		cals = src.CalculatedCalibrations()
	} else {
		cals = intrinsic
	}
	if shape == nil {
		return cals
	}
	for _, op := range d.Operations() {
		if !op.Enabled() {
			continue
		}
		cals = op.TransformCalibrations(shape, dtype, cals)
		shape, dtype = op.TransformShape(shape, dtype)
	}
	return cals.Synced(len(ndarray.SpatialShape(shape, dtype)))
}

// CalculatedIntensityCalibration returns the effective intensity
// calibration of the derived data.
func (d *DataItem) CalculatedIntensityCalibration() calibration.Calibration {
	d.mu.RLock()
	src := d.source
	cal := d.intensityCal
	d.mu.RUnlock()

	if src != nil {
		cal = src.CalculatedIntensityCalibration()
	}
	shape, dtype := d.baseShapeAndDType()
	if shape == nil {
		return cal
	}
	for _, op := range d.Operations() {
		if !op.Enabled() {
			continue
		}
		cal = op.TransformIntensityCalibration(shape, dtype, cal)
		shape, dtype = op.TransformShape(shape, dtype)
	}
	return cal
}

// Metadata returns a deep copy of the item's metadata groups.
func (d *DataItem) Metadata() map[string]map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyMetadata(d.metadata)
}

// MetadataValue returns one metadata value and whether it exists.
func (d *DataItem) MetadataValue(group, key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.metadata[group]
	if !ok {
		return nil, false
	}
	v, ok := g[key]
	return v, ok
}

// SetMetadataValue stores one metadata value and emits a METADATA change.
func (d *DataItem) SetMetadataValue(group, key string, value any) {
	d.mu.Lock()
	g, ok := d.metadata[group]
	if !ok {
		g = make(map[string]any)
		d.metadata[group] = g
	}
	g[key] = value
	d.mu.Unlock()
	d.noteChange(event.Metadata)
}

// DeleteMetadataValue removes one metadata value if present.
func (d *DataItem) DeleteMetadataValue(group, key string) {
	changed := false
	d.mu.Lock()
	if g, ok := d.metadata[group]; ok {
		if _, ok := g[key]; ok {
			delete(g, key)
			changed = true
		}
		if len(g) == 0 {
			delete(d.metadata, group)
		}
	}
	d.mu.Unlock()
	if changed {
		d.noteChange(event.Metadata)
	}
}

func copyMetadata(md map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(md))
	for group, values := range md {
		g := make(map[string]any, len(values))
		for k, v := range values {
			g[k] = v
		}
		out[group] = g
	}
	return out
}

// SetDisplayChanged emits a DISPLAYS change for the render layer.
func (d *DataItem) SetDisplayChanged() {
	d.noteChange(event.Displays)
}

// DataRange returns the cached data range and whether it is current. It
// never materializes; the range is computed as a byproduct of Data.
func (d *DataItem) DataRange() (ndarray.Range, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dataRange, d.rangeValid && d.cacheValid
}

// Info is a non-blocking view of an item's appraised state.
type Info struct {
	ID           uuid.UUID
	Shape        []int
	DType        ndarray.DType
	DataRange    ndarray.Range
	RangeValid   bool
	Calibrations calibration.List
	Intensity    calibration.Calibration
	Dirty        bool
	Live         bool
}

// Info collects the cheap appraisal paths into one view. Safe to call from
// a foreground goroutine; never blocks on data.
func (d *DataItem) Info() Info {
	shape, dtype := d.ShapeAndDType()
	rng, rngOK := d.DataRange()
	d.mu.RLock()
	dirty := !d.cacheValid
	d.mu.RUnlock()
	return Info{
		ID:           d.id,
		Shape:        shape,
		DType:        dtype,
		DataRange:    rng,
		RangeValid:   rngOK,
		Calibrations: d.CalculatedCalibrations(),
		Intensity:    d.CalculatedIntensityCalibration(),
		Dirty:        dirty,
		Live:         d.Live(),
	}
}

// SizeAndFormatString returns a human-readable description of the derived
// data, e.g. "10 x 10, Real (64-bit)", or "No Data".
func (d *DataItem) SizeAndFormatString() string {
	shape, dtype := d.ShapeAndDType()
	if shape == nil {
		return "No Data"
	}
	dims := make([]string, len(shape))
	for i, s := range shape {
		dims[i] = fmt.Sprintf("%d", s)
	}
	return fmt.Sprintf("%s, %s", strings.Join(dims, " x "), dtype.DisplayName())
}

// Close tears down the item: detaches the source subscription and drops
// data, operations, and caches. The item must not be used afterwards.
func (d *DataItem) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	src := d.source
	sub := d.sourceSub
	d.source = nil
	d.master = nil
	d.masterShape = nil
	d.ops = nil
	d.cachedData = nil
	d.cacheValid = false
	d.rangeValid = false
	d.statsValid = false
	d.mu.Unlock()
	if src != nil {
		src.Unsubscribe(sub)
	}
}
