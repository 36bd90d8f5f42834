// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dataitem

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliolabs/helioscope/services/raster/calibration"
	"github.com/heliolabs/helioscope/services/raster/event"
	"github.com/heliolabs/helioscope/services/raster/ndarray"
	"github.com/heliolabs/helioscope/services/raster/operation"
)

// countingOp records Process and TransformShape calls. It passes data
// through unchanged.
type countingOp struct {
	enabled    atomic.Bool
	processed  atomic.Int64
	transforms atomic.Int64
}

func newCountingOp() *countingOp {
	op := &countingOp{}
	op.enabled.Store(true)
	return op
}

func (o *countingOp) ID() string              { return "counting" }
func (o *countingOp) Enabled() bool           { return o.enabled.Load() }
func (o *countingOp) SetEnabled(enabled bool) { o.enabled.Store(enabled) }

func (o *countingOp) Process(src *ndarray.Array) (*ndarray.Array, error) {
	o.processed.Add(1)
	return src.Clone(), nil
}

func (o *countingOp) TransformShape(shape []int, dtype ndarray.DType) ([]int, ndarray.DType) {
	o.transforms.Add(1)
	return shape, dtype
}

func (o *countingOp) TransformCalibrations(shape []int, dtype ndarray.DType, cals calibration.List) calibration.List {
	return cals.Clone()
}

func (o *countingOp) TransformIntensityCalibration(shape []int, dtype ndarray.DType, cal calibration.Calibration) calibration.Calibration {
	return cal
}

func (o *countingOp) SyncSourceShape(shape []int, dtype ndarray.DType) {}

func (o *countingOp) Clone() operation.Operation { return newCountingOp() }

// gateOp parks Process until released so a test can interleave a mutation
// with an in-flight materialization. It passes data through unchanged.
type gateOp struct {
	entered   chan struct{}
	release   chan struct{}
	processed atomic.Int64
}

func newGateOp() *gateOp {
	return &gateOp{
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func (o *gateOp) ID() string              { return "gate" }
func (o *gateOp) Enabled() bool           { return true }
func (o *gateOp) SetEnabled(enabled bool) {}

func (o *gateOp) Process(src *ndarray.Array) (*ndarray.Array, error) {
	o.entered <- struct{}{}
	<-o.release
	o.processed.Add(1)
	return src.Clone(), nil
}

func (o *gateOp) TransformShape(shape []int, dtype ndarray.DType) ([]int, ndarray.DType) {
	return shape, dtype
}

func (o *gateOp) TransformCalibrations(shape []int, dtype ndarray.DType, cals calibration.List) calibration.List {
	return cals.Clone()
}

func (o *gateOp) TransformIntensityCalibration(shape []int, dtype ndarray.DType, cal calibration.Calibration) calibration.Calibration {
	return cal
}

func (o *gateOp) SyncSourceShape(shape []int, dtype ndarray.DType) {}

func (o *gateOp) Clone() operation.Operation { return newGateOp() }

func rampItem(t *testing.T, rows, cols int, opts ...Option) *DataItem {
	t.Helper()
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = float64(i)
	}
	a, err := ndarray.FromFloat64s([]int{rows, cols}, ndarray.Float64, data)
	require.NoError(t, err)
	item := New(opts...)
	require.NoError(t, item.SetMasterData(a))
	return item
}

func TestMasterDataSourceInvariant(t *testing.T) {
	t.Run("setting master data with a source attached panics", func(t *testing.T) {
		src := rampItem(t, 2, 2)
		derived := New()
		require.NoError(t, derived.SetDataSource(src))

		a, err := ndarray.FromFloat64s([]int{2}, ndarray.Float64, []float64{1, 2})
		require.NoError(t, err)
		assert.Panics(t, func() { _ = derived.SetMasterData(a) })
	})

	t.Run("attaching a source with master data present panics", func(t *testing.T) {
		item := rampItem(t, 2, 2)
		assert.Panics(t, func() { _ = item.SetDataSource(rampItem(t, 2, 2)) })
	})

	t.Run("an item cannot be its own source", func(t *testing.T) {
		item := New()
		assert.Panics(t, func() { _ = item.SetDataSource(item) })
	})

	t.Run("clearing master data allows a source afterwards", func(t *testing.T) {
		item := rampItem(t, 2, 2)
		require.NoError(t, item.SetMasterData(nil))
		assert.NoError(t, item.SetDataSource(rampItem(t, 2, 2)))
	})
}

func TestDataMaterialization(t *testing.T) {
	ctx := context.Background()

	t.Run("no data and no source yields nil data without error", func(t *testing.T) {
		item := New()
		data, err := item.Data(ctx)
		require.NoError(t, err)
		assert.Nil(t, data)
		assert.Equal(t, "No Data", item.SizeAndFormatString())
	})

	t.Run("empty chain passes master data through", func(t *testing.T) {
		item := rampItem(t, 4, 4)
		data, err := item.Data(ctx)
		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, []int{4, 4}, data.Shape())
		v, err := data.At(1, 1)
		require.NoError(t, err)
		assert.Equal(t, 5.0, v)
	})

	t.Run("derived data is memoized until a change", func(t *testing.T) {
		src := rampItem(t, 4, 4)
		derived := New()
		require.NoError(t, derived.SetDataSource(src))
		op := newCountingOp()
		require.NoError(t, derived.AddOperation(op))

		_, err := derived.Data(ctx)
		require.NoError(t, err)
		_, err = derived.Data(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), op.processed.Load(), "second call must hit the cache")
	})

	t.Run("a data change invalidates the cache", func(t *testing.T) {
		item := rampItem(t, 4, 4)
		op := newCountingOp()
		require.NoError(t, item.AddOperation(op))

		_, err := item.Data(ctx)
		require.NoError(t, err)

		a, err := ndarray.FromFloat64s([]int{2, 2}, ndarray.Float64, []float64{9, 9, 9, 9})
		require.NoError(t, err)
		require.NoError(t, item.SetMasterData(a))

		_, err = item.Data(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), op.processed.Load())
	})

	t.Run("a source change invalidates the derived cache", func(t *testing.T) {
		src := rampItem(t, 4, 4)
		derived := New()
		require.NoError(t, derived.SetDataSource(src))
		op := newCountingOp()
		require.NoError(t, derived.AddOperation(op))

		_, err := derived.Data(ctx)
		require.NoError(t, err)

		a, err := ndarray.FromFloat64s([]int{4, 4}, ndarray.Float64, make([]float64, 16))
		require.NoError(t, err)
		require.NoError(t, src.SetMasterData(a))

		_, err = derived.Data(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), op.processed.Load())
	})

	t.Run("disabled operations are skipped", func(t *testing.T) {
		item := rampItem(t, 4, 4)
		op := operation.NewInvert()
		op.SetEnabled(false)
		require.NoError(t, item.AddOperation(op))

		data, err := item.Data(ctx)
		require.NoError(t, err)
		v, err := data.At(0, 1)
		require.NoError(t, err)
		assert.Equal(t, 1.0, v)
	})

	t.Run("cancelled context aborts materialization", func(t *testing.T) {
		item := rampItem(t, 4, 4)
		require.NoError(t, item.AddOperation(newCountingOp()))

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := item.Data(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("concurrent callers share one materialization", func(t *testing.T) {
		item := rampItem(t, 8, 8)
		op := newCountingOp()
		require.NoError(t, item.AddOperation(op))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := item.Data(ctx)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), op.processed.Load())
	})

	t.Run("closed item refuses data access", func(t *testing.T) {
		item := rampItem(t, 2, 2)
		item.Close()
		_, err := item.Data(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestSetDataSourceSubscriptionSwap(t *testing.T) {
	ctx := context.Background()

	newData := func(v float64) *ndarray.Array {
		a, err := ndarray.FromFloat64s([]int{1, 1}, ndarray.Float64, []float64{v})
		require.NoError(t, err)
		return a
	}

	t.Run("replacing the source detaches the old subscription", func(t *testing.T) {
		first := rampItem(t, 2, 2)
		second := rampItem(t, 2, 2)
		derived := New()
		require.NoError(t, derived.SetDataSource(first))
		require.NoError(t, derived.SetDataSource(second))

		var sourceChanges atomic.Int64
		sub := derived.Subscribe(func(kinds event.ChangeKind) {
			if kinds.HasAny(event.Source) {
				sourceChanges.Add(1)
			}
		})
		defer derived.Unsubscribe(sub)

		require.NoError(t, first.SetMasterData(newData(3)))
		assert.Zero(t, sourceChanges.Load(), "replaced source no longer feeds the item")

		require.NoError(t, second.SetMasterData(newData(7)))
		assert.Equal(t, int64(1), sourceChanges.Load())

		data, err := derived.Data(ctx)
		require.NoError(t, err)
		v, err := data.At(0, 0)
		require.NoError(t, err)
		assert.Equal(t, 7.0, v)
	})

	t.Run("clearing the source detaches the subscription", func(t *testing.T) {
		src := rampItem(t, 2, 2)
		derived := New()
		require.NoError(t, derived.SetDataSource(src))
		require.NoError(t, derived.SetDataSource(nil))

		var sourceChanges atomic.Int64
		sub := derived.Subscribe(func(kinds event.ChangeKind) {
			if kinds.HasAny(event.Source) {
				sourceChanges.Add(1)
			}
		})
		defer derived.Unsubscribe(sub)

		require.NoError(t, src.SetMasterData(newData(5)))
		assert.Zero(t, sourceChanges.Load())
	})
}

func TestMutationDuringMaterialization(t *testing.T) {
	ctx := context.Background()

	a, err := ndarray.FromFloat64s([]int{1, 1}, ndarray.Float64, []float64{1})
	require.NoError(t, err)
	item := New()
	require.NoError(t, item.SetMasterData(a))
	op := newGateOp()
	require.NoError(t, item.AddOperation(op))

	errs := make(chan error, 1)
	results := make(chan *ndarray.Array, 1)
	go func() {
		data, err := item.Data(ctx)
		errs <- err
		results <- data
	}()

	// Mutate the master data while the operation chain is parked on the
	// old snapshot.
	<-op.entered
	b, err := ndarray.FromFloat64s([]int{1, 1}, ndarray.Float64, []float64{9})
	require.NoError(t, err)
	require.NoError(t, item.SetMasterData(b))
	close(op.release)

	require.NoError(t, <-errs)
	stale := <-results
	v, err := stale.At(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "in-flight caller sees the pinned inputs")

	data, err := item.Data(ctx)
	require.NoError(t, err)
	v, err = data.At(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 9.0, v, "next call recomputes against the mutated data")
	assert.Equal(t, int64(2), op.processed.Load())
}

func TestShapeAndDType(t *testing.T) {
	t.Run("shape threads through enabled operations without materializing", func(t *testing.T) {
		item := rampItem(t, 10, 10)
		op := newCountingOp()
		require.NoError(t, item.AddOperation(op))
		crop := operation.NewCrop(operation.Bounds{Top: 0.25, Left: 0.25, Height: 0.5, Width: 0.5})
		require.NoError(t, item.AddOperation(crop))

		shape, dtype := item.ShapeAndDType()
		assert.Equal(t, []int{5, 5}, shape)
		assert.Equal(t, ndarray.Float64, dtype)
		assert.Equal(t, int64(0), op.processed.Load(), "appraisal must not materialize")
	})

	t.Run("shape follows the source chain", func(t *testing.T) {
		src := rampItem(t, 6, 8)
		derived := New()
		require.NoError(t, derived.SetDataSource(src))

		shape, dtype := derived.ShapeAndDType()
		assert.Equal(t, []int{6, 8}, shape)
		assert.Equal(t, ndarray.Float64, dtype)
	})

	t.Run("size and format string", func(t *testing.T) {
		item := rampItem(t, 10, 10)
		assert.Equal(t, "10 x 10, Real (64-bit)", item.SizeAndFormatString())
	})
}

func TestDataRange(t *testing.T) {
	ctx := context.Background()

	t.Run("range is a byproduct of materialization", func(t *testing.T) {
		item := rampItem(t, 4, 4)
		_, ok := item.DataRange()
		assert.False(t, ok, "no range before materialization")

		_, err := item.Data(ctx)
		require.NoError(t, err)

		rng, ok := item.DataRange()
		require.True(t, ok)
		assert.Equal(t, 0.0, rng.Min)
		assert.Equal(t, 15.0, rng.Max)
	})

	t.Run("rgb data appraises to the full byte range", func(t *testing.T) {
		a, err := ndarray.FromBytes([]int{2, 2, 3}, ndarray.RGB, make([]uint8, 12))
		require.NoError(t, err)
		item := New()
		require.NoError(t, item.SetMasterData(a))

		_, err = item.Data(ctx)
		require.NoError(t, err)
		rng, ok := item.DataRange()
		require.True(t, ok)
		assert.Equal(t, 0.0, rng.Min)
		assert.Equal(t, 255.0, rng.Max)
	})

	t.Run("complex data appraises by magnitude", func(t *testing.T) {
		a, err := ndarray.FromComplex128s([]int{2}, ndarray.Complex128, []complex128{3 + 4i, 0})
		require.NoError(t, err)
		item := New()
		require.NoError(t, item.SetMasterData(a))

		_, err = item.Data(ctx)
		require.NoError(t, err)
		rng, ok := item.DataRange()
		require.True(t, ok)
		assert.Equal(t, 0.0, rng.Min)
		assert.Equal(t, 5.0, rng.Max)
	})

	t.Run("range invalidates with the data cache", func(t *testing.T) {
		item := rampItem(t, 2, 2)
		_, err := item.Data(ctx)
		require.NoError(t, err)

		item.SetMetadataValue("acquisition", "exposure", 0.5)
		_, ok := item.DataRange()
		assert.True(t, ok, "metadata changes keep the range")

		a, err := ndarray.FromFloat64s([]int{2}, ndarray.Float64, []float64{1, 2})
		require.NoError(t, err)
		require.NoError(t, item.SetMasterData(a))
		_, ok = item.DataRange()
		assert.False(t, ok, "data changes drop the range")
	})
}

func TestCropPipeline(t *testing.T) {
	// A 10x10 calibrated source cropped to the center quarter: shape 5x5
	// and calibration offsets shifted to the cropped origin.
	ctx := context.Background()

	src := rampItem(t, 10, 10)
	src.SetSpatialCalibration(0, calibration.Calibration{Offset: 0, Scale: 2, Unit: "nm"})
	src.SetSpatialCalibration(1, calibration.Calibration{Offset: 0, Scale: 2, Unit: "nm"})

	derived := New()
	require.NoError(t, derived.SetDataSource(src))
	crop := operation.NewCrop(operation.Bounds{Top: 0.25, Left: 0.25, Height: 0.5, Width: 0.5})
	require.NoError(t, derived.AddOperation(crop))

	data, err := derived.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5}, data.Shape())

	cals := derived.CalculatedCalibrations()
	require.Len(t, cals, 2)
	// offset + 10*0.25*2 on each axis
	assert.InDelta(t, 5.0, cals[0].Offset, 1e-9)
	assert.InDelta(t, 5.0, cals[1].Offset, 1e-9)
	assert.Equal(t, "nm", cals[0].Unit)

	t.Run("disabling the crop restores pass-through calibrations", func(t *testing.T) {
		crop.SetEnabled(false)
		cals := derived.CalculatedCalibrations()
		require.Len(t, cals, 2)
		assert.InDelta(t, 0.0, cals[0].Offset, 1e-9)
		crop.SetEnabled(true)
	})
}

func TestChangeAccumulator(t *testing.T) {
	t.Run("nested transactions deliver one consolidated notification", func(t *testing.T) {
		item := rampItem(t, 2, 2)
		var notifications []event.ChangeKind
		sub := item.Subscribe(func(kinds event.ChangeKind) {
			notifications = append(notifications, kinds)
		})
		defer item.Unsubscribe(sub)

		item.BeginChanges()
		item.SetMetadataValue("a", "x", 1)
		item.BeginChanges()
		item.SetDisplayChanged()
		item.EndChanges()
		assert.Empty(t, notifications, "inner end must not notify")
		item.EndChanges()

		require.Len(t, notifications, 1)
		assert.True(t, notifications[0].Has(event.Metadata))
		assert.True(t, notifications[0].Has(event.Displays))
	})

	t.Run("accumulated data change invalidates the cache at the outer end", func(t *testing.T) {
		ctx := context.Background()
		item := rampItem(t, 2, 2)
		op := newCountingOp()
		require.NoError(t, item.AddOperation(op))
		_, err := item.Data(ctx)
		require.NoError(t, err)

		scope := item.Changes()
		a, err := ndarray.FromFloat64s([]int{2}, ndarray.Float64, []float64{1, 2})
		require.NoError(t, err)
		require.NoError(t, item.SetMasterData(a))
		scope.Close()
		scope.Close() // double close is safe

		_, err = item.Data(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), op.processed.Load(), "initial, then post-change")
	})

	t.Run("unbalanced end panics", func(t *testing.T) {
		item := New()
		assert.Panics(t, item.EndChanges)
	})
}

func TestMetadata(t *testing.T) {
	item := New()
	var got event.ChangeKind
	sub := item.Subscribe(func(kinds event.ChangeKind) { got |= kinds })
	defer item.Unsubscribe(sub)

	item.SetMetadataValue("acquisition", "exposure", 0.25)
	assert.True(t, got.Has(event.Metadata))

	v, ok := item.MetadataValue("acquisition", "exposure")
	require.True(t, ok)
	assert.Equal(t, 0.25, v)

	md := item.Metadata()
	md["acquisition"]["exposure"] = 99.0
	v, _ = item.MetadataValue("acquisition", "exposure")
	assert.Equal(t, 0.25, v, "Metadata returns a copy")

	item.DeleteMetadataValue("acquisition", "exposure")
	_, ok = item.MetadataValue("acquisition", "exposure")
	assert.False(t, ok)
}

func TestSnapshotAndCopy(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot burns derived data into a standalone item", func(t *testing.T) {
		src := rampItem(t, 10, 10)
		src.SetSpatialCalibration(0, calibration.Calibration{Scale: 2, Unit: "nm"})
		src.SetSpatialCalibration(1, calibration.Calibration{Scale: 2, Unit: "nm"})
		derived := New()
		require.NoError(t, derived.SetDataSource(src))
		require.NoError(t, derived.AddOperation(
			operation.NewCrop(operation.Bounds{Top: 0.25, Left: 0.25, Height: 0.5, Width: 0.5})))

		snap, err := derived.Snapshot(ctx)
		require.NoError(t, err)
		assert.True(t, snap.HasMasterData())
		assert.Nil(t, snap.DataSource())
		assert.Empty(t, snap.Operations())

		shape, _ := snap.ShapeAndDType()
		assert.Equal(t, []int{5, 5}, shape)
		cals := snap.SpatialCalibrations()
		require.Len(t, cals, 2)
		assert.InDelta(t, 5.0, cals[0].Offset, 1e-9)

		// The snapshot no longer follows the source.
		a, err := ndarray.FromFloat64s([]int{10, 10}, ndarray.Float64, make([]float64, 100))
		require.NoError(t, err)
		require.NoError(t, src.SetMasterData(a))
		data, err := snap.Data(ctx)
		require.NoError(t, err)
		v, err := data.At(0, 0)
		require.NoError(t, err)
		assert.Equal(t, 22.0, v)
	})

	t.Run("snapshot of an empty item is an error", func(t *testing.T) {
		_, err := New().Snapshot(ctx)
		assert.ErrorIs(t, err, ErrNoData)
	})

	t.Run("copy is deep and independent", func(t *testing.T) {
		item := rampItem(t, 4, 4)
		item.SetMetadataValue("a", "x", 1)
		require.NoError(t, item.AddOperation(operation.NewInvert()))

		dup, err := item.Copy()
		require.NoError(t, err)
		assert.NotEqual(t, item.ID(), dup.ID())
		require.Len(t, dup.Operations(), 1)

		dup.SetMetadataValue("a", "x", 2)
		v, _ := item.MetadataValue("a", "x")
		assert.Equal(t, 1, v)

		data, err := dup.Data(ctx)
		require.NoError(t, err)
		v0, err := data.At(0, 1)
		require.NoError(t, err)
		assert.Equal(t, -1.0, v0)
	})
}

func TestStatisticsAndCompute(t *testing.T) {
	ctx := context.Background()

	t.Run("statistics summarize derived data", func(t *testing.T) {
		a, err := ndarray.FromFloat64s([]int{4}, ndarray.Float64, []float64{1, 2, 3, 4})
		require.NoError(t, err)
		item := New()
		require.NoError(t, item.SetMasterData(a))

		stats, err := item.Statistics(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 2.5, stats.Mean, 1e-9)
		assert.Equal(t, 1.0, stats.Min)
		assert.Equal(t, 4.0, stats.Max)
	})

	t.Run("statistics on an empty item error", func(t *testing.T) {
		_, err := New().Statistics(ctx)
		assert.ErrorIs(t, err, ErrNoData)
	})

	t.Run("registered computations run against derived data", func(t *testing.T) {
		reg := NewComputationRegistry()
		require.NoError(t, reg.Register("sum", func(a *ndarray.Array) (any, error) {
			return a.Sum()
		}))
		assert.Error(t, reg.Register("sum", nil), "duplicate names are rejected")

		a, err := ndarray.FromFloat64s([]int{3}, ndarray.Float64, []float64{1, 2, 3})
		require.NoError(t, err)
		item := New(WithComputations(reg))
		require.NoError(t, item.SetMasterData(a))

		v, err := item.Compute(ctx, "sum")
		require.NoError(t, err)
		assert.Equal(t, 6.0, v)

		_, err = item.Compute(ctx, "missing")
		assert.ErrorIs(t, err, ErrUnknownComputation)
	})
}
