// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dataitem

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliolabs/helioscope/services/raster/ndarray"
	"github.com/heliolabs/helioscope/services/raster/storage"
)

// countingStore records how often the item consults the backing store
// before dropping master data.
type countingStore struct {
	*storage.MemoryStore
	hasDataCalls atomic.Int64
}

func (s *countingStore) HasData(key string) (bool, error) {
	s.hasDataCalls.Add(1)
	return s.MemoryStore.HasData(key)
}

func TestResidency(t *testing.T) {
	ctx := context.Background()

	t.Run("release with backing storage unloads master data", func(t *testing.T) {
		store := storage.NewMemoryStore()
		item := rampItem(t, 4, 4, WithStore(store))
		require.True(t, item.MasterDataLoaded())

		ref := item.DataRef()
		assert.True(t, item.Live())
		ref.Close()
		ref.Close() // double close is safe

		assert.False(t, item.MasterDataLoaded(), "unloaded after last release")
		assert.True(t, item.HasMasterData(), "still owns data")
		assert.False(t, item.Live())

		shape, dtype := item.ShapeAndDType()
		assert.Equal(t, []int{4, 4}, shape)
		assert.Equal(t, ndarray.Float64, dtype)
	})

	t.Run("balanced acquires attempt exactly one unload", func(t *testing.T) {
		store := &countingStore{MemoryStore: storage.NewMemoryStore()}
		item := rampItem(t, 4, 4, WithStore(store))

		var refs []*DataRef
		for i := 0; i < 3; i++ {
			refs = append(refs, item.DataRef())
		}
		for i, ref := range refs {
			ref.Close()
			if i < len(refs)-1 {
				assert.True(t, item.MasterDataLoaded())
				assert.Zero(t, store.hasDataCalls.Load(),
					"no unload attempt before the last release")
			}
		}

		assert.False(t, item.MasterDataLoaded())
		assert.Equal(t, int64(1), store.hasDataCalls.Load(),
			"final release attempts the unload once")
	})

	t.Run("acquire reloads unloaded master data", func(t *testing.T) {
		store := storage.NewMemoryStore()
		item := rampItem(t, 4, 4, WithStore(store))
		item.DataRef().Close()
		require.False(t, item.MasterDataLoaded())

		ref := item.DataRef()
		defer ref.Close()
		assert.True(t, item.MasterDataLoaded())

		data, err := ref.Data(ctx)
		require.NoError(t, err)
		v, err := data.At(1, 0)
		require.NoError(t, err)
		assert.Equal(t, 4.0, v)
	})

	t.Run("data access on an unloaded item loads transiently", func(t *testing.T) {
		store := storage.NewMemoryStore()
		item := rampItem(t, 4, 4, WithStore(store))
		item.DataRef().Close()
		require.False(t, item.MasterDataLoaded())

		data, err := item.Data(ctx)
		require.NoError(t, err)
		require.NotNil(t, data)
		assert.False(t, item.MasterDataLoaded(), "transient load released again")
	})

	t.Run("without backing storage master data stays resident", func(t *testing.T) {
		item := rampItem(t, 4, 4)
		item.DataRef().Close()
		assert.True(t, item.MasterDataLoaded())
	})

	t.Run("nested acquires propagate once to the source", func(t *testing.T) {
		src := rampItem(t, 4, 4)
		derived := New()
		require.NoError(t, derived.SetDataSource(src))

		ref1 := derived.DataRef()
		ref2 := derived.DataRef()
		ref3 := derived.DataRef()
		assert.True(t, src.Live(), "source acquired on the 0 to 1 transition")

		ref1.Close()
		ref2.Close()
		assert.True(t, src.Live(), "source held until the last release")
		ref3.Close()
		assert.False(t, src.Live())
	})

	t.Run("attaching a source moves a held reference upstream", func(t *testing.T) {
		src := rampItem(t, 4, 4)
		derived := New()

		ref := derived.DataRef()
		require.NoError(t, derived.SetDataSource(src))
		assert.True(t, src.Live())

		require.NoError(t, derived.SetDataSource(nil))
		assert.False(t, src.Live())
		ref.Close()
	})

	t.Run("unbalanced release panics", func(t *testing.T) {
		item := New()
		assert.Panics(t, item.DecrementDataRef)
	})
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	item := rampItem(t, 4, 4, WithMetrics(m))
	_, err = item.Data(ctx)
	require.NoError(t, err)
	_, err = item.Data(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.materializations))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.cacheHits), 1.0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.liveRefs))

	// A stored item unloads once Data's transient reference is released.
	stored := rampItem(t, 4, 4, WithStore(storage.NewMemoryStore()), WithMetrics(m))
	_, err = stored.Data(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.masterUnloads), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.masterLoads), 0.0)

	t.Run("duplicate registration fails", func(t *testing.T) {
		_, err := NewMetrics(reg)
		assert.Error(t, err)
	})
}
