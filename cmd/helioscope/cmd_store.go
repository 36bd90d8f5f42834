// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/heliolabs/helioscope/services/raster/dataitem"
	"github.com/heliolabs/helioscope/services/raster/ndarray"
	"github.com/heliolabs/helioscope/services/raster/storage"
	badgerstore "github.com/heliolabs/helioscope/services/raster/storage/badger"
)

// openStore opens the configured store. The caller owns the close.
func openStore() (storage.Store, func(), error) {
	if config.Storage.InMemory {
		s, err := badgerstore.OpenInMemory()
		if err != nil {
			return nil, nil, fmt.Errorf("open in-memory store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}
	cfg := badgerstore.DefaultConfig()
	cfg.Path = config.Storage.Path
	cfg.SyncWrites = config.Storage.SyncWrites
	cfg.Logger = logger.Slog()
	s, err := badgerstore.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store at %s: %w", config.Storage.Path, err)
	}
	return s, func() { _ = s.Close() }, nil
}

// parseShape parses "512x512" into a shape.
func parseShape(spec string) ([]int, error) {
	parts := strings.Split(spec, "x")
	shape := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad shape %q: dimensions are positive integers separated by x", spec)
		}
		shape = append(shape, n)
	}
	return shape, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	key, path := args[0], args[1]

	shape, err := parseShape(shapeSpec)
	if err != nil {
		return err
	}
	dtype := ndarray.DTypeFromString(dtypeName)
	if dtype == ndarray.DTypeInvalid {
		return fmt.Errorf("unknown dtype %q", dtypeName)
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	a, err := arrayFromPayload(shape, dtype, payload)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.WriteData(key, a); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	logger.Info("stored item", "key", key, "shape", shapeSpec, "dtype", dtype.String())
	fmt.Printf("%s: %s\n", key, sizeAndFormat(shape, dtype))
	return nil
}

// arrayFromPayload interprets a raw payload file: little-endian float64
// elements for scalar dtypes, real/imaginary float64 pairs for complex
// dtypes, raw bytes for rgb/rgba.
func arrayFromPayload(shape []int, dtype ndarray.DType, payload []byte) (*ndarray.Array, error) {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	switch {
	case dtype == ndarray.Complex64 || dtype == ndarray.Complex128:
		if len(payload) != n*16 {
			return nil, fmt.Errorf("payload is %d bytes, want %d for %s", len(payload), n*16, dtype)
		}
		data := make([]complex128, n)
		for i := range data {
			re := math.Float64frombits(binary.LittleEndian.Uint64(payload[i*16:]))
			im := math.Float64frombits(binary.LittleEndian.Uint64(payload[i*16+8:]))
			data[i] = complex(re, im)
		}
		return ndarray.FromComplex128s(shape, dtype, data)
	case dtype == ndarray.RGB || dtype == ndarray.RGBA:
		if len(payload) != n {
			return nil, fmt.Errorf("payload is %d bytes, want %d for %s", len(payload), n, dtype)
		}
		return ndarray.FromBytes(shape, dtype, payload)
	default:
		if len(payload) != n*8 {
			return nil, fmt.Errorf("payload is %d bytes, want %d for %s", len(payload), n*8, dtype)
		}
		data := make([]float64, n)
		for i := range data {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:]))
		}
		return ndarray.FromFloat64s(shape, dtype, data)
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	key := args[0]

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	shape, dtype, err := store.ShapeAndDType(key)
	if err != nil {
		return fmt.Errorf("%q: %w", key, err)
	}
	fmt.Printf("%s: %s\n", key, sizeAndFormat(shape, dtype))

	a, err := store.ReadData(key)
	if err != nil {
		return fmt.Errorf("%q: %w", key, err)
	}
	if r, ok := ndarray.ComputeRange(a); ok {
		fmt.Printf("  range: %g .. %g\n", r.Min, r.Max)
	}
	if withStats {
		item := dataitem.New(dataitem.WithLogger(logger.Slog()))
		defer item.Close()
		if err := item.SetMasterData(a); err != nil {
			return err
		}
		stats, err := item.Statistics(cmd.Context())
		if err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		fmt.Printf("  mean: %g  std: %g\n", stats.Mean, stats.Std)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	key := args[0]

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DeleteData(key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	logger.Info("deleted item", "key", key)
	return nil
}

// sizeAndFormat renders "512 x 512, Real (64-bit)" for display.
func sizeAndFormat(shape []int, dtype ndarray.DType) string {
	spatial := ndarray.SpatialShape(shape, dtype)
	dims := make([]string, len(spatial))
	for i, dim := range spatial {
		dims[i] = strconv.Itoa(dim)
	}
	return fmt.Sprintf("%s, %s", strings.Join(dims, " x "), dtype.DisplayName())
}
