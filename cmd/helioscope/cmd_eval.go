// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/heliolabs/helioscope/services/raster/dataitem"
	"github.com/heliolabs/helioscope/services/raster/ndarray"
	"github.com/heliolabs/helioscope/services/raster/storage"
	"github.com/heliolabs/helioscope/services/raster/symbolic"
)

// parseVarBindings parses repeated --var name=key flags.
func parseVarBindings(specs []string) (map[string]string, error) {
	vars := make(map[string]string, len(specs))
	for _, spec := range specs {
		name, key, ok := strings.Cut(spec, "=")
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("bad --var %q: want name=key", spec)
		}
		if _, dup := vars[name]; dup {
			return nil, fmt.Errorf("duplicate --var name %q", name)
		}
		vars[name] = key
	}
	return vars, nil
}

// storeResolver resolves specifiers (store keys) to items loaded from the
// store. Items are created on first use and reused across references.
type storeResolver struct {
	store storage.Store
	items map[string]*dataitem.DataItem
}

func newStoreResolver(store storage.Store) *storeResolver {
	return &storeResolver{store: store, items: make(map[string]*dataitem.DataItem)}
}

func (r *storeResolver) ResolveItem(specifier string) (*dataitem.DataItem, error) {
	if item, ok := r.items[specifier]; ok {
		return item, nil
	}
	a, err := r.store.ReadData(specifier)
	if err != nil {
		return nil, err
	}
	item := dataitem.New(dataitem.WithLogger(logger.Slog()))
	if err := item.SetMasterData(a); err != nil {
		item.Close()
		return nil, err
	}
	r.items[specifier] = item
	return item, nil
}

func (r *storeResolver) Close() {
	for _, item := range r.items {
		item.Close()
	}
}

func runEval(cmd *cobra.Command, args []string) error {
	expression := args[0]

	vars, err := parseVarBindings(evalVars)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	resolver := newStoreResolver(store)
	defer resolver.Close()

	comp := symbolic.NewComputation(symbolic.NewRegistry())
	defer comp.Close()
	if !comp.ParseExpression(expression, vars) {
		return fmt.Errorf("cannot parse %q", expression)
	}
	if err := comp.Bind(resolver); err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	value, err := comp.Evaluate()
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	result, err := value.Data(cmd.Context())
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if result == nil {
		return fmt.Errorf("expression produced no data")
	}

	if value.IsConstant() || result.Len() == 1 {
		v, err := value.ScalarValue(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%g\n", v)
		return nil
	}

	fmt.Printf("result: %s\n", sizeAndFormat(result.Shape(), result.DType()))
	if r, ok := ndarray.ComputeRange(result); ok {
		fmt.Printf("  range: %g .. %g\n", r.Min, r.Max)
	}
	for i, cal := range value.Calibrations {
		if cal.Unit != "" || cal.Offset != 0 || cal.Scale != 1 {
			fmt.Printf("  axis %d: offset %g scale %g %s\n", i, cal.Offset, cal.Scale, cal.Unit)
		}
	}

	if outKey != "" {
		if err := store.WriteData(outKey, result); err != nil {
			return fmt.Errorf("write %q: %w", outKey, err)
		}
		logger.Info("stored result", "key", outKey, "expression", expression)
		fmt.Printf("stored as %q\n", outKey)
	}
	return nil
}
