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
)

// Snapshot burns the item's derived data into a new standalone item.
//
// Description:
//
//	Materializes the derived data and creates a fresh item whose master
//	data is that fully processed array, with the calculated calibrations
//	and a copy of the metadata. The new item has no source and no
//	operations; it no longer follows upstream changes.
//
// Inputs:
//
//	ctx - Cancels the materialization.
//	opts - Options for the new item (store, logger, metrics).
//
// Outputs:
//
//	*DataItem - The snapshot item.
//	error - Materialization error, or ErrNoData for an empty item.
//
// Thread Safety: Safe for concurrent use. Blocks on materialization.
func (d *DataItem) Snapshot(ctx context.Context, opts ...Option) (*DataItem, error) {
	data, err := d.Data(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoData
	}
	cals := d.CalculatedCalibrations()
	intensity := d.CalculatedIntensityCalibration()
	md := d.Metadata()

	snap := New(opts...)
	if err := snap.SetMasterData(data.Clone()); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	snap.mu.Lock()
	snap.spatialCals = cals.Synced(len(snap.spatialCals))
	snap.intensityCal = intensity
	snap.metadata = md
	snap.mu.Unlock()
	return snap, nil
}

// Copy deep-copies the item under a new identity: master data (cloned) or
// the same source reference, cloned operations, calibrations, and metadata.
func (d *DataItem) Copy(opts ...Option) (*DataItem, error) {
	// Hold a residency reference so unloaded master data is present.
	ref := d.DataRef()
	defer ref.Close()

	d.mu.RLock()
	master := d.master
	src := d.source
	intensity := d.intensityCal
	cals := d.spatialCals.Clone()
	md := copyMetadata(d.metadata)
	d.mu.RUnlock()

	c := New(opts...)
	switch {
	case master != nil:
		if err := c.SetMasterData(master.Clone()); err != nil {
			return nil, fmt.Errorf("copy: %w", err)
		}
	case src != nil:
		if err := c.SetDataSource(src); err != nil {
			return nil, fmt.Errorf("copy: %w", err)
		}
	}
	for _, op := range d.Operations() {
		if err := c.AddOperation(op.Clone()); err != nil {
			return nil, fmt.Errorf("copy: %w", err)
		}
	}
	c.mu.Lock()
	c.intensityCal = intensity
	c.spatialCals = cals
	c.metadata = md
	c.mu.Unlock()
	return c, nil
}
