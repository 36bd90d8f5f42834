// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dataitem

import (
	"sync"

	"github.com/heliolabs/helioscope/services/raster/event"
)

// BeginChanges opens a change transaction. Nested transactions are
// supported; notifications are held until the outermost EndChanges.
func (d *DataItem) BeginChanges() {
	d.changeMu.Lock()
	d.changeDepth++
	d.changeMu.Unlock()
}

// EndChanges closes a change transaction.
//
// Description:
//
//	At the outermost close the accumulated change kinds are swapped out
//	under the accumulator lock, DATA and SOURCE changes invalidate the
//	derived caches, and one consolidated notification is delivered with
//	no locks held.
//
// Thread Safety: Safe for concurrent use. Panics on a close without a
// matching BeginChanges.
func (d *DataItem) EndChanges() {
	d.changeMu.Lock()
	if d.changeDepth == 0 {
		d.changeMu.Unlock()
		panic("dataitem: EndChanges without matching BeginChanges")
	}
	d.changeDepth--
	var kinds event.ChangeKind
	if d.changeDepth == 0 {
		kinds = d.pending
		d.pending = 0
	}
	d.changeMu.Unlock()
	if kinds != 0 {
		d.applyChanges(kinds)
	}
}

// Changes opens a change transaction and returns a scoped guard for it.
// Closing the guard twice is safe.
func (d *DataItem) Changes() *ChangeScope {
	d.BeginChanges()
	return &ChangeScope{item: d}
}

// ChangeScope is a scoped change transaction on a data item.
type ChangeScope struct {
	item *DataItem
	once sync.Once
}

// Close ends the transaction.
func (s *ChangeScope) Close() {
	s.once.Do(s.item.EndChanges)
}

// noteChange records a change. Inside a transaction it accumulates;
// otherwise it takes effect immediately.
func (d *DataItem) noteChange(kinds event.ChangeKind) {
	d.changeMu.Lock()
	if d.changeDepth > 0 {
		d.pending |= kinds
		d.changeMu.Unlock()
		return
	}
	d.changeMu.Unlock()
	d.applyChanges(kinds)
}

// applyChanges invalidates caches for data-bearing changes and notifies
// observers. Must be called with no locks held.
func (d *DataItem) applyChanges(kinds event.ChangeKind) {
	if kinds.HasAny(event.Data | event.Source) {
		d.mu.Lock()
		d.cacheValid = false
		d.rangeValid = false
		d.statsValid = false
		d.generation++
		d.mu.Unlock()
	}
	d.emitter.Notify(kinds)
}
