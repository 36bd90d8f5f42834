// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dataitem

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instrumentation for data item materialization and
// residency. Collectors are registered on the injected Registerer; a nil
// *Metrics disables instrumentation entirely.
type Metrics struct {
	materializations prometheus.Counter
	cacheHits        prometheus.Counter
	masterLoads      prometheus.Counter
	masterUnloads    prometheus.Counter
	liveRefs         prometheus.Gauge
}

// NewMetrics creates and registers the data item collectors.
//
// Inputs:
//
//	reg - Registerer to attach collectors to. Must not be nil; pass a
//	      prometheus.NewRegistry() in tests.
//
// Outputs:
//
//	*Metrics - Registered metrics, shareable across items.
//	error - Non-nil if a collector is already registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		materializations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raster_materializations_total",
			Help: "Number of derived data computations.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raster_cache_hits_total",
			Help: "Number of derived data requests served from cache.",
		}),
		masterLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raster_master_loads_total",
			Help: "Number of master data loads from backing storage.",
		}),
		masterUnloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raster_master_unloads_total",
			Help: "Number of master data unloads to backing storage.",
		}),
		liveRefs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raster_live_data_refs",
			Help: "Current number of held data references across items.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.materializations, m.cacheHits, m.masterLoads, m.masterUnloads, m.liveRefs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordMaterialization() {
	if m != nil {
		m.materializations.Inc()
	}
}

func (m *Metrics) recordCacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) recordLoad() {
	if m != nil {
		m.masterLoads.Inc()
	}
}

func (m *Metrics) recordUnload() {
	if m != nil {
		m.masterUnloads.Inc()
	}
}

func (m *Metrics) recordRefDelta(delta int) {
	if m != nil {
		m.liveRefs.Add(float64(delta))
	}
}
