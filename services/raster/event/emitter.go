// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package event provides the change-notification primitives used by the
// data model: a bitset of change kinds and a subscription-based emitter.
package event

import (
	"sync"

	"github.com/google/uuid"
)

// ChangeKind categorizes what part of an item's state changed. Kinds form a
// bitset so one notification can carry several categories.
type ChangeKind uint8

const (
	// Data marks changes to master data or the derived-data computation.
	Data ChangeKind = 1 << iota

	// Metadata marks changes to titles, calibrations and metadata maps.
	Metadata

	// Displays marks changes originating from the display layer.
	Displays

	// Source marks attach/detach or upstream changes of the data source.
	Source
)

// Has reports whether k includes all bits of other.
func (k ChangeKind) Has(other ChangeKind) bool {
	return k&other == other
}

// HasAny reports whether k includes any bit of other.
func (k ChangeKind) HasAny(other ChangeKind) bool {
	return k&other != 0
}

// String renders the set for logging.
func (k ChangeKind) String() string {
	names := ""
	add := func(bit ChangeKind, name string) {
		if k.HasAny(bit) {
			if names != "" {
				names += "|"
			}
			names += name
		}
	}
	add(Data, "data")
	add(Metadata, "metadata")
	add(Displays, "displays")
	add(Source, "source")
	if names == "" {
		return "none"
	}
	return names
}

// Handler receives a consolidated change notification.
type Handler func(kinds ChangeKind)

// Subscription identifies one registered handler.
type Subscription struct {
	id string
}

// Emitter broadcasts change notifications to subscribers.
//
// Thread Safety: Emitter is safe for concurrent use. Handlers are invoked
// outside the emitter lock, so a handler may subscribe, unsubscribe or
// notify again without deadlocking.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]Handler)}
}

// Subscribe registers a handler and returns its subscription token.
func (e *Emitter) Subscribe(h Handler) Subscription {
	id := uuid.NewString()
	e.mu.Lock()
	e.handlers[id] = h
	e.mu.Unlock()
	return Subscription{id: id}
}

// Unsubscribe removes a previously registered handler. Unknown
// subscriptions are ignored.
func (e *Emitter) Unsubscribe(s Subscription) {
	e.mu.Lock()
	delete(e.handlers, s.id)
	e.mu.Unlock()
}

// Notify delivers kinds to every subscriber synchronously, in unspecified
// order. The handler list is snapshotted first so delivery happens outside
// the lock.
func (e *Emitter) Notify(kinds ChangeKind) {
	e.mu.RLock()
	snapshot := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		snapshot = append(snapshot, h)
	}
	e.mu.RUnlock()
	for _, h := range snapshot {
		h(kinds)
	}
}

// Len returns the number of active subscriptions.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
