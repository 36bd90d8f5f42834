// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"sync"

	"github.com/heliolabs/helioscope/services/raster/ndarray"
)

// MemoryStore is an in-process Store backed by a map. It is the default
// store for tests and for sessions that never persist to disk.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// HasData reports whether the key holds a stored array.
func (m *MemoryStore) HasData(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

// ShapeAndDType decodes only the header of the stored payload.
func (m *MemoryStore) ShapeAndDType(key string) ([]int, ndarray.DType, error) {
	m.mu.RLock()
	payload, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ndarray.DTypeInvalid, ErrNotFound
	}
	return DecodeHeader(payload)
}

// WriteData stores the encoded array under key.
func (m *MemoryStore) WriteData(key string, a *ndarray.Array) error {
	payload, err := EncodeArray(a)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = payload
	m.mu.Unlock()
	return nil
}

// ReadData loads and decodes the array stored under key.
func (m *MemoryStore) ReadData(key string) (*ndarray.Array, error) {
	m.mu.RLock()
	payload, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return DecodeArray(payload)
}

// DeleteData removes the key.
func (m *MemoryStore) DeleteData(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
