// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badger provides a BadgerDB-backed storage.Store for master data.
//
// BadgerDB is used as the embedded backing store that unloaded master data
// is evicted to and reloaded from. Header reads use a separate key so that
// shape/dtype queries never pull the full payload off disk.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/heliolabs/helioscope/services/raster/ndarray"
	"github.com/heliolabs/helioscope/services/raster/storage"
)

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns sensible defaults for persistent use.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0, // disabled
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Key layout: one key per item for the full encoded array, one for just
// the header. Headers are tiny, so double-writing is cheaper than a
// partial read of the payload key.
func dataKey(key string) []byte   { return []byte("raster/data/" + key) }
func headerKey(key string) []byte { return []byte("raster/meta/" + key) }

// Store is a storage.Store backed by an embedded BadgerDB.
type Store struct {
	db       *badger.DB
	logger   *slog.Logger
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
}

var _ storage.Store = (*Store)(nil)

// Open creates and opens a BadgerDB-backed store with the given
// configuration.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, or in memory if
//	InMemory is true. Creates the directory if it doesn't exist, and
//	starts a value log GC goroutine when GCInterval is set.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is invalid or database cannot be opened.
//
// Thread Safety: The returned *Store is safe for concurrent use.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   cfg.Logger,
		interval: cfg.GCInterval,
		ratio:    cfg.GCDiscardRatio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC()
	} else {
		close(s.doneCh)
	}
	return s, nil
}

// OpenInMemory is a convenience function for opening an in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
	return s.db.Close()
}

// HasData reports whether the key holds a stored array.
func (s *Store) HasData(key string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(headerKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("has data %s: %w", key, err)
	}
	return found, nil
}

// ShapeAndDType reads the header key only; the payload stays on disk.
func (s *Store) ShapeAndDType(key string) ([]int, ndarray.DType, error) {
	var header []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(headerKey(key))
		if err != nil {
			return err
		}
		header, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ndarray.DTypeInvalid, storage.ErrNotFound
	}
	if err != nil {
		return nil, ndarray.DTypeInvalid, fmt.Errorf("read header %s: %w", key, err)
	}
	return storage.DecodeHeader(header)
}

// WriteData stores the encoded array and its header under key.
func (s *Store) WriteData(key string, a *ndarray.Array) error {
	payload, err := storage.EncodeArray(a)
	if err != nil {
		return err
	}
	header := payload[:3+4*len(a.Shape())]
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(headerKey(key), append([]byte(nil), header...)); err != nil {
			return err
		}
		return txn.Set(dataKey(key), payload)
	})
	if err != nil {
		return fmt.Errorf("write data %s: %w", key, err)
	}
	return nil
}

// ReadData loads and decodes the array stored under key.
func (s *Store) ReadData(key string) (*ndarray.Array, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read data %s: %w", key, err)
	}
	return storage.DecodeArray(payload)
}

// DeleteData removes the key. Missing keys are not an error.
func (s *Store) DeleteData(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(headerKey(key)); err != nil {
			return err
		}
		return txn.Delete(dataKey(key))
	})
	if err != nil {
		return fmt.Errorf("delete data %s: %w", key, err)
	}
	return nil
}

func (s *Store) runGC() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when no GC was needed
			err := s.db.RunValueLogGC(s.ratio)
			if err == nil {
				if s.logger != nil {
					s.logger.Debug("badger value log GC completed")
				}
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				if s.logger != nil {
					s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}
