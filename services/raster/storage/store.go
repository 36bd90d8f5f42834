// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage defines the backing store that master data is evicted to
// and reloaded from, plus the binary array codec shared by all store
// implementations.
//
// The data model only touches a Store from the residency path: shape/dtype
// queries stay cheap, ReadData is the single blocking load call.
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/heliolabs/helioscope/services/raster/ndarray"
)

// ErrNotFound is returned when a key has no stored data.
var ErrNotFound = errors.New("storage: key not found")

// ErrCorrupt is returned when a stored payload cannot be decoded.
var ErrCorrupt = errors.New("storage: corrupt payload")

// Store persists raw array data keyed by item id.
//
// Implementations must be safe for concurrent use; the residency tracker
// may load on one goroutine while another writes a different key.
type Store interface {
	// HasData reports whether the key holds a stored array.
	HasData(key string) (bool, error)

	// ShapeAndDType returns the stored array's header without loading the
	// payload.
	ShapeAndDType(key string) ([]int, ndarray.DType, error)

	// WriteData stores the array under key, replacing any prior value.
	WriteData(key string, a *ndarray.Array) error

	// ReadData loads and decodes the array stored under key.
	ReadData(key string) (*ndarray.Array, error)

	// DeleteData removes the key. Missing keys are not an error.
	DeleteData(key string) error
}

const codecVersion = 1

// dtype wire codes are stable across releases; never renumber.
var dtypeCodes = map[ndarray.DType]uint8{
	ndarray.Float32:    1,
	ndarray.Float64:    2,
	ndarray.Int16:      3,
	ndarray.Int32:      4,
	ndarray.Int64:      5,
	ndarray.Uint8:      6,
	ndarray.Uint16:     7,
	ndarray.Uint32:     8,
	ndarray.Complex64:  9,
	ndarray.Complex128: 10,
	ndarray.RGB:        11,
	ndarray.RGBA:       12,
}

func dtypeFromCode(code uint8) (ndarray.DType, bool) {
	for d, c := range dtypeCodes {
		if c == code {
			return d, true
		}
	}
	return ndarray.DTypeInvalid, false
}

// EncodeArray serializes an array as [version u8][dtype u8][rank u8]
// [dims u32...][payload]. Scalar payloads are little-endian float64,
// complex payloads are real/imag float64 pairs, rgb payloads are raw bytes.
func EncodeArray(a *ndarray.Array) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil array", ErrCorrupt)
	}
	shape := a.Shape()
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	code, ok := dtypeCodes[a.DType()]
	if !ok {
		return nil, fmt.Errorf("%w: dtype %s", ErrCorrupt, a.DType())
	}
	buf.WriteByte(code)
	buf.WriteByte(uint8(len(shape)))
	for _, d := range shape {
		var dim [4]byte
		binary.LittleEndian.PutUint32(dim[:], uint32(d))
		buf.Write(dim[:])
	}
	switch {
	case a.Float64s() != nil:
		var w [8]byte
		for _, v := range a.Float64s() {
			binary.LittleEndian.PutUint64(w[:], math.Float64bits(v))
			buf.Write(w[:])
		}
	case a.Complex128s() != nil:
		var w [8]byte
		for _, v := range a.Complex128s() {
			binary.LittleEndian.PutUint64(w[:], math.Float64bits(real(v)))
			buf.Write(w[:])
			binary.LittleEndian.PutUint64(w[:], math.Float64bits(imag(v)))
			buf.Write(w[:])
		}
	default:
		buf.Write(a.Bytes())
	}
	return buf.Bytes(), nil
}

// DecodeHeader reads just the shape/dtype header of an encoded array.
func DecodeHeader(payload []byte) ([]int, ndarray.DType, error) {
	if len(payload) < 3 {
		return nil, ndarray.DTypeInvalid, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if payload[0] != codecVersion {
		return nil, ndarray.DTypeInvalid, fmt.Errorf("%w: version %d", ErrCorrupt, payload[0])
	}
	dtype, ok := dtypeFromCode(payload[1])
	if !ok {
		return nil, ndarray.DTypeInvalid, fmt.Errorf("%w: dtype code %d", ErrCorrupt, payload[1])
	}
	rank := int(payload[2])
	if len(payload) < 3+4*rank {
		return nil, ndarray.DTypeInvalid, fmt.Errorf("%w: truncated dims", ErrCorrupt)
	}
	shape := make([]int, rank)
	for i := 0; i < rank; i++ {
		shape[i] = int(binary.LittleEndian.Uint32(payload[3+4*i:]))
	}
	return shape, dtype, nil
}

// DecodeArray is the inverse of EncodeArray.
func DecodeArray(payload []byte) (*ndarray.Array, error) {
	shape, dtype, err := DecodeHeader(payload)
	if err != nil {
		return nil, err
	}
	body := payload[3+4*len(shape):]
	n := 1
	for _, d := range shape {
		n *= d
	}
	switch {
	case dtype.IsComplex():
		if len(body) != 16*n {
			return nil, fmt.Errorf("%w: complex payload length %d for %d elements", ErrCorrupt, len(body), n)
		}
		vals := make([]complex128, n)
		for i := 0; i < n; i++ {
			re := math.Float64frombits(binary.LittleEndian.Uint64(body[16*i:]))
			im := math.Float64frombits(binary.LittleEndian.Uint64(body[16*i+8:]))
			vals[i] = complex(re, im)
		}
		return ndarray.FromComplex128s(shape, dtype, vals)
	case dtype.IsRGBType():
		if len(body) != n {
			return nil, fmt.Errorf("%w: rgb payload length %d for %d elements", ErrCorrupt, len(body), n)
		}
		return ndarray.FromBytes(shape, dtype, append([]uint8(nil), body...))
	default:
		if len(body) != 8*n {
			return nil, fmt.Errorf("%w: scalar payload length %d for %d elements", ErrCorrupt, len(body), n)
		}
		vals := make([]float64, n)
		for i := 0; i < n; i++ {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:]))
		}
		return ndarray.FromFloat64s(shape, dtype, vals)
	}
}
