// Copyright 2025 The Aero Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package guestmem provides the guest physical address space as a flat,
// host-mmapped region.
//
// Accesses take guest physical addresses. An address outside the region is a
// host configuration problem, not a guest fault, and surfaces as ErrRange;
// translation faults are the business of pkg/paging.
package guestmem

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the smallest guest page.
const PageSize = 4096

// ErrRange is returned for accesses outside the physical region.
var ErrRange = fmt.Errorf("physical address out of range")

// Memory is a flat guest physical memory region.
type Memory struct {
	data []byte
}

// New returns a zeroed physical region of the given size, rounded up to the
// page size.
func New(size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-size physical region")
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	data, err := mapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes: %w", size, err)
	}
	return &Memory{data: data}, nil
}

// Close releases the region. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unmap(m.data)
	m.data = nil
	return err
}

// Size returns the region size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Slice returns a writable window [pa, pa+size). The window aliases guest
// memory; it is only valid until Close.
func (m *Memory) Slice(pa, size uint64) ([]byte, error) {
	if pa >= uint64(len(m.data)) || size > uint64(len(m.data))-pa {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrRange, pa, pa+size)
	}
	return m.data[pa : pa+size : pa+size], nil
}

// Read copies len(b) bytes from pa.
func (m *Memory) Read(pa uint64, b []byte) error {
	src, err := m.Slice(pa, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// Write copies b to pa.
func (m *Memory) Write(pa uint64, b []byte) error {
	dst, err := m.Slice(pa, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Read8 reads a byte at pa.
func (m *Memory) Read8(pa uint64) (uint8, error) {
	b, err := m.Slice(pa, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read16 reads a little-endian 16-bit value at pa.
func (m *Memory) Read16(pa uint64) (uint16, error) {
	b, err := m.Slice(pa, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Read32 reads a little-endian 32-bit value at pa.
func (m *Memory) Read32(pa uint64) (uint32, error) {
	b, err := m.Slice(pa, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Read64 reads a little-endian 64-bit value at pa.
func (m *Memory) Read64(pa uint64) (uint64, error) {
	b, err := m.Slice(pa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write8 writes a byte at pa.
func (m *Memory) Write8(pa uint64, v uint8) error {
	b, err := m.Slice(pa, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Write16 writes a little-endian 16-bit value at pa.
func (m *Memory) Write16(pa uint64, v uint16) error {
	b, err := m.Slice(pa, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// Write32 writes a little-endian 32-bit value at pa.
func (m *Memory) Write32(pa uint64, v uint32) error {
	b, err := m.Slice(pa, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// Write64 writes a little-endian 64-bit value at pa.
func (m *Memory) Write64(pa uint64, v uint64) error {
	b, err := m.Slice(pa, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}
