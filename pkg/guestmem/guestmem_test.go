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

package guestmem

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundsToPageSize(t *testing.T) {
	m, err := New(1)
	if err != nil {
		t.Fatalf("New(1) failed: %v", err)
	}
	defer m.Close()
	if got, want := m.Size(), uint64(PageSize); got != want {
		t.Errorf("Size() = %d, want %d", got, want)
	}
}

func TestZeroed(t *testing.T) {
	m, err := New(2 * PageSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()
	b := make([]byte, 2*PageSize)
	if err := m.Read(0, b); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(b, make([]byte, len(b))) {
		t.Errorf("fresh region not zeroed")
	}
}

func TestReadWrite(t *testing.T) {
	m, err := New(PageSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	if err := m.Write64(0x100, 0x1122_3344_5566_7788); err != nil {
		t.Fatalf("Write64 failed: %v", err)
	}
	// Byte order is little-endian.
	if v, err := m.Read8(0x100); err != nil || v != 0x88 {
		t.Errorf("Read8(0x100) = %#x, %v; want 0x88", v, err)
	}
	if v, err := m.Read16(0x106); err != nil || v != 0x1122 {
		t.Errorf("Read16(0x106) = %#x, %v; want 0x1122", v, err)
	}
	if v, err := m.Read32(0x104); err != nil || v != 0x1122_3344 {
		t.Errorf("Read32(0x104) = %#x, %v; want 0x11223344", v, err)
	}
	if v, err := m.Read64(0x100); err != nil || v != 0x1122_3344_5566_7788 {
		t.Errorf("Read64(0x100) = %#x, %v; want full value", v, err)
	}
}

func TestOutOfRange(t *testing.T) {
	m, err := New(PageSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	if _, err := m.Read64(PageSize - 4); !errors.Is(err, ErrRange) {
		t.Errorf("straddling read: err = %v, want ErrRange", err)
	}
	if err := m.Write8(PageSize, 1); !errors.Is(err, ErrRange) {
		t.Errorf("write past end: err = %v, want ErrRange", err)
	}
	// The last byte is still addressable.
	if err := m.Write8(PageSize-1, 1); err != nil {
		t.Errorf("write of last byte failed: %v", err)
	}
}

func TestSliceAliases(t *testing.T) {
	m, err := New(PageSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	s, err := m.Slice(0x200, 4)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	copy(s, []byte{1, 2, 3, 4})
	if v, err := m.Read32(0x200); err != nil || v != 0x04030201 {
		t.Errorf("Read32 after Slice write = %#x, %v; want 0x04030201", v, err)
	}
}
