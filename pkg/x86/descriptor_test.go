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

package x86

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDescriptorCode32(t *testing.T) {
	var d SegmentDescriptor
	d.SetCode32(0, 0xffffffff, 0)

	if got, want := d.Base(), uint32(0); got != want {
		t.Errorf("Base() = %#x, want %#x", got, want)
	}
	if got, want := d.Limit(), uint32(0xffffffff); got != want {
		t.Errorf("Limit() = %#x, want %#x", got, want)
	}
	if !d.Present() {
		t.Errorf("Present() = false, want true")
	}
	if !d.Executable() {
		t.Errorf("Executable() = false, want true")
	}
	if d.System() {
		t.Errorf("System() = true for a code segment")
	}
	if d.Long() {
		t.Errorf("Long() = true for a 32-bit segment")
	}
	if !d.DB() {
		t.Errorf("DB() = false for a 32-bit segment")
	}
}

func TestDescriptorCode64(t *testing.T) {
	var d SegmentDescriptor
	d.SetCode64(0, 0xffffffff, 3)

	if !d.Long() {
		t.Errorf("Long() = false, want true")
	}
	if got, want := d.DPL(), 3; got != want {
		t.Errorf("DPL() = %d, want %d", got, want)
	}
	if !d.Executable() {
		t.Errorf("Executable() = false, want true")
	}
}

func TestDescriptorData(t *testing.T) {
	var d SegmentDescriptor
	d.SetData(0x00400000, 0x7fff, 2)

	if got, want := d.Base(), uint32(0x00400000); got != want {
		t.Errorf("Base() = %#x, want %#x", got, want)
	}
	if got, want := d.Limit(), uint32(0x7fff); got != want {
		t.Errorf("Limit() = %#x, want %#x", got, want)
	}
	if d.Executable() {
		t.Errorf("Executable() = true for a data segment")
	}
	if !d.Writable() {
		t.Errorf("Writable() = false, want true")
	}
	if got, want := d.DPL(), 2; got != want {
		t.Errorf("DPL() = %d, want %d", got, want)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	var d SegmentDescriptor
	d.SetCode32(0x00100000, 0xffffffff, 3)

	var raw [SegmentDescriptorSize]byte
	d.MarshalBytes(raw[:])
	var d2 SegmentDescriptor
	d2.UnmarshalBytes(raw[:])

	if d != d2 {
		t.Errorf("round trip mismatch: %#v != %#v", d, d2)
	}
}

func TestDescriptorUnpack(t *testing.T) {
	var d SegmentDescriptor
	d.SetCode32(0, 0xffffffff, 3)

	got := d.Segment(0x1b)
	want := Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 0x1b,
		Type:     0x9, // Execute-only, accessed.
		S:        true,
		DPL:      3,
		Present:  true,
		DB:       true,
		L:        false,
		G:        true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unpacked segment mismatch (-want +got):\n%s", diff)
	}
	if got.CPL() != 3 {
		t.Errorf("CPL() = %d, want 3", got.CPL())
	}
}
