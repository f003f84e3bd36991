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
	"encoding/binary"
	"testing"
)

func TestGate64Layout(t *testing.T) {
	var g Gate64
	g.SetInterrupt(0x08, 0xffff_8000_1234_5678, 3, 2)

	var raw [Gate64Size]byte
	g.MarshalBytes(raw[:])

	if got, want := binary.LittleEndian.Uint16(raw[0:]), uint16(0x5678); got != want {
		t.Errorf("offset 15:0 = %#x, want %#x", got, want)
	}
	if got, want := binary.LittleEndian.Uint16(raw[2:]), uint16(0x08); got != want {
		t.Errorf("selector = %#x, want %#x", got, want)
	}
	if got, want := raw[4], byte(2); got != want {
		t.Errorf("ist byte = %#x, want %#x", got, want)
	}
	// Present, DPL 3, interrupt gate.
	if got, want := raw[5], byte(0xEE); got != want {
		t.Errorf("type/attr = %#x, want %#x", got, want)
	}
	if got, want := binary.LittleEndian.Uint16(raw[6:]), uint16(0x1234); got != want {
		t.Errorf("offset 31:16 = %#x, want %#x", got, want)
	}
	if got, want := binary.LittleEndian.Uint32(raw[8:]), uint32(0xffff_8000); got != want {
		t.Errorf("offset 63:32 = %#x, want %#x", got, want)
	}
	if got := binary.LittleEndian.Uint32(raw[12:]); got != 0 {
		t.Errorf("reserved = %#x, want 0", got)
	}
}

func TestGate64TrapType(t *testing.T) {
	var g Gate64
	g.SetTrap(0x08, 0x1000, 0, 0)

	var raw [Gate64Size]byte
	g.MarshalBytes(raw[:])
	// Present, DPL 0, trap gate.
	if got, want := raw[5], byte(0x8F); got != want {
		t.Errorf("type/attr = %#x, want %#x", got, want)
	}
	if got, want := g.Type(), GateTrap32; got != want {
		t.Errorf("Type() = %#x, want %#x", got, want)
	}
}

func TestGate64Decode(t *testing.T) {
	var g Gate64
	g.SetInterrupt(0x23, 0xdead_beef_cafe_f00d, 1, 7)

	var raw [Gate64Size]byte
	g.MarshalBytes(raw[:])

	var d Gate64
	d.UnmarshalBytes(raw[:])
	if got, want := d.Target(), uint64(0xdead_beef_cafe_f00d); got != want {
		t.Errorf("Target() = %#x, want %#x", got, want)
	}
	if got, want := d.CS(), Selector(0x23); got != want {
		t.Errorf("CS() = %#x, want %#x", got, want)
	}
	if got, want := d.DPL(), 1; got != want {
		t.Errorf("DPL() = %d, want %d", got, want)
	}
	if got, want := d.IST(), 7; got != want {
		t.Errorf("IST() = %d, want %d", got, want)
	}
	if !d.Present() {
		t.Errorf("Present() = false, want true")
	}
	if got, want := d.Type(), GateInterrupt32; got != want {
		t.Errorf("Type() = %#x, want %#x", got, want)
	}
}

func TestGate64NotPresent(t *testing.T) {
	var g Gate64
	g.UnmarshalBytes(make([]byte, Gate64Size))
	if g.Present() {
		t.Errorf("zero gate reports present")
	}
}

func TestGate32Layout(t *testing.T) {
	var g Gate32
	g.SetInterrupt(0x10, 0x8765_4321, 3)

	var raw [Gate32Size]byte
	g.MarshalBytes(raw[:])

	if got, want := binary.LittleEndian.Uint16(raw[0:]), uint16(0x4321); got != want {
		t.Errorf("offset 15:0 = %#x, want %#x", got, want)
	}
	if got, want := binary.LittleEndian.Uint16(raw[2:]), uint16(0x10); got != want {
		t.Errorf("selector = %#x, want %#x", got, want)
	}
	if got := raw[4]; got != 0 {
		t.Errorf("reserved byte = %#x, want 0", got)
	}
	if got, want := raw[5], byte(0xEE); got != want {
		t.Errorf("type/attr = %#x, want %#x", got, want)
	}
	if got, want := binary.LittleEndian.Uint16(raw[6:]), uint16(0x8765); got != want {
		t.Errorf("offset 31:16 = %#x, want %#x", got, want)
	}

	var d Gate32
	d.UnmarshalBytes(raw[:])
	if got, want := d.Target(), uint32(0x8765_4321); got != want {
		t.Errorf("Target() = %#x, want %#x", got, want)
	}
	if got, want := d.CS(), Selector(0x10); got != want {
		t.Errorf("CS() = %#x, want %#x", got, want)
	}
}

func TestGate32TrapType(t *testing.T) {
	var g Gate32
	g.SetTrap(0x08, 0x2000, 0)
	if got, want := g.Type(), GateTrap32; got != want {
		t.Errorf("Type() = %#x, want %#x", got, want)
	}
	if got, want := g.DPL(), 0; got != want {
		t.Errorf("DPL() = %d, want %d", got, want)
	}
}
