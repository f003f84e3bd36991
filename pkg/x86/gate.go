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

import "encoding/binary"

// Gate descriptor types (the low four bits of the type/attribute byte).
const (
	GateTask        = 0x5
	GateInterrupt16 = 0x6
	GateTrap16      = 0x7
	GateInterrupt32 = 0xE
	GateTrap32      = 0xF
)

// Gate64 is a long mode IDT entry.
type Gate64 struct {
	bits [4]uint32
}

// Gate64Size is the size of a long mode IDT entry.
const Gate64Size = 16

// SetInterrupt sets an interrupt gate. Delivery through it clears IF.
func (g *Gate64) SetInterrupt(cs Selector, rip uint64, dpl int, ist int) {
	g.bits[0] = uint32(cs)<<16 | uint32(rip)&0xFFFF
	g.bits[1] = uint32(rip)&0xFFFF0000 | SegmentDescriptorPresent | uint32(dpl)<<13 | GateInterrupt32<<8 | uint32(ist)&0x7
	g.bits[2] = uint32(rip >> 32)
	g.bits[3] = 0 // Reserved.
}

// SetTrap sets a trap gate. Delivery through it leaves IF alone.
func (g *Gate64) SetTrap(cs Selector, rip uint64, dpl int, ist int) {
	g.SetInterrupt(cs, rip, dpl, ist)
	g.bits[1] |= 1 << 8 // Set the trap bit.
}

// Target returns the 64-bit entry point.
func (g *Gate64) Target() uint64 {
	return uint64(g.bits[2])<<32 | uint64(g.bits[1]&0xFFFF0000) | uint64(g.bits[0]&0xFFFF)
}

// CS returns the code segment selector.
func (g *Gate64) CS() Selector {
	return Selector(g.bits[0] >> 16)
}

// Present returns the present bit.
func (g *Gate64) Present() bool {
	return g.bits[1]&SegmentDescriptorPresent != 0
}

// DPL returns the gate's descriptor privilege level.
func (g *Gate64) DPL() int {
	return int(g.bits[1]>>13) & 3
}

// IST returns the interrupt stack table slot, zero if unused.
func (g *Gate64) IST() int {
	return int(g.bits[1] & 0x7)
}

// Type returns the gate type bits.
func (g *Gate64) Type() int {
	return int(g.bits[1]>>8) & 0xF
}

// SizeBytes implements marshalling; a long mode gate is 16 bytes.
func (g *Gate64) SizeBytes() int {
	return Gate64Size
}

// MarshalBytes writes the gate in its wire format.
func (g *Gate64) MarshalBytes(dst []byte) {
	for i, b := range g.bits {
		binary.LittleEndian.PutUint32(dst[4*i:], b)
	}
}

// UnmarshalBytes loads the gate from its wire format.
func (g *Gate64) UnmarshalBytes(src []byte) {
	for i := range g.bits {
		g.bits[i] = binary.LittleEndian.Uint32(src[4*i:])
	}
}

// Gate32 is a legacy protected mode IDT entry.
type Gate32 struct {
	bits [2]uint32
}

// Gate32Size is the size of a legacy IDT entry.
const Gate32Size = 8

// SetInterrupt sets a 32-bit interrupt gate.
func (g *Gate32) SetInterrupt(cs Selector, eip uint32, dpl int) {
	g.bits[0] = uint32(cs)<<16 | eip&0xFFFF
	g.bits[1] = eip&0xFFFF0000 | SegmentDescriptorPresent | uint32(dpl)<<13 | GateInterrupt32<<8
}

// SetTrap sets a 32-bit trap gate.
func (g *Gate32) SetTrap(cs Selector, eip uint32, dpl int) {
	g.SetInterrupt(cs, eip, dpl)
	g.bits[1] |= 1 << 8 // Set the trap bit.
}

// Target returns the 32-bit entry point.
func (g *Gate32) Target() uint32 {
	return g.bits[1]&0xFFFF0000 | g.bits[0]&0xFFFF
}

// CS returns the code segment selector.
func (g *Gate32) CS() Selector {
	return Selector(g.bits[0] >> 16)
}

// Present returns the present bit.
func (g *Gate32) Present() bool {
	return g.bits[1]&SegmentDescriptorPresent != 0
}

// DPL returns the gate's descriptor privilege level.
func (g *Gate32) DPL() int {
	return int(g.bits[1]>>13) & 3
}

// Type returns the gate type bits.
func (g *Gate32) Type() int {
	return int(g.bits[1]>>8) & 0xF
}

// SizeBytes implements marshalling; a legacy gate is 8 bytes.
func (g *Gate32) SizeBytes() int {
	return Gate32Size
}

// MarshalBytes writes the gate in its wire format.
func (g *Gate32) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst, g.bits[0])
	binary.LittleEndian.PutUint32(dst[4:], g.bits[1])
}

// UnmarshalBytes loads the gate from its wire format.
func (g *Gate32) UnmarshalBytes(src []byte) {
	g.bits[0] = binary.LittleEndian.Uint32(src)
	g.bits[1] = binary.LittleEndian.Uint32(src[4:])
}
