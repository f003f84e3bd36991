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

// Descriptor type bits, as positions in the high word of the descriptor.
const (
	SegmentDescriptorAccess     = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite      = 1 << 9  // Write permission.
	SegmentDescriptorExpandDown = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute    = 1 << 11 // Execute permission.
	SegmentDescriptorSystem     = 1 << 12 // Zero => system, 1 => user code/data.
	SegmentDescriptorPresent    = 1 << 15 // Present.
	SegmentDescriptorAVL        = 1 << 20 // Available.
	SegmentDescriptorLong       = 1 << 21 // Long mode.
	SegmentDescriptorDB         = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG          = 1 << 23 // Granularity: page or byte.
)

// SegmentDescriptorSize is the size of a descriptor-table entry.
const SegmentDescriptorSize = 8

// SegmentDescriptor is a segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// Base returns the descriptor's base linear address.
func (d *SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size, in bytes, with granularity applied.
func (d *SegmentDescriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&SegmentDescriptorG != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Present returns the present bit.
func (d *SegmentDescriptor) Present() bool {
	return d.bits[1]&SegmentDescriptorPresent != 0
}

// DPL returns the descriptor privilege level.
func (d *SegmentDescriptor) DPL() int {
	return int(d.bits[1]>>13) & 3
}

// System returns true for system descriptors (TSS, LDT, gates). The S bit
// is confusingly inverted: set means an ordinary code or data segment.
func (d *SegmentDescriptor) System() bool {
	return d.bits[1]&SegmentDescriptorSystem == 0
}

// Executable returns true for code segments.
func (d *SegmentDescriptor) Executable() bool {
	return d.bits[1]&SegmentDescriptorExecute != 0
}

// Conforming returns the conforming bit of a code segment.
func (d *SegmentDescriptor) Conforming() bool {
	return d.bits[1]&SegmentDescriptorExpandDown != 0
}

// Writable returns the write bit of a data segment.
func (d *SegmentDescriptor) Writable() bool {
	return d.bits[1]&SegmentDescriptorWrite != 0
}

// Long returns the long mode bit.
func (d *SegmentDescriptor) Long() bool {
	return d.bits[1]&SegmentDescriptorLong != 0
}

// DB returns the default-operand-size bit.
func (d *SegmentDescriptor) DB() bool {
	return d.bits[1]&SegmentDescriptorDB != 0
}

// Type returns the raw four type bits.
func (d *SegmentDescriptor) Type() int {
	return int(d.bits[1]>>8) & 0xF
}

// Set sets the given segment with the given bits. The access, system and
// present bits are always set.
func (d *SegmentDescriptor) Set(base, limit uint32, bits int) {
	if limit>>12 != 0 {
		limit >>= 12
		bits |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 |
		base>>16&0xFF |
		limit&0x000F0000 |
		uint32(bits) |
		SegmentDescriptorAccess |
		SegmentDescriptorSystem |
		SegmentDescriptorPresent
}

// SetCode32 sets a 32-bit executable segment.
func (d *SegmentDescriptor) SetCode32(base, limit uint32, dpl int) {
	d.Set(base, limit,
		SegmentDescriptorDB|
			SegmentDescriptorExecute|
			dpl<<13)
}

// SetCode64 sets a 64-bit executable segment. Base and limit are ignored by
// the processor in long mode but kept for the benefit of table dumps.
func (d *SegmentDescriptor) SetCode64(base, limit uint32, dpl int) {
	d.Set(base, limit,
		SegmentDescriptorLong|
			SegmentDescriptorExecute|
			dpl<<13)
}

// SetData sets a writable data segment.
func (d *SegmentDescriptor) SetData(base, limit uint32, dpl int) {
	d.Set(base, limit,
		SegmentDescriptorDB|
			SegmentDescriptorWrite|
			dpl<<13)
}

// SizeBytes implements marshalling; a descriptor is 8 bytes.
func (d *SegmentDescriptor) SizeBytes() int {
	return SegmentDescriptorSize
}

// MarshalBytes writes the descriptor in its wire format.
func (d *SegmentDescriptor) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint32(dst, d.bits[0])
	binary.LittleEndian.PutUint32(dst[4:], d.bits[1])
}

// UnmarshalBytes loads the descriptor from its wire format.
func (d *SegmentDescriptor) UnmarshalBytes(src []byte) {
	d.bits[0] = binary.LittleEndian.Uint32(src)
	d.bits[1] = binary.LittleEndian.Uint32(src[4:])
}

// Segment is an unpacked segment register, the shape a hypervisor keeps in
// its shadow copy of the guest's segment caches. Descriptor fields are
// latched at load time; later edits to the table are not seen until the
// register is reloaded.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector Selector
	Type     uint8
	S        bool
	DPL      uint8
	Present  bool
	DB       bool
	L        bool
	G        bool
}

// CPL returns the privilege level encoded in the selector. Only meaningful
// for CS, where the RPL field is the current privilege level.
func (s *Segment) CPL() uint8 {
	return s.Selector.RPL()
}

// Segment unpacks the descriptor into a segment cache entry for sel.
func (d *SegmentDescriptor) Segment(sel Selector) Segment {
	return Segment{
		Base:     uint64(d.Base()),
		Limit:    d.Limit(),
		Selector: sel,
		Type:     uint8(d.Type()),
		S:        !d.System(),
		DPL:      uint8(d.DPL()),
		Present:  d.Present(),
		DB:       d.DB(),
		L:        d.Long(),
		G:        d.bits[1]&SegmentDescriptorG != 0,
	}
}
