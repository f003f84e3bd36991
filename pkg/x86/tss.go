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

// Field offsets within the task-state segment. The delivery engine reads
// these fields straight out of guest memory on every privilege change, so
// the offsets are part of the guest ABI rather than an internal layout.
const (
	// TSS64RSP0 is the offset of the ring 0 stack pointer in a 64-bit TSS.
	TSS64RSP0 = 4

	// TSS64IST1 is the offset of the first interrupt stack table slot in a
	// 64-bit TSS. Slots 2..7 follow at 8-byte strides.
	TSS64IST1 = 0x24

	// TSS64Size is the architectural size of a 64-bit TSS.
	TSS64Size = 104

	// TSS32ESP0 and TSS32SS0 are the ring 0 stack fields of a 32-bit TSS.
	TSS32ESP0 = 4
	TSS32SS0  = 8

	// TSS32Size is the architectural size of a 32-bit TSS, without an I/O
	// permission bitmap.
	TSS32Size = 104
)

// TSS64ISTOffset returns the offset of IST slot n (1..7) in a 64-bit TSS.
func TSS64ISTOffset(n int) uint64 {
	return TSS64IST1 + uint64(n-1)*8
}

// TaskState64 is a 64-bit task-state segment, as written into guest memory
// by the fixture builder. Only the stack pointers carry state; the processor
// ignores the rest in long mode.
type TaskState64 struct {
	rsp [3]uint64
	ist [7]uint64

	// ioPort is the offset of the I/O permission bitmap, or a value past
	// the segment limit to disable it.
	ioPort uint16
}

// SetRSP sets the stack pointer for rings 0..2.
func (t *TaskState64) SetRSP(ring int, sp uint64) {
	t.rsp[ring] = sp
}

// RSP returns the stack pointer for rings 0..2.
func (t *TaskState64) RSP(ring int) uint64 {
	return t.rsp[ring]
}

// SetIST sets interrupt stack table slot n (1..7).
func (t *TaskState64) SetIST(n int, sp uint64) {
	t.ist[n-1] = sp
}

// IST returns interrupt stack table slot n (1..7).
func (t *TaskState64) IST(n int) uint64 {
	return t.ist[n-1]
}

// SetIOPort sets the I/O permission bitmap offset.
func (t *TaskState64) SetIOPort(off uint16) {
	t.ioPort = off
}

// SizeBytes implements marshalling.
func (t *TaskState64) SizeBytes() int {
	return TSS64Size
}

// MarshalBytes writes the TSS in its architectural layout.
func (t *TaskState64) MarshalBytes(dst []byte) {
	for i := range dst[:TSS64Size] {
		dst[i] = 0
	}
	for i, sp := range t.rsp {
		binary.LittleEndian.PutUint64(dst[TSS64RSP0+8*i:], sp)
	}
	for i, sp := range t.ist {
		binary.LittleEndian.PutUint64(dst[TSS64IST1+8*i:], sp)
	}
	binary.LittleEndian.PutUint16(dst[102:], t.ioPort)
}

// UnmarshalBytes loads the TSS from its architectural layout.
func (t *TaskState64) UnmarshalBytes(src []byte) {
	for i := range t.rsp {
		t.rsp[i] = binary.LittleEndian.Uint64(src[TSS64RSP0+8*i:])
	}
	for i := range t.ist {
		t.ist[i] = binary.LittleEndian.Uint64(src[TSS64IST1+8*i:])
	}
	t.ioPort = binary.LittleEndian.Uint16(src[102:])
}

// TaskState32 is a legacy 32-bit task-state segment. The delivery engine
// only ever reads the ring stack fields; the register save area exists for
// hardware task switching, which we do not implement.
type TaskState32 struct {
	esp [3]uint32
	ss  [3]Selector
}

// SetStack sets the stack for rings 0..2.
func (t *TaskState32) SetStack(ring int, ss Selector, esp uint32) {
	t.ss[ring] = ss
	t.esp[ring] = esp
}

// Stack returns the stack for rings 0..2.
func (t *TaskState32) Stack(ring int) (Selector, uint32) {
	return t.ss[ring], t.esp[ring]
}

// SizeBytes implements marshalling.
func (t *TaskState32) SizeBytes() int {
	return TSS32Size
}

// MarshalBytes writes the TSS in its architectural layout.
func (t *TaskState32) MarshalBytes(dst []byte) {
	for i := range dst[:TSS32Size] {
		dst[i] = 0
	}
	for i := range t.esp {
		binary.LittleEndian.PutUint32(dst[TSS32ESP0+8*i:], t.esp[i])
		binary.LittleEndian.PutUint16(dst[TSS32SS0+8*i:], uint16(t.ss[i]))
	}
	// I/O bitmap base past the limit, no bitmap.
	binary.LittleEndian.PutUint16(dst[102:], TSS32Size)
}

// UnmarshalBytes loads the TSS from its architectural layout.
func (t *TaskState32) UnmarshalBytes(src []byte) {
	for i := range t.esp {
		t.esp[i] = binary.LittleEndian.Uint32(src[TSS32ESP0+8*i:])
		t.ss[i] = Selector(binary.LittleEndian.Uint16(src[TSS32SS0+8*i:]))
	}
}
