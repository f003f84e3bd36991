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

// Package vcpu holds the architectural state of one logical CPU and the
// event-delivery machinery around it: raising exceptions and interrupts,
// delivering the pending event through the guest's descriptor tables with
// privilege and stack transitions, escalating faults that strike during
// delivery, and returning with IRET.
//
// The instruction interpreter and device models live elsewhere; they drive
// this package through the Raise* producers, Deliver and IRET.
package vcpu

import (
	"fmt"

	"github.com/wilsonzlin/aero-sub017/pkg/paging"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// Registers is the general register file. Delivery only touches Rsp, Rip
// and Rflags; the rest ride along so snapshots carry the whole machine.
type Registers struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rbp    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
}

// TableRegister is GDTR or IDTR.
type TableRegister struct {
	Base  uint64
	Limit uint16
}

// Mode is the operating mode, derived from control state rather than stored.
type Mode int

const (
	// ModeReal: CR0.PE clear. Vectors live in the IVT, frames are 16-bit.
	ModeReal Mode = iota

	// ModeVirtual8086: protected mode with RFLAGS.VM set. Executes like
	// real mode but delivers through the IDT with the extended frame.
	ModeVirtual8086

	// ModeProtected: legacy protected mode, 8-byte gates, 32-bit frames.
	ModeProtected

	// ModeLong: EFER.LMA set, 16-byte gates, 64-bit frames. Compatibility
	// sub-modes share this delivery path.
	ModeLong
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeVirtual8086:
		return "v8086"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// CPU is the architectural state of one logical CPU. It is exclusively
// owned by its execution loop; nothing here locks.
type CPU struct {
	Regs Registers

	// Segment registers with their hidden descriptor caches.
	CS x86.Segment
	SS x86.Segment
	DS x86.Segment
	ES x86.Segment
	FS x86.Segment
	GS x86.Segment

	// TR is the task register; its cached base/limit locate the TSS.
	TR x86.Segment

	GDTR TableRegister
	IDTR TableRegister

	CR0  uint64
	CR2  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64

	// pending is the single in-flight event slot.
	pending *Event

	state deliveryState
}

// New returns a CPU in the architectural reset state: real mode, vectors at
// the start of memory, execution at the top of the first megabyte.
func New() *CPU {
	return &CPU{
		Regs: Registers{
			Rip:    0xFFF0,
			Rflags: x86.FlagReserved,
		},
		CS: x86.Segment{
			Selector: 0xF000,
			Base:     0xF_0000,
			Limit:    0xFFFF,
			Present:  true,
		},
		GDTR: TableRegister{Limit: 0xFFFF},
		IDTR: TableRegister{Limit: 0x3FF},
		CR0:  0x6000_0010,
	}
}

// Mode derives the operating mode from CR0, EFER and RFLAGS.
func (c *CPU) Mode() Mode {
	switch {
	case c.CR0&x86.CR0PE == 0:
		return ModeReal
	case c.Regs.Rflags&x86.FlagVM != 0:
		return ModeVirtual8086
	case c.EFER&x86.EFERLMA != 0:
		return ModeLong
	default:
		return ModeProtected
	}
}

// CPL returns the current privilege level: 0 in real mode, 3 in
// virtual-8086 mode, and the low bits of CS everywhere else.
func (c *CPU) CPL() uint8 {
	switch c.Mode() {
	case ModeReal:
		return 0
	case ModeVirtual8086:
		return 3
	default:
		return c.CS.Selector.RPL()
	}
}

// ControlState assembles the snapshot the translation bus caches.
func (c *CPU) ControlState() paging.ControlState {
	return paging.ControlState{
		CR3:  c.CR3,
		CR0:  c.CR0,
		CR4:  c.CR4,
		EFER: c.EFER,
		CPL:  c.CPL(),
	}
}

// Resync pushes the current control state into the bus cache. The delivery
// and IRET sequences call this at their architecturally fixed points; the
// execution loop must call it itself after mutating CR0/CR3/CR4/EFER or
// loading CS outside of delivery.
func (c *CPU) Resync(b *paging.Bus) {
	b.Resync(c.ControlState())
}

// setRealSegment loads a segment register real-mode style: the selector is
// a paragraph number and the cache follows arithmetically.
func setRealSegment(seg *x86.Segment, sel x86.Selector) {
	*seg = x86.Segment{
		Selector: sel,
		Base:     uint64(sel) << 4,
		Limit:    0xFFFF,
		Type:     0x3, // Read/write data, accessed.
		S:        true,
		Present:  true,
	}
}
