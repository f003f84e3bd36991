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

package machine

import (
	"fmt"

	"github.com/wilsonzlin/aero-sub017/pkg/guestmem"
	"github.com/wilsonzlin/aero-sub017/pkg/vcpu"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// Page-table entry bits written by the builder.
const (
	entryPresent  = uint64(1) << 0
	entryWritable = uint64(1) << 1
	entryUser     = uint64(1) << 2
)

// The fixed layout keeps every table inside RAM, so a failed write is a
// builder bug, not a runtime condition.
func (m *Machine) write(pa uint64, p []byte) {
	if err := m.Mem.Write(pa, p); err != nil {
		panic(fmt.Sprintf("table write at %#x: %v", pa, err))
	}
}

func (m *Machine) write16(pa uint64, v uint16) {
	if err := m.Mem.Write16(pa, v); err != nil {
		panic(fmt.Sprintf("table write at %#x: %v", pa, err))
	}
}

func (m *Machine) write32(pa uint64, v uint32) {
	if err := m.Mem.Write32(pa, v); err != nil {
		panic(fmt.Sprintf("table write at %#x: %v", pa, err))
	}
}

func (m *Machine) write64(pa uint64, v uint64) {
	if err := m.Mem.Write64(pa, v); err != nil {
		panic(fmt.Sprintf("table write at %#x: %v", pa, err))
	}
}

func (m *Machine) buildLong() {
	m.buildGDT(true)
	for v := 0; v < x86.NumVectors; v++ {
		m.SetGate(x86.Vector(v), KernelCS, HandlerTarget(x86.Vector(v)), 0, 0, false)
	}
	m.buildTSS64()

	// Identity map: one 4KiB page table under a single PML4/PDPT/PD
	// spine. Intermediate levels stay wide open; the leaves carry the
	// real permissions.
	all := entryPresent | entryWritable | entryUser
	m.write64(PML4Base, PDPTBase|all)
	m.write64(PDPTBase, PDBase|all)
	m.write64(PDBase, PTBase|all)
	for pfn := uint64(0); pfn < MemorySize/guestmem.PageSize; pfn++ {
		pa := pfn * guestmem.PageSize
		flags := entryPresent | entryWritable
		if pa < SupervisorStart || pa >= SupervisorEnd {
			flags |= entryUser
		}
		m.write64(PTBase+pfn*8, pa|flags)
	}
}

func (m *Machine) buildProtected() {
	m.buildGDT(false)
	for v := 0; v < x86.NumVectors; v++ {
		m.SetGate(x86.Vector(v), KernelCS, HandlerTarget(x86.Vector(v)), 0, 0, false)
	}
	m.buildTSS32()

	// Legacy two-level identity map; one page table covers all of RAM.
	m.write32(PDBase, uint32(PTBase|entryPresent|entryWritable|entryUser))
	for pfn := uint64(0); pfn < MemorySize/guestmem.PageSize; pfn++ {
		pa := pfn * guestmem.PageSize
		flags := entryPresent | entryWritable
		if pa < SupervisorStart || pa >= SupervisorEnd {
			flags |= entryUser
		}
		m.write32(PTBase+pfn*4, uint32(pa|flags))
	}
}

func (m *Machine) buildGDT(long bool) {
	var code, data, ucode, udata x86.SegmentDescriptor
	if long {
		code.SetCode64(0, 0xFFFF_FFFF, 0)
		ucode.SetCode64(0, 0xFFFF_FFFF, 3)
	} else {
		code.SetCode32(0, 0xFFFF_FFFF, 0)
		ucode.SetCode32(0, 0xFFFF_FFFF, 3)
	}
	data.SetData(0, 0xFFFF_FFFF, 0)
	udata.SetData(0, 0xFFFF_FFFF, 3)
	m.SetDescriptor(KernelCS, &code)
	m.SetDescriptor(KernelDS, &data)
	m.SetDescriptor(UserCS, &ucode)
	m.SetDescriptor(UserDS, &udata)
}

func (m *Machine) buildTSS64() {
	var ts x86.TaskState64
	ts.SetRSP(0, KernelStackTop)
	ts.SetIST(1, IST1Top)
	ts.SetIST(2, IST2Top)
	ts.SetIOPort(x86.TSS64Size) // No I/O bitmap.
	buf := make([]byte, ts.SizeBytes())
	ts.MarshalBytes(buf)
	m.write(TSSBase, buf)
}

func (m *Machine) buildTSS32() {
	var ts x86.TaskState32
	ts.SetStack(0, KernelDS, KernelStackTop)
	buf := make([]byte, ts.SizeBytes())
	ts.MarshalBytes(buf)
	m.write(TSSBase, buf)
}

func (m *Machine) buildIVT() {
	for v := 0; v < x86.NumVectors; v++ {
		m.SetIVT(x86.Vector(v), RealHandlerCS, RealHandlerIP)
	}
}

// SetDescriptor writes a GDT entry.
func (m *Machine) SetDescriptor(sel x86.Selector, d *x86.SegmentDescriptor) {
	var buf [x86.SegmentDescriptorSize]byte
	d.MarshalBytes(buf[:])
	m.write(GDTBase+uint64(sel.Index())*x86.SegmentDescriptorSize, buf[:])
}

// Descriptor reads a GDT entry back.
func (m *Machine) Descriptor(sel x86.Selector) *x86.SegmentDescriptor {
	buf := make([]byte, x86.SegmentDescriptorSize)
	if err := m.Mem.Read(GDTBase+uint64(sel.Index())*x86.SegmentDescriptorSize, buf); err != nil {
		panic(fmt.Sprintf("descriptor read %v: %v", sel, err))
	}
	var d x86.SegmentDescriptor
	d.UnmarshalBytes(buf)
	return &d
}

// SetGate writes vector's IDT entry at the machine's gate width.
func (m *Machine) SetGate(v x86.Vector, cs x86.Selector, target uint64, dpl, ist int, trap bool) {
	if m.mode == vcpu.ModeLong {
		var g x86.Gate64
		if trap {
			g.SetTrap(cs, target, dpl, ist)
		} else {
			g.SetInterrupt(cs, target, dpl, ist)
		}
		var buf [x86.Gate64Size]byte
		g.MarshalBytes(buf[:])
		m.write(IDTBase+uint64(v)*x86.Gate64Size, buf[:])
		return
	}
	var g x86.Gate32
	if trap {
		g.SetTrap(cs, uint32(target), dpl)
	} else {
		g.SetInterrupt(cs, uint32(target), dpl)
	}
	var buf [x86.Gate32Size]byte
	g.MarshalBytes(buf[:])
	m.write(IDTBase+uint64(v)*x86.Gate32Size, buf[:])
}

// SetInterruptGate points vector at a kernel-code interrupt gate.
func (m *Machine) SetInterruptGate(v x86.Vector, target uint64, dpl, ist int) {
	m.SetGate(v, KernelCS, target, dpl, ist, false)
}

// SetTrapGate points vector at a kernel-code trap gate.
func (m *Machine) SetTrapGate(v x86.Vector, target uint64, dpl, ist int) {
	m.SetGate(v, KernelCS, target, dpl, ist, true)
}

// ClearGate zeroes vector's IDT entry, leaving it not-present.
func (m *Machine) ClearGate(v x86.Vector) {
	size := uint64(x86.Gate32Size)
	if m.mode == vcpu.ModeLong {
		size = x86.Gate64Size
	}
	m.write(IDTBase+uint64(v)*size, make([]byte, size))
}

// SetIVT writes a real-mode vector as offset then segment.
func (m *Machine) SetIVT(v x86.Vector, cs x86.Selector, ip uint16) {
	m.write16(uint64(v)*4, ip)
	m.write16(uint64(v)*4+2, uint16(cs))
}

// Unmap clears the leaf mapping for la's page; accesses fault not-present.
func (m *Machine) Unmap(la uint64) {
	m.setLeaf(la, 0)
}

// MapPage restores la's identity mapping with the given access bits.
func (m *Machine) MapPage(la uint64, user, writable bool) {
	flags := entryPresent
	if writable {
		flags |= entryWritable
	}
	if user {
		flags |= entryUser
	}
	m.setLeaf(la, la&^uint64(guestmem.PageSize-1)|flags)
}

// RemapPage points la's page at an arbitrary physical page, wide open.
// The physical side may lie beyond RAM; the translation then succeeds and
// the backing access fails on the host side.
func (m *Machine) RemapPage(la, pa uint64) {
	m.setLeaf(la, pa&^uint64(guestmem.PageSize-1)|entryPresent|entryWritable|entryUser)
}

func (m *Machine) setLeaf(la, entry uint64) {
	pfn := la / guestmem.PageSize
	if m.mode == vcpu.ModeLong {
		m.write64(PTBase+pfn*8, entry)
		return
	}
	m.write32(PTBase+pfn*4, uint32(entry))
}
