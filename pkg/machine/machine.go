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

// Package machine assembles synthetic guests: RAM with descriptor tables,
// task state and identity page tables already written, and a CPU wired to
// a translation bus, seeded for a chosen operating mode. The vcpu tests
// and the aerocpu CLI build their fixtures here instead of hand-rolling
// table bytes.
//
// The layout is fixed and identity mapped. Everything is guest-writable
// except the band holding the kernel and IST stacks, which stays
// supervisor-only so privilege checks have something to bite on.
package machine

import (
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/mohae/deepcopy"

	"github.com/wilsonzlin/aero-sub017/pkg/guestmem"
	"github.com/wilsonzlin/aero-sub017/pkg/paging"
	"github.com/wilsonzlin/aero-sub017/pkg/vcpu"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// Physical layout. RAM is 2MiB, covered by a single page table level at
// 4KiB granularity, mapped linear == physical.
const (
	MemorySize = 0x20_0000

	GDTBase  = 0x1000
	IDTBase  = 0x2000
	TSSBase  = 0x3000
	PML4Base = 0x4000
	PDPTBase = 0x5000
	PDBase   = 0x6000
	PTBase   = 0x7000

	// SupervisorStart..SupervisorEnd is mapped without the user bit.
	SupervisorStart = 0x1_0000
	SupervisorEnd   = 0x3_0000

	KernelStackTop = 0x2_0000
	IST1Top        = 0x2_4000
	IST2Top        = 0x2_6000
	UserStackTop   = 0x4_0000

	// KernelEntry and UserEntry seed RIP; HandlerBase anchors the gate
	// targets. Nothing is ever fetched from them.
	KernelEntry = 0x10_0000
	HandlerBase = 0x11_0000
	UserEntry   = 0x12_0000
)

// GDT selectors. The code and data descriptors are 64 or 32-bit flavors
// depending on the machine's mode; the selectors do not move.
const (
	KernelCS    x86.Selector = 0x08
	KernelDS    x86.Selector = 0x10
	UserCS      x86.Selector = 0x18 | 3
	UserDS      x86.Selector = 0x20 | 3
	TSSSelector x86.Selector = 0x28
)

// Real-mode IVT target, segment:offset.
const (
	RealHandlerCS = 0x0800
	RealHandlerIP = 0x0100
)

// HandlerTarget returns the entry point the default IDT assigns to a
// vector. Distinct per vector so tests can tell deliveries apart.
func HandlerTarget(v x86.Vector) uint64 {
	return HandlerBase + uint64(v)*16
}

// Machine is a synthetic guest: memory, translation bus and one CPU.
type Machine struct {
	Mem *guestmem.Memory
	Bus *paging.Bus
	CPU *vcpu.CPU

	mode vcpu.Mode
}

// New builds a machine seeded for the given mode: tables written, paging
// live (except real mode), CPU at the kernel entry point with interrupts
// enabled, bus cache synced.
func New(mode vcpu.Mode) (*Machine, error) {
	mem, err := guestmem.New(MemorySize)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		Mem:  mem,
		Bus:  paging.NewBus(mem),
		CPU:  vcpu.New(),
		mode: mode,
	}
	switch mode {
	case vcpu.ModeReal:
		m.seedReal()
	case vcpu.ModeProtected:
		m.buildProtected()
		m.seedProtected()
	case vcpu.ModeVirtual8086:
		m.buildProtected()
		m.seedV86()
	case vcpu.ModeLong:
		m.buildLong()
		m.seedLong()
	default:
		mem.Close()
		return nil, fmt.Errorf("unknown mode %v", mode)
	}
	m.CPU.Resync(m.Bus)
	return m, nil
}

// Close releases guest memory.
func (m *Machine) Close() error {
	return m.Mem.Close()
}

// Mode returns the mode the machine was built for.
func (m *Machine) Mode() vcpu.Mode {
	return m.mode
}

func (m *Machine) seedLong() {
	c := m.CPU
	c.CR0 = x86.CR0PE | x86.CR0PG | x86.CR0WP | x86.CR0ET
	c.CR3 = PML4Base
	c.CR4 = x86.CR4PAE
	c.EFER = x86.EFERLME | x86.EFERLMA | x86.EFERNX | x86.EFERSCE
	c.CS = m.Descriptor(KernelCS).Segment(KernelCS)
	c.SS = m.Descriptor(KernelDS).Segment(KernelDS)
	c.Regs.Rip = KernelEntry
	c.Regs.Rsp = KernelStackTop
	c.Regs.Rflags = x86.FlagReserved | x86.FlagIF
	c.GDTR = vcpu.TableRegister{Base: GDTBase, Limit: 0xFF}
	c.IDTR = vcpu.TableRegister{Base: IDTBase, Limit: x86.NumVectors*x86.Gate64Size - 1}
	c.TR = x86.Segment{
		Selector: TSSSelector,
		Base:     TSSBase,
		Limit:    x86.TSS64Size - 1,
		Type:     0xB, // Busy 64-bit TSS.
		Present:  true,
	}
}

func (m *Machine) seedProtected() {
	c := m.CPU
	c.CR0 = x86.CR0PE | x86.CR0PG | x86.CR0WP | x86.CR0ET
	c.CR3 = PDBase
	c.CS = m.Descriptor(KernelCS).Segment(KernelCS)
	c.SS = m.Descriptor(KernelDS).Segment(KernelDS)
	c.DS = m.Descriptor(KernelDS).Segment(KernelDS)
	c.Regs.Rip = KernelEntry
	c.Regs.Rsp = KernelStackTop
	c.Regs.Rflags = x86.FlagReserved | x86.FlagIF
	c.GDTR = vcpu.TableRegister{Base: GDTBase, Limit: 0xFF}
	c.IDTR = vcpu.TableRegister{Base: IDTBase, Limit: x86.NumVectors*x86.Gate32Size - 1}
	c.TR = x86.Segment{
		Selector: TSSSelector,
		Base:     TSSBase,
		Limit:    x86.TSS32Size - 1,
		Type:     0xB, // Busy 32-bit TSS.
		Present:  true,
	}
}

func (m *Machine) seedV86() {
	m.seedProtected()
	c := m.CPU
	// An 8086 register file under a protected-mode monitor. IOPL 3 keeps
	// INT n and IRET unprivileged; tests lower it to probe the traps.
	c.Regs.Rflags = x86.FlagReserved | x86.FlagIF | x86.FlagVM | x86.FlagIOPL
	c.CS = RealSegment(0x0100)
	c.SS = RealSegment(0)
	c.DS = RealSegment(0x0400)
	c.ES = RealSegment(0x0400)
	c.FS = RealSegment(0x0400)
	c.GS = RealSegment(0x0400)
	c.Regs.Rip = 0x20
	c.Regs.Rsp = 0x8000
}

func (m *Machine) seedReal() {
	m.buildIVT()
	c := m.CPU
	c.CS = RealSegment(0)
	c.SS = RealSegment(0)
	c.DS = RealSegment(0)
	c.Regs.Rip = 0x7C00
	c.Regs.Rsp = 0x7000
	c.Regs.Rflags = x86.FlagReserved | x86.FlagIF
}

// RealSegment builds the segment cache a real-mode selector load produces.
func RealSegment(sel x86.Selector) x86.Segment {
	return x86.Segment{
		Selector: sel,
		Base:     uint64(sel) << 4,
		Limit:    0xFFFF,
		Type:     0x3,
		S:        true,
		Present:  true,
	}
}

// SetUser drops the CPU to ring 3 on the user code and stack segments.
func (m *Machine) SetUser() {
	c := m.CPU
	c.CS = m.Descriptor(UserCS).Segment(UserCS)
	c.SS = m.Descriptor(UserDS).Segment(UserDS)
	c.Regs.Rip = UserEntry
	c.Regs.Rsp = UserStackTop
	c.Resync(m.Bus)
}

// Snapshot deep-copies the CPU state.
func (m *Machine) Snapshot() *vcpu.CPU {
	return deepcopy.Copy(m.CPU).(*vcpu.CPU)
}

// Diff renders the architectural state changes from old to cur, empty if
// none. Unexported delivery bookkeeping is not compared.
func Diff(old, cur *vcpu.CPU) string {
	return cmp.Diff(old, cur, cmpopts.IgnoreUnexported(vcpu.CPU{}))
}

// Frame reads n stack elements of the given byte width upward from la,
// through the bus with the current cached privilege.
func (m *Machine) Frame(la uint64, width, n int) ([]uint64, error) {
	out := make([]uint64, n)
	for i := range out {
		addr := la + uint64(i*width)
		var v uint64
		var err error
		switch width {
		case 2:
			var v16 uint16
			v16, err = m.Bus.Read16(addr)
			v = uint64(v16)
		case 4:
			var v32 uint32
			v32, err = m.Bus.Read32(addr)
			v = uint64(v32)
		default:
			v, err = m.Bus.Read64(addr)
		}
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
