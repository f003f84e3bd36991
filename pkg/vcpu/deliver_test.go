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

package vcpu_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wilsonzlin/aero-sub017/pkg/machine"
	"github.com/wilsonzlin/aero-sub017/pkg/vcpu"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// A software interrupt through a gate whose DPL admits the caller lands in
// the handler at the descriptor's privilege.
func TestSoftwareInterruptAllowed(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.SetUser()
	m.SetInterruptGate(0x40, machine.HandlerTarget(0x40), 3, 0)

	m.CPU.RaiseSoftwareInterrupt(0x40, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rip, machine.HandlerTarget(0x40); got != want {
		t.Errorf("Rip = %#x, want %#x", got, want)
	}
	if got := m.CPU.CPL(); got != 0 {
		t.Errorf("CPL after delivery = %d, want 0", got)
	}
	if got, want := m.CPU.CS.Selector, machine.KernelCS; got != want {
		t.Errorf("CS = %#x, want %#x", got, want)
	}
}

// INT n against a gate with DPL below the caller's CPL turns into #GP
// carrying the vector's IDT error code, and nothing lands on the caller's
// stack.
func TestSoftwareInterruptDPLDenied(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.SetUser()
	// Vector 0x41 keeps the default DPL 0 gate.
	ret := m.CPU.Regs.Rip + 2

	m.CPU.RaiseSoftwareInterrupt(0x41, ret)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rip, machine.HandlerTarget(x86.GeneralProtectionFault); got != want {
		t.Errorf("Rip = %#x, want #GP handler %#x", got, want)
	}

	// The #GP frame elevates to the kernel stack: error code plus the
	// usual five elements.
	f := frame(t, m, machine.KernelStackTop-48, 8, 6)
	if got, want := f[0], uint64(x86.IDTErrorCode(0x41, false)); got != want {
		t.Errorf("error code = %#x, want %#x", got, want)
	}
	if got, want := f[1], ret; got != want {
		t.Errorf("saved RIP = %#x, want %#x", got, want)
	}

	// Nothing was pushed on the user stack before the DPL check refused.
	for off := uint64(8); off <= 48; off += 8 {
		v, err := m.Mem.Read64(machine.UserStackTop - off)
		if err != nil {
			t.Fatalf("reading user stack: %v", err)
		}
		if v != 0 {
			t.Errorf("user stack byte written at top-%d: %#x", off, v)
		}
	}
}

// Gate DPL never filters hardware-originated events.
func TestExceptionIgnoresGateDPL(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.SetUser()
	// Default gates are DPL 0; a CPU fault from ring 3 still delivers.
	faultAddr := m.CPU.Regs.Rip

	m.CPU.RaiseException(x86.InvalidOpcode, faultAddr)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rip, machine.HandlerTarget(x86.InvalidOpcode); got != want {
		t.Errorf("Rip = %#x, want %#x", got, want)
	}
	// #UD has no error code: five elements only.
	f := frame(t, m, machine.KernelStackTop-40, 8, 5)
	if got, want := f[0], faultAddr; got != want {
		t.Errorf("saved RIP = %#x, want faulting instruction %#x", got, want)
	}
}

// Elevation to ring 0 in long mode loads a null SS and records the
// interrupted SS:RSP in the frame exactly.
func TestElevationSavesStack(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.SetUser()
	m.SetInterruptGate(0x30, machine.HandlerTarget(0x30), 3, 0)
	ret := m.CPU.Regs.Rip + 2
	userSP := m.CPU.Regs.Rsp
	userFlags := m.CPU.Regs.Rflags

	m.CPU.RaiseSoftwareInterrupt(0x30, ret)
	deliver(t, m)

	if got := m.CPU.SS.Selector; got != 0 {
		t.Errorf("SS after elevation = %#x, want null", got)
	}
	if got, want := m.CPU.Regs.Rsp, uint64(machine.KernelStackTop-40); got != want {
		t.Errorf("Rsp = %#x, want %#x", got, want)
	}
	want := []uint64{
		ret,
		uint64(machine.UserCS),
		userFlags,
		userSP,
		uint64(machine.UserDS),
	}
	got := frame(t, m, machine.KernelStackTop-40, 8, 5)
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", d)
	}
	if m.CPU.Regs.Rflags&x86.FlagIF != 0 {
		t.Errorf("IF still set after interrupt gate")
	}
}

// A non-zero IST slot overrides RSP0: the handler lands at IST top minus
// the frame, CS 0x08, SS null.
func TestISTOverride(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.SetUser()
	m.SetInterruptGate(0x30, machine.HandlerTarget(0x30), 3, 1)

	m.CPU.RaiseSoftwareInterrupt(0x30, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rsp, uint64(machine.IST1Top-40); got != want {
		t.Errorf("Rsp = %#x, want IST1 top - 40 = %#x", got, want)
	}
	if got, want := m.CPU.CS.Selector, x86.Selector(0x08); got != want {
		t.Errorf("CS = %#x, want %#x", got, want)
	}
	if got := m.CPU.SS.Selector; got != 0 {
		t.Errorf("SS = %#x, want null", got)
	}
}

// IST applies even without a privilege change.
func TestISTSameRing(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.SetInterruptGate(0x30, machine.HandlerTarget(0x30), 0, 2)
	oldSP := m.CPU.Regs.Rsp

	m.CPU.RaiseSoftwareInterrupt(0x30, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rsp, uint64(machine.IST2Top-40); got != want {
		t.Errorf("Rsp = %#x, want IST2 top - 40 = %#x", got, want)
	}
	f := frame(t, m, machine.IST2Top-40, 8, 5)
	if got := f[3]; got != oldSP {
		t.Errorf("saved RSP = %#x, want %#x", got, oldSP)
	}
}

// Same-ring delivery without IST keeps the interrupted stack.
func TestSameRingSameStack(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	oldSP := m.CPU.Regs.Rsp
	oldSS := m.CPU.SS

	m.CPU.RaiseSoftwareInterrupt(0x21, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rsp, oldSP-40; got != want {
		t.Errorf("Rsp = %#x, want %#x", got, want)
	}
	if d := cmp.Diff(oldSS, m.CPU.SS); d != "" {
		t.Errorf("SS changed on same-ring delivery (-before +after):\n%s", d)
	}
}

// A trap gate leaves IF alone; an interrupt gate clears it.
func TestTrapGateKeepsIF(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.SetTrapGate(0x21, machine.HandlerTarget(0x21), 0, 0)

	m.CPU.RaiseSoftwareInterrupt(0x21, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if m.CPU.Regs.Rflags&x86.FlagIF == 0 {
		t.Errorf("trap gate cleared IF")
	}
	if m.CPU.Regs.Rflags&x86.FlagTF != 0 {
		t.Errorf("TF survived delivery")
	}
}

// A vector whose gate lies beyond IDTR.limit raises #GP with the vector's
// IDT error code.
func TestIDTLimit(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.CPU.IDTR.Limit = 0x40*x86.Gate64Size - 1 // Vectors 0..0x3F only.

	m.CPU.RaiseSoftwareInterrupt(0x40, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rip, machine.HandlerTarget(x86.GeneralProtectionFault); got != want {
		t.Errorf("Rip = %#x, want #GP handler %#x", got, want)
	}
	f := frame(t, m, machine.KernelStackTop-48, 8, 6)
	if got, want := f[0], uint64(x86.IDTErrorCode(0x40, false)); got != want {
		t.Errorf("error code = %#x, want %#x", got, want)
	}
}

// A not-present gate behaves like a missing one.
func TestGateNotPresent(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.ClearGate(0x21)

	m.CPU.RaiseSoftwareInterrupt(0x21, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rip, machine.HandlerTarget(x86.GeneralProtectionFault); got != want {
		t.Errorf("Rip = %#x, want #GP handler %#x", got, want)
	}
}

// An external interrupt whose gate is broken delivers #GP with the EXT bit
// set in the error code.
func TestExternalInterruptEXT(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.ClearGate(0x50)

	m.CPU.RaiseExternalInterrupt(0x50, m.CPU.Regs.Rip)
	deliver(t, m)

	f := frame(t, m, machine.KernelStackTop-48, 8, 6)
	if got, want := f[0], uint64(x86.IDTErrorCode(0x50, true)); got != want {
		t.Errorf("error code = %#x, want %#x (EXT set)", got, want)
	}
	if f[0]&x86.ErrCodeEXT == 0 {
		t.Errorf("EXT bit clear in error code %#x", f[0])
	}
}

// Reading a gate on an unmapped IDT page raises #PF whose CR2 is the gate
// byte address, delivered through the (still mapped) #PF gate.
func TestUnmappedIDTPage(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)

	// Split the IDT across a page boundary: vectors 0..15 stay mapped,
	// the rest land on a page we unmap.
	const idtBase = 0x8F00
	writeGate := func(v x86.Vector, target uint64, ist int) {
		var g x86.Gate64
		g.SetInterrupt(machine.KernelCS, target, 0, ist)
		buf := make([]byte, x86.Gate64Size)
		g.MarshalBytes(buf)
		if err := m.Mem.Write(idtBase+uint64(v)*x86.Gate64Size, buf); err != nil {
			t.Fatalf("writing gate %v: %v", v, err)
		}
	}
	pfTarget := machine.HandlerTarget(x86.PageFault)
	writeGate(x86.PageFault, pfTarget, 1)
	m.CPU.IDTR = vcpu.TableRegister{Base: idtBase, Limit: x86.NumVectors*x86.Gate64Size - 1}
	m.Unmap(0x9000)

	ret := m.CPU.Regs.Rip + 2
	m.CPU.RaiseSoftwareInterrupt(0x40, ret)
	deliver(t, m)

	gateAddr := uint64(idtBase) + 0x40*x86.Gate64Size
	if got, want := m.CPU.CR2, gateAddr; got != want {
		t.Errorf("CR2 = %#x, want gate address %#x", got, want)
	}
	if got, want := m.CPU.Regs.Rip, pfTarget; got != want {
		t.Errorf("Rip = %#x, want #PF handler %#x", got, want)
	}
	// The #PF frame sits on IST1 and restarts the original event.
	f := frame(t, m, machine.IST1Top-48, 8, 6)
	if got := f[0]; got != 0 {
		t.Errorf("#PF error code = %#x, want 0 (not-present supervisor read)", got)
	}
	if got := f[1]; got != ret {
		t.Errorf("saved RIP = %#x, want %#x", got, ret)
	}
}

// A frame push that hits an unmapped stack page converts into #PF carrying
// the write bit, delivered on the #PF gate's IST, and the nested frame
// still names the original return point.
func TestFramePushFault(t *testing.T) {
	m := newMachine(t, vcpu.ModeLong)
	m.SetInterruptGate(x86.PageFault, machine.HandlerTarget(x86.PageFault), 0, 1)
	m.Unmap(machine.KernelStackTop - 0x1000) // Page under the stack top.

	ret := m.CPU.Regs.Rip + 2
	m.CPU.RaiseSoftwareInterrupt(0x21, ret)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rip, machine.HandlerTarget(x86.PageFault); got != want {
		t.Errorf("Rip = %#x, want #PF handler %#x", got, want)
	}
	if got, want := m.CPU.Regs.Rsp, uint64(machine.IST1Top-48); got != want {
		t.Errorf("Rsp = %#x, want %#x", got, want)
	}
	if got, want := m.CPU.CR2, uint64(machine.KernelStackTop-40); got != want {
		t.Errorf("CR2 = %#x, want first frame byte %#x", got, want)
	}
	f := frame(t, m, machine.IST1Top-48, 8, 6)
	if got, want := f[0], uint64(x86.PFErrWrite); got != want {
		t.Errorf("#PF error code = %#x, want %#x", got, want)
	}
	if got := f[1]; got != ret {
		t.Errorf("saved RIP = %#x, want original return %#x", got, ret)
	}
	if got, want := f[2], uint64(machine.KernelCS); got != want {
		t.Errorf("saved CS = %#x, want original %#x", got, want)
	}
}

// 32-bit same-ring delivery pushes all five dwords.
func TestProtectedDelivery(t *testing.T) {
	m := newMachine(t, vcpu.ModeProtected)
	ret := m.CPU.Regs.Rip + 2
	oldSP := m.CPU.Regs.Rsp
	oldFlags := m.CPU.Regs.Rflags

	m.CPU.RaiseSoftwareInterrupt(0x21, ret)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rsp, oldSP-20; got != want {
		t.Errorf("Rsp = %#x, want %#x", got, want)
	}
	want := []uint64{
		ret,
		uint64(machine.KernelCS),
		oldFlags,
		oldSP,
		uint64(machine.KernelDS),
	}
	got := frame(t, m, oldSP-20, 4, 5)
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", d)
	}
}

// 32-bit elevation switches to SS0:ESP0 from the TSS.
func TestProtectedElevation(t *testing.T) {
	m := newMachine(t, vcpu.ModeProtected)
	m.SetUser()
	m.SetInterruptGate(0x30, machine.HandlerTarget(0x30), 3, 0)
	userSP := m.CPU.Regs.Rsp

	m.CPU.RaiseSoftwareInterrupt(0x30, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.SS.Selector, machine.KernelDS; got != want {
		t.Errorf("SS = %#x, want %#x", got, want)
	}
	if got, want := m.CPU.Regs.Rsp, uint64(machine.KernelStackTop-20); got != want {
		t.Errorf("Rsp = %#x, want %#x", got, want)
	}
	f := frame(t, m, machine.KernelStackTop-20, 4, 5)
	if got := f[3]; got != userSP {
		t.Errorf("saved ESP = %#x, want %#x", got, userSP)
	}
	if got, want := f[4], uint64(machine.UserDS); got != want {
		t.Errorf("saved SS = %#x, want %#x", got, want)
	}
}

// Virtual-8086 delivery pushes the extended frame, nulls the data
// segments and enters ring 0 with VM cleared.
func TestV86Delivery(t *testing.T) {
	m := newMachine(t, vcpu.ModeVirtual8086)
	ret := m.CPU.Regs.Rip + 2
	oldFlags := m.CPU.Regs.Rflags
	oldSP := m.CPU.Regs.Rsp

	m.CPU.RaiseExternalInterrupt(0x21, ret)
	deliver(t, m)

	if got := m.CPU.Mode(); got != vcpu.ModeProtected {
		t.Errorf("mode after V86 delivery = %v, want protected", got)
	}
	if got := m.CPU.CPL(); got != 0 {
		t.Errorf("CPL = %d, want 0", got)
	}
	if got, want := m.CPU.Regs.Rsp, uint64(machine.KernelStackTop-36); got != want {
		t.Errorf("Rsp = %#x, want %#x", got, want)
	}
	for _, seg := range []struct {
		name string
		seg  x86.Segment
	}{
		{"DS", m.CPU.DS}, {"ES", m.CPU.ES}, {"FS", m.CPU.FS}, {"GS", m.CPU.GS},
	} {
		if seg.seg.Selector != 0 || seg.seg.Present {
			t.Errorf("%s not nulled after V86 delivery: %+v", seg.name, seg.seg)
		}
	}
	want := []uint64{
		ret,
		0x0100, // V86 CS paragraph.
		oldFlags,
		oldSP,
		0, // V86 SS paragraph.
		0x0400, 0x0400, 0x0400, 0x0400,
	}
	got := frame(t, m, machine.KernelStackTop-36, 4, 9)
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("extended frame mismatch (-want +got):\n%s", d)
	}
	if got[2]&x86.FlagVM == 0 {
		t.Errorf("saved EFLAGS image lost VM: %#x", got[2])
	}
}

// INT n from virtual-8086 with IOPL below 3 turns into #GP(0).
func TestV86SoftwareInterruptIOPL(t *testing.T) {
	m := newMachine(t, vcpu.ModeVirtual8086)
	m.CPU.Regs.Rflags &^= x86.FlagIOPL
	m.CPU.Resync(m.Bus)

	m.CPU.RaiseSoftwareInterrupt(0x21, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.Regs.Rip, machine.HandlerTarget(x86.GeneralProtectionFault); got != want {
		t.Errorf("Rip = %#x, want #GP handler %#x", got, want)
	}
	// Extended frame with a leading error code of zero.
	f := frame(t, m, machine.KernelStackTop-40, 4, 10)
	if got := f[0]; got != 0 {
		t.Errorf("error code = %#x, want 0", got)
	}
}

// Real-mode delivery vectors through the IVT with 16-bit pushes.
func TestRealModeDelivery(t *testing.T) {
	m := newMachine(t, vcpu.ModeReal)
	ret := m.CPU.Regs.Rip + 2
	oldFlags := m.CPU.Regs.Rflags

	m.CPU.RaiseSoftwareInterrupt(0x10, ret)
	deliver(t, m)

	if got, want := m.CPU.CS.Selector, x86.Selector(machine.RealHandlerCS); got != want {
		t.Errorf("CS = %#x, want %#x", got, want)
	}
	if got, want := m.CPU.CS.Base, uint64(machine.RealHandlerCS)<<4; got != want {
		t.Errorf("CS base = %#x, want %#x", got, want)
	}
	if got, want := m.CPU.Regs.Rip, uint64(machine.RealHandlerIP); got != want {
		t.Errorf("Rip = %#x, want %#x", got, want)
	}
	if got, want := m.CPU.Regs.Rsp, uint64(0x7000-6); got != want {
		t.Errorf("Rsp = %#x, want %#x", got, want)
	}
	want := []uint64{ret, 0, oldFlags & 0xFFFF}
	got := frame(t, m, 0x7000-6, 2, 3)
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("real frame mismatch (-want +got):\n%s", d)
	}
	if m.CPU.Regs.Rflags&(x86.FlagIF|x86.FlagTF) != 0 {
		t.Errorf("IF/TF not cleared: %#x", m.CPU.Regs.Rflags)
	}
}

// A vector past the real-mode IDTR limit becomes #GP, itself delivered
// through the IVT.
func TestRealModeIVTLimit(t *testing.T) {
	m := newMachine(t, vcpu.ModeReal)
	m.CPU.IDTR.Limit = 0x3F // Vectors 0..15.
	m.SetIVT(x86.GeneralProtectionFault, 0x0900, 0x0042)

	m.CPU.RaiseSoftwareInterrupt(0x20, m.CPU.Regs.Rip+2)
	deliver(t, m)

	if got, want := m.CPU.CS.Selector, x86.Selector(0x0900); got != want {
		t.Errorf("CS = %#x, want #GP IVT target %#x", got, want)
	}
	if got, want := m.CPU.Regs.Rip, uint64(0x0042); got != want {
		t.Errorf("Rip = %#x, want %#x", got, want)
	}
}
