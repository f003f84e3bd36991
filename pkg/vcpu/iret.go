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

package vcpu

import (
	"errors"

	"github.com/wilsonzlin/aero-sub017/pkg/paging"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// ErrFaulted is returned when IRET could not complete and raised a fault
// instead. The caller delivers the now-pending event; no return state was
// committed.
var ErrFaulted = errors.New("faulted")

// flagsMask16 is the set of 16-bit flags IRET restores in real mode.
const flagsMask16 = x86.FlagCF | x86.FlagPF | x86.FlagAF | x86.FlagZF | x86.FlagSF |
	x86.FlagTF | x86.FlagIF | x86.FlagDF | x86.FlagOF | x86.FlagIOPL | x86.FlagNT

// IRET unwinds one delivery frame from the current stack and resumes the
// interrupted context, undoing any privilege and stack switch the matching
// delivery made. Frame reads translate with the handler's privilege, so
// the bus is resynced before the first pop.
//
// A fault in mid-flight, a pop that hits an unmapped page or a bad return
// selector, leaves the return uncommitted, raises the fault as the pending
// event and returns ErrFaulted.
func (c *CPU) IRET(b *paging.Bus) error {
	c.Resync(b)
	switch c.Mode() {
	case ModeReal:
		return c.iretReal(b, flagsMask16)
	case ModeVirtual8086:
		// IRET is IOPL-sensitive in virtual-8086 mode. With IOPL 3 it
		// behaves like real mode except that IOPL itself is locked.
		if x86.IOPL(c.Regs.Rflags) < 3 {
			return c.iretFault(x86.GeneralProtectionFault, 0)
		}
		return c.iretReal(b, flagsMask16&^x86.FlagIOPL)
	case ModeProtected:
		return c.iret32(b)
	default:
		return c.iret64(b)
	}
}

// iretFault raises vector against the IRET instruction itself and reports
// the abandoned return.
func (c *CPU) iretFault(vector x86.Vector, code uint32) error {
	c.RaiseExceptionCode(vector, c.Regs.Rip, code)
	return ErrFaulted
}

// iretBusFault converts a translation fault on a pop into a pending page
// fault. Host errors pass through.
func (c *CPU) iretBusFault(err error) error {
	f, ok := paging.AsFault(err)
	if !ok {
		return err
	}
	c.RaisePageFault(c.Regs.Rip, f)
	return ErrFaulted
}

// iretReal pops IP, CS and FLAGS as three 16-bit words. mask selects the
// flag bits the pop may change.
func (c *CPU) iretReal(b *paging.Bus, mask uint64) error {
	sp := uint16(c.Regs.Rsp)
	var vals [3]uint16
	for i := range vals {
		v, err := b.Read16(c.SS.Base + uint64(sp))
		if err != nil {
			return c.iretBusFault(err)
		}
		vals[i] = v
		sp += 2
	}
	ip, cs, flags := vals[0], vals[1], vals[2]

	c.Regs.Rsp = c.Regs.Rsp&^0xFFFF | uint64(sp)
	c.Regs.Rip = uint64(ip)
	setRealSegment(&c.CS, x86.Selector(cs))
	c.Regs.Rflags = c.Regs.Rflags&^mask | uint64(flags)&mask | x86.FlagReserved
	c.Resync(b)
	return nil
}

// checkReturnCS validates the code selector popped by IRET and unpacks its
// descriptor. The selector's RPL is the privilege being returned to; a
// return may lower privilege or hold it, never raise it.
func (c *CPU) checkReturnCS(b *paging.Bus, cs x86.Selector) (x86.SegmentDescriptor, error) {
	var d x86.SegmentDescriptor
	if cs.IsNull() {
		return d, c.iretFault(x86.GeneralProtectionFault, 0)
	}
	rpl := cs.RPL()
	if rpl < c.CPL() || cs.LDT() {
		return d, c.iretFault(x86.GeneralProtectionFault, x86.SelectorErrorCode(cs, false))
	}
	descEnd := uint64(cs.Index())*x86.SegmentDescriptorSize + (x86.SegmentDescriptorSize - 1)
	if descEnd > uint64(c.GDTR.Limit) {
		return d, c.iretFault(x86.GeneralProtectionFault, x86.SelectorErrorCode(cs, false))
	}
	dbuf := make([]byte, x86.SegmentDescriptorSize)
	if err := b.ReadBytes(c.GDTR.Base+uint64(cs.Index())*x86.SegmentDescriptorSize, dbuf); err != nil {
		return d, c.iretBusFault(err)
	}
	d.UnmarshalBytes(dbuf)
	switch {
	case !d.Present():
		return d, c.iretFault(x86.SegmentNotPresent, x86.SelectorErrorCode(cs, false))
	case d.System() || !d.Executable():
		return d, c.iretFault(x86.GeneralProtectionFault, x86.SelectorErrorCode(cs, false))
	case d.Conforming() && uint8(d.DPL()) > rpl:
		return d, c.iretFault(x86.GeneralProtectionFault, x86.SelectorErrorCode(cs, false))
	case !d.Conforming() && uint8(d.DPL()) != rpl:
		return d, c.iretFault(x86.GeneralProtectionFault, x86.SelectorErrorCode(cs, false))
	}
	return d, nil
}

// checkReturnSS validates a popped stack selector for a return to
// targetCPL and unpacks its descriptor.
func (c *CPU) checkReturnSS(b *paging.Bus, ss x86.Selector, targetCPL uint8) (x86.SegmentDescriptor, error) {
	var d x86.SegmentDescriptor
	if ss.LDT() || ss.RPL() != targetCPL {
		return d, c.iretFault(x86.GeneralProtectionFault, x86.SelectorErrorCode(ss, false))
	}
	descEnd := uint64(ss.Index())*x86.SegmentDescriptorSize + (x86.SegmentDescriptorSize - 1)
	if descEnd > uint64(c.GDTR.Limit) {
		return d, c.iretFault(x86.GeneralProtectionFault, x86.SelectorErrorCode(ss, false))
	}
	dbuf := make([]byte, x86.SegmentDescriptorSize)
	if err := b.ReadBytes(c.GDTR.Base+uint64(ss.Index())*x86.SegmentDescriptorSize, dbuf); err != nil {
		return d, c.iretBusFault(err)
	}
	d.UnmarshalBytes(dbuf)
	switch {
	case !d.Present(),
		d.System(),
		d.Executable(),
		!d.Writable(),
		uint8(d.DPL()) != targetCPL:
		return d, c.iretFault(x86.GeneralProtectionFault, x86.SelectorErrorCode(ss, false))
	}
	return d, nil
}

// restoreMask is the set of flags this IRET may change, which widens as
// privilege rises. VM is never in the mask; only the dedicated
// return-to-virtual-8086 path sets it.
func (c *CPU) restoreMask() uint64 {
	mask := uint64(x86.FlagCF | x86.FlagPF | x86.FlagAF | x86.FlagZF | x86.FlagSF |
		x86.FlagTF | x86.FlagDF | x86.FlagOF | x86.FlagNT | x86.FlagRF |
		x86.FlagAC | x86.FlagID)
	cpl := c.CPL()
	if cpl == 0 {
		mask |= x86.FlagIOPL | x86.FlagVIF | x86.FlagVIP
	}
	if cpl <= x86.IOPL(c.Regs.Rflags) {
		mask |= x86.FlagIF
	}
	return mask
}

// iret32 unwinds a 32-bit frame. SS:ESP are popped only when the return
// changes rings, mirroring how legacy hardware sized the frame.
func (c *CPU) iret32(b *paging.Bus) error {
	base := c.SS.Base
	sp := uint32(c.Regs.Rsp)
	pop := func() (uint32, error) {
		v, err := b.Read32(base + uint64(sp))
		if err != nil {
			return 0, err
		}
		sp += 4
		return v, nil
	}

	eip, err := pop()
	if err != nil {
		return c.iretBusFault(err)
	}
	csRaw, err := pop()
	if err != nil {
		return c.iretBusFault(err)
	}
	eflags, err := pop()
	if err != nil {
		return c.iretBusFault(err)
	}

	// Ring 0 restoring an image with VM set re-enters virtual-8086 mode
	// through the extended frame.
	if c.CPL() == 0 && uint64(eflags)&x86.FlagVM != 0 {
		return c.iretToV86(b, pop, eip, csRaw, eflags)
	}

	cs := x86.Selector(csRaw)
	d, err := c.checkReturnCS(b, cs)
	if err != nil {
		return err
	}
	targetCPL := cs.RPL()

	newSS := c.SS
	newSP := uint64(sp)
	if targetCPL > c.CPL() {
		esp, err := pop()
		if err != nil {
			return c.iretBusFault(err)
		}
		ssRaw, err := pop()
		if err != nil {
			return c.iretBusFault(err)
		}
		ss := x86.Selector(ssRaw)
		if ss.IsNull() {
			return c.iretFault(x86.GeneralProtectionFault, 0)
		}
		sd, err := c.checkReturnSS(b, ss, targetCPL)
		if err != nil {
			return err
		}
		newSS = sd.Segment(ss)
		newSP = uint64(esp)
	}

	mask := c.restoreMask()
	c.Regs.Rflags = c.Regs.Rflags&^mask | uint64(eflags)&mask | x86.FlagReserved
	c.Regs.Rip = uint64(eip)
	c.CS = d.Segment(cs)
	c.SS = newSS
	c.Regs.Rsp = newSP
	c.Resync(b)
	return nil
}

// iretToV86 finishes a ring 0 IRET whose flag image has VM set: the
// remaining six dwords rebuild the 8086 register file and the CPU drops to
// virtual-8086 mode.
func (c *CPU) iretToV86(b *paging.Bus, pop func() (uint32, error), eip, cs, eflags uint32) error {
	var rest [6]uint32 // ESP, SS, ES, DS, FS, GS.
	for i := range rest {
		v, err := pop()
		if err != nil {
			return c.iretBusFault(err)
		}
		rest[i] = v
	}

	// The whole image is restored; ring 0 may set anything, including VM.
	c.Regs.Rflags = uint64(eflags) | x86.FlagReserved
	c.Regs.Rip = uint64(eip)
	c.Regs.Rsp = uint64(rest[0])
	setRealSegment(&c.CS, x86.Selector(cs))
	setRealSegment(&c.SS, x86.Selector(rest[1]))
	setRealSegment(&c.ES, x86.Selector(rest[2]))
	setRealSegment(&c.DS, x86.Selector(rest[3]))
	setRealSegment(&c.FS, x86.Selector(rest[4]))
	setRealSegment(&c.GS, x86.Selector(rest[5]))
	c.Resync(b)
	return nil
}

// iret64 unwinds a 64-bit frame. All five elements pop unconditionally,
// the exact mirror of 64-bit delivery, so same-ring round trips restore
// RSP precisely.
func (c *CPU) iret64(b *paging.Bus) error {
	sp := c.Regs.Rsp
	pop := func() (uint64, error) {
		v, err := b.Read64(sp)
		if err != nil {
			return 0, err
		}
		sp += 8
		return v, nil
	}

	var vals [5]uint64 // RIP, CS, RFLAGS, RSP, SS.
	for i := range vals {
		v, err := pop()
		if err != nil {
			return c.iretBusFault(err)
		}
		vals[i] = v
	}
	rip, csRaw, rflags, rsp, ssRaw := vals[0], vals[1], vals[2], vals[3], vals[4]

	cs := x86.Selector(csRaw)
	d, err := c.checkReturnCS(b, cs)
	if err != nil {
		return err
	}
	targetCPL := cs.RPL()

	var newSS x86.Segment
	ss := x86.Selector(ssRaw)
	if ss.IsNull() {
		// A null SS is legal in 64-bit mode except at ring 3.
		if targetCPL == 3 {
			return c.iretFault(x86.GeneralProtectionFault, 0)
		}
		newSS = x86.Segment{Selector: ss}
	} else {
		sd, err := c.checkReturnSS(b, ss, targetCPL)
		if err != nil {
			return err
		}
		newSS = sd.Segment(ss)
	}

	mask := c.restoreMask()
	c.Regs.Rflags = c.Regs.Rflags&^mask | rflags&mask | x86.FlagReserved
	c.Regs.Rip = rip
	c.CS = d.Segment(cs)
	c.SS = newSS
	c.Regs.Rsp = rsp
	c.Resync(b)
	return nil
}
