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
	"encoding/binary"

	"github.com/wilsonzlin/aero-sub017/pkg/paging"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// deliverLong delivers through a 16-byte gate with a 64-bit frame. The
// frame always carries SS:RSP, privilege change or not, so IRETQ can pop a
// fixed shape.
func (c *CPU) deliverLong(b *paging.Bus, ev *Event) (*Event, error) {
	g, nested, err := c.resolveGate(b, ev)
	if nested != nil || err != nil {
		return nested, err
	}
	st, nested, err := c.pickStack64(b, ev, g)
	if nested != nil || err != nil {
		return nested, err
	}

	vals := make([]uint64, 0, 6)
	if ev.HasErrorCode {
		vals = append(vals, uint64(ev.ErrorCode))
	}
	vals = append(vals,
		ev.Addr,
		uint64(c.CS.Selector),
		c.Regs.Rflags,
		c.Regs.Rsp,
		uint64(c.SS.Selector),
	)
	newSP := st.sp - uint64(len(vals))*8

	buf := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	if err := b.WriteBytes(newSP, buf); err != nil {
		return c.nestedBusFault(ev, err)
	}

	// Commit. Nothing below can fault; the event is delivered.
	if st.switched {
		c.SS = st.ss
	}
	c.Regs.Rsp = newSP
	c.Regs.Rip = g.target
	c.CS = g.seg
	c.Regs.Rflags &^= x86.FlagTF | x86.FlagRF | x86.FlagNT | x86.FlagVM
	if !g.trap {
		c.Regs.Rflags &^= x86.FlagIF
	}
	c.Resync(b)
	return nil, nil
}

// deliverProtected delivers through an 8-byte gate with a 32-bit frame.
// SS:ESP ride in every frame here too; IRET strips them only after a ring
// change, so a same-ring handler returns with ESP eight bytes lower than
// it found it. Callers that care run handlers through ring changes.
func (c *CPU) deliverProtected(b *paging.Bus, ev *Event) (*Event, error) {
	g, nested, err := c.resolveGate(b, ev)
	if nested != nil || err != nil {
		return nested, err
	}
	st, nested, err := c.pickStack32(b, ev, g)
	if nested != nil || err != nil {
		return nested, err
	}

	vals := make([]uint32, 0, 6)
	if ev.HasErrorCode {
		vals = append(vals, ev.ErrorCode)
	}
	vals = append(vals,
		uint32(ev.Addr),
		uint32(c.CS.Selector),
		uint32(c.Regs.Rflags),
		uint32(c.Regs.Rsp),
		uint32(c.SS.Selector),
	)
	newSP := uint32(st.sp) - uint32(len(vals)*4)

	base := c.SS.Base
	if st.switched {
		base = st.ss.Base
	}
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	if err := b.WriteBytes(base+uint64(newSP), buf); err != nil {
		return c.nestedBusFault(ev, err)
	}

	if st.switched {
		c.SS = st.ss
	}
	c.Regs.Rsp = uint64(newSP)
	c.Regs.Rip = g.target
	c.CS = g.seg
	c.Regs.Rflags &^= x86.FlagTF | x86.FlagRF | x86.FlagNT | x86.FlagVM
	if !g.trap {
		c.Regs.Rflags &^= x86.FlagIF
	}
	c.Resync(b)
	return nil, nil
}

// deliverV86 leaves virtual-8086 mode for a ring 0 handler with the
// extended frame: the four data segments follow the usual five elements so
// the return path can rebuild the 8086 segment state.
func (c *CPU) deliverV86(b *paging.Bus, ev *Event) (*Event, error) {
	ext := ev.Kind == KindExternalInterrupt

	// INT n is IOPL-sensitive in virtual-8086 mode.
	if ev.Kind == KindSoftwareInterrupt && x86.IOPL(c.Regs.Rflags) < 3 {
		return nestedFault(ev, x86.GeneralProtectionFault, 0), nil
	}

	g, nested, err := c.resolveGate(b, ev)
	if nested != nil || err != nil {
		return nested, err
	}
	if g.targetCPL != 0 {
		return nestedFault(ev, x86.GeneralProtectionFault, x86.SelectorErrorCode(g.seg.Selector, ext)), nil
	}
	st, nested, err := c.pickStack32(b, ev, g)
	if nested != nil || err != nil {
		return nested, err
	}

	vals := make([]uint32, 0, 10)
	if ev.HasErrorCode {
		vals = append(vals, ev.ErrorCode)
	}
	vals = append(vals,
		uint32(ev.Addr),
		uint32(c.CS.Selector),
		uint32(c.Regs.Rflags), // VM still set in the saved image.
		uint32(c.Regs.Rsp),
		uint32(c.SS.Selector),
		uint32(c.ES.Selector),
		uint32(c.DS.Selector),
		uint32(c.FS.Selector),
		uint32(c.GS.Selector),
	)
	newSP := uint32(st.sp) - uint32(len(vals)*4)

	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	if err := b.WriteBytes(st.ss.Base+uint64(newSP), buf); err != nil {
		return c.nestedBusFault(ev, err)
	}

	// The handler starts with flat-null data segments.
	c.DS = x86.Segment{}
	c.ES = x86.Segment{}
	c.FS = x86.Segment{}
	c.GS = x86.Segment{}
	c.SS = st.ss
	c.Regs.Rsp = uint64(newSP)
	c.Regs.Rip = g.target
	c.CS = g.seg
	c.Regs.Rflags &^= x86.FlagTF | x86.FlagRF | x86.FlagNT | x86.FlagVM
	if !g.trap {
		c.Regs.Rflags &^= x86.FlagIF
	}
	c.Resync(b)
	return nil, nil
}

// deliverReal vectors through the IVT. Frames are three 16-bit words; real
// mode has no error codes, so any code on the event is dropped.
func (c *CPU) deliverReal(b *paging.Bus, ev *Event) (*Event, error) {
	off := uint64(ev.Vector) * 4
	if off+3 > uint64(c.IDTR.Limit) {
		return &Event{Vector: x86.GeneralProtectionFault, Kind: KindException, Addr: ev.Addr}, nil
	}
	ip, err := b.Read16(c.IDTR.Base + off)
	if err != nil {
		return c.nestedBusFault(ev, err)
	}
	cs, err := b.Read16(c.IDTR.Base + off + 2)
	if err != nil {
		return c.nestedBusFault(ev, err)
	}

	sp := uint16(c.Regs.Rsp)
	for _, v := range []uint16{uint16(c.Regs.Rflags), uint16(c.CS.Selector), uint16(ev.Addr)} {
		sp -= 2
		if err := b.Write16(c.SS.Base+uint64(sp), v); err != nil {
			return c.nestedBusFault(ev, err)
		}
	}

	c.Regs.Rsp = c.Regs.Rsp&^0xFFFF | uint64(sp)
	c.Regs.Rflags &^= x86.FlagIF | x86.FlagTF
	setRealSegment(&c.CS, x86.Selector(cs))
	c.Regs.Rip = uint64(ip)
	c.Resync(b)
	return nil, nil
}
