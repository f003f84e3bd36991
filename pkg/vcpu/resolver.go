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
	"github.com/wilsonzlin/aero-sub017/pkg/paging"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// resolvedGate is an IDT entry joined with the code segment it targets,
// after every check that can refuse entry. seg already carries the selector
// the handler will see: the gate's selector with RPL forced to targetCPL.
type resolvedGate struct {
	target    uint64
	seg       x86.Segment
	targetCPL uint8
	ist       int
	trap      bool
}

// resolveGate walks vector -> gate -> code descriptor for ev. Both table
// reads go through the translation bus, so an unmapped IDT or GDT page
// surfaces here as a nested page fault with CR2 inside the table entry.
//
// Exactly one of the three results is meaningful: the resolved gate, the
// fault the lookup raised, or a host error.
func (c *CPU) resolveGate(b *paging.Bus, ev *Event) (*resolvedGate, *Event, error) {
	long := c.Mode() == ModeLong
	ext := ev.Kind == KindExternalInterrupt

	// Gate bounds against IDTR.limit. The limit is inclusive, so the last
	// byte of the gate must itself be covered.
	size := uint64(x86.Gate32Size)
	if long {
		size = x86.Gate64Size
	}
	off := uint64(ev.Vector) * size
	if off+size-1 > uint64(c.IDTR.Limit) {
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.IDTErrorCode(ev.Vector, ext)), nil
	}

	buf := make([]byte, size)
	if err := b.ReadBytes(c.IDTR.Base+off, buf); err != nil {
		nested, hostErr := c.nestedBusFault(ev, err)
		return nil, nested, hostErr
	}

	var (
		target  uint64
		sel     x86.Selector
		present bool
		dpl     int
		ist     int
		typ     int
	)
	if long {
		var g x86.Gate64
		g.UnmarshalBytes(buf)
		target, sel, present, dpl, ist, typ = g.Target(), g.CS(), g.Present(), g.DPL(), g.IST(), g.Type()
	} else {
		var g x86.Gate32
		g.UnmarshalBytes(buf)
		target, sel, present, dpl, typ = uint64(g.Target()), g.CS(), g.Present(), g.DPL(), g.Type()
	}

	// Only 32/64-bit interrupt and trap gates dispatch here. Task gates and
	// 16-bit gates fault rather than silently mis-deliver.
	if typ != x86.GateInterrupt32 && typ != x86.GateTrap32 {
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.IDTErrorCode(ev.Vector, ext)), nil
	}
	if !present {
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.IDTErrorCode(ev.Vector, ext)), nil
	}

	// The gate DPL guards INT n only. Hardware events reach any gate.
	if ev.Kind == KindSoftwareInterrupt && uint8(dpl) < c.CPL() {
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.IDTErrorCode(ev.Vector, false)), nil
	}

	// Target code segment.
	if sel.IsNull() {
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.SelectorErrorCode(0, ext)), nil
	}
	if sel.LDT() {
		// Handlers live in the GDT here; LDT code segments are not modelled.
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.SelectorErrorCode(sel, ext)), nil
	}
	descEnd := uint64(sel.Index())*x86.SegmentDescriptorSize + (x86.SegmentDescriptorSize - 1)
	if descEnd > uint64(c.GDTR.Limit) {
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.SelectorErrorCode(sel, ext)), nil
	}

	dbuf := make([]byte, x86.SegmentDescriptorSize)
	if err := b.ReadBytes(c.GDTR.Base+uint64(sel.Index())*x86.SegmentDescriptorSize, dbuf); err != nil {
		nested, hostErr := c.nestedBusFault(ev, err)
		return nil, nested, hostErr
	}
	var d x86.SegmentDescriptor
	d.UnmarshalBytes(dbuf)

	switch {
	case !d.Present():
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.SelectorErrorCode(sel, ext)), nil
	case d.System() || !d.Executable():
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.SelectorErrorCode(sel, ext)), nil
	case long && (!d.Long() || d.DB()):
		// 64-bit delivery requires a 64-bit code segment.
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.SelectorErrorCode(sel, ext)), nil
	}

	// The handler runs at the descriptor's DPL. Delivery may raise
	// privilege or hold it; it never lowers it.
	targetCPL := uint8(d.DPL())
	if targetCPL > c.CPL() {
		return nil, nestedFault(ev, x86.GeneralProtectionFault, x86.SelectorErrorCode(sel, ext)), nil
	}

	seg := d.Segment(sel&^0x3 | x86.Selector(targetCPL))
	return &resolvedGate{
		target:    target,
		seg:       seg,
		targetCPL: targetCPL,
		ist:       ist,
		trap:      typ == x86.GateTrap32,
	}, nil, nil
}
