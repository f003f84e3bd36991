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

// stackTarget is the stack the frame lands on. When switched is clear the
// interrupted stack continues and ss is ignored.
type stackTarget struct {
	switched bool
	ss       x86.Segment
	sp       uint64
}

// pickStack64 selects the handler stack in long mode. An IST slot on the
// gate always wins, even without a privilege change; otherwise elevation
// pulls RSPn from the TSS. A switched 64-bit stack loads SS as a null
// selector carrying the new privilege in its RPL.
func (c *CPU) pickStack64(b *paging.Bus, ev *Event, g *resolvedGate) (*stackTarget, *Event, error) {
	ext := ev.Kind == KindExternalInterrupt

	var off uint64
	switch {
	case g.ist != 0:
		off = x86.TSS64ISTOffset(g.ist)
	case g.targetCPL < c.CPL():
		off = x86.TSS64RSP0 + 8*uint64(g.targetCPL)
	default:
		return &stackTarget{sp: c.Regs.Rsp}, nil, nil
	}

	if off+7 > uint64(c.TR.Limit) {
		return nil, nestedFault(ev, x86.InvalidTSS, x86.SelectorErrorCode(c.TR.Selector, ext)), nil
	}
	sp, err := b.Read64(c.TR.Base + off)
	if err != nil {
		nested, hostErr := c.nestedBusFault(ev, err)
		return nil, nested, hostErr
	}

	return &stackTarget{
		switched: true,
		// A switched 64-bit stack runs on a null SS; only the RPL field
		// carries information.
		ss: x86.Segment{Selector: x86.Selector(g.targetCPL)},
		sp: sp,
	}, nil, nil
}

// pickStack32 selects the handler stack in protected and virtual-8086
// mode. Only elevation switches, loading SSn:ESPn from the 32-bit TSS and
// validating the new stack segment.
func (c *CPU) pickStack32(b *paging.Bus, ev *Event, g *resolvedGate) (*stackTarget, *Event, error) {
	ext := ev.Kind == KindExternalInterrupt

	if g.targetCPL >= c.CPL() {
		return &stackTarget{sp: c.Regs.Rsp & 0xFFFF_FFFF}, nil, nil
	}

	espOff := uint64(x86.TSS32ESP0) + 8*uint64(g.targetCPL)
	ssOff := uint64(x86.TSS32SS0) + 8*uint64(g.targetCPL)
	if ssOff+1 > uint64(c.TR.Limit) {
		return nil, nestedFault(ev, x86.InvalidTSS, x86.SelectorErrorCode(c.TR.Selector, ext)), nil
	}
	esp, err := b.Read32(c.TR.Base + espOff)
	if err != nil {
		nested, hostErr := c.nestedBusFault(ev, err)
		return nil, nested, hostErr
	}
	rawSS, err := b.Read16(c.TR.Base + ssOff)
	if err != nil {
		nested, hostErr := c.nestedBusFault(ev, err)
		return nil, nested, hostErr
	}
	ss := x86.Selector(rawSS)

	// The new stack segment must be a present, writable data segment with
	// DPL matching the privilege we are entering.
	if ss.IsNull() || ss.LDT() {
		return nil, nestedFault(ev, x86.InvalidTSS, x86.SelectorErrorCode(ss, ext)), nil
	}
	descEnd := uint64(ss.Index())*x86.SegmentDescriptorSize + (x86.SegmentDescriptorSize - 1)
	if descEnd > uint64(c.GDTR.Limit) {
		return nil, nestedFault(ev, x86.InvalidTSS, x86.SelectorErrorCode(ss, ext)), nil
	}
	dbuf := make([]byte, x86.SegmentDescriptorSize)
	if err := b.ReadBytes(c.GDTR.Base+uint64(ss.Index())*x86.SegmentDescriptorSize, dbuf); err != nil {
		nested, hostErr := c.nestedBusFault(ev, err)
		return nil, nested, hostErr
	}
	var d x86.SegmentDescriptor
	d.UnmarshalBytes(dbuf)
	switch {
	case !d.Present(),
		d.System(),
		d.Executable(),
		!d.Writable(),
		uint8(d.DPL()) != g.targetCPL:
		return nil, nestedFault(ev, x86.InvalidTSS, x86.SelectorErrorCode(ss, ext)), nil
	}

	return &stackTarget{
		switched: true,
		ss:       d.Segment(ss&^0x3 | x86.Selector(g.targetCPL)),
		sp:       uint64(esp),
	}, nil, nil
}
