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
	"fmt"

	"github.com/wilsonzlin/aero-sub017/pkg/log"
	"github.com/wilsonzlin/aero-sub017/pkg/paging"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// Kind tags how an event entered the machine. It decides DPL checks at the
// gate (software interrupts only), the EXT bit of induced error codes, and
// whether a fault during delivery escalates or is delivered serially.
type Kind int

const (
	// KindSoftwareInterrupt is an INT n executed by the guest.
	KindSoftwareInterrupt Kind = iota

	// KindException is a CPU-detected fault or trap.
	KindException

	// KindExternalInterrupt is an injected device or timer interrupt.
	KindExternalInterrupt
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindSoftwareInterrupt:
		return "software"
	case KindException:
		return "exception"
	case KindExternalInterrupt:
		return "external"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one pending interrupt or exception. A CPU holds at most one; a
// fault that strikes while the event is being delivered mutates the record
// in place (escalation) rather than queueing a second one.
type Event struct {
	Vector x86.Vector
	Kind   Kind

	// Addr is the saved instruction address: the return address for
	// interrupts, the faulting instruction for exceptions. It is what the
	// frame writer pushes as RIP.
	Addr uint64

	// HasErrorCode gates the leading error-code frame element.
	HasErrorCode bool
	ErrorCode    uint32

	// CR2 is the faulting linear address, page faults only.
	CR2 uint64
}

// String implements fmt.Stringer.String.
func (e *Event) String() string {
	s := fmt.Sprintf("%v %v at %#x", e.Kind, e.Vector, e.Addr)
	if e.HasErrorCode {
		s += fmt.Sprintf(" (code %#x)", e.ErrorCode)
	}
	if e.Vector == x86.PageFault && e.Kind == KindException {
		s += fmt.Sprintf(" (cr2 %#x)", e.CR2)
	}
	return s
}

// Pending returns the in-flight event, or nil.
func (c *CPU) Pending() *Event {
	return c.pending
}

// raise installs ev as the pending event. The execution loop should deliver
// before raising again; if it does not, the newest event wins.
func (c *CPU) raise(ev *Event) {
	if c.pending != nil {
		log.Warningf("replacing pending event %v with %v", c.pending, ev)
	}
	c.pending = ev
}

// RaiseSoftwareInterrupt records an INT n. returnAddr is the address of the
// instruction after the INT.
func (c *CPU) RaiseSoftwareInterrupt(vector x86.Vector, returnAddr uint64) {
	c.raise(&Event{
		Vector: vector,
		Kind:   KindSoftwareInterrupt,
		Addr:   returnAddr,
	})
}

// RaiseExternalInterrupt records an injected hardware interrupt. returnAddr
// is the resume point of the interrupted stream.
func (c *CPU) RaiseExternalInterrupt(vector x86.Vector, returnAddr uint64) {
	c.raise(&Event{
		Vector: vector,
		Kind:   KindExternalInterrupt,
		Addr:   returnAddr,
	})
}

// RaiseException records a fault without an error code (#DE, #UD, ...).
// addr is the faulting instruction, which delivery pushes so the handler
// can restart it.
func (c *CPU) RaiseException(vector x86.Vector, addr uint64) {
	c.raise(&Event{
		Vector: vector,
		Kind:   KindException,
		Addr:   addr,
	})
}

// RaiseExceptionCode records a fault that carries an error code.
func (c *CPU) RaiseExceptionCode(vector x86.Vector, addr uint64, code uint32) {
	c.raise(&Event{
		Vector:       vector,
		Kind:         KindException,
		Addr:         addr,
		HasErrorCode: true,
		ErrorCode:    code,
	})
}

// RaisePageFault records a page fault. CR2 latches the faulting linear
// address immediately, before delivery, so an escalated double fault still
// leaves the most recent fault address visible.
func (c *CPU) RaisePageFault(addr uint64, fault *paging.FaultError) {
	c.CR2 = fault.Addr
	c.raise(&Event{
		Vector:       x86.PageFault,
		Kind:         KindException,
		Addr:         addr,
		HasErrorCode: true,
		ErrorCode:    fault.Code,
		CR2:          fault.Addr,
	})
}

// nestedFault builds the event for a protection-style fault raised by a
// delivery sub-step. The in-progress event's instruction address carries
// over: after the nested handler returns, the original delivery restarts.
func nestedFault(ev *Event, vector x86.Vector, code uint32) *Event {
	return &Event{
		Vector:       vector,
		Kind:         KindException,
		Addr:         ev.Addr,
		HasErrorCode: true,
		ErrorCode:    code,
	}
}

// nestedBusFault converts a translation-bus error raised mid-delivery into
// a page-fault event, latching CR2 at raise time. Non-fault errors (host
// configuration problems) pass through.
func (c *CPU) nestedBusFault(ev *Event, err error) (*Event, error) {
	f, ok := paging.AsFault(err)
	if !ok {
		return nil, err
	}
	c.CR2 = f.Addr
	return &Event{
		Vector:       x86.PageFault,
		Kind:         KindException,
		Addr:         ev.Addr,
		HasErrorCode: true,
		ErrorCode:    f.Code,
		CR2:          f.Addr,
	}, nil
}
