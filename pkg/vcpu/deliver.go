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

	"github.com/wilsonzlin/aero-sub017/pkg/log"
	"github.com/wilsonzlin/aero-sub017/pkg/paging"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// ErrTripleFault is returned by Deliver when double-fault delivery itself
// faults. The machine is dead; the caller resets or tears it down.
var ErrTripleFault = errors.New("triple fault")

// deliveryState tracks the delivery loop, mostly for snapshots and logs.
type deliveryState int

const (
	stateIdle deliveryState = iota
	stateDelivering
	stateEscalating
)

// Deliver delivers the pending event, if any, walking the descriptor
// tables and pushing the frame at the current mode's width. A fault raised
// by delivery itself replaces or escalates the pending event in place and
// delivery restarts, until a frame commits or the shutdown chain bottoms
// out in ErrTripleFault.
//
// Host errors (bad physical addresses, not guest faults) abort delivery
// with the event still pending.
func (c *CPU) Deliver(b *paging.Bus) error {
	ev := c.pending
	if ev == nil {
		return nil
	}
	c.state = stateDelivering
	for {
		log.Debugf("delivering %v (cpl %d)", ev, c.CPL())
		nested, err := c.deliverOnce(b, ev)
		if err != nil {
			c.state = stateIdle
			return err
		}
		if nested == nil {
			c.pending = nil
			c.state = stateIdle
			return nil
		}
		if ev.Kind == KindException && ev.Vector == x86.DoubleFault {
			log.Warningf("%v while delivering a double fault; triple fault", nested)
			c.pending = nil
			c.state = stateIdle
			return ErrTripleFault
		}
		c.state = stateEscalating
		c.escalate(ev, nested)
		c.state = stateDelivering
	}
}

// escalate folds a fault raised during delivery into the event being
// delivered, following the architectural class table: two contributory
// faults make a double fault, as does a page fault followed by anything
// but a benign event. Every other pair delivers the new fault serially and
// the original is retried by its handler's IRET.
func (c *CPU) escalate(ev, nested *Event) {
	if ev.Kind != KindException {
		// Interrupt delivery that faults just delivers the fault; the
		// interrupt itself is not part of the shutdown chain.
		*ev = *nested
		return
	}
	first := ev.Vector.EventClass()
	second := nested.Vector.EventClass()
	toDouble := (first == x86.ClassContributory && second == x86.ClassContributory) ||
		(first == x86.ClassPageFault && second != x86.ClassBenign)
	if !toDouble {
		*ev = *nested
		return
	}
	log.Warningf("%v while delivering %v; escalating to double fault", nested, ev)
	ev.Vector = x86.DoubleFault
	ev.HasErrorCode = true
	ev.ErrorCode = 0
	// Addr stays at the original faulting instruction. CR2 was latched when
	// the latest page fault was raised, so an escalated #PF chain still
	// shows its final address.
}

// deliverOnce runs a single delivery attempt in the current mode. It
// returns the fault the attempt raised, if any, with all CPU state intact
// apart from partially written frame memory.
func (c *CPU) deliverOnce(b *paging.Bus, ev *Event) (*Event, error) {
	// Table reads and frame pushes below translate with the interrupted
	// context's privilege.
	c.Resync(b)
	switch c.Mode() {
	case ModeReal:
		return c.deliverReal(b, ev)
	case ModeVirtual8086:
		return c.deliverV86(b, ev)
	case ModeProtected:
		return c.deliverProtected(b, ev)
	default:
		return c.deliverLong(b, ev)
	}
}
