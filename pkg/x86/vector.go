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

// Package x86 defines the architectural data formats shared by the paging
// and event-delivery packages: exception vectors, segment selectors and
// descriptors, IDT gates, task-state segments, and the control-register and
// flag bits that govern mode transitions.
//
// Everything here is a plain codec over guest-visible bytes. No package
// state, no policy; the delivery engine in pkg/vcpu decides what to do with
// the decoded values.
package x86

import "fmt"

// Vector is an exception or interrupt vector.
type Vector uint8

// Architectural exception vectors, in vector-number order.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	ControlProtectionException
)

// NumVectors is the size of a full IDT.
const NumVectors = 256

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	switch v {
	case DivideByZero:
		return "#DE"
	case Debug:
		return "#DB"
	case NMI:
		return "NMI"
	case Breakpoint:
		return "#BP"
	case Overflow:
		return "#OF"
	case BoundRangeExceeded:
		return "#BR"
	case InvalidOpcode:
		return "#UD"
	case DeviceNotAvailable:
		return "#NM"
	case DoubleFault:
		return "#DF"
	case InvalidTSS:
		return "#TS"
	case SegmentNotPresent:
		return "#NP"
	case StackSegmentFault:
		return "#SS"
	case GeneralProtectionFault:
		return "#GP"
	case PageFault:
		return "#PF"
	case X87FloatingPointException:
		return "#MF"
	case AlignmentCheck:
		return "#AC"
	case MachineCheck:
		return "#MC"
	case SIMDFloatingPointException:
		return "#XM"
	case VirtualizationException:
		return "#VE"
	case ControlProtectionException:
		return "#CP"
	default:
		return fmt.Sprintf("vector(%d)", uint8(v))
	}
}

// HasErrorCode returns true if the vector pushes an error code as part of
// its stack frame.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck, ControlProtectionException:
		return true
	}
	return false
}

// Class is the escalation class of a vector. When one exception raises
// another before the first is delivered, the pair of classes decides whether
// the second is delivered on its own, folded into a double fault, or treated
// as a triple fault.
type Class int

const (
	// ClassBenign events never combine into a double fault.
	ClassBenign Class = iota

	// ClassContributory events combine with other contributory events and
	// with page faults.
	ClassContributory

	// ClassPageFault combines with a following contributory event or page
	// fault, but not with a preceding one.
	ClassPageFault
)

func (c Class) String() string {
	switch c {
	case ClassBenign:
		return "benign"
	case ClassContributory:
		return "contributory"
	case ClassPageFault:
		return "page-fault"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// EventClass returns the escalation class of the vector.
func (v Vector) EventClass() Class {
	switch v {
	case DivideByZero, InvalidTSS, SegmentNotPresent, StackSegmentFault, GeneralProtectionFault:
		return ClassContributory
	case PageFault:
		return ClassPageFault
	default:
		return ClassBenign
	}
}
