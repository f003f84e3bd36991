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

package x86

// Selector is a segment selector.
type Selector uint16

// Index returns the descriptor table index.
func (s Selector) Index() uint16 {
	return uint16(s) >> 3
}

// RPL returns the requested privilege level.
func (s Selector) RPL() uint8 {
	return uint8(s & 3)
}

// LDT returns true if the selector references the local descriptor table.
func (s Selector) LDT() bool {
	return s&0x4 != 0
}

// IsNull returns true for the null selector. Only the index and table bits
// matter; an RPL-only selector (1..3) still names descriptor zero.
func (s Selector) IsNull() bool {
	return s&^0x3 == 0
}

// Selector error code bits. The error code pushed for segment-related faults
// carries the faulting selector with the low bits repurposed.
const (
	// ErrCodeEXT is set when the event source was external to the program.
	ErrCodeEXT = 1 << 0

	// ErrCodeIDT is set when the index refers to a gate in the IDT rather
	// than a descriptor table entry.
	ErrCodeIDT = 1 << 1

	// ErrCodeTI is set when the index refers to the LDT.
	ErrCodeTI = 1 << 2
)

// SelectorErrorCode builds the error code for a fault caused by the given
// descriptor-table selector.
func SelectorErrorCode(sel Selector, ext bool) uint32 {
	code := uint32(sel) &^ 0x3
	if ext {
		code |= ErrCodeEXT
	}
	return code
}

// IDTErrorCode builds the error code for a fault caused by the IDT entry for
// the given vector.
func IDTErrorCode(v Vector, ext bool) uint32 {
	code := uint32(v)<<3 | ErrCodeIDT
	if ext {
		code |= ErrCodeEXT
	}
	return code
}

// Page-fault error code bits.
const (
	// PFErrPresent: the fault was a protection violation on a present
	// translation, not a missing one.
	PFErrPresent = 1 << 0

	// PFErrWrite: the access was a write.
	PFErrWrite = 1 << 1

	// PFErrUser: the access originated at user privilege.
	PFErrUser = 1 << 2

	// PFErrRSVD: a reserved bit was set in a paging structure.
	PFErrRSVD = 1 << 3

	// PFErrFetch: the access was an instruction fetch.
	PFErrFetch = 1 << 4
)

// PFErrorCode builds a page-fault error code.
func PFErrorCode(present, write, user bool) uint32 {
	var code uint32
	if present {
		code |= PFErrPresent
	}
	if write {
		code |= PFErrWrite
	}
	if user {
		code |= PFErrUser
	}
	return code
}
