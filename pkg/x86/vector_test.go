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

import "testing"

func TestVectorNumbers(t *testing.T) {
	// The enum must stay in vector-number order; delivery indexes the IDT
	// with these values.
	for _, tc := range []struct {
		vector Vector
		want   uint8
	}{
		{DivideByZero, 0},
		{NMI, 2},
		{DoubleFault, 8},
		{InvalidTSS, 10},
		{StackSegmentFault, 12},
		{GeneralProtectionFault, 13},
		{PageFault, 14},
		{X87FloatingPointException, 16},
		{MachineCheck, 18},
		{ControlProtectionException, 21},
	} {
		if got := uint8(tc.vector); got != tc.want {
			t.Errorf("%v = %d, want %d", tc.vector, got, tc.want)
		}
	}
}

func TestHasErrorCode(t *testing.T) {
	withCode := map[Vector]bool{
		DoubleFault:                true,
		InvalidTSS:                 true,
		SegmentNotPresent:          true,
		StackSegmentFault:          true,
		GeneralProtectionFault:     true,
		PageFault:                  true,
		AlignmentCheck:             true,
		ControlProtectionException: true,
	}
	for v := Vector(0); v < 32; v++ {
		if got, want := v.HasErrorCode(), withCode[v]; got != want {
			t.Errorf("%v.HasErrorCode() = %t, want %t", v, got, want)
		}
	}
}

func TestEventClass(t *testing.T) {
	for _, tc := range []struct {
		vector Vector
		want   Class
	}{
		{DivideByZero, ClassContributory},
		{Debug, ClassBenign},
		{NMI, ClassBenign},
		{Breakpoint, ClassBenign},
		{InvalidOpcode, ClassBenign},
		{DoubleFault, ClassBenign},
		{InvalidTSS, ClassContributory},
		{SegmentNotPresent, ClassContributory},
		{StackSegmentFault, ClassContributory},
		{GeneralProtectionFault, ClassContributory},
		{PageFault, ClassPageFault},
		{AlignmentCheck, ClassBenign},
	} {
		if got := tc.vector.EventClass(); got != tc.want {
			t.Errorf("%v.EventClass() = %v, want %v", tc.vector, got, tc.want)
		}
	}
}

func TestErrorCodes(t *testing.T) {
	// Selector 0x33 has RPL bits set; they never reach the error code.
	if got, want := SelectorErrorCode(0x33, false), uint32(0x30); got != want {
		t.Errorf("SelectorErrorCode(0x33, false) = %#x, want %#x", got, want)
	}
	if got, want := SelectorErrorCode(0x10, true), uint32(0x11); got != want {
		t.Errorf("SelectorErrorCode(0x10, true) = %#x, want %#x", got, want)
	}
	if got, want := IDTErrorCode(PageFault, false), uint32(14<<3|ErrCodeIDT); got != want {
		t.Errorf("IDTErrorCode(PageFault, false) = %#x, want %#x", got, want)
	}
	if got, want := IDTErrorCode(0x21, true), uint32(0x21<<3|ErrCodeIDT|ErrCodeEXT); got != want {
		t.Errorf("IDTErrorCode(0x21, true) = %#x, want %#x", got, want)
	}

	if got, want := PFErrorCode(true, true, true), uint32(PFErrPresent|PFErrWrite|PFErrUser); got != want {
		t.Errorf("PFErrorCode(present, write, user) = %#x, want %#x", got, want)
	}
	if got := PFErrorCode(false, false, false); got != 0 {
		t.Errorf("PFErrorCode(not-present supervisor read) = %#x, want 0", got)
	}
}

func TestSelector(t *testing.T) {
	s := Selector(0x2b)
	if got, want := s.Index(), uint16(5); got != want {
		t.Errorf("Index() = %d, want %d", got, want)
	}
	if got, want := s.RPL(), uint8(3); got != want {
		t.Errorf("RPL() = %d, want %d", got, want)
	}
	if s.LDT() {
		t.Errorf("LDT() = true, want false")
	}
	if !Selector(0x0).IsNull() || !Selector(0x3).IsNull() {
		t.Errorf("null selector not detected")
	}
	if Selector(0x8).IsNull() {
		t.Errorf("0x8 reported null")
	}
}
