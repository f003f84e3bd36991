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

// RFLAGS bits.
const (
	FlagCF       = uint64(1) << 0
	FlagReserved = uint64(1) << 1 // Always set.
	FlagPF       = uint64(1) << 2
	FlagAF       = uint64(1) << 4
	FlagZF       = uint64(1) << 6
	FlagSF       = uint64(1) << 7
	FlagTF       = uint64(1) << 8
	FlagIF       = uint64(1) << 9
	FlagDF       = uint64(1) << 10
	FlagOF       = uint64(1) << 11
	FlagIOPL     = uint64(3) << 12
	FlagNT       = uint64(1) << 14
	FlagRF       = uint64(1) << 16
	FlagVM       = uint64(1) << 17
	FlagAC       = uint64(1) << 18
	FlagVIF      = uint64(1) << 19
	FlagVIP      = uint64(1) << 20
	FlagID       = uint64(1) << 21
)

// IOPL extracts the I/O privilege level field.
func IOPL(flags uint64) uint8 {
	return uint8(flags>>12) & 3
}

// CR0 bits.
const (
	CR0PE = uint64(1) << 0
	CR0MP = uint64(1) << 1
	CR0EM = uint64(1) << 2
	CR0TS = uint64(1) << 3
	CR0ET = uint64(1) << 4
	CR0NE = uint64(1) << 5
	CR0WP = uint64(1) << 16
	CR0AM = uint64(1) << 18
	CR0NW = uint64(1) << 29
	CR0CD = uint64(1) << 30
	CR0PG = uint64(1) << 31
)

// CR4 bits.
const (
	CR4VME = uint64(1) << 0
	CR4PSE = uint64(1) << 4
	CR4PAE = uint64(1) << 5
	CR4PGE = uint64(1) << 7
)

// EFER bits.
const (
	EFERSCE = uint64(0x001)
	EFERLME = uint64(0x100)
	EFERLMA = uint64(0x400)
	EFERNX  = uint64(0x800)
)
