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

// Package paging implements the privilege-aware address-translation bus.
//
// The Bus translates linear to physical addresses by walking the guest's own
// page tables, and permission-checks every access against a cached snapshot
// of the control registers and the current privilege level. The cache is
// deliberately lazy: it only changes when Resync is called. Callers that
// change CR3, paging control bits, or the privilege level must resync at the
// architecturally correct instant; until they do, the Bus keeps checking
// against the stale snapshot. The delivery and IRET sequences in pkg/vcpu
// depend on exactly this property.
//
// Guest-visible translation failures are *FaultError values carrying the
// page-fault error code. Anything else (a physical address outside guest
// RAM, a paging structure off the end of the region) is a host configuration
// problem and comes back as an ordinary error.
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/wilsonzlin/aero-sub017/pkg/guestmem"
	"github.com/wilsonzlin/aero-sub017/pkg/log"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// ControlState is the slice of architectural state the Bus snapshots on
// Resync. The CPU owns the real values; the Bus never reads them directly.
type ControlState struct {
	CR3  uint64
	CR0  uint64
	CR4  uint64
	EFER uint64
	CPL  uint8
}

// Access describes an access for permission checking. Whether the access is
// a user or supervisor one is not part of Access: it follows from the CPL
// cached at the last Resync.
type Access struct {
	// Write is set for stores.
	Write bool

	// Execute is set for instruction fetches.
	Execute bool
}

func (a Access) String() string {
	switch {
	case a.Execute:
		return "exec"
	case a.Write:
		return "write"
	default:
		return "read"
	}
}

// FaultError is a guest-visible translation fault. It carries everything a
// page-fault exception needs: the linear address (CR2 payload) and the
// architectural error code.
type FaultError struct {
	// Addr is the faulting linear address.
	Addr uint64

	// Code is the page-fault error code.
	Code uint32
}

// Error implements error.Error.
func (f *FaultError) Error() string {
	return fmt.Sprintf("page fault at %#x (code %#x)", f.Addr, f.Code)
}

// AsFault extracts a FaultError, if err is one.
func AsFault(err error) (*FaultError, bool) {
	var f *FaultError
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Bus is the address-translation bus for one logical CPU.
type Bus struct {
	mem *guestmem.Memory

	// Cached control snapshot, updated only by Resync.
	cr3  uint64
	pg   bool
	wp   bool
	pae  bool
	pse  bool
	lma  bool
	nxe  bool
	user bool // Cached CPL == 3.
	cpl  uint8

	faultLog log.Logger
}

// NewBus returns a Bus over the given physical memory. The cache starts out
// as if Resync had been called with the zero ControlState: paging off,
// supervisor privilege.
func NewBus(mem *guestmem.Memory) *Bus {
	return &Bus{
		mem:      mem,
		faultLog: log.BasicRateLimitedLogger(time.Second),
	}
}

// Memory returns the underlying physical region, for callers that need
// untranslated access (fixture builders, table dumps).
func (b *Bus) Memory() *guestmem.Memory {
	return b.mem
}

// Resync snapshots the control state. Every Translate, Read and Write after
// this call is checked against s, no matter what the CPU registers say in
// the meantime.
func (b *Bus) Resync(s ControlState) {
	b.cr3 = s.CR3
	b.pg = s.CR0&x86.CR0PG != 0 && s.CR0&x86.CR0PE != 0
	b.wp = s.CR0&x86.CR0WP != 0
	b.pae = s.CR4&x86.CR4PAE != 0
	b.pse = s.CR4&x86.CR4PSE != 0
	b.lma = s.EFER&x86.EFERLMA != 0
	b.nxe = s.EFER&x86.EFERNX != 0
	b.cpl = s.CPL
	b.user = s.CPL == 3
}

// CachedCPL returns the privilege level of the last Resync. The delivery
// tests use it to pin down when the cache went stale.
func (b *Bus) CachedCPL() uint8 {
	return b.cpl
}

// CachedCR3 returns the translation root of the last Resync.
func (b *Bus) CachedCR3() uint64 {
	return b.cr3
}

// Translate resolves a linear address for the given access, setting
// accessed/dirty bits along the way. It returns the physical address, a
// *FaultError for a guest-visible fault, or an ordinary error for host
// problems.
func (b *Bus) Translate(la uint64, acc Access) (uint64, error) {
	if !b.pg {
		return la, nil
	}
	pa, err := b.walk(la, acc)
	if err != nil {
		if f, ok := AsFault(err); ok && b.faultLog.IsLogging(log.Debug) {
			b.faultLog.Debugf("translate %s %#x: fault code %#x (cpl %d)", acc, la, f.Code, b.cpl)
		}
		return 0, err
	}
	return pa, nil
}

// ReadBytes reads len(p) bytes at la, translating page by page.
func (b *Bus) ReadBytes(la uint64, p []byte) error {
	return b.bytes(la, p, Access{})
}

// WriteBytes writes p at la, translating page by page.
func (b *Bus) WriteBytes(la uint64, p []byte) error {
	return b.bytes(la, p, Access{Write: true})
}

func (b *Bus) bytes(la uint64, p []byte, acc Access) error {
	for len(p) > 0 {
		pa, err := b.Translate(la, acc)
		if err != nil {
			return err
		}
		n := guestmem.PageSize - int(la&(guestmem.PageSize-1))
		if n > len(p) {
			n = len(p)
		}
		if acc.Write {
			err = b.mem.Write(pa, p[:n])
		} else {
			err = b.mem.Read(pa, p[:n])
		}
		if err != nil {
			return err
		}
		la += uint64(n)
		p = p[n:]
	}
	return nil
}

// Read8 reads a byte at la.
func (b *Bus) Read8(la uint64) (uint8, error) {
	var buf [1]byte
	if err := b.ReadBytes(la, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Read16 reads a little-endian 16-bit value at la.
func (b *Bus) Read16(la uint64) (uint16, error) {
	var buf [2]byte
	if err := b.ReadBytes(la, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// Read32 reads a little-endian 32-bit value at la.
func (b *Bus) Read32(la uint64) (uint32, error) {
	var buf [4]byte
	if err := b.ReadBytes(la, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Read64 reads a little-endian 64-bit value at la.
func (b *Bus) Read64(la uint64) (uint64, error) {
	var buf [8]byte
	if err := b.ReadBytes(la, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write16 writes a little-endian 16-bit value at la.
func (b *Bus) Write16(la uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return b.WriteBytes(la, buf[:])
}

// Write32 writes a little-endian 32-bit value at la.
func (b *Bus) Write32(la uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.WriteBytes(la, buf[:])
}

// Write64 writes a little-endian 64-bit value at la.
func (b *Bus) Write64(la uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.WriteBytes(la, buf[:])
}
