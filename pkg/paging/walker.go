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

package paging

import (
	"fmt"

	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// Page table entry bits, common to every format that has them.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	writeThrough   = 0x008
	cacheDisable   = 0x010
	accessed       = 0x020
	dirty          = 0x040
	super          = 0x080
	global         = 0x100
	executeDisable = uint64(1) << 63

	// physMask covers the frame bits of a 64-bit entry.
	physMask = uint64(0x000FFFFFFFFFF000)
)

func (b *Bus) walk(la uint64, acc Access) (uint64, error) {
	switch {
	case b.lma:
		return b.walkLong(la, acc)
	case b.pae:
		return b.walkPAE(la, acc)
	default:
		return b.walkLegacy(la, acc)
	}
}

// fault builds the guest-visible fault for la. Present is false for a
// missing translation, true for a permission violation on a complete one.
func (b *Bus) fault(la uint64, acc Access, present bool) error {
	code := x86.PFErrorCode(present, acc.Write, b.user)
	if acc.Execute && b.nxe {
		code |= x86.PFErrFetch
	}
	return &FaultError{Addr: la, Code: code}
}

// check applies the accumulated entry bits to the access. The user bit of
// the error code reflects the cached CPL, not the page's own user bit.
func (b *Bus) check(la uint64, acc Access, canWrite, canUser, noExec bool) error {
	if b.user {
		if !canUser {
			return b.fault(la, acc, true)
		}
		if acc.Write && !canWrite {
			return b.fault(la, acc, true)
		}
	} else if acc.Write && b.wp && !canWrite {
		return b.fault(la, acc, true)
	}
	if acc.Execute && b.nxe && noExec {
		return b.fault(la, acc, true)
	}
	return nil
}

// visited records one page-table entry touched by a walk so accessed and
// dirty bits can be folded back in once the access is known to succeed.
type visited struct {
	addr uint64
	ent  uint64
	wide bool // 64-bit entry.
	leaf bool
}

// updateBits sets the accessed bit on every visited entry and the dirty bit
// on the leaf for writes, mirroring what the MMU does as it walks.
func (b *Bus) updateBits(ents []visited, write bool) error {
	for _, v := range ents {
		want := v.ent | accessed
		if write && v.leaf {
			want |= dirty
		}
		if want == v.ent {
			continue
		}
		var err error
		if v.wide {
			err = b.mem.Write64(v.addr, want)
		} else {
			err = b.mem.Write32(v.addr, uint32(want))
		}
		if err != nil {
			return fmt.Errorf("page table writeback at %#x: %w", v.addr, err)
		}
	}
	return nil
}

// walkLong resolves la through the four-level long mode tables, honoring
// 1GiB and 2MiB leaves.
func (b *Bus) walkLong(la uint64, acc Access) (uint64, error) {
	var (
		ents     [4]visited
		canWrite = true
		canUser  = true
		noExec   = false
	)
	table := b.cr3 & physMask
	for level := 0; level < 4; level++ {
		shift := uint(39 - 9*level)
		entAddr := table + (la>>shift&0x1FF)*8
		ent, err := b.mem.Read64(entAddr)
		if err != nil {
			return 0, fmt.Errorf("page table read at %#x: %w", entAddr, err)
		}
		if ent&present == 0 {
			return 0, b.fault(la, acc, false)
		}
		canWrite = canWrite && ent&writable != 0
		canUser = canUser && ent&user != 0
		noExec = noExec || ent&executeDisable != 0

		leaf := level == 3
		var pageMask uint64
		switch {
		case leaf:
			pageMask = 0xFFF
		case level == 1 && ent&super != 0:
			leaf, pageMask = true, 0x3FFF_FFFF
		case level == 2 && ent&super != 0:
			leaf, pageMask = true, 0x1F_FFFF
		}
		ents[level] = visited{addr: entAddr, ent: ent, wide: true, leaf: leaf}
		if leaf {
			if err := b.check(la, acc, canWrite, canUser, noExec); err != nil {
				return 0, err
			}
			if err := b.updateBits(ents[:level+1], acc.Write); err != nil {
				return 0, err
			}
			return ent&physMask&^pageMask | la&pageMask, nil
		}
		table = ent & physMask
	}
	panic("unreachable")
}

// walkPAE resolves a 32-bit la through the three-level PAE tables. The
// top-level directory-pointer entries carry only a present bit; permissions
// start at the directory level.
func (b *Bus) walkPAE(la uint64, acc Access) (uint64, error) {
	la &= 0xFFFF_FFFF

	pdpteAddr := b.cr3&0xFFFF_FFE0 + (la>>30&0x3)*8
	pdpte, err := b.mem.Read64(pdpteAddr)
	if err != nil {
		return 0, fmt.Errorf("page table read at %#x: %w", pdpteAddr, err)
	}
	if pdpte&present == 0 {
		return 0, b.fault(la, acc, false)
	}

	pdeAddr := pdpte&physMask + (la>>21&0x1FF)*8
	pde, err := b.mem.Read64(pdeAddr)
	if err != nil {
		return 0, fmt.Errorf("page table read at %#x: %w", pdeAddr, err)
	}
	if pde&present == 0 {
		return 0, b.fault(la, acc, false)
	}
	canWrite := pde&writable != 0
	canUser := pde&user != 0
	noExec := pde&executeDisable != 0

	if pde&super != 0 {
		// 2MiB page.
		if err := b.check(la, acc, canWrite, canUser, noExec); err != nil {
			return 0, err
		}
		ents := []visited{{addr: pdeAddr, ent: pde, wide: true, leaf: true}}
		if err := b.updateBits(ents, acc.Write); err != nil {
			return 0, err
		}
		return pde&physMask&^uint64(0x1F_FFFF) | la&0x1F_FFFF, nil
	}

	pteAddr := pde&physMask + (la>>12&0x1FF)*8
	pte, err := b.mem.Read64(pteAddr)
	if err != nil {
		return 0, fmt.Errorf("page table read at %#x: %w", pteAddr, err)
	}
	if pte&present == 0 {
		return 0, b.fault(la, acc, false)
	}
	canWrite = canWrite && pte&writable != 0
	canUser = canUser && pte&user != 0
	noExec = noExec || pte&executeDisable != 0
	if err := b.check(la, acc, canWrite, canUser, noExec); err != nil {
		return 0, err
	}
	ents := []visited{
		{addr: pdeAddr, ent: pde, wide: true},
		{addr: pteAddr, ent: pte, wide: true, leaf: true},
	}
	if err := b.updateBits(ents, acc.Write); err != nil {
		return 0, err
	}
	return pte&physMask | la&0xFFF, nil
}

// walkLegacy resolves a 32-bit la through the two-level non-PAE tables,
// honoring 4MiB leaves when CR4.PSE is on.
func (b *Bus) walkLegacy(la uint64, acc Access) (uint64, error) {
	la &= 0xFFFF_FFFF

	pdeAddr := b.cr3&0xFFFF_F000 + (la>>22&0x3FF)*4
	pde32, err := b.mem.Read32(pdeAddr)
	if err != nil {
		return 0, fmt.Errorf("page table read at %#x: %w", pdeAddr, err)
	}
	pde := uint64(pde32)
	if pde&present == 0 {
		return 0, b.fault(la, acc, false)
	}
	canWrite := pde&writable != 0
	canUser := pde&user != 0

	if b.pse && pde&super != 0 {
		// 4MiB page.
		if err := b.check(la, acc, canWrite, canUser, false); err != nil {
			return 0, err
		}
		ents := []visited{{addr: pdeAddr, ent: pde, leaf: true}}
		if err := b.updateBits(ents, acc.Write); err != nil {
			return 0, err
		}
		return pde&0xFFC0_0000 | la&0x3F_FFFF, nil
	}

	pteAddr := pde&0xFFFF_F000 + (la>>12&0x3FF)*4
	pte32, err := b.mem.Read32(pteAddr)
	if err != nil {
		return 0, fmt.Errorf("page table read at %#x: %w", pteAddr, err)
	}
	pte := uint64(pte32)
	if pte&present == 0 {
		return 0, b.fault(la, acc, false)
	}
	canWrite = canWrite && pte&writable != 0
	canUser = canUser && pte&user != 0
	if err := b.check(la, acc, canWrite, canUser, false); err != nil {
		return 0, err
	}
	ents := []visited{
		{addr: pdeAddr, ent: pde},
		{addr: pteAddr, ent: pte, leaf: true},
	}
	if err := b.updateBits(ents, acc.Write); err != nil {
		return 0, err
	}
	return pte&0xFFFF_F000 | la&0xFFF, nil
}
