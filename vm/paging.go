// Package vm implements two-level x86 paging: page directories and page
// tables are ordinary 4 KiB frames allocated from the PMM and addressed
// through the same simulated RAM arena, encoded in their real on-hardware
// layout (1024 little-endian 32-bit entries per table). There is no demand
// paging, copy-on-write, or swap; every mapping installed here stays
// resident until explicitly unmapped or the owning process is torn down.
package vm

import (
	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/mem"
)

// Page table entry flags.
const (
	PTE_P Pa = 1 << 0 // present
	PTE_W Pa = 1 << 1 // writable
	PTE_U Pa = 1 << 2 // user-accessible
)

// Pa mirrors mem.Pa_t for flag arithmetic local to this package.
type Pa = mem.Pa_t

const entriesPerTable = 1024
const entrySize = 4

// lowMemLimit bounds where page directories and page tables themselves may
// live: below a fixed 256 MiB, the top of the classic kernel window. It does
// not follow the kernelWindowEnd passed to Activate, so with a smaller
// configured window a table can sit above that window.
const lowMemLimit = Pa(256 * 1024 * 1024)

// Dir is a page directory, identified by the physical frame holding its
// 1024 entries. It is a thin value type, not a pointer into the RAM arena,
// matching the kernel's habit of passing frame addresses rather than raw
// pointers to page-table memory across package boundaries.
type Dir struct {
	Frame Pa
}

// Paging owns the master (kernel) page directory and the identity-mapping
// policy applied to every process directory created from it.
type Paging struct {
	pmm    *mem.PMM
	ram    *mem.RAM
	Master Dir

	// kernelWindowEnd bounds the identity-mapped low window (kernel code
	// and data).
	kernelWindowEnd Pa
	// hwWindowStart/hwWindowEnd bound the high identity-mapped window used
	// for memory-mapped hardware (3 GiB-4 GiB in the classic layout).
	hwWindowStart, hwWindowEnd uint32
}

// NewPaging creates a Paging manager over the given PMM and RAM. Activate
// must be called once before any mapping operation.
func NewPaging(pmm *mem.PMM, ram *mem.RAM) *Paging {
	return &Paging{pmm: pmm, ram: ram}
}

// RAM returns the address space this paging manager maps pages within.
func (pg *Paging) RAM() *mem.RAM { return pg.ram }

func (pg *Paging) allocTable() (Pa, defs.Err_t) {
	frame, ok := pg.pmm.AllocBlockLow(lowMemLimit)
	if !ok {
		return 0, defs.ENOMEM
	}
	pg.ram.ZeroFrame(frame)
	return frame, defs.EOK
}

func (pg *Paging) entries(frame Pa) []byte {
	return pg.ram.Slice(frame, entriesPerTable*entrySize)
}

func readEntry(tbl []byte, idx uint32) Pa {
	off := int(idx) * entrySize
	return Pa(tbl[off]) | Pa(tbl[off+1])<<8 | Pa(tbl[off+2])<<16 | Pa(tbl[off+3])<<24
}

func writeEntry(tbl []byte, idx uint32, v Pa) {
	off := int(idx) * entrySize
	tbl[off] = byte(v)
	tbl[off+1] = byte(v >> 8)
	tbl[off+2] = byte(v >> 16)
	tbl[off+3] = byte(v >> 24)
}

// Activate builds the master kernel page directory: identity-maps
// [0, kernelWindowEnd) for kernel code and data, and identity-maps the high
// hardware window [hwStart, hwEnd) for memory-mapped I/O. Both windows are
// mapped present+writable, kernel-only.
func (pg *Paging) Activate(kernelWindowEnd Pa, hwStart, hwEnd uint32) defs.Err_t {
	dirFrame, err := pg.allocTable()
	if err != defs.EOK {
		return err
	}
	pg.Master = Dir{Frame: dirFrame}
	pg.kernelWindowEnd = kernelWindowEnd
	pg.hwWindowStart, pg.hwWindowEnd = hwStart, hwEnd

	lowTables := (uint32(kernelWindowEnd) + (4*1024*1024 - 1)) / (4 * 1024 * 1024)
	if err := pg.identityMapRange(dirFrame, 0, lowTables); err != defs.EOK {
		return err
	}

	hiStart := hwStart / (4 * 1024 * 1024)
	hiEnd := (hwEnd + (4*1024*1024 - 1)) / (4 * 1024 * 1024)
	if err := pg.identityMapRange(dirFrame, hiStart, hiEnd); err != defs.EOK {
		return err
	}
	return defs.EOK
}

// identityMapRange fills directory entries [pdStart, pdEnd) with freshly
// allocated, fully populated identity-mapped page tables.
func (pg *Paging) identityMapRange(dirFrame Pa, pdStart, pdEnd uint32) defs.Err_t {
	dir := pg.entries(dirFrame)
	for i := pdStart; i < pdEnd; i++ {
		tblFrame, err := pg.allocTable()
		if err != defs.EOK {
			return err
		}
		tbl := pg.entries(tblFrame)
		for j := uint32(0); j < entriesPerTable; j++ {
			phys := Pa((i*entriesPerTable + j) * mem.PGSIZE)
			writeEntry(tbl, j, phys|PTE_P|PTE_W)
		}
		writeEntry(dir, i, tblFrame|PTE_P|PTE_W)
	}
	return defs.EOK
}

// CreateProcessDirectory allocates a fresh directory for a user process,
// sharing the kernel's low and high identity-mapped windows by copying
// those directory entries (the underlying page tables, and so the kernel's
// mappings, are shared; only the region between kernelWindowEnd and the
// hardware window, 256 MiB-3 GiB in the classic layout, differs per
// process).
func (pg *Paging) CreateProcessDirectory() (Dir, defs.Err_t) {
	newFrame, err := pg.allocTable()
	if err != defs.EOK {
		return Dir{}, err
	}
	newTbl := pg.entries(newFrame)
	masterTbl := pg.entries(pg.Master.Frame)

	lowTables := (uint32(pg.kernelWindowEnd) + (4*1024*1024 - 1)) / (4 * 1024 * 1024)
	for i := uint32(0); i < lowTables; i++ {
		writeEntry(newTbl, i, readEntry(masterTbl, i))
	}
	hiStart := pg.hwWindowStart / (4 * 1024 * 1024)
	hiEnd := (pg.hwWindowEnd + (4*1024*1024 - 1)) / (4 * 1024 * 1024)
	for i := hiStart; i < hiEnd; i++ {
		writeEntry(newTbl, i, readEntry(masterTbl, i))
	}
	return Dir{Frame: newFrame}, defs.EOK
}

// MapPage installs a present mapping from vaddr to paddr in dir, allocating
// a page table on demand if the covering directory entry is not yet
// present. flags are OR'd onto the page table entry (PTE_P is always set).
func (pg *Paging) MapPage(dir Dir, vaddr uint32, paddr Pa, flags Pa) defs.Err_t {
	pdIdx := vaddr >> 22
	ptIdx := (vaddr >> 12) & 0x3ff

	dirTbl := pg.entries(dir.Frame)
	pde := readEntry(dirTbl, pdIdx)
	var tblFrame Pa
	if pde&PTE_P == 0 {
		frame, err := pg.allocTable()
		if err != defs.EOK {
			return err
		}
		tblFrame = frame
		writeEntry(dirTbl, pdIdx, tblFrame|PTE_P|PTE_W|PTE_U)
	} else {
		tblFrame = pde & mem.PGMASK
	}

	tbl := pg.entries(tblFrame)
	writeEntry(tbl, ptIdx, (paddr&mem.PGMASK)|flags|PTE_P)
	return defs.EOK
}

// GetPhysical resolves vaddr to its backing physical address under dir,
// returning ok=false if either the directory entry or the page table entry
// is not present.
func (pg *Paging) GetPhysical(dir Dir, vaddr uint32) (Pa, bool) {
	pdIdx := vaddr >> 22
	ptIdx := (vaddr >> 12) & 0x3ff

	dirTbl := pg.entries(dir.Frame)
	pde := readEntry(dirTbl, pdIdx)
	if pde&PTE_P == 0 {
		return 0, false
	}
	tbl := pg.entries(pde & mem.PGMASK)
	pte := readEntry(tbl, ptIdx)
	if pte&PTE_P == 0 {
		return 0, false
	}
	return (pte & mem.PGMASK) | Pa(vaddr)&mem.PGOFFSET, true
}

// WriteAt copies data into the pages mapped at vaddr under dir, crossing
// page boundaries as needed. Every byte's destination page must already be
// mapped; an unmapped page is reported as EFAULT rather than silently
// skipped, since the ELF loader always maps a segment's full page range
// before it streams data into it.
func (pg *Paging) WriteAt(dir Dir, vaddr uint32, data []byte) defs.Err_t {
	remaining := data
	addr := vaddr
	for len(remaining) > 0 {
		phys, ok := pg.GetPhysical(dir, addr)
		if !ok {
			return defs.EFAULT
		}
		offInPage := addr % mem.PGSIZE
		space := uint32(mem.PGSIZE) - offInPage
		chunk := util32Min(uint32(len(remaining)), space)
		copy(pg.ram.Slice(phys, int(chunk)), remaining[:chunk])
		remaining = remaining[chunk:]
		addr += chunk
	}
	return defs.EOK
}

// ZeroAt zero-fills n bytes starting at vaddr under dir, used for a
// segment's BSS tail (memsz - filesz).
func (pg *Paging) ZeroAt(dir Dir, vaddr uint32, n uint32) defs.Err_t {
	addr := vaddr
	remaining := n
	for remaining > 0 {
		phys, ok := pg.GetPhysical(dir, addr)
		if !ok {
			return defs.EFAULT
		}
		offInPage := addr % mem.PGSIZE
		space := uint32(mem.PGSIZE) - offInPage
		chunk := util32Min(remaining, space)
		b := pg.ram.Slice(phys, int(chunk))
		for i := range b {
			b[i] = 0
		}
		remaining -= chunk
		addr += chunk
	}
	return defs.EOK
}

func util32Min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// ReleaseUserSpace frees every frame mapped in dir's user region, the
// page tables covering it, and finally the directory frame itself. The
// kernel and hardware windows share their page tables with the master
// directory and are left untouched. dir must not be the master directory
// and must not be active in any runnable thread.
func (pg *Paging) ReleaseUserSpace(dir Dir) {
	dirTbl := pg.entries(dir.Frame)
	lowTables := (uint32(pg.kernelWindowEnd) + (4*1024*1024 - 1)) / (4 * 1024 * 1024)
	userEnd := uint32(entriesPerTable)
	if pg.hwWindowEnd > pg.hwWindowStart {
		userEnd = pg.hwWindowStart / (4 * 1024 * 1024)
	}
	for i := lowTables; i < userEnd; i++ {
		pde := readEntry(dirTbl, i)
		if pde&PTE_P == 0 {
			continue
		}
		tblFrame := pde & mem.PGMASK
		tbl := pg.entries(tblFrame)
		for j := uint32(0); j < entriesPerTable; j++ {
			pte := readEntry(tbl, j)
			if pte&PTE_P != 0 {
				pg.pmm.FreeBlock(pte & mem.PGMASK)
			}
		}
		pg.pmm.FreeBlock(tblFrame)
		writeEntry(dirTbl, i, 0)
	}
	pg.pmm.FreeBlock(dir.Frame)
}

// UnmapPage clears the mapping for vaddr, if present. It does not free the
// backing frame; callers that own the frame are responsible for returning
// it to the PMM.
func (pg *Paging) UnmapPage(dir Dir, vaddr uint32) {
	pdIdx := vaddr >> 22
	ptIdx := (vaddr >> 12) & 0x3ff
	dirTbl := pg.entries(dir.Frame)
	pde := readEntry(dirTbl, pdIdx)
	if pde&PTE_P == 0 {
		return
	}
	tbl := pg.entries(pde & mem.PGMASK)
	writeEntry(tbl, ptIdx, 0)
}
