// Package elfload implements the ELF executable loader: it validates a
// 32-bit ET_EXEC image, creates a process for it, maps and populates each
// PT_LOAD segment (zero-filling the BSS tail where memsz exceeds filesz),
// and carves an initial user heap immediately above the highest loaded
// segment. There is no dynamic linking and no demand paging; every
// loadable byte of the image is resident before the process's first
// thread ever runs.
package elfload

import (
	"debug/elf"
	"io"

	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/mem"
	"github.com/sdmdg/Hashx86-sub000/sched"
	"github.com/sdmdg/Hashx86-sub000/vm"
)

// InitialHeapPages is the number of 4 KiB pages carved for a freshly
// loaded process's heap, 256 KiB.
const InitialHeapPages = 64

// MaxHeapGrowth is how far above its initial end a process's heap may grow;
// the loader records the resulting ceiling as HeapSpan.Max, which bounds
// growth through sys_sbrk.
const MaxHeapGrowth = 16 * 1024 * 1024

const mapFlags = vm.PTE_P | vm.PTE_W | vm.PTE_U

// Load validates and loads an ELF32 executable from r, returning the
// process it was loaded into. arg is passed to the process's initial
// thread exactly as sys_clone would pass a thread argument.
func Load(r io.ReaderAt, arg uint32, sch *sched.Scheduler, pg *vm.Paging, pmm *mem.PMM) (*sched.Process, defs.Err_t) {
	f, ferr := elf.NewFile(r)
	if ferr != nil {
		return nil, defs.EBADIMAGE
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Type != elf.ET_EXEC || f.Machine != elf.EM_386 {
		return nil, defs.EBADIMAGE
	}

	proc, perr := sch.CreateProcess(false, func(uint32) {}, arg)
	if perr != defs.EOK {
		return nil, perr
	}

	var maxVirtEnd uint32
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		start := uint32(prog.Vaddr)
		end := start + uint32(prog.Memsz)
		pageStart := mem.Rounddown(start, mem.PGSIZE)
		pageEnd := mem.Rounddown(end+mem.PGSIZE-1, mem.PGSIZE)

		for addr := pageStart; addr < pageEnd; addr += mem.PGSIZE {
			frame, ok := pmm.AllocBlock()
			if !ok {
				return nil, defs.ENOMEM
			}
			if err := pg.MapPage(proc.Dir, addr, frame, mapFlags); err != defs.EOK {
				return nil, err
			}
		}

		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, defs.EBADIMAGE
		}
		if err := pg.WriteAt(proc.Dir, start, data); err != defs.EOK {
			return nil, err
		}

		bssLen := uint32(prog.Memsz) - uint32(prog.Filesz)
		if bssLen > 0 {
			if err := pg.ZeroAt(proc.Dir, start+uint32(prog.Filesz), bssLen); err != defs.EOK {
				return nil, err
			}
		}

		if end > maxVirtEnd {
			maxVirtEnd = end
		}
	}

	heapStart := mem.Rounddown(maxVirtEnd+mem.PGSIZE-1, mem.PGSIZE)
	heapEnd := heapStart + InitialHeapPages*mem.PGSIZE

	for addr := heapStart; addr < heapEnd; addr += mem.PGSIZE {
		frame, ok := pmm.AllocBlock()
		if !ok {
			return nil, defs.ENOMEM
		}
		pg.RAM().ZeroFrame(frame)
		if err := pg.MapPage(proc.Dir, addr, frame, mapFlags); err != defs.EOK {
			return nil, err
		}
	}

	proc.Heap = sched.HeapSpan{
		Start: heapStart,
		End:   heapEnd,
		Max:   heapEnd + MaxHeapGrowth,
	}

	return proc, defs.EOK
}

// Entry returns the entry-point virtual address recorded in the ELF
// header, for callers that want to record it separately from the process
// object (the scheduler's thread context does not carry a raw EIP to jump
// to in this hosted model; see syscall's entryTrampoline).
func Entry(r io.ReaderAt) (uint32, defs.Err_t) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, defs.EBADIMAGE
	}
	defer f.Close()
	return uint32(f.Entry), defs.EOK
}
