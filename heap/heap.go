// Package heap implements the kernel heap: a linear bump allocator fed by
// whole pages from the PMM, with a singly linked index of issued blocks so
// that freed blocks can be reused by a later allocation of equal or
// smaller size. There is no splitting or coalescing of blocks; once a span
// is carved from the bump pointer, its size never changes. The allocator
// therefore wastes memory a general-purpose one would reclaim, trading
// fragmentation resistance for the very small, auditable implementation a
// kernel heap wants.
package heap

import (
	"sync"

	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/mem"
	"github.com/sdmdg/Hashx86-sub000/util"
)

// block is one node of the heap's block index. Free blocks are searched
// first-fit before the bump pointer is advanced for a new allocation.
type block struct {
	addr uint32
	size int
	free bool
	next *block
}

// Heap is the kernel's dynamic-memory arena over a span of PMM frames. The
// driver loader places driver sections in it; PCBs, TCBs, and the symbol
// table are ordinary Go values and do not live here.
type Heap struct {
	mu sync.Mutex

	ram *mem.RAM
	pmm *mem.PMM

	start, brk, end uint32
	head            *block
}

// NewHeap creates a heap bound to ram/pmm. InitSpan must be called before
// any allocation.
func NewHeap(ram *mem.RAM, pmm *mem.PMM) *Heap {
	return &Heap{ram: ram, pmm: pmm}
}

// InitSpan carves pageCount contiguous pages from the PMM and designates
// them as the heap's backing span. The bump pointer starts at the base of
// the span (16 bytes in when the span starts at physical address 0) and
// the block index starts empty.
func (h *Heap) InitSpan(pageCount uint32) defs.Err_t {
	base, ok := h.pmm.AllocBlocks(pageCount)
	if !ok {
		return defs.ENOMEM
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start = uint32(base)
	h.brk = h.start
	// Address 0 doubles as the null sentinel (see Krealloc), so a span that
	// starts at physical 0 never hands that address out as a block.
	if h.brk == 0 {
		h.brk = 16
	}
	h.end = h.start + pageCount*mem.PGSIZE
	h.head = nil
	return defs.EOK
}

// RAMSlice exposes n bytes of the heap's backing RAM at a physical address
// previously returned by Kmalloc, for callers (the driver loader) that
// need to patch or inspect heap-resident bytes directly rather than
// through the slice Kmalloc originally returned.
func (h *Heap) RAMSlice(addr uint32, n int) []byte {
	return h.ram.Slice(mem.Pa_t(addr), n)
}

// Span reports the current heap bounds: the span start, the bump pointer,
// and the span end.
func (h *Heap) Span() (start, brk, end uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.start, h.brk, h.end
}

// kbrk advances the bump pointer by size bytes and returns the address of
// the region it claimed. Callers must already hold h.mu.
func (h *Heap) kbrk(size int) (uint32, defs.Err_t) {
	if size <= 0 {
		return 0, defs.EINVAL
	}
	need := uint32(size)
	if h.end-h.brk < need {
		return 0, defs.ENOHEAP
	}
	addr := h.brk
	h.brk += need
	return addr, defs.EOK
}

// firstFit returns the first free block whose size is >= size, or nil.
func (h *Heap) firstFit(size int) *block {
	for b := h.head; b != nil; b = b.next {
		if b.free && b.size >= size {
			return b
		}
	}
	return nil
}

func (h *Heap) lastBlock() *block {
	b := h.head
	for b.next != nil {
		b = b.next
	}
	return b
}

// Kmalloc returns a slice of size bytes backed by the heap's span, reusing
// a freed block of sufficient size if one exists and otherwise bumping the
// allocator forward. The returned addr is the block's physical address,
// suitable for use as a relocation target or for mapping into a process.
func (h *Heap) Kmalloc(size int) (data []byte, addr uint32, err defs.Err_t) {
	if size <= 0 {
		return nil, 0, defs.EINVAL
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if reuse := h.firstFit(size); reuse != nil {
		reuse.free = false
		return h.ram.Slice(mem.Pa_t(reuse.addr), reuse.size)[:size], reuse.addr, defs.EOK
	}

	a, kerr := h.kbrk(size)
	if kerr != defs.EOK {
		return nil, 0, kerr
	}
	nb := &block{addr: a, size: size, free: false}
	if h.head == nil {
		h.head = nb
	} else {
		h.lastBlock().next = nb
	}
	return h.ram.Slice(mem.Pa_t(a), size), a, defs.EOK
}

// AlignedKmalloc returns a block whose address is a multiple of align,
// implemented by over-allocating size+align-1 bytes from Kmalloc and
// re-keying the block record at the aligned address so Kfree matches it;
// the bytes skipped below the aligned address are never reused. align must
// be a power of two.
func (h *Heap) AlignedKmalloc(size, align int) (data []byte, addr uint32, err defs.Err_t) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, 0, defs.EINVAL
	}
	raw, rawAddr, kerr := h.Kmalloc(size + align - 1)
	if kerr != defs.EOK {
		return nil, 0, kerr
	}
	aligned := util.Roundup(rawAddr, uint32(align))
	off := int(aligned - rawAddr)
	if off > 0 {
		h.mu.Lock()
		for b := h.head; b != nil; b = b.next {
			if b.addr == rawAddr {
				b.addr = aligned
				b.size -= off
				break
			}
		}
		h.mu.Unlock()
	}
	return raw[off : off+size], aligned, defs.EOK
}

// Kfree marks the block starting at addr free, making it eligible for
// reuse by a future Kmalloc of equal or smaller size. Freeing an address
// that is not a live block start is a contract violation and panics,
// matching the kernel's general policy of treating internal misuse as
// fatal rather than returning an error the caller might ignore.
func (h *Heap) Kfree(addr uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for b := h.head; b != nil; b = b.next {
		if b.addr == addr {
			b.free = true
			return
		}
	}
	panic("heap: kfree of unknown block")
}

// Krealloc allocates a new block of size bytes, copies the lesser of the
// old and new sizes from addr, and frees the old block. A null addr (0)
// behaves as Kmalloc; a size of 0 frees addr and returns null, matching the
// contract of every other realloc-shaped allocator in this class of kernel.
func (h *Heap) Krealloc(addr uint32, size int) (data []byte, newAddr uint32, err defs.Err_t) {
	if addr == 0 {
		return h.Kmalloc(size)
	}
	if size == 0 {
		h.Kfree(addr)
		return nil, 0, defs.EOK
	}

	h.mu.Lock()
	var old *block
	for b := h.head; b != nil; b = b.next {
		if b.addr == addr {
			old = b
			break
		}
	}
	h.mu.Unlock()
	if old == nil {
		return nil, 0, defs.EINVAL
	}

	newData, newA, kerr := h.Kmalloc(size)
	if kerr != defs.EOK {
		return nil, 0, kerr
	}
	oldData := h.ram.Slice(mem.Pa_t(old.addr), old.size)
	copy(newData, oldData[:util.Min(old.size, size)])
	h.Kfree(addr)
	return newData, newA, defs.EOK
}
