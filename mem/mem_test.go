package mem

import "testing"

func TestRAMSliceBounds(t *testing.T) {
	r := NewRAM(4 * PGSIZE)
	s := r.Slice(0, PGSIZE)
	if len(s) != PGSIZE {
		t.Fatalf("got %d bytes, want %d", len(s), PGSIZE)
	}
	s[0] = 0xaa
	if r.Bytes[0] != 0xaa {
		t.Fatal("Slice did not alias the backing array")
	}
}

func TestRAMSliceOutOfBoundsPanics(t *testing.T) {
	r := NewRAM(PGSIZE)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-bounds Slice")
		}
	}()
	r.Slice(0, PGSIZE+1)
}

func newTestPMM(pages uint32) *PMM {
	r := NewRAM(pages * PGSIZE)
	p := NewPMM(r)
	p.Init(pages * PGSIZE)
	p.InitRegion(0, pages*PGSIZE)
	return p
}

func TestAllocBlockMarksUsed(t *testing.T) {
	p := newTestPMM(4)
	if p.UsedBlocks() != 0 {
		t.Fatalf("UsedBlocks = %d, want 0 after InitRegion", p.UsedBlocks())
	}
	addr, ok := p.AllocBlock()
	if !ok {
		t.Fatal("AllocBlock failed on a fresh PMM")
	}
	if addr%PGSIZE != 0 {
		t.Fatalf("AllocBlock returned unaligned address 0x%x", addr)
	}
	if p.UsedBlocks() != 1 {
		t.Fatalf("UsedBlocks = %d, want 1", p.UsedBlocks())
	}
}

func TestAllocBlockExhaustion(t *testing.T) {
	p := newTestPMM(2)
	if _, ok := p.AllocBlock(); !ok {
		t.Fatal("first AllocBlock should succeed")
	}
	if _, ok := p.AllocBlock(); !ok {
		t.Fatal("second AllocBlock should succeed")
	}
	if _, ok := p.AllocBlock(); ok {
		t.Fatal("third AllocBlock should fail, bitmap is saturated")
	}
}

func TestFreeBlockAllowsReuse(t *testing.T) {
	p := newTestPMM(1)
	addr, ok := p.AllocBlock()
	if !ok {
		t.Fatal("AllocBlock failed")
	}
	p.FreeBlock(addr)
	if p.UsedBlocks() != 0 {
		t.Fatalf("UsedBlocks = %d, want 0 after FreeBlock", p.UsedBlocks())
	}
	if _, ok := p.AllocBlock(); !ok {
		t.Fatal("AllocBlock should succeed again after a free")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	p := newTestPMM(1)
	addr, _ := p.AllocBlock()
	p.FreeBlock(addr)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	p.FreeBlock(addr)
}

func TestAllocBlocksContiguous(t *testing.T) {
	p := newTestPMM(8)
	base, ok := p.AllocBlocks(4)
	if !ok {
		t.Fatal("AllocBlocks(4) failed on 8-frame PMM")
	}
	if p.UsedBlocks() != 4 {
		t.Fatalf("UsedBlocks = %d, want 4", p.UsedBlocks())
	}
	for i := uint32(0); i < 4; i++ {
		if !p.test(uint32(base)/PGSIZE + i) {
			t.Fatalf("frame %d of the run is not marked used", i)
		}
	}
}

func TestAllocBlockLowRespectsCeiling(t *testing.T) {
	p := newTestPMM(8)
	ceiling := Pa_t(4 * PGSIZE)
	for i := 0; i < 4; i++ {
		addr, ok := p.AllocBlockLow(ceiling)
		if !ok {
			t.Fatalf("AllocBlockLow failed on iteration %d", i)
		}
		if addr >= ceiling {
			t.Fatalf("AllocBlockLow returned 0x%x, at or above ceiling 0x%x", addr, ceiling)
		}
	}
	if _, ok := p.AllocBlockLow(ceiling); ok {
		t.Fatal("AllocBlockLow should fail once every frame below the ceiling is used")
	}
	if _, ok := p.AllocBlock(); !ok {
		t.Fatal("AllocBlock should still find a frame above the ceiling")
	}
}

func TestDeinitRegionReservesKernelImage(t *testing.T) {
	r := NewRAM(4 * PGSIZE)
	p := NewPMM(r)
	p.Init(4 * PGSIZE)
	p.InitRegion(0, 4*PGSIZE)
	p.DeinitRegion(0, 2*PGSIZE)
	if p.UsedBlocks() != 2 {
		t.Fatalf("UsedBlocks = %d, want 2 after reserving 2 frames", p.UsedBlocks())
	}
}
