package syscall

import (
	"testing"

	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/heap"
	"github.com/sdmdg/Hashx86-sub000/intr"
	"github.com/sdmdg/Hashx86-sub000/klog"
	"github.com/sdmdg/Hashx86-sub000/mem"
	"github.com/sdmdg/Hashx86-sub000/sched"
	"github.com/sdmdg/Hashx86-sub000/vm"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestGate(t *testing.T, totalPages uint32) (*Gate, *mem.RAM, *sched.Scheduler) {
	t.Helper()
	r := mem.NewRAM(totalPages * mem.PGSIZE)
	pmm := mem.NewPMM(r)
	pmm.Init(totalPages * mem.PGSIZE)
	pmm.InitRegion(0, totalPages*mem.PGSIZE)
	pg := vm.NewPaging(pmm, r)
	if err := pg.Activate(vm.Pa(8*mem.PGSIZE), 0, 0); err != defs.EOK {
		t.Fatalf("Activate: %v", err)
	}
	h := heap.NewHeap(r, pmm)
	if err := h.InitSpan(8); err != defs.EOK {
		t.Fatalf("InitSpan: %v", err)
	}
	s := sched.New(pmm, pg)
	idt := intr.NewIDT()
	log := klog.New(discardWriter{})

	g := &Gate{Sched: s, Heap: h, RAM: r, Paging: pg, PMM: pmm, IDT: idt, Log: log, PeekLimit: uint32(8 * mem.PGSIZE)}
	return g, r, s
}

func TestSysRestartSetsResetRequested(t *testing.T) {
	g, _, _ := newTestGate(t, 16)
	ctx := &intr.Context{Eax: SysRestart}
	g.Handle(ctx)
	if !g.IDT.ResetRequested {
		t.Fatal("sys_restart should set IDT.ResetRequested")
	}
}

func TestSysPeekMemoryWithinBounds(t *testing.T) {
	g, ram, _ := newTestGate(t, 16)
	ram.Bytes[0x100] = 0xab
	result := make([]byte, 4)
	resultAddr := uint32(0x200)
	ctx := &intr.Context{Eax: SysPeekMemory, Ebx: 0x100, Ecx: 1, Edx: resultAddr}
	g.Handle(ctx)
	copy(result, ram.Slice(mem.Pa_t(resultAddr), 4))
	if result[0] != 0xab {
		t.Fatalf("peeked byte = 0x%x, want 0xab", result[0])
	}
}

func TestSysPeekMemoryRejectsOutOfBounds(t *testing.T) {
	g, ram, _ := newTestGate(t, 16)
	resultAddr := uint32(0x200)
	ctx := &intr.Context{Eax: SysPeekMemory, Ebx: g.PeekLimit, Ecx: 1, Edx: resultAddr}
	g.Handle(ctx)
	got := ram.Slice(mem.Pa_t(resultAddr), 4)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = 0x%x, want 0 for a rejected peek", i, b)
		}
	}
}

func TestSysCloneCreatesThread(t *testing.T) {
	g, ram, s := newTestGate(t, 16)
	before := s.ReadyLen()
	resultAddr := uint32(0x300)
	ctx := &intr.Context{Eax: SysClone, Ebx: 0, Ecx: 42, Edx: resultAddr}
	g.Handle(ctx)
	if s.ReadyLen() != before+1 {
		t.Fatalf("ReadyLen() = %d, want %d after sys_clone", s.ReadyLen(), before+1)
	}
	tid := ram.Slice(mem.Pa_t(resultAddr), 4)
	if tid[0] == 0 && tid[1] == 0 && tid[2] == 0 && tid[3] == 0 {
		t.Fatal("sys_clone should write a nonzero tid back to the caller")
	}
}

func TestSysExitTerminatesCurrentThread(t *testing.T) {
	g, _, s := newTestGate(t, 16)
	proc, _ := s.CreateProcess(false, func(uint32) {}, 0)
	th := proc.Threads[0]
	s.Schedule(th.Ctx) // make th current

	ctx := &intr.Context{Eax: SysExit}
	g.Handle(ctx)

	if th.State != sched.StateTerminated {
		t.Fatalf("thread state = %v, want Terminated after sys_exit", th.State)
	}
}

func TestHsysGetHeapReportsProcessHeap(t *testing.T) {
	g, ram, s := newTestGate(t, 16)
	proc, _ := s.CreateProcess(false, func(uint32) {}, 0)
	proc.Heap = sched.HeapSpan{Start: 0x1000, End: 0x2000}
	s.Schedule(proc.Threads[0].Ctx)

	paramsAddr := uint32(0x400)
	resultAddr := uint32(0x410)
	ctx := &intr.Context{Eax: SysHcall, Ebx: HsysGetHeap, Ecx: paramsAddr, Edx: resultAddr}
	g.Handle(ctx)

	params := ram.Slice(mem.Pa_t(paramsAddr), 8)
	start := uint32(params[0]) | uint32(params[1])<<8 | uint32(params[2])<<16 | uint32(params[3])<<24
	if start != 0x1000 {
		t.Fatalf("reported heap start = 0x%x, want 0x1000", start)
	}
}

func TestGuiGateForwardsToService(t *testing.T) {
	log := klog.New(discardWriter{})
	called := false
	svc := guiServiceFunc(func(ctx *intr.Context) *intr.Context {
		called = true
		return ctx
	})
	gate := &GuiGate{Service: svc, Log: log}
	gate.Handle(&intr.Context{})
	if !called {
		t.Fatal("GuiGate did not forward to the registered service")
	}
}

func TestGuiGateNoServiceDoesNotPanic(t *testing.T) {
	log := klog.New(discardWriter{})
	gate := &GuiGate{Log: log}
	gate.Handle(&intr.Context{}) // must not panic with no service registered
}

type guiServiceFunc func(ctx *intr.Context) *intr.Context

func (f guiServiceFunc) Dispatch(ctx *intr.Context) *intr.Context { return f(ctx) }

func TestSysSbrkGrowsHeapAndReturnsOldEnd(t *testing.T) {
	g, ram, s := newTestGate(t, 64)
	proc, _ := s.CreateProcess(false, func(uint32) {}, 0)
	proc.Heap = sched.HeapSpan{
		Start: 0x400000,
		End:   0x410000,
		Max:   0x410000 + 16*1024*1024,
	}
	s.Schedule(proc.Threads[0].Ctx)

	resultAddr := uint32(0x500)
	ctx := &intr.Context{Eax: SysSbrk, Ebx: 2 * mem.PGSIZE, Edx: resultAddr}
	g.Handle(ctx)

	res := ram.Slice(mem.Pa_t(resultAddr), 4)
	old := uint32(res[0]) | uint32(res[1])<<8 | uint32(res[2])<<16 | uint32(res[3])<<24
	if old != 0x410000 {
		t.Fatalf("sbrk returned 0x%x, want the previous heap end 0x410000", old)
	}
	if proc.Heap.End != 0x410000+2*mem.PGSIZE {
		t.Fatalf("heap end = 0x%x, want 0x%x", proc.Heap.End, 0x410000+2*mem.PGSIZE)
	}
	// The fresh pages must be mapped and zeroed.
	for addr := uint32(0x410000); addr < proc.Heap.End; addr += mem.PGSIZE {
		phys, ok := g.Paging.GetPhysical(proc.Dir, addr)
		if !ok {
			t.Fatalf("grown page 0x%x not mapped", addr)
		}
		for _, b := range ram.Slice(phys, mem.PGSIZE) {
			if b != 0 {
				t.Fatalf("grown page 0x%x not zeroed", addr)
			}
		}
	}
}

func TestSysSbrkRejectsGrowthPastCeiling(t *testing.T) {
	g, ram, s := newTestGate(t, 64)
	proc, _ := s.CreateProcess(false, func(uint32) {}, 0)
	proc.Heap = sched.HeapSpan{Start: 0x400000, End: 0x410000, Max: 0x411000}
	s.Schedule(proc.Threads[0].Ctx)

	resultAddr := uint32(0x500)
	ctx := &intr.Context{Eax: SysSbrk, Ebx: 2 * mem.PGSIZE, Edx: resultAddr}
	g.Handle(ctx)

	res := ram.Slice(mem.Pa_t(resultAddr), 4)
	got := int32(uint32(res[0]) | uint32(res[1])<<8 | uint32(res[2])<<16 | uint32(res[3])<<24)
	if got != int32(defs.ENOMEM) {
		t.Fatalf("sbrk past the ceiling returned %d, want ENOMEM", got)
	}
	if proc.Heap.End != 0x410000 {
		t.Fatalf("heap end moved to 0x%x on a rejected grow", proc.Heap.End)
	}
}

func TestSysSbrkZeroIncrementReportsCurrentEnd(t *testing.T) {
	g, ram, s := newTestGate(t, 64)
	proc, _ := s.CreateProcess(false, func(uint32) {}, 0)
	proc.Heap = sched.HeapSpan{Start: 0x400000, End: 0x410000, Max: 0x500000}
	s.Schedule(proc.Threads[0].Ctx)

	resultAddr := uint32(0x500)
	g.Handle(&intr.Context{Eax: SysSbrk, Ebx: 0, Edx: resultAddr})
	res := ram.Slice(mem.Pa_t(resultAddr), 4)
	got := uint32(res[0]) | uint32(res[1])<<8 | uint32(res[2])<<16 | uint32(res[3])<<24
	if got != 0x410000 {
		t.Fatalf("sbrk(0) returned 0x%x, want the current end 0x410000", got)
	}
}

func TestSysPeekMemoryRejectsOddSize(t *testing.T) {
	g, ram, _ := newTestGate(t, 16)
	ram.Bytes[0x100] = 0xab
	resultAddr := uint32(0x200)
	g.Handle(&intr.Context{Eax: SysPeekMemory, Ebx: 0x100, Ecx: 3, Edx: resultAddr})
	for i, b := range ram.Slice(mem.Pa_t(resultAddr), 4) {
		if b != 0 {
			t.Fatalf("byte %d = 0x%x, want 0 for a rejected 3-byte peek", i, b)
		}
	}
}
