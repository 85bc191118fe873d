// Package boot sequences subsystem initialization in the dependency order
// the rest of this kernel requires: physical memory before paging, paging
// before the heap, the heap before the symbol table and scheduler, and the
// scheduler before anything that creates a process (the driver loader, the
// ELF loader). It also owns the data describing the machine's memory map
// and GDT/TSS selectors, since on real hardware those would be produced by
// the Multiboot loader and the boot assembly stub before any Go code runs.
package boot

import (
	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/heap"
	"github.com/sdmdg/Hashx86-sub000/intr"
	"github.com/sdmdg/Hashx86-sub000/klog"
	"github.com/sdmdg/Hashx86-sub000/mem"
	"github.com/sdmdg/Hashx86-sub000/sched"
	"github.com/sdmdg/Hashx86-sub000/symtab"
	"github.com/sdmdg/Hashx86-sub000/syscall"
	"github.com/sdmdg/Hashx86-sub000/vm"
)

// MemRegion is one entry of the Multiboot-style memory map: a physical
// range and whether it is usable RAM.
type MemRegion struct {
	Base      mem.Pa_t
	Length    uint32
	Available bool
}

// GDTSelector values, matching the flat segmentation this kernel runs
// under: one code and one data segment for ring 0, one each for ring 3.
const (
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	UserCodeSelector   = 0x18 | 3
	UserDataSelector   = 0x20 | 3
	TSSSelector        = 0x28
)

// Config carries every parameter a real boot loader would have handed the
// kernel on the stack: how much RAM is present, where the kernel image
// ends, and the memory map to honor when opening the PMM's free regions.
type Config struct {
	TotalMem        uint32
	KernelImageEnd  mem.Pa_t
	KernelWindowEnd mem.Pa_t
	HWWindowStart   uint32
	HWWindowEnd     uint32
	Regions         []MemRegion
}

// Kernel bundles every subsystem this module implements, wired together in
// dependency order.
type Kernel struct {
	Config Config

	GDT    *GDT
	TSS    *TSS
	RAM    *mem.RAM
	PMM    *mem.PMM
	Paging *vm.Paging
	Heap   *heap.Heap
	IDT    *intr.IDT
	Sched  *sched.Scheduler
	Syms   *symtab.Table
	Panic  *intr.PanicScreen
	Log    *klog.Logger

	SyscallGate *syscall.Gate
	GuiGate     *syscall.GuiGate
}

// TickHz is the timer interrupt rate the PIT is programmed for: one tick
// per millisecond.
const TickHz = 1000

// tssSize is the byte size of a 32-bit task-state segment.
const tssSize = 104

// Boot brings up every subsystem in dependency order and returns the
// assembled Kernel. heapPages sizes the initial kernel heap span.
func Boot(cfg Config, log *klog.Logger, heapPages uint32) (*Kernel, defs.Err_t) {
	k := &Kernel{Config: cfg, Log: log}

	k.GDT = NewGDT()
	k.TSS = NewTSS()
	k.GDT.SetTSS(0, tssSize-1)

	k.RAM = mem.NewRAM(cfg.TotalMem)

	k.PMM = mem.NewPMM(k.RAM)
	k.PMM.Init(cfg.TotalMem)
	for _, r := range cfg.Regions {
		if r.Available {
			k.PMM.InitRegion(r.Base, r.Length)
		}
	}
	k.PMM.DeinitRegion(0, uint32(cfg.KernelImageEnd))
	log.Info("pmm initialized", "max_blocks", k.PMM.MaxBlocks(), "used_blocks", k.PMM.UsedBlocks())

	k.Paging = vm.NewPaging(k.PMM, k.RAM)
	if err := k.Paging.Activate(cfg.KernelWindowEnd, cfg.HWWindowStart, cfg.HWWindowEnd); err != defs.EOK {
		return nil, err
	}
	log.Info("paging activated", "kernel_window_end", cfg.KernelWindowEnd)

	k.Heap = heap.NewHeap(k.RAM, k.PMM)
	if err := k.Heap.InitSpan(heapPages); err != defs.EOK {
		return nil, err
	}

	k.IDT = intr.NewIDT()
	k.IDT.Activate(TickHz)
	k.Panic = intr.NewPanicScreen()

	k.Syms = symtab.NewTable()

	k.Sched = sched.New(k.PMM, k.Paging)

	k.SyscallGate = &syscall.Gate{
		Sched:     k.Sched,
		Heap:      k.Heap,
		RAM:       k.RAM,
		Paging:    k.Paging,
		PMM:       k.PMM,
		IDT:       k.IDT,
		Log:       log,
		PeekLimit: uint32(cfg.KernelWindowEnd),
	}
	k.GuiGate = &syscall.GuiGate{Log: log}

	for vec := uint32(0); vec <= 0x13; vec++ {
		k.IDT.Register(vec, intr.Handler{Kind: intr.KindFixed, Fn: k.fatalException})
	}
	k.IDT.Register(intr.VecSyscall, intr.Handler{Kind: intr.KindSyscall, Fn: k.SyscallGate.Handle})
	k.IDT.Register(intr.VecGuiSyscall, intr.Handler{Kind: intr.KindSyscall, Fn: k.GuiGate.Handle})
	k.IDT.Register(intr.VecIRQTimer, intr.Handler{Kind: intr.KindTimer, Fn: k.timerTick})

	log.Info("boot complete")
	return k, defs.EOK
}

// timerTick runs the scheduler and points the TSS's ring-0 stack at the
// incoming thread's kernel stack top, so the next ring-3 to ring-0
// transition lands on that thread's own stack.
func (k *Kernel) timerTick(ctx *intr.Context) *intr.Context {
	next := k.Sched.Schedule(ctx)
	if t := k.Sched.CurrentThread(); t != nil && t.Stack != 0 {
		k.TSS.ESP0 = uint32(t.Stack) + mem.PGSIZE
	}
	return next
}

// fatalException is the common handler behind every CPU exception vector:
// render the panic report with a symbolic stack trace, log it, and record
// the reset intent for the run loop to observe. Nothing on this path
// allocates; the panic screen's buffer was sized at boot.
func (k *Kernel) fatalException(ctx *intr.Context) *intr.Context {
	frames := intr.WalkStack(k.RAM, k.Syms, ctx.Ebp, 0x1000, uint32(k.Config.KernelWindowEnd), 32)
	report := k.Panic.Render(ctx.Vector, ctx, frames)
	k.Log.Error("fatal exception", "vector", ctx.Vector)
	k.Log.Error(report)
	k.IDT.ResetRequested = true
	return ctx
}
