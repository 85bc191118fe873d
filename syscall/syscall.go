// Package syscall implements the kernel's two software-interrupt gates:
// the general call gate at vector 0x80 (process/thread lifecycle, memory
// inspection, debug output) and the GUI call gate at vector 0x81, which
// this kernel forwards to an external collaborator rather than
// implementing itself.
//
// Arguments travel in registers: Eax selects the call number, Ebx/Ecx
// carry its arguments, and Edx carries the address of an int32 the caller
// expects the result written to. A caller that gets this wrong gets an
// error sentinel in its return slot and no kernel-side side effects;
// this package does not validate that Edx points at writable user memory,
// since that validation belongs to the paging layer the caller must have
// already gone through to get a mapped address in the first place.
package syscall

import (
	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/heap"
	"github.com/sdmdg/Hashx86-sub000/intr"
	"github.com/sdmdg/Hashx86-sub000/klog"
	"github.com/sdmdg/Hashx86-sub000/mem"
	"github.com/sdmdg/Hashx86-sub000/sched"
	"github.com/sdmdg/Hashx86-sub000/vm"
)

// General gate call numbers.
const (
	SysRestart    = 0
	SysExit       = 1
	SysPeekMemory = 2
	SysClone      = 3
	SysSleep      = 4
	SysDebug      = 5
	SysHcall      = 6
	SysSbrk       = 7
)

// Hcall sub-operation identifiers carried in Ebx when Eax == SysHcall.
const (
	HsysGetHeap   = 0
	HsysRegEventH = 1
)

// Gate is the general-purpose system call dispatcher. It is constructed
// once at boot and wired into the IDT at vector 0x80.
type Gate struct {
	Sched  *sched.Scheduler
	Heap   *heap.Heap
	RAM    *mem.RAM
	Paging *vm.Paging
	PMM    *mem.PMM
	IDT    *intr.IDT
	Log    *klog.Logger

	// PeekLimit bounds sys_peek_memory reads to the kernel's actual
	// identity-mapped window rather than a hardcoded constant, so a kernel
	// booted with a small window never leaks bytes past it.
	PeekLimit uint32
}

func writeResult(ram *mem.RAM, edx uint32, v int32) {
	if edx == 0 {
		return
	}
	b := ram.Slice(mem.Pa_t(edx), 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Handle dispatches one general-gate syscall captured in ctx.
func (g *Gate) Handle(ctx *intr.Context) *intr.Context {
	switch ctx.Eax {
	case SysRestart:
		g.Log.Info("sys_restart")
		g.IDT.ResetRequested = true

	case SysExit:
		proc := g.Sched.CurrentProcess()
		cur := g.Sched.CurrentThread()
		g.Sched.TerminateThread(cur)
		if proc != nil {
			g.Log.Info("sys_exit", "pid", proc.Pid)
		}

	case SysPeekMemory:
		address, size := ctx.Ebx, ctx.Ecx
		limit := g.PeekLimit
		if uint64(address)+uint64(size) > uint64(limit) || (size != 1 && size != 2 && size != 4) {
			writeResult(g.RAM, ctx.Edx, 0)
			break
		}
		b := g.RAM.Slice(mem.Pa_t(address), int(size))
		var v uint32
		for i := uint32(0); i < size; i++ {
			v |= uint32(b[i]) << (8 * i)
		}
		writeResult(g.RAM, ctx.Edx, int32(v))

	case SysClone:
		proc := g.Sched.CurrentProcess()
		entry := ctx.Ebx
		arg := ctx.Ecx
		t := g.Sched.CreateThread(proc, entryTrampoline(entry), arg)
		writeResult(g.RAM, ctx.Edx, int32(t.Tid))

	case SysSleep:
		g.Sched.Sleep(ctx.Ebx)

	case SysDebug:
		str := readCString(g.RAM, ctx.Ebx, 256)
		g.Log.Info("sys_debug", "msg", str)

	case SysSbrk:
		g.handleSbrk(ctx)

	case SysHcall:
		g.handleHcall(ctx)

	default:
		g.Log.Warn("unknown general syscall", "eax", ctx.Eax)
		writeResult(g.RAM, ctx.Edx, int32(defs.EINVAL))
	}
	return ctx
}

// handleSbrk grows the calling process's user heap by the increment in
// Ebx, rounded up to whole pages, mapping fresh zeroed frames up to the
// heap's growth ceiling. The previous heap end is written to the caller's
// return slot; ENOMEM is written instead if the ceiling or the PMM says
// no. The heap end only moves on full success; frames mapped by a grow
// that then fails are abandoned, a leak this class of system accepts.
func (g *Gate) handleSbrk(ctx *intr.Context) {
	proc := g.Sched.CurrentProcess()
	if proc == nil || proc.Heap.End == 0 {
		writeResult(g.RAM, ctx.Edx, int32(defs.EINVAL))
		return
	}
	inc := ctx.Ebx
	oldEnd := proc.Heap.End
	if inc == 0 {
		writeResult(g.RAM, ctx.Edx, int32(oldEnd))
		return
	}
	newEnd := oldEnd + inc
	if newEnd < oldEnd {
		writeResult(g.RAM, ctx.Edx, int32(defs.EINVAL))
		return
	}
	newEnd = (newEnd + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
	if newEnd > proc.Heap.Max {
		writeResult(g.RAM, ctx.Edx, int32(defs.ENOMEM))
		return
	}
	for addr := oldEnd; addr < newEnd; addr += mem.PGSIZE {
		frame, ok := g.PMM.AllocBlock()
		if !ok {
			writeResult(g.RAM, ctx.Edx, int32(defs.ENOMEM))
			return
		}
		g.RAM.ZeroFrame(frame)
		if err := g.Paging.MapPage(proc.Dir, addr, frame, vm.PTE_P|vm.PTE_W|vm.PTE_U); err != defs.EOK {
			writeResult(g.RAM, ctx.Edx, int32(err))
			return
		}
	}
	proc.Heap.End = newEnd
	writeResult(g.RAM, ctx.Edx, int32(oldEnd))
}

func (g *Gate) handleHcall(ctx *intr.Context) {
	proc := g.Sched.CurrentProcess()
	switch ctx.Ebx {
	case HsysGetHeap:
		if proc != nil {
			params := g.RAM.Slice(mem.Pa_t(ctx.Ecx), 8)
			put32(params, 0, proc.Heap.Start)
			put32(params, 4, proc.Heap.End)
		}
		writeResult(g.RAM, ctx.Edx, 1)
	case HsysRegEventH:
		params := g.RAM.Slice(mem.Pa_t(ctx.Ecx), 8)
		argAddr := get32(params, 0)
		entryAddr := get32(params, 4)
		t := g.Sched.CreateThread(proc, entryTrampoline(entryAddr), argAddr)
		writeResult(g.RAM, ctx.Edx, int32(t.Tid))
	default:
		g.Log.Warn("unknown Hcall", "id", ctx.Ebx)
	}
}

// entryTrampoline adapts a raw entry address into a sched.EntryFn. A real
// trampoline would jump to the address; this model has no code segment to
// jump into, so the returned function does nothing. A thread created by
// sys_clone or Hsys_regEventH therefore runs an empty body and is then
// terminated by RunCurrent; there is no way to replace its entry.
func entryTrampoline(uint32) func(uint32) {
	return func(uint32) {}
}

func readCString(ram *mem.RAM, addr uint32, maxLen int) string {
	b := ram.Slice(mem.Pa_t(addr), maxLen)
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func put32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func get32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// GuiService is implemented by whatever external collaborator fields GUI
// call-gate traffic; this kernel has no window system of its own.
type GuiService interface {
	Dispatch(ctx *intr.Context) *intr.Context
}

// GuiGate forwards vector 0x81 to an external GuiService, or logs a
// warning and drops the call if none is registered.
type GuiGate struct {
	Service GuiService
	Log     *klog.Logger
}

// Handle implements the GUI call gate, vector 0x81.
func (g *GuiGate) Handle(ctx *intr.Context) *intr.Context {
	if g.Service == nil {
		g.Log.Warn("GUI syscall with no collaborator registered", "eax", ctx.Eax)
		return ctx
	}
	return g.Service.Dispatch(ctx)
}
