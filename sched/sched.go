// Package sched implements the preemptive round-robin scheduler: process
// and thread control blocks, the Ready/Blocked/Terminated/New/Running state
// machine, and the Schedule entry point the timer interrupt drives. There
// is no priority, no SMP, and no inheritance between process and thread
// state beyond the page directory a thread's process owns; every thread
// other than the current one and the idle thread sits in exactly one of
// three queues.
package sched

import (
	"sync"

	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/intr"
	"github.com/sdmdg/Hashx86-sub000/mem"
	"github.com/sdmdg/Hashx86-sub000/vm"
)

// State is a thread's position in its lifecycle.
type State int

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

// kernelCodeSelector is the ring-0 flat code segment every kernel thread
// starts in; eflagsIF is EFLAGS with the interrupt-enable bit (and the
// always-set bit 1) on.
const (
	kernelCodeSelector = 0x08
	eflagsIF           = 0x202
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateTerminated:
		return "Terminated"
	default:
		return "?"
	}
}

// HeapSpan records a process's user-mode heap bounds, set by the ELF
// loader and read back by sys_Hcall's Hsys_getHeap query.
type HeapSpan struct {
	Start, End, Max uint32
}

// Process is a process control block: an address space and the set of
// threads running inside it.
type Process struct {
	Pid       defs.Pid_t
	IsKernel  bool
	Dir       vm.Dir
	Threads   []*Thread
	Heap      HeapSpan
}

// Thread is a thread control block: one schedulable unit of execution, its
// saved CPU context, and the stack frame backing it.
type Thread struct {
	Tid     defs.Tid_t
	Process *Process
	State   State
	Stack   mem.Pa_t
	Ctx     *intr.Context
	WakeTick uint64
}

// EntryFn is a thread's entry point: given the argument passed at thread
// creation, it runs to completion (or forever, for the idle thread).
type EntryFn func(arg uint32)

// Scheduler owns every process and thread in the system and the three
// queues threads wait in when they are not running.
type Scheduler struct {
	mu sync.Mutex

	pmm    *mem.PMM
	paging *vm.Paging

	nextPid defs.Pid_t
	nextTid defs.Tid_t

	processes map[defs.Pid_t]*Process
	threads   map[defs.Tid_t]*Thread

	ready      []*Thread
	blocked    []*Thread
	terminated []*Thread

	current *Thread
	idle     *Thread
	tick     uint64

	// entryOf records each thread's Go entry function, since a hosted
	// kernel cannot jump to a raw EIP the way real hardware would; the
	// scheduler instead calls entryOf[tid] the first time a thread is
	// resumed (RunCurrent), standing in for the trampoline jump.
	entryOf map[defs.Tid_t]EntryFn
	argOf   map[defs.Tid_t]uint32
	started map[defs.Tid_t]bool
}

// New creates a scheduler and its idle thread.
func New(pmm *mem.PMM, paging *vm.Paging) *Scheduler {
	s := &Scheduler{
		pmm:       pmm,
		paging:    paging,
		nextPid:   1,
		processes: make(map[defs.Pid_t]*Process),
		threads:   make(map[defs.Tid_t]*Thread),
		entryOf:   make(map[defs.Tid_t]EntryFn),
		argOf:     make(map[defs.Tid_t]uint32),
		started:   make(map[defs.Tid_t]bool),
	}
	kproc, _ := s.createProcessLocked(true)
	s.idle = s.createThreadLocked(kproc, func(uint32) {}, 0)
	// The idle thread starts Running directly rather than Ready: it is the
	// fallback Schedule picks when the ready queue is empty, never a thread
	// that takes a turn in round-robin rotation alongside real threads.
	s.ready = removeThread(s.ready, s.idle)
	s.idle.State = StateRunning
	s.current = s.idle
	return s
}

func (s *Scheduler) createProcessLocked(isKernel bool) (*Process, defs.Err_t) {
	var dir vm.Dir
	if isKernel {
		dir = s.paging.Master
	} else {
		d, err := s.paging.CreateProcessDirectory()
		if err != defs.EOK {
			return nil, err
		}
		dir = d
	}
	p := &Process{Pid: s.nextPid, IsKernel: isKernel, Dir: dir}
	s.nextPid++
	s.processes[p.Pid] = p
	return p, defs.EOK
}

// CreateProcess creates a new process with its own address space (or the
// kernel's, if isKernel) and one initial thread running entry(arg).
func (s *Scheduler) CreateProcess(isKernel bool, entry EntryFn, arg uint32) (*Process, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.createProcessLocked(isKernel)
	if err != defs.EOK {
		return nil, err
	}
	s.createThreadLocked(p, entry, arg)
	return p, defs.EOK
}

func (s *Scheduler) createThreadLocked(p *Process, entry EntryFn, arg uint32) *Thread {
	stack, ok := s.pmm.AllocBlock()
	if !ok {
		panic("sched: out of memory allocating thread stack")
	}
	// The saved context is laid out as the interrupt trampoline would
	// restore it: interrupts enabled, kernel code segment, stack pointer at
	// the top of the thread's one-frame stack.
	t := &Thread{
		Tid:     s.nextTid,
		Process: p,
		State:   StateNew,
		Stack:   stack,
		Ctx: &intr.Context{
			Cs:     kernelCodeSelector,
			Eflags: eflagsIF,
			Esp:    uint32(stack) + mem.PGSIZE,
		},
	}
	s.nextTid++
	s.threads[t.Tid] = t
	s.entryOf[t.Tid] = entry
	s.argOf[t.Tid] = arg
	p.Threads = append(p.Threads, t)

	t.State = StateReady
	s.ready = append(s.ready, t)
	return t
}

// CreateThread adds a new thread to an existing process (sys_clone).
func (s *Scheduler) CreateThread(p *Process, entry EntryFn, arg uint32) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createThreadLocked(p, entry, arg)
}

// CurrentThread returns the thread Schedule most recently selected.
func (s *Scheduler) CurrentThread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CurrentProcess returns the process owning CurrentThread.
func (s *Scheduler) CurrentProcess() *Process {
	t := s.CurrentThread()
	if t == nil {
		return nil
	}
	return t.Process
}

func removeThread(q []*Thread, t *Thread) []*Thread {
	for i, e := range q {
		if e == t {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

// TerminateThread moves a thread to the Terminated queue and releases its
// stack frame. It is idempotent.
func (s *Scheduler) TerminateThread(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateThreadLocked(t)
}

func (s *Scheduler) terminateThreadLocked(t *Thread) {
	if t.State == StateTerminated {
		return
	}
	t.State = StateTerminated
	t.WakeTick = 0
	s.ready = removeThread(s.ready, t)
	s.blocked = removeThread(s.blocked, t)
	s.terminated = append(s.terminated, t)
	if t.Stack != 0 {
		s.pmm.FreeBlock(t.Stack)
		t.Stack = 0
	}
	s.reapProcessLocked(t.Process)
}

// reapProcessLocked releases a non-kernel process's address space once its
// last thread has terminated: every user frame, the user page tables, and
// the page directory go back to the PMM. Kernel processes share the master
// directory and are never reaped.
func (s *Scheduler) reapProcessLocked(p *Process) {
	if p == nil || p.IsKernel {
		return
	}
	if _, live := s.processes[p.Pid]; !live {
		return
	}
	for _, th := range p.Threads {
		if th.State != StateTerminated {
			return
		}
	}
	delete(s.processes, p.Pid)
	s.paging.ReleaseUserSpace(p.Dir)
}

// KillProcess terminates every thread belonging to pid and removes the
// process. It reports whether a process with that pid existed.
func (s *Scheduler) KillProcess(pid defs.Pid_t) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	if !ok {
		return false
	}
	for _, t := range p.Threads {
		s.terminateThreadLocked(t)
	}
	delete(s.processes, pid)
	return true
}

// Sleep blocks the currently running thread until at least ms ticks from
// now. It is a no-op if there is no current thread (called outside any
// thread context).
func (s *Scheduler) Sleep(ms uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current == s.idle {
		return
	}
	s.current.WakeTick = s.tick + uint64(ms)
	s.current.State = StateBlocked
}

// Schedule is the scheduler's tick entry point: it requeues the
// outgoing thread according to its state, wakes any blocked thread whose
// deadline has passed, and returns the context of the next thread to run.
// Ticks is advanced by exactly one per call, so callers drive wall-clock
// time entirely through how often they call Schedule.
func (s *Scheduler) Schedule(outCtx *intr.Context) *intr.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++

	if s.current != nil {
		s.current.Ctx = outCtx
		switch {
		case s.current.State == StateRunning && s.current != s.idle:
			s.current.State = StateReady
			s.ready = append(s.ready, s.current)
		case s.current.State == StateBlocked:
			s.blocked = append(s.blocked, s.current)
		case s.current.State == StateTerminated:
			// already queued by terminateThreadLocked
		}
	}

	var stillBlocked []*Thread
	for _, t := range s.blocked {
		if t.State == StateBlocked && t.WakeTick <= s.tick {
			t.State = StateReady
			t.WakeTick = 0
			s.ready = append(s.ready, t)
		} else {
			stillBlocked = append(stillBlocked, t)
		}
	}
	s.blocked = stillBlocked

	if len(s.ready) == 0 {
		s.current = s.idle
		s.current.State = StateRunning
		return s.current.Ctx
	}

	next := s.ready[0]
	s.ready = s.ready[1:]
	next.State = StateRunning
	s.current = next
	return next.Ctx
}

// RunCurrent executes the current thread's entry function if it has not
// started yet, then terminates the thread, standing in for the exit
// trampoline a real stack's return address would land on. A thread whose
// entry blocked (Sleep) or exited (sys_exit) before returning is left in
// whatever state it put itself in. The idle thread's entry runs on every
// pass and is never terminated.
func (s *Scheduler) RunCurrent() {
	s.mu.Lock()
	t := s.current
	if t == nil || t.State != StateRunning {
		s.mu.Unlock()
		return
	}
	if t != s.idle && s.started[t.Tid] {
		// The entry already ran to completion; waking after a block
		// resumes straight into the exit trampoline.
		s.mu.Unlock()
		s.TerminateThread(t)
		return
	}
	s.started[t.Tid] = true
	entry := s.entryOf[t.Tid]
	arg := s.argOf[t.Tid]
	s.mu.Unlock()

	if entry != nil {
		entry(arg)
	}
	if t == s.idle {
		return
	}

	s.mu.Lock()
	returned := t.State == StateRunning
	s.mu.Unlock()
	if returned {
		s.TerminateThread(t)
	}
}

// Tick returns the number of Schedule calls so far.
func (s *Scheduler) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// ReadyLen, BlockedLen, TerminatedLen expose queue depths for tests
// asserting scheduler fairness and sleep-wake properties.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

func (s *Scheduler) BlockedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocked)
}

func (s *Scheduler) TerminatedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.terminated)
}

// IdleTid returns the idle thread's tid, so tests and the boot harness can
// recognize when the scheduler has nothing real to run.
func (s *Scheduler) IdleTid() defs.Tid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle.Tid
}
