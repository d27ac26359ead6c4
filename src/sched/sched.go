// Package sched implements the preemptive round-robin scheduler and the
// thread/process model of spec.md section 4.3, grounded in
// original_source/sys/os/scheduler/task.h (the Task/Thread state machine)
// and original_source/sys/os/waitqueue.cpp (the wait-channel dictionary,
// Wait/Wakeup pair, and the global wait-lock).
//
// A bare-metal scheduler saves a thread's kernel ESP and later restores it
// to resume exactly where it blocked; hosted Go has no equivalent of
// swapping a raw stack pointer. This port uses one goroutine per Thread_t
// as its continuation and a pair of unbuffered channels as the baton: the
// scheduler's Schedule loop hands a thread the CPU by sending on its
// resume channel and gets it back when the thread yields, blocks, sleeps,
// or dies by receiving on its yield channel. Exactly one thread's
// goroutine is ever unblocked past its resume channel at a time, which is
// what "at-most-one thread Running per CPU" (spec.md section 5) actually
// requires; it does not require a hand-rolled context switch in a
// language whose runtime already multiplexes goroutines.
package sched

import (
	"sync"
	"unsafe"

	"cinderkeep/src/bounds"
	"cinderkeep/src/defs"
	"cinderkeep/src/hashtable"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/res"
	"cinderkeep/src/vfs"
)

/// State_t is a thread's scheduling state (spec.md section 4.3 state
/// diagram).
type State_t int

const (
	Waiting State_t = iota
	Running
	Blocked
	Died
)

func (s State_t) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Died:
		return "died"
	}
	return "?"
}

/// Entry is a thread body. It receives its own Thread_t so it can call
/// Yield/Sleep/Wait/Join/Exit on itself from anywhere in its call stack.
type Entry func(t *Thread_t)

/// Thread_t is one schedulable thread of execution.
type Thread_t struct {
	Tid    defs.Tid_t
	Proc   *Task_t
	Errno  defs.Err_t
	state  State_t
	blocks int
	next   *Thread_t // run-list link, circular
	resume chan struct{}
	yield  chan struct{}
	sched  *Scheduler
	tls    map[uint32]uintptr // tlsPages: lazily expanded TLS area
}

/// State returns the thread's current scheduling state.
func (t *Thread_t) State() State_t {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.state
}

/// TLSSet stores value under key in t's thread-local area, expanding it
/// lazily on first use (spec.md section 4.3: "TLS area is lazily expanded
/// per-thread via thread_getTLSArea").
func (t *Thread_t) TLSSet(key uint32, value uintptr) {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.tls == nil {
		t.tls = make(map[uint32]uintptr)
	}
	t.tls[key] = value
}

/// TLSGet returns the value stored under key in t's thread-local area, or
/// ok=false if nothing has ever been set there.
func (t *Thread_t) TLSGet(key uint32) (uintptr, bool) {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	v, ok := t.tls[key]
	return v, ok
}

/// Task_t is a process: a directory, a thread set, and a fixed-size file
/// table of defs.FD_MAX slots (spec.md section 3's "fileTable[FD_MAX]").
/// Each slot holds a vfs.File handed back by the external VFS boundary
/// (spec.md section 6); Task_t only owns the table and fd numbering, never
/// a filesystem implementation.
type Task_t struct {
	Pid      defs.Pid_t
	Dir      *pagealloc.Directory
	mu       sync.Mutex
	died     bool
	tidCount int32
	threads  []*Thread_t
	files    [defs.FD_MAX]vfs.File
}

/// AssignFD installs f in the lowest unused slot of proc's file table and
/// returns its descriptor number, or EMFILE-shaped -1/ENOMEM if the table
/// is full.
func (p *Task_t) AssignFD(f vfs.File) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.files {
		if p.files[i] == nil {
			p.files[i] = f
			return i, 0
		}
	}
	return -1, -defs.ENOMEM
}

/// FileAt returns the file installed at fd, or ok=false if fd is out of
/// range or unassigned.
func (p *Task_t) FileAt(fd int) (vfs.File, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.files) || p.files[fd] == nil {
		return nil, false
	}
	return p.files[fd], true
}

/// CloseFD closes and clears the file at fd.
func (p *Task_t) CloseFD(fd int) defs.Err_t {
	p.mu.Lock()
	f := (vfs.File)(nil)
	if fd >= 0 && fd < len(p.files) {
		f = p.files[fd]
		p.files[fd] = nil
	}
	p.mu.Unlock()
	if f == nil {
		return -defs.EINVAL
	}
	return f.Close()
}

func (p *Task_t) nextTid() defs.Tid_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tidCount++
	return defs.Tid_t(p.tidCount)
}

func (p *Task_t) Died() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.died
}

/// ThreadByTid returns proc's thread with the given tid, or ok=false if
/// none matches (used by the THREADJOIN syscall initializer to turn a
/// wire-level tid argument back into the *Thread_t Join needs).
func (p *Task_t) ThreadByTid(tid defs.Tid_t) (*Thread_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.threads {
		if t.Tid == tid {
			return t, true
		}
	}
	return nil, false
}

type waitEntry_t struct {
	waiters []*Thread_t
}

/// Scheduler owns the global run-list and the wait-channel dictionary.
/// The run-list is a fixed circular list of every live (non-Died) thread;
/// Blocked threads stay on it and are simply skipped when choosing the
/// next thread to run, matching "picks the next non-Blocked non-Died
/// thread" from spec.md section 4.3.
type Scheduler struct {
	mu          sync.Mutex
	current     *Thread_t
	pidCount    defs.Pid_t
	tlsKeyCount uint32

	waitMu    sync.Mutex // the single global wait-queue spin-lock
	waitqueue *hashtable.Hashtable_t

	budget *res.Budget_t
}

/// TLSInvalidKey is the sentinel "no key allocated" value (original_source
/// /lib/libtest/tls.h: kTLSInvalidKey), used as the zero state of the key
/// namespace, never returned by AllocateTLSKey itself.
const TLSInvalidKey uint32 = ^uint32(0)

/// AllocateTLSKey returns a fresh TLS key, distinct from every key handed
/// out before it and from TLSInvalidKey (spec.md section 8 scenario 5:
/// "returns a fresh key distinct from kTLSInvalidKey"). Keys are a
/// monotonically increasing global counter across every thread and
/// process sched knows about; this port never recycles a freed key
/// number the way a production allocator would reuse a name once every
/// holder has called FreeTLSKey.
func (s *Scheduler) AllocateTLSKey() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsKeyCount++
	return s.tlsKeyCount
}

/// FreeTLSKey is a no-op: AllocateTLSKey never recycles key numbers, so
/// there is nothing to reclaim and a freed key is never handed out again.
/// It exists so a tls_freeKey caller has a symmetric call to make.
func (s *Scheduler) FreeTLSKey(key uint32) {}

/// New returns an empty scheduler with no threads.
func New() *Scheduler {
	return &Scheduler{
		waitqueue: hashtable.MkHash(64),
		budget:    res.NewBudget(1 << 16),
	}
}

/// NewTask creates a process over dir with no threads yet.
func (s *Scheduler) NewTask(dir *pagealloc.Directory) *Task_t {
	s.mu.Lock()
	s.pidCount++
	pid := s.pidCount
	s.mu.Unlock()
	return &Task_t{Pid: pid, Dir: dir}
}

// link inserts t into the circular run-list just after the current
// thread (or as the sole member if the list is empty). Caller holds mu.
func (s *Scheduler) link(t *Thread_t) {
	if s.current == nil {
		t.next = t
		s.current = t
		return
	}
	t.next = s.current.next
	s.current.next = t
}

// unlink removes t from the circular run-list. Caller holds mu.
func (s *Scheduler) unlink(t *Thread_t) {
	if t.next == t {
		s.current = nil
		return
	}
	p := t.next
	for p.next != t {
		p = p.next
	}
	p.next = t.next
	if s.current == t {
		s.current = t.next
	}
}

/// ThreadCreate attaches a new thread running entry to proc. Creating a
/// thread on a died process is EINVAL (spec.md section 4.3 failure
/// semantics).
func (s *Scheduler) ThreadCreate(proc *Task_t, entry Entry) (*Thread_t, defs.Err_t) {
	if proc.Died() {
		return nil, -defs.EINVAL
	}
	if !res.Resadd_noblock(s.budget, bounds.Bounds(bounds.B_SCHED_T_THREADCREATE)) {
		return nil, -defs.ENOMEM
	}

	t := &Thread_t{
		Tid:    proc.nextTid(),
		Proc:   proc,
		state:  Waiting,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
		sched:  s,
	}

	proc.mu.Lock()
	proc.threads = append(proc.threads, t)
	proc.mu.Unlock()

	s.mu.Lock()
	s.link(t)
	s.mu.Unlock()

	go func() {
		<-t.resume
		entry(t)
		s.exit(t)
	}()

	return t, 0
}

/// Schedule advances the run-list by one step: it picks the next
/// runnable thread after the current one (round-robin), hands it the CPU,
/// and blocks until that thread yields, blocks, sleeps, or dies. It
/// returns the thread that ran, or nil if no runnable thread exists.
func (s *Scheduler) Schedule() *Thread_t {
	s.mu.Lock()
	start := s.current
	if start == nil {
		s.mu.Unlock()
		return nil
	}
	t := start
	for {
		t = t.next
		if t.state == Waiting {
			break
		}
		if t == start {
			s.mu.Unlock()
			return nil // nothing runnable
		}
	}
	t.state = Running
	s.current = t
	s.mu.Unlock()

	t.resume <- struct{}{}
	<-t.yield
	return t
}

// park transitions t to newState, hands control back to the scheduler's
// Schedule call, and blocks until it is next scheduled.
func (t *Thread_t) park(newState State_t) {
	t.sched.mu.Lock()
	t.state = newState
	t.sched.mu.Unlock()

	t.yield <- struct{}{}
	if newState != Died {
		<-t.resume
	}
}

/// Yield voluntarily gives up the CPU; spec.md's tick/yield transition
/// back to Waiting.
func Yield(t *Thread_t) {
	t.park(Waiting)
}

/// Sleep blocks t. A zero duration is a yield (spec.md section 4.3
/// failure semantics: "Sleeping with time == 0 is a yield"); any other
/// value blocks until Wake is called for this thread specifically, since
/// this port has no timer interrupt of its own to drive a deadline.
func Sleep(t *Thread_t, ticks int) {
	if ticks <= 0 {
		Yield(t)
		return
	}
	t.block()
	t.park(Blocked)
}

/// Wake transitions a Blocked thread back to Waiting, to be picked up by
/// the next Schedule call.
func Wake(t *Thread_t) {
	t.unblock()
}

func (t *Thread_t) block() {
	t.sched.mu.Lock()
	t.blocks++
	t.sched.mu.Unlock()
}

func (t *Thread_t) unblock() {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.blocks > 0 {
		t.blocks--
	}
	if t.blocks == 0 && t.state == Blocked {
		t.state = Waiting
	}
}

func channelKey(channel uintptr) uintptr { return channel }

// getOrCreateEntry returns the wait entry for channel, creating it if
// absent. Caller holds waitMu.
func (s *Scheduler) getOrCreateEntry(channel uintptr) *waitEntry_t {
	k := channelKey(channel)
	if v, ok := s.waitqueue.Get(k); ok {
		return v.(*waitEntry_t)
	}
	e := &waitEntry_t{}
	s.waitqueue.Set(k, e)
	return e
}

/// Wait blocks the calling thread on channel and appends it to the
/// channel's waiter list, matching waitqueue.cpp's Wait: the append
/// happens under the global wait-lock, and the actual block/reschedule
/// happens after releasing it.
func Wait(t *Thread_t, channel uintptr) {
	s := t.sched
	s.waitMu.Lock()
	entry := s.getOrCreateEntry(channel)
	entry.waiters = append(entry.waiters, t)
	s.waitMu.Unlock()

	t.block()
	t.park(Blocked)
}

/// Wakeup removes channel's wait entry under the global wait-lock, then
/// unblocks every waiter outside the lock, matching waitqueue.cpp's
/// Wakeup ordering (remove-then-release-then-unblock, so unblocking a
/// thread can never reenter the wait-lock while it's held).
func Wakeup(s *Scheduler, channel uintptr) {
	s.waitMu.Lock()
	k := channelKey(channel)
	v, ok := s.waitqueue.Get(k)
	if !ok {
		s.waitMu.Unlock()
		return
	}
	s.waitqueue.Del(k)
	s.waitMu.Unlock()

	entry := v.(*waitEntry_t)
	for _, w := range entry.waiters {
		w.unblock()
	}
}

/// Join blocks waiter until target transitions to Died (spec.md section
/// 4.3: "records the join and blocks waiter on &target's address as its
/// wait-channel"). Joining a tid sched doesn't recognize is the caller's
/// responsibility to have validated; Join itself only knows about target
/// pointers it's handed.
func Join(waiter *Thread_t, target *Thread_t) {
	Wait(waiter, threadChannel(target))
}

func threadChannel(t *Thread_t) uintptr {
	return uintptr(unsafe.Pointer(t))
}

// exit transitions t to Died, wakes anyone joined on it, and removes it
// from the run-list. The goroutine backing t returns immediately after
// this call.
func (s *Scheduler) exit(t *Thread_t) {
	s.mu.Lock()
	t.state = Died
	s.unlink(t)
	s.mu.Unlock()

	Wakeup(s, threadChannel(t))
	t.yield <- struct{}{}
}

/// Exit voluntarily terminates the calling thread, as if its entry
/// function had returned (spec.md section 4.3's "die" transition). Unlike
/// a natural return, Exit never gives control back to its caller.
func Exit(t *Thread_t) {
	t.sched.exit(t)
	<-t.resume // never sent again; parks the goroutine forever
}

/// Fork clones proc into a new Task_t with a full (non-copy-on-write)
/// directory copy, per spec.md section 4.3's explicit "copy-on-write is
/// NOT required" note. No existing thread is cloned: the child gets one
/// new thread that runs childEntry from its start, since a Go goroutine's
/// call stack cannot literally be duplicated the way a kernel clones a
/// raw stack. Fork returns the child task (and that thread) to the parent;
/// childEntry receives no fork return value of its own.
func (s *Scheduler) Fork(proc *Task_t, childEntry Entry) (*Task_t, *Thread_t, defs.Err_t) {
	if proc.Died() {
		return nil, nil, -defs.EINVAL
	}
	childDir := proc.Dir.Fork()
	child := s.NewTask(childDir)

	proc.mu.Lock()
	child.files = proc.files
	proc.mu.Unlock()

	ct, err := s.ThreadCreate(child, childEntry)
	if err != 0 {
		return nil, nil, err
	}
	return child, ct, 0
}

/// Kill marks proc died and transitions every one of its threads to Died,
/// unlinking each from the run-list exactly as exit() does for a thread
/// that dies naturally (spec.md section 5: "A killed process marks all
/// its threads Died; the next scheduler pass reaps them"). A thread whose
/// goroutine is still mid-flight inside its entry function is left
/// running — this port has no interrupt to force it off the CPU — but
/// once unlinked it can never be chosen by Schedule again, and the next
/// Yield/Sleep/Wait call it makes parks its goroutine forever instead of
/// returning it to the run-list. Threads already Died (naturally exited
/// before the kill reached them) are left alone, since they are already
/// unlinked and re-unlinking would spin unlink's scan forever looking for
/// a node that no longer points at them.
func (s *Scheduler) Kill(proc *Task_t) {
	proc.mu.Lock()
	proc.died = true
	threads := append([]*Thread_t(nil), proc.threads...)
	proc.mu.Unlock()

	s.mu.Lock()
	killed := threads[:0]
	for _, t := range threads {
		if t.state != Died {
			t.state = Died
			s.unlink(t)
			killed = append(killed, t)
		}
	}
	s.mu.Unlock()

	for _, t := range killed {
		Wakeup(s, threadChannel(t))
	}
}
