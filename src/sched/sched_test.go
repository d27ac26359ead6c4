package sched

import (
	"testing"

	"cinderkeep/src/defs"
	"cinderkeep/src/pagealloc"
	"cinderkeep/src/vfs"
)

type fakeFile struct {
	closed bool
}

func (f *fakeFile) Read(p []byte) (int, defs.Err_t)  { return 0, 0 }
func (f *fakeFile) Write(p []byte) (int, defs.Err_t) { return len(p), 0 }
func (f *fakeFile) Lseek(off int64, whence int) (int64, defs.Err_t) {
	return off, 0
}
func (f *fakeFile) Stat() (vfs.Stat_t, defs.Err_t) { return vfs.Stat_t{}, 0 }
func (f *fakeFile) Close() defs.Err_t {
	f.closed = true
	return 0
}

func newTestScheduler(t *testing.T) (*Scheduler, *Task_t, *pagealloc.Allocator) {
	t.Helper()
	alloc, err := pagealloc.New(64)
	if err != nil {
		t.Fatalf("pagealloc.New: %v", err)
	}
	t.Cleanup(func() { alloc.Close() })
	s := New()
	dir := pagealloc.NewDirectory(alloc, false)
	proc := s.NewTask(dir)
	return s, proc, alloc
}

func TestThreadCreateOnDiedProcessIsEINVAL(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	s.Kill(proc)
	if _, err := s.ThreadCreate(proc, func(t *Thread_t) {}); err != -defs.EINVAL {
		t.Fatalf("ThreadCreate on died process returned %v, want -EINVAL", err)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	const n = 4
	ran := make([]int, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		_, err := s.ThreadCreate(proc, func(th *Thread_t) {
			for {
				ran[i]++
				Yield(th)
			}
		})
		if err != 0 {
			t.Fatalf("ThreadCreate: %v", err)
		}
	}
	go func() {
		for i := 0; i < n*3; i++ {
			s.Schedule()
		}
		close(done)
	}()
	<-done
	for i, c := range ran {
		if c == 0 {
			t.Fatalf("thread %d never ran in %d schedule rounds", i, n*3)
		}
	}
}

func TestWaitWakeup(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	const channel = uintptr(0x1234)
	woke := make(chan struct{})

	_, err := s.ThreadCreate(proc, func(th *Thread_t) {
		Wait(th, channel)
		close(woke)
	})
	if err != 0 {
		t.Fatalf("ThreadCreate: %v", err)
	}

	s.Schedule() // runs the thread until it parks on Wait

	select {
	case <-woke:
		t.Fatal("thread woke up before Wakeup was called")
	default:
	}

	Wakeup(s, channel)
	s.Schedule() // the thread is Waiting again; let it finish

	select {
	case <-woke:
	default:
		t.Fatal("thread did not wake up after Wakeup")
	}
}

func TestForkReturnsDistinctPids(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	childRan := make(chan struct{})
	child, _, err := s.Fork(proc, func(th *Thread_t) {
		close(childRan)
	})
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}
	if child.Pid == proc.Pid {
		t.Fatalf("child pid %d == parent pid %d", child.Pid, proc.Pid)
	}
	s.Schedule()
	<-childRan
}

func TestKillTransitionsThreadsToDiedAndStopsScheduling(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	ran := 0
	th, err := s.ThreadCreate(proc, func(th *Thread_t) {
		for {
			ran++
			Yield(th)
		}
	})
	if err != 0 {
		t.Fatalf("ThreadCreate: %v", err)
	}

	s.Schedule() // runs th once, parks it Waiting
	if ran != 1 {
		t.Fatalf("ran = %d before Kill, want 1", ran)
	}

	s.Kill(proc)

	if th.State() != Died {
		t.Fatalf("th.State() = %v after Kill, want Died", th.State())
	}
	if got := s.Schedule(); got != nil {
		t.Fatalf("Schedule() after Kill returned %v, want nil (nothing runnable)", got)
	}
	if ran != 1 {
		t.Fatalf("ran = %d after Kill, want 1 (thread must not run again)", ran)
	}
}

func TestAllocateTLSKeyReturnsDistinctKeys(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	a := s.AllocateTLSKey()
	b := s.AllocateTLSKey()
	if a == b {
		t.Fatalf("AllocateTLSKey returned the same key twice: %d", a)
	}
	if a == TLSInvalidKey || b == TLSInvalidKey {
		t.Fatalf("AllocateTLSKey returned TLSInvalidKey: a=%d b=%d", a, b)
	}
}

func TestTLSSetGetRoundTripsPerThread(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	key := s.AllocateTLSKey()

	results := make(chan [2]uintptr, 2)
	_, err := s.ThreadCreate(proc, func(th *Thread_t) {
		th.TLSSet(key, 0xAAAA)
		v, ok := th.TLSGet(key)
		if !ok {
			t.Error("TLSGet did not find a value this thread just set")
		}
		results <- [2]uintptr{v, 1}
	})
	if err != 0 {
		t.Fatalf("ThreadCreate: %v", err)
	}
	_, err = s.ThreadCreate(proc, func(th *Thread_t) {
		v, ok := th.TLSGet(key)
		if ok {
			t.Errorf("TLSGet on a fresh thread found a value it never set: %v", v)
		}
		results <- [2]uintptr{v, 0}
	})
	if err != 0 {
		t.Fatalf("ThreadCreate: %v", err)
	}

	s.Schedule()
	s.Schedule()

	got := map[uintptr]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		got[r[0]] = true
	}
	if !got[0xAAAA] || !got[0] {
		t.Fatalf("TLS values were not independent across threads: %v", got)
	}
}

func TestThreadByTidFindsCreatedThread(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	th, err := s.ThreadCreate(proc, func(th *Thread_t) {})
	if err != 0 {
		t.Fatalf("ThreadCreate: %v", err)
	}
	got, ok := proc.ThreadByTid(th.Tid)
	if !ok || got != th {
		t.Fatalf("ThreadByTid(%d) = %v, %v, want %v, true", th.Tid, got, ok, th)
	}
	if _, ok := proc.ThreadByTid(defs.Tid_t(99999)); ok {
		t.Fatal("ThreadByTid found a tid that was never created")
	}
}

func TestAssignFDFindsLowestFreeSlot(t *testing.T) {
	_, proc, _ := newTestScheduler(t)
	f0 := &fakeFile{}
	fd0, err := proc.AssignFD(f0)
	if err != 0 || fd0 != 0 {
		t.Fatalf("AssignFD(f0) = %d, %v, want 0, 0", fd0, err)
	}
	f1 := &fakeFile{}
	fd1, err := proc.AssignFD(f1)
	if err != 0 || fd1 != 1 {
		t.Fatalf("AssignFD(f1) = %d, %v, want 1, 0", fd1, err)
	}
	if err := proc.CloseFD(fd0); err != 0 {
		t.Fatalf("CloseFD(%d): %v", fd0, err)
	}
	if !f0.closed {
		t.Fatal("CloseFD did not close the underlying file")
	}
	if _, ok := proc.FileAt(fd0); ok {
		t.Fatal("FileAt found a file after its fd was closed")
	}
	f2 := &fakeFile{}
	fd2, err := proc.AssignFD(f2)
	if err != 0 || fd2 != 0 {
		t.Fatalf("AssignFD(f2) = %d, %v, want 0 (reused slot), 0", fd2, err)
	}
}

func TestAssignFDFailsWhenTableFull(t *testing.T) {
	_, proc, _ := newTestScheduler(t)
	for i := 0; i < defs.FD_MAX; i++ {
		if _, err := proc.AssignFD(&fakeFile{}); err != 0 {
			t.Fatalf("AssignFD(%d): %v", i, err)
		}
	}
	if _, err := proc.AssignFD(&fakeFile{}); err != -defs.ENOMEM {
		t.Fatalf("AssignFD on a full table returned %v, want -ENOMEM", err)
	}
}

func TestForkSharesFileTable(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	f := &fakeFile{}
	fd, err := proc.AssignFD(f)
	if err != 0 {
		t.Fatalf("AssignFD: %v", err)
	}
	child, _, ferr := s.Fork(proc, func(th *Thread_t) {})
	if ferr != 0 {
		t.Fatalf("Fork: %v", ferr)
	}
	got, ok := child.FileAt(fd)
	if !ok || got != f {
		t.Fatalf("child.FileAt(%d) = %v, %v, want %v, true", fd, got, ok, f)
	}
}

func TestJoinWaitsForDeath(t *testing.T) {
	s, proc, _ := newTestScheduler(t)
	target, err := s.ThreadCreate(proc, func(th *Thread_t) {})
	if err != 0 {
		t.Fatalf("ThreadCreate: %v", err)
	}

	joined := make(chan struct{})
	_, jerr := s.ThreadCreate(proc, func(th *Thread_t) {
		Join(th, target)
		close(joined)
	})
	if jerr != 0 {
		t.Fatalf("ThreadCreate: %v", jerr)
	}

	s.Schedule() // the joiner runs first (round-robin starts after target) and parks on Join
	s.Schedule() // target runs to completion and dies, waking the joiner
	s.Schedule() // joiner resumes and closes joined

	select {
	case <-joined:
	default:
		t.Fatal("joiner did not observe target's death")
	}
}
