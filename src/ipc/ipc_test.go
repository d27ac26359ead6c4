package ipc

import (
	"testing"

	"cinderkeep/src/defs"
)

func TestPushPeekPopFIFO(t *testing.T) {
	p := NewReceivePort(1, 1, 7, Send|Receive)
	sender := Name_t{Pid: 9, SystemID: 1, Local: 3}
	Push(p, sender, &Message_t{Body: []byte("first")})
	Push(p, sender, &Message_t{Body: []byte("second")})

	got, err := Peek(p)
	if err != 0 {
		t.Fatalf("Peek: %v", err)
	}
	if string(got.Body) != "first" {
		t.Fatalf("Peek = %q, want %q", got.Body, "first")
	}
	if err := Pop(p); err != 0 {
		t.Fatalf("Pop: %v", err)
	}
	got, err = Peek(p)
	if err != 0 || string(got.Body) != "second" {
		t.Fatalf("Peek after pop = %q, %v, want %q, nil", got.Body, err, "second")
	}
}

func TestPushStampsSenderAndReceiver(t *testing.T) {
	p := NewReceivePort(1, 1, 7, Receive)
	sender := Name_t{Pid: 9, SystemID: 1, Local: 3}
	msg := &Message_t{Body: []byte("hi")}
	if err := Push(p, sender, msg); err != 0 {
		t.Fatalf("Push: %v", err)
	}
	if msg.Sender != sender {
		t.Fatalf("msg.Sender = %+v, want %+v", msg.Sender, sender)
	}
	if msg.Receiver != p.Name() {
		t.Fatalf("msg.Receiver = %+v, want %+v", msg.Receiver, p.Name())
	}
}

func TestPeekEmptyQueueReturnsNilNotError(t *testing.T) {
	p := NewReceivePort(1, 1, 7, Receive)
	msg, err := Peek(p)
	if err != 0 {
		t.Fatalf("Peek of empty queue returned error %v, want nil error", err)
	}
	if msg != nil {
		t.Fatalf("Peek of empty queue = %v, want nil", msg)
	}
}

func TestPushWithoutReceiveRightIsEPERM(t *testing.T) {
	p := NewReceivePort(1, 1, 7, Send)
	if err := Push(p, Name_t{}, &Message_t{}); err != -defs.EPERM {
		t.Fatalf("Push without Receive = %v, want -EPERM", err)
	}
}

func TestDuplicateRightSharesRightsButRenamesHolder(t *testing.T) {
	origin := NewReceivePort(1, 5, 9, Send|Receive)
	dup := DuplicateRight(origin, 2, 42)

	if dup.Rights() != origin.Rights() {
		t.Fatalf("duplicate rights = %v, want %v", dup.Rights(), origin.Rights())
	}
	if dup.Name().Pid != 2 || dup.Name().Local != 42 {
		t.Fatalf("duplicate name = %+v, want holder 2 local 42", dup.Name())
	}
	if dup.Name().Pid == origin.Name().Pid {
		t.Fatal("duplicate should be renamed to the new holder's pid, not the origin's")
	}
}

func TestQueueLenTracksPushPop(t *testing.T) {
	p := NewReceivePort(1, 1, 1, Receive)
	if QueueLen(p) != 0 {
		t.Fatalf("QueueLen of fresh port = %d, want 0", QueueLen(p))
	}
	Push(p, Name_t{}, &Message_t{})
	Push(p, Name_t{}, &Message_t{})
	if QueueLen(p) != 2 {
		t.Fatalf("QueueLen after two pushes = %d, want 2", QueueLen(p))
	}
	Pop(p)
	if QueueLen(p) != 1 {
		t.Fatalf("QueueLen after one pop = %d, want 1", QueueLen(p))
	}
}

func TestRetainReleaseTracksRefcount(t *testing.T) {
	p := NewReceivePort(1, 1, 1, Receive)
	Retain(p)
	if got := Refcount(p); got != 2 {
		t.Fatalf("Refcount after Retain = %d, want 2", got)
	}
	if Release(p) {
		t.Fatal("Release reported refcount reached zero after only one Release")
	}
	if !Release(p) {
		t.Fatal("Release of the last reference should report refcount reached zero")
	}
}

func TestNewPortsStartAtRefcountOne(t *testing.T) {
	origin := NewReceivePort(1, 1, 1, Send|Receive)
	if got := Refcount(origin); got != 1 {
		t.Fatalf("NewReceivePort refcount = %d, want 1", got)
	}
	dup := DuplicateRight(origin, 2, 2)
	if got := Refcount(dup); got != 1 {
		t.Fatalf("DuplicateRight refcount = %d, want 1", got)
	}
}
