// Package ipc implements the port-based message passing of spec.md
// section 4.4, grounded in original_source/sys/os/ipc/IPCPort.cpp: ports
// carry a Send/Receive rights bitset, a FIFO message queue guarded by the
// port's own lock, and a portName recomposed from the holding task
// whenever a port right is duplicated (IPCCreatePortRight vs.
// IPCCreatePortName in the original).
package ipc

import (
	"sync"
	"sync/atomic"

	"cinderkeep/src/defs"
)

/// Rights_t is the bitset of operations a port handle permits.
type Rights_t uint8

const (
	Send Rights_t = 1 << iota
	Receive
)

/// Name_t is a port name: (pid, system_id, local_name) packed so equality
/// distinguishes both receive-port origins and port-right holders
/// (spec.md section 4.4).
type Name_t struct {
	Pid      defs.Pid_t
	SystemID uint16
	Local    uint16
}

/// Header_t is a message's fixed-size envelope (spec.md section 3's
/// message data model: "header (id, size, flags)"), read before the
/// payload is interpreted.
type Header_t struct {
	ID    uint32
	Size  uint32
	Flags uint32
}

/// Message_t is one queued IPC message. Its Body is owned by the message
/// until popped (spec.md section 4.4: "memory for the message body is
/// owned by the message until consumed"). Sender and Receiver are the
/// port names of who sent it and who it was pushed to — set by Push, not
/// by the caller building the message — so that a receiver can
/// authenticate a sender's identity (spec.md section 4.4). Port carries
/// an optional transferred port-right, spec.md section 3's "optional
/// transferred port-right" on the message model.
type Message_t struct {
	Sender   Name_t
	Receiver Name_t
	Header   Header_t
	Body     []byte
	Port     *Port_t
}

/// Port_t is either a receive port (owns a FIFO queue) or a send-right
/// duplicated from one (Queue is nil; Push/Peek/Pop are only valid on the
/// receive side, matching IOAssert(_rights & Rights::Receive, ...) in the
/// original — a caller without Receive gets EPERM here instead of an
/// assertion failure, since this port has no kernel panic path for a
/// user-triggerable rights violation). refcount follows the same
/// IOObject::retain()/release() model ioglue.Library uses (spec.md
/// section 5: "IPC Ports, libraries, and threads use reference counting;
/// freeing is done by whoever releases the last reference").
type Port_t struct {
	mu       sync.Mutex
	name     Name_t
	rights   Rights_t
	queue    []*Message_t
	refcount int32
}

/// NewReceivePort creates a fresh receive port owned by holder, with the
/// given local name within system systemID, at a starting refcount of 1
/// (the creator's own reference).
func NewReceivePort(holder defs.Pid_t, systemID, local uint16, rights Rights_t) *Port_t {
	p := &Port_t{
		name:     Name_t{Pid: holder, SystemID: systemID, Local: local},
		rights:   rights,
		refcount: 1,
	}
	if rights&Receive != 0 {
		p.queue = make([]*Message_t, 0)
	}
	return p
}

/// DuplicateRight returns a new port handle carrying the same rights as
/// origin but renamed to encode holder as the new owning task (spec.md
/// section 4.4: "its portName is recomposed to encode the holding task.
/// This lets a receiver authenticate senders."). The duplicate keeps no
/// link to origin and starts with no queue: Push/Peek/Pop on it act on
/// the duplicate itself, never on origin, so messages meant for origin's
/// queue are pushed on origin. It starts its own refcount at 1, matching
/// InitAsPortRight's creation of a distinct IOObject for the right.
func DuplicateRight(origin *Port_t, holder defs.Pid_t, local uint16) *Port_t {
	origin.mu.Lock()
	rights := origin.rights
	sysID := origin.name.SystemID
	origin.mu.Unlock()

	return &Port_t{
		name:     Name_t{Pid: holder, SystemID: sysID, Local: local},
		rights:   rights,
		refcount: 1,
	}
}

/// Retain increments p's reference count and returns p.
func Retain(p *Port_t) *Port_t {
	atomic.AddInt32(&p.refcount, 1)
	return p
}

/// Release decrements p's reference count and reports whether it reached
/// zero, at which point the caller holding the last reference is
/// responsible for discarding p (spec.md section 5).
func Release(p *Port_t) bool {
	return atomic.AddInt32(&p.refcount, -1) == 0
}

/// Refcount reports p's current reference count, for diagnostics and
/// tests.
func Refcount(p *Port_t) int32 {
	return atomic.LoadInt32(&p.refcount)
}

/// Name returns the port's (possibly duplicated) name.
func (p *Port_t) Name() Name_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

/// Rights returns the port's rights bitset.
func (p *Port_t) Rights() Rights_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rights
}

/// Push appends msg to the receive port's FIFO queue, stamping msg.Sender
/// and msg.Receiver so a later Peek/Pop can authenticate who sent it
/// (spec.md section 4.4: "This lets a receiver authenticate senders.") —
/// the caller does not get to set these itself. Requires Receive on p; a
/// send-right duplicate must push through its origin port (spec.md
/// section 4.4: "port.push(message) requires Receive on the port
/// object").
func Push(p *Port_t, sender Name_t, msg *Message_t) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rights&Receive == 0 {
		return -defs.EPERM
	}
	msg.Sender = sender
	msg.Receiver = p.name
	p.queue = append(p.queue, msg)
	return 0
}

/// Peek returns the head of p's queue without removing it, or nil if
/// empty (spec.md section 4.4: "Peeking an empty queue returns null, not
/// an error").
func Peek(p *Port_t) (*Message_t, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rights&Receive == 0 {
		return nil, -defs.EPERM
	}
	if len(p.queue) == 0 {
		return nil, 0
	}
	return p.queue[0], 0
}

/// Pop removes the head of p's queue.
func Pop(p *Port_t) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rights&Receive == 0 {
		return -defs.EPERM
	}
	if len(p.queue) == 0 {
		return 0
	}
	p.queue = p.queue[1:]
	return 0
}

/// QueueLen reports the number of pending messages, for diagnostics and
/// tests.
func QueueLen(p *Port_t) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
