// Package queue implements the NVMe submission/completion ring buffers and
// the registry that pairs them up, per spec.md §4.E/F.
package queue

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned by PostCommand/PostCompletion when the ring has
// no free slots.
var ErrQueueFull = errors.New("queue: full")

// HeadTail is a ring buffer position that wraps at entries. Both SQ.Tail
// and CQ.Head are doorbell-backed on the real hardware path; SQ.Head and
// CQ.Tail are local shadows a driver or simulator tracks itself, since
// nothing on the other side of the ring ever reads them back.
type HeadTail struct {
	entries uint32
	value   uint32
}

func newHeadTail(entries uint32) HeadTail { return HeadTail{entries: entries} }

// Value returns the current position.
func (h *HeadTail) Value() uint32 { return h.value }

// Set forces the position, e.g. when a CQE's SQHD field reports the
// controller's authoritative submission queue head.
func (h *HeadTail) Set(v uint32) { h.value = v % h.entries }

// Advance moves the position forward by one slot, wrapping at entries.
func (h *HeadTail) Advance() {
	h.value++
	if h.value == h.entries {
		h.value = 0
	}
}

// Peek returns the position one slot ahead, without advancing.
func (h *HeadTail) Peek() uint32 {
	v := h.value + 1
	if v == h.entries {
		v = 0
	}
	return v
}

// RingFunc rings a queue's doorbell register with a new head or tail value.
type RingFunc func(value uint32)

// ring is a base type shared by SubmissionQueue and CompletionQueue: a
// slice of entrySize*entries bytes plus the head/tail bookkeeping common
// to both.
type ring struct {
	mem       []byte
	entries   uint32
	entrySize uint32
	qid       uint16

	head HeadTail
	tail HeadTail
}

// IsFull reports whether the ring has no free slots — a ring can only ever
// hold entries-1 items, since tail catching up to head is indistinguishable
// from empty.
func (r *ring) IsFull() bool {
	return r.tail.Peek() == r.head.Value()
}

// NumEntries returns the number of occupied slots.
func (r *ring) NumEntries() uint32 {
	if r.tail.Peek() == r.head.Value() {
		return r.entries - 1
	}
	if r.tail.Value() == r.head.Value() {
		return 0
	}
	if r.tail.Value() > r.head.Value() {
		return r.tail.Value() - r.head.Value()
	}
	return (r.entries - r.head.Value()) + r.tail.Value()
}

// QID returns the queue identifier.
func (r *ring) QID() uint16 { return r.qid }

// Entries returns the ring's entry capacity.
func (r *ring) Entries() uint32 { return r.entries }

func (r *ring) slot(pos uint32) []byte {
	off := pos * r.entrySize
	return r.mem[off : off+r.entrySize]
}

// SubmissionQueue is a host-to-controller command ring.
type SubmissionQueue struct {
	ring
	ringTail RingFunc
}

// NewSubmissionQueue wraps mem (entries*entrySize bytes of DMA memory) as a
// submission queue. ringTail is invoked with the new tail value every time
// a command is posted; pass nil on the simulator side, which never owns a
// doorbell to ring.
func NewSubmissionQueue(mem []byte, entries, entrySize uint32, qid uint16, ringTail RingFunc) *SubmissionQueue {
	return &SubmissionQueue{
		ring:     ring{mem: mem, entries: entries, entrySize: entrySize, qid: qid, head: newHeadTail(entries), tail: newHeadTail(entries)},
		ringTail: ringTail,
	}
}

// PostCommand copies cmd (entrySize bytes) into the next tail slot, per
// queues.py's NVMeQueue.post_command.
func (sq *SubmissionQueue) PostCommand(cmd []byte) error {
	if uint32(len(cmd)) != sq.entrySize {
		return fmt.Errorf("queue: command is %d bytes, want %d", len(cmd), sq.entrySize)
	}
	if sq.IsFull() {
		return ErrQueueFull
	}
	copy(sq.slot(sq.tail.Value()), cmd)
	sq.tail.Advance()
	if sq.ringTail != nil {
		sq.ringTail(sq.tail.Value())
	}
	return nil
}

// GetCommand returns the raw bytes of the next unconsumed command and
// advances the local head, or (nil, false) if the queue is empty. This is
// the simulator-side read path — it never touches a doorbell, since the
// controller side of an SQ has no doorbell of its own to ring.
func (sq *SubmissionQueue) GetCommand() ([]byte, bool) {
	if sq.NumEntries() == 0 {
		return nil, false
	}
	cmd := sq.slot(sq.head.Value())
	sq.head.Advance()
	return cmd, true
}

// SetHead forces the local head shadow, used by the driver side when a
// CQE's SQHD field reports the controller's authoritative head position.
func (sq *SubmissionQueue) SetHead(v uint32) { sq.head.Set(v) }

// Head returns the current local head position. The simulator side reports
// this back as SQHD on every completion it posts for a command drained
// from this queue.
func (sq *SubmissionQueue) Head() uint32 { return sq.head.Value() }

// SetTail forces the local tail shadow, used by the simulator side to sync
// its view of an SQ from the real SQ tail doorbell register once a doorbell
// write is observed — the simulator never calls PostCommand itself, so
// nothing else advances this queue's notion of tail.
func (sq *SubmissionQueue) SetTail(v uint32) { sq.tail.Set(v) }

// CompletionQueue is a controller-to-host completion ring.
type CompletionQueue struct {
	ring
	ringHead  RingFunc
	IntVector *uint16
	phase     uint32
}

// NewCompletionQueue wraps mem as a completion queue. ringHead is invoked
// with the new head value every time a completion is consumed; pass nil on
// the simulator side. intVector is nil for polling, or the MSI-X vector
// assigned to this queue.
func NewCompletionQueue(mem []byte, entries, entrySize uint32, qid uint16, intVector *uint16, ringHead RingFunc) *CompletionQueue {
	return &CompletionQueue{
		ring:      ring{mem: mem, entries: entries, entrySize: entrySize, qid: qid, head: newHeadTail(entries), tail: newHeadTail(entries)},
		ringHead:  ringHead,
		IntVector: intVector,
		phase:     1,
	}
}

// Phase returns the current expected phase tag bit.
func (cq *CompletionQueue) Phase() uint32 { return cq.phase }

// GetNextCompletion returns the raw bytes at the current head slot without
// consuming it, so the caller can inspect the phase bit before deciding
// whether a new completion has actually arrived.
func (cq *CompletionQueue) GetNextCompletion() []byte {
	return cq.slot(cq.head.Value())
}

// SetHead forces the local head shadow, used by the simulator side to sync
// its view of a CQ from the real CQ head doorbell register once a doorbell
// write is observed.
func (cq *CompletionQueue) SetHead(v uint32) { cq.head.Set(v) }

// PeekTail returns the raw bytes of the slot the next PostCompletion would
// overwrite, without writing anything. The simulator reads this first to
// recover the stale phase bit left over from the slot's previous occupant,
// per spec.md §4.E post_completion: the new entry's phase is the inverse of
// whatever phase bit is already sitting in that slot.
func (cq *CompletionQueue) PeekTail() []byte {
	return cq.slot(cq.tail.Value())
}

// ConsumeCompletion advances the local head, flips the expected phase once
// it wraps, and rings the CQ head doorbell so the controller can reuse the
// slot.
func (cq *CompletionQueue) ConsumeCompletion() {
	cq.head.Advance()
	if cq.head.Value() == 0 {
		cq.phase ^= 1
	}
	if cq.ringHead != nil {
		cq.ringHead(cq.head.Value())
	}
}

// PostCompletion writes cqe (entrySize bytes, with its phase bit already
// set to whatever the caller computed) into the next tail slot and
// advances the local tail. This is the simulator-side write path.
func (cq *CompletionQueue) PostCompletion(cqe []byte) error {
	if uint32(len(cqe)) != cq.entrySize {
		return fmt.Errorf("queue: completion is %d bytes, want %d", len(cqe), cq.entrySize)
	}
	if cq.IsFull() {
		return ErrQueueFull
	}
	copy(cq.slot(cq.tail.Value()), cqe)
	cq.tail.Advance()
	return nil
}
