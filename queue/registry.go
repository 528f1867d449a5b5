package queue

// Pair is one associated (SQ, CQ); a CQ can be shared by multiple SQs, but
// every SQ belongs to exactly one CQ.
type Pair struct {
	SQ *SubmissionQueue
	CQ *CompletionQueue
}

type pairKey struct {
	sqid, cqid uint16
}

// Registry tracks every live queue pair a controller has created, mirroring
// queues.py's QueueMgr: a sqid/cqid-keyed table plus round-robin iteration
// over the I/O submission queues for command distribution.
type Registry struct {
	pairs map[pairKey]Pair

	ioSQIDs     []uint16
	ioSQIDIndex int
	ioCQIDs     []uint16
}

// NewRegistry returns an empty queue registry.
func NewRegistry() *Registry {
	return &Registry{pairs: map[pairKey]Pair{}}
}

// Add registers a new (SQ, CQ) pair and rebuilds the I/O queue id lists.
// The admin queue pair (sqid==0, cqid==0) is tracked but excluded from I/O
// round robin.
func (r *Registry) Add(sq *SubmissionQueue, cq *CompletionQueue) {
	r.pairs[pairKey{sq.QID(), cq.QID()}] = Pair{SQ: sq, CQ: cq}
	r.rebuildIOLists()
}

func (r *Registry) rebuildIOLists() {
	r.ioSQIDs = r.ioSQIDs[:0]
	r.ioCQIDs = r.ioCQIDs[:0]
	for k, v := range r.pairs {
		if k.sqid != 0 && k.cqid != 0 && v.SQ != nil && v.CQ != nil {
			r.ioSQIDs = append(r.ioSQIDs, k.sqid)
			r.ioCQIDs = append(r.ioCQIDs, k.cqid)
		}
	}
	if r.ioSQIDIndex >= len(r.ioSQIDs) {
		r.ioSQIDIndex = 0
	}
}

// RemoveCQ tears down the CQ half of every pair referencing cqid, dropping
// the pair entirely once both halves are gone.
func (r *Registry) RemoveCQ(cqid uint16) {
	for k, v := range r.pairs {
		if k.cqid == cqid {
			v.CQ = nil
			if v.SQ == nil {
				delete(r.pairs, k)
			} else {
				r.pairs[k] = v
			}
		}
	}
	r.rebuildIOLists()
}

// RemoveSQ tears down the SQ half of every pair referencing sqid.
func (r *Registry) RemoveSQ(sqid uint16) {
	for k, v := range r.pairs {
		if k.sqid == sqid {
			v.SQ = nil
			if v.CQ == nil {
				delete(r.pairs, k)
			} else {
				r.pairs[k] = v
			}
		}
	}
	r.rebuildIOLists()
}

// AllPairs returns every registered (SQ, CQ) pair, including the admin
// pair, for callers that need to walk the full set (e.g. delete_io_queues).
func (r *Registry) AllPairs() []Pair {
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// GetByPair returns the pair registered under the exact (sqid, cqid) key.
func (r *Registry) GetByPair(sqid, cqid uint16) (Pair, bool) {
	p, ok := r.pairs[pairKey{sqid, cqid}]
	return p, ok
}

// GetBySQID returns the first pair whose SQ id is sqid.
func (r *Registry) GetBySQID(sqid uint16) (Pair, bool) {
	for k, v := range r.pairs {
		if k.sqid == sqid {
			return v, true
		}
	}
	return Pair{}, false
}

// GetByCQID returns the first pair whose CQ id is cqid.
func (r *Registry) GetByCQID(cqid uint16) (Pair, bool) {
	for k, v := range r.pairs {
		if k.cqid == cqid {
			return v, true
		}
	}
	return Pair{}, false
}

// AllCQIDs returns every registered CQ id, always including the admin CQ
// (id 0) first.
func (r *Registry) AllCQIDs() []uint16 {
	return append([]uint16{0}, r.ioCQIDs...)
}

// AllCQVectors returns the MSI-X vector (or nil for polling) of every
// registered CQ.
func (r *Registry) AllCQVectors() []*uint16 {
	vectors := make([]*uint16, 0, len(r.pairs))
	for _, v := range r.pairs {
		if v.CQ != nil {
			vectors = append(vectors, v.CQ.IntVector)
		}
	}
	return vectors
}

// NextIOSQID round-robins over the registered I/O submission queues, for
// spreading commands across queue pairs. Returns (0, false) if there are
// none.
func (r *Registry) NextIOSQID() (uint16, bool) {
	if len(r.ioSQIDs) == 0 {
		return 0, false
	}
	id := r.ioSQIDs[r.ioSQIDIndex]
	r.ioSQIDIndex++
	if r.ioSQIDIndex >= len(r.ioSQIDs) {
		r.ioSQIDIndex = 0
	}
	return id, true
}
