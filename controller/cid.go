package controller

// cidAllocator hands out command identifiers from [init, max), wrapping at
// max, mirroring NVMeDeviceCommon.CidMgr. The original allows duplicates on
// wrap; this implementation always refuses to hand back a CID that is
// still outstanding, per the "CID reuse on wrap" open-question decision
// (see DESIGN.md).
type cidAllocator struct {
	init, max uint16
	next      uint16
	inUse     map[uint16]bool
}

func newCIDAllocator(init, max uint16) *cidAllocator {
	return &cidAllocator{init: init, max: max, next: init, inUse: map[uint16]bool{}}
}

// get returns the next CID, marking it in use. It returns ErrCidExhausted if
// every CID in the range is already outstanding.
func (a *cidAllocator) get() (uint16, error) {
	start := a.next
	for {
		cid := a.next
		a.next++
		if a.next >= a.max {
			a.next = a.init
		}
		if !a.inUse[cid] {
			a.inUse[cid] = true
			return cid, nil
		}
		if a.next == start {
			return 0, ErrCidExhausted
		}
	}
}

// release marks cid free again, called once its command completes.
func (a *cidAllocator) release(cid uint16) {
	delete(a.inUse, cid)
}

// reset clears every in-use CID, used by cc_disable since every outstanding
// command is discarded along with the queues.
func (a *cidAllocator) reset() {
	a.next = a.init
	a.inUse = map[uint16]bool{}
}
