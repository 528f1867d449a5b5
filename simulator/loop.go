package simulator

import (
	"time"

	"github.com/nvhost/nvhost/command"
	"github.com/nvhost/nvhost/queue"
	"github.com/nvhost/nvhost/regs"
	"github.com/nvhost/nvhost/simulator/handlers"
)

// pollInterval is how often the background loop diffs registers and drains
// queues. There is no interrupt path into this goroutine — a real device's
// doorbell writes are just stores into the same shared memory the driver
// wrote to, so polling is the only way to notice them, per
// original_source/python3/nvsim/simulators/nvsim_thread.py's run loop.
const pollInterval = 200 * time.Microsecond

// run is the background goroutine that plays the device side of the
// register/doorbell/queue protocol: CC.EN/IFLR transition detection, queue
// draining, and completion posting.
func (s *Simulator) run() {
	defer close(s.done)

	wasEnabled := false
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.tick(&wasEnabled)
		time.Sleep(pollInterval)
	}
}

func (s *Simulator) tick(wasEnabled *bool) {
	defer func() {
		if r := recover(); r != nil {
			s.setCSTSBit(1 /* CFS */, true)
		}
	}()

	if requested, supported := s.pci.IFLRRequested(); supported && requested {
		s.handleFLR()
		*wasEnabled = false
		return
	}

	en := s.nvme.EN()
	switch {
	case en && !*wasEnabled:
		s.handleEnable()
		*wasEnabled = true
	case !en && *wasEnabled:
		s.handleDisable()
		*wasEnabled = false
	case en:
		s.drainAll()
	}
}

// handleEnable brings up the admin queue pair on a CC.EN 0->1 transition,
// per spec.md §4.H's RESET -> ADMIN_READY transition, then raises CSTS.RDY.
func (s *Simulator) handleEnable() {
	asqs := uint32(s.nvme.ASQS()) + 1
	acqs := uint32(s.nvme.ACQS()) + 1
	asqIOVA := s.nvme.ASQRaw()
	acqIOVA := s.nvme.ACQRaw()

	sqBuf, err := s.device.Translate(asqIOVA, uint64(asqs)*command.Size)
	if err != nil {
		panic(err)
	}
	cqBuf, err := s.device.Translate(acqIOVA, uint64(acqs)*command.CQESize)
	if err != nil {
		panic(err)
	}

	sq := queue.NewSubmissionQueue(sqBuf, asqs, command.Size, 0, nil)
	cq := queue.NewCompletionQueue(cqBuf, acqs, command.CQESize, 0, nil, nil)
	s.queues.Add(sq, cq)

	s.setCSTSBit(0 /* RDY */, true)
}

// handleDisable tears down every queue pair on a CC.EN 1->0 transition, per
// the ADMIN_READY/IO_READY -> RESET transition.
func (s *Simulator) handleDisable() {
	s.mu.Lock()
	s.pendingCQs = map[uint16]*queue.CompletionQueue{}
	s.mu.Unlock()

	for _, pair := range s.queues.AllPairs() {
		s.queues.RemoveSQ(pair.SQ.QID())
		s.queues.RemoveCQ(pair.CQ.QID())
	}
	s.nvme.Region().Store32(regs.OffCSTS, 0)
}

// handleFLR replays a function level reset: every register and queue goes
// back to its power-on default, per spec.md §4.H's FLR semantics. DMA
// mappings are host-side IOMMU state and are kept, so the driver can
// re-initialize with the buffers it already mapped.
func (s *Simulator) handleFLR() {
	s.handleDisable()
	s.resetNVMeRegisters()
	s.pci.ClearIFLR()
}

// setCSTSBit sets or clears one bit of CSTS. CSTS has no exported setter on
// regs.NVMeRegs since the host never writes it on real hardware; the
// simulator, playing the device side, writes the raw register directly.
func (s *Simulator) setCSTSBit(bit uint, value bool) {
	raw := s.nvme.CSTSRaw()
	if value {
		raw |= 1 << bit
	} else {
		raw &^= 1 << bit
	}
	s.nvme.Region().Store32(regs.OffCSTS, raw)
}

// drainAll syncs every queue pair's head/tail shadows from their doorbell
// registers, then dispatches every pending command, admin queue first.
func (s *Simulator) drainAll() {
	pairs := s.queues.AllPairs()
	for _, pair := range pairs {
		if pair.SQ == nil || pair.CQ == nil {
			continue
		}
		if pair.SQ.QID() == 0 {
			s.drainPair(pair, s.adminTable)
		}
	}
	for _, pair := range pairs {
		if pair.SQ == nil || pair.CQ == nil {
			continue
		}
		if pair.SQ.QID() != 0 {
			s.drainPair(pair, s.nvmTable)
		}
	}
}

func (s *Simulator) drainPair(pair queue.Pair, table map[uint8]handlers.HandlerFunc) {
	pair.SQ.SetTail(s.nvme.ReadSQTail(pair.SQ.QID()))
	pair.CQ.SetHead(s.nvme.ReadCQHead(pair.CQ.QID()))

	for {
		raw, ok := pair.SQ.GetCommand()
		if !ok {
			break
		}
		cmd := command.New(raw)
		s.dispatch(pair, cmd, table)
	}
}

func (s *Simulator) dispatch(pair queue.Pair, cmd *command.Command, table map[uint8]handlers.HandlerFunc) {
	handler, ok := table[cmd.OPC()]
	var cmdSpec uint32
	var sct, sc uint8
	if !ok {
		sct, sc = command.SCTGeneric, command.SCInvalidField
	} else {
		cmdSpec, sct, sc = handler(s, cmd)
	}

	stale := pair.CQ.PeekTail()
	stalePhase := command.NewCQE(stale).Phase()
	newPhase := !stalePhase

	buf := make([]byte, command.CQESize)
	cqe := command.NewCQE(buf)
	cqe.Set(cmdSpec, uint16(pair.SQ.Head()), pair.SQ.QID(), cmd.CID(), sct, sc, false, false, newPhase)

	if err := pair.CQ.PostCompletion(buf); err != nil {
		return
	}
	if pair.CQ.IntVector != nil {
		s.signalMSIX(*pair.CQ.IntVector)
	}
}
