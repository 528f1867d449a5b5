package simulator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nvhost/nvhost/command"
	"github.com/nvhost/nvhost/queue"
	"github.com/nvhost/nvhost/simulator/handlers"
)

// defaultBlockSize and defaultNumBlocks describe the single namespace a
// simulator opened with no fixture presents: a 4096-byte LBA format (so
// NLB=0 on a Write/Read addresses exactly one 4096-byte block), sized to a
// modest 128 MiB namespace. This active format deliberately differs from
// the 512-byte figure used when describing the factory-default device at a
// glance; see DESIGN.md for why the two-scenario tension is resolved this
// way.
const (
	defaultBlockSize = 4096
	defaultNumBlocks = 32768
)

// identity is the fixed controller identity nvsim always reports, per
// original_source/python3/nvsim_2/simulators/generic.py's
// GenericNVMeNVSimConfig defaults.
const (
	identitySerial   = "EDDAE771"
	identityModel    = "nvsim_0.1"
	identityFirmware = "0.001"
)

// Options configures a Simulator instance.
type Options struct {
	// Namespaces lists the namespaces to create. If empty, a single default
	// namespace (NSID 1) is created.
	Namespaces []NamespaceFixture
}

// Simulator is the in-process NVMe controller: a platform.Device backed by
// plain memory, serviced by a background goroutine that plays the device
// side of the register/doorbell/queue protocol.
type Simulator struct {
	*device

	mu         sync.Mutex
	namespaces map[uint32]*namespace
	nsOrder    []uint32

	queues     *queue.Registry
	pendingCQs map[uint16]*queue.CompletionQueue

	powerState uint32

	adminTable map[uint8]handlers.HandlerFunc
	nvmTable   map[uint8]handlers.HandlerFunc

	identityCtrl []byte

	stop chan struct{}
	done chan struct{}
}

// Open constructs a Simulator per opts and starts its background loop.
// device.go's init wraps it in the (opts any) -> (platform.Device, error)
// shape platform.RegisterSimulatorOpener expects.
func Open(opts Options) (*Simulator, error) {
	s := &Simulator{
		device:     newDevice(),
		namespaces: map[uint32]*namespace{},
		queues:     queue.NewRegistry(),
		pendingCQs: map[uint16]*queue.CompletionQueue{},
		adminTable: handlers.AdminTable(),
		nvmTable:   handlers.NVMTable(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.identityCtrl = s.buildIdentifyControllerData()

	fixtures := opts.Namespaces
	if len(fixtures) == 0 {
		fixtures = []NamespaceFixture{{NSID: 1, NumBlocks: defaultNumBlocks, BlockSize: defaultBlockSize}}
	}
	for _, fx := range fixtures {
		ns, err := newNamespace(fx.NSID, fx.NumBlocks, fx.BlockSize, fx.Path)
		if err != nil {
			return nil, err
		}
		s.namespaces[fx.NSID] = ns
		s.nsOrder = append(s.nsOrder, fx.NSID)
	}
	sort.Slice(s.nsOrder, func(i, j int) bool { return s.nsOrder[i] < s.nsOrder[j] })

	go s.run()
	return s, nil
}

// NewSimulator is an alias for Open, for callers that prefer a constructor
// name distinct from the platform-registered opener signature.
func NewSimulator(opts Options) (*Simulator, error) { return Open(opts) }

// Stop halts the background loop and waits for it to exit. Close (the
// platform.Device method, inherited from *device) should be called
// afterward to release device resources.
func (s *Simulator) Stop() {
	close(s.stop)
	<-s.done
}

// --- handlers.Context ---

func (s *Simulator) Namespace(nsid uint32) (handlers.Namespace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[nsid]
	return ns, ok
}

func (s *Simulator) NamespaceIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.nsOrder))
	copy(out, s.nsOrder)
	return out
}

func (s *Simulator) MPS() uint64 { return uint64(s.nvme.MPSBytes()) }

func (s *Simulator) IdentifyControllerData() []byte { return s.identityCtrl }

func (s *Simulator) IdentifyNamespaceData(nsid uint32) ([]byte, bool) {
	s.mu.Lock()
	ns, ok := s.namespaces[nsid]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.buildIdentifyNamespaceData(ns), true
}

func (s *Simulator) ActiveNamespaceListData() []byte {
	data := make([]byte, identifyBufferSize)
	for i, nsid := range s.NamespaceIDs() {
		if (i+1)*4 > len(data) {
			break
		}
		putU32(data, i*4, nsid)
	}
	return data
}

func (s *Simulator) PowerState() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerState
}

func (s *Simulator) SetPowerState(ps uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerState = ps
}

func (s *Simulator) FormatNamespace(nsid uint32) error {
	s.mu.Lock()
	ns, ok := s.namespaces[nsid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("simulator: no such namespace %d", nsid)
	}
	zero := make([]byte, ns.blockSize)
	for lba := uint64(0); lba < ns.numBlocks; lba++ {
		if err := ns.WriteAt(zero, lba); err != nil {
			return err
		}
	}
	return nil
}

// CreateIOCQ translates prp1 into the CQ's backing memory and parks it in
// pendingCQs until a matching Create I/O Submission Queue command supplies
// the other half of the pair, mirroring the real two-command sequence a
// driver issues.
func (s *Simulator) CreateIOCQ(qid uint16, qsize uint16, prp1 uint64, vector *uint16) error {
	entries := uint32(qsize) + 1
	buf, err := s.device.Translate(prp1, uint64(entries)*command.CQESize)
	if err != nil {
		return err
	}
	cq := queue.NewCompletionQueue(buf, entries, command.CQESize, qid, vector, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCQs[qid] = cq
	return nil
}

// CreateIOSQ translates prp1 into the SQ's backing memory and, if cqid
// names a CQ created earlier, registers the completed pair.
func (s *Simulator) CreateIOSQ(qid uint16, qsize uint16, prp1 uint64, cqid uint16, priority uint8) error {
	entries := uint32(qsize) + 1
	buf, err := s.device.Translate(prp1, uint64(entries)*command.Size)
	if err != nil {
		return err
	}
	sq := queue.NewSubmissionQueue(buf, entries, command.Size, qid, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	cq, ok := s.pendingCQs[cqid]
	if !ok {
		return fmt.Errorf("simulator: no completion queue %d pending for submission queue %d", cqid, qid)
	}
	delete(s.pendingCQs, cqid)
	s.queues.Add(sq, cq)
	return nil
}

func (s *Simulator) DeleteIOCQ(qid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingCQs, qid)
	s.queues.RemoveCQ(qid)
	return nil
}

func (s *Simulator) DeleteIOSQ(qid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues.RemoveSQ(qid)
	return nil
}

func putU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}
