// Package handlers implements the per-opcode admin/NVM command handlers the
// simulator dispatches drained submission queue entries to, grounded on
// original_source/python3/nvsim_2/cmd_handlers/admin.py and
// original_source/python3/nvsim/cmd_handlers/nvm.py. Handlers never touch
// queue.Registry or regs.* directly — everything they need comes through
// Context, so this package has no import back to simulator and no cycle.
package handlers

import "github.com/nvhost/nvhost/command"

// Namespace is the subset of the simulator's namespace type a handler needs:
// geometry plus flat byte-addressable read/write/flush.
type Namespace interface {
	NSID() uint32
	BlockSize() uint32
	NumBlocks() uint64
	ReadAt(dst []byte, lba uint64) error
	WriteAt(src []byte, lba uint64) error
	Flush() error
}

// Context is the device-side state a handler needs, implemented by
// *simulator.Simulator. It is the mirror image of controller.Controller:
// where the driver posts commands and waits on completions, a Context
// services them.
type Context interface {
	// Namespace looks up a namespace by id.
	Namespace(nsid uint32) (Namespace, bool)
	// NamespaceIDs returns every active namespace id, ascending.
	NamespaceIDs() []uint32

	// Translate resolves a PRP-carried IOVA into the host bytes it
	// addresses, per the toy IOMMU the simulator device maintains.
	Translate(iova uint64, size uint64) ([]byte, error)
	// MPS returns the negotiated memory page size in bytes.
	MPS() uint64

	// IdentifyControllerData returns the prebuilt 4096-byte Identify
	// Controller data structure.
	IdentifyControllerData() []byte
	// IdentifyNamespaceData returns the prebuilt 4096-byte Identify
	// Namespace data structure for nsid.
	IdentifyNamespaceData(nsid uint32) ([]byte, bool)
	// ActiveNamespaceListData returns the Identify Active Namespace ID
	// List data structure.
	ActiveNamespaceListData() []byte

	// CreateIOCQ/CreateIOSQ/DeleteIOCQ/DeleteIOSQ drive the device-side
	// queue registry. qsize is the zero-based queue size carried in the
	// command (entries-1).
	CreateIOCQ(qid uint16, qsize uint16, prp1 uint64, vector *uint16) error
	CreateIOSQ(qid uint16, qsize uint16, prp1 uint64, cqid uint16, priority uint8) error
	DeleteIOCQ(qid uint16) error
	DeleteIOSQ(qid uint16) error

	// PowerState/SetPowerState back the one Get/Set Feature this
	// simulator implements (FIDPowerManagement).
	PowerState() uint32
	SetPowerState(ps uint32)

	// FormatNamespace zero-fills a namespace's backing store, per the
	// Format NVM command.
	FormatNamespace(nsid uint32) error
}

// HandlerFunc processes one drained command and returns the fields the
// caller needs to build a completion: DW0 (command-specific value), and the
// (SCT, SC) status pair.
type HandlerFunc func(ctx Context, cmd *command.Command) (cmdSpec uint32, sct, sc uint8)
