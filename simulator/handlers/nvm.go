package handlers

import "github.com/nvhost/nvhost/command"

// broadcastNSID is the NSID value (0xFFFFFFFF) that addresses every active
// namespace at once. Flush is the one NVM command here that accepts it, per
// the NVMe Base Specification's namespace-management rules.
const broadcastNSID = 0xFFFFFFFF

// Flush services the Flush command, per nvsim/cmd_handlers/nvm.py's
// NVSimFlush: NSID 0 is always invalid, a real NSID flushes just that
// namespace, and the broadcast NSID flushes every active namespace (and
// succeeds even if none exist).
func Flush(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	nsid := cmd.NSID()
	if nsid == 0 {
		return 0, command.SCTGeneric, command.SCInvalidNamespace
	}
	if nsid == broadcastNSID {
		for _, id := range ctx.NamespaceIDs() {
			if ns, ok := ctx.Namespace(id); ok {
				ns.Flush()
			}
		}
		return 0, command.SCTGeneric, command.SCSuccessfulCompletion
	}

	ns, ok := ctx.Namespace(nsid)
	if !ok {
		return 0, command.SCTGeneric, command.SCInvalidNamespace
	}
	if err := ns.Flush(); err != nil {
		return 0, command.SCTGeneric, command.SCDataTransferError
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// decodeLBARange pulls (SLBA, NLB) out of a Write/Read command's CDW10-12,
// NLB already converted from its zero-based wire encoding.
func decodeLBARange(cmd *command.Command) (slba uint64, nlb uint64) {
	slba = uint64(cmd.CDW10()) | uint64(cmd.CDW11())<<32
	nlb = uint64(cmd.CDW12()&0xFFFF) + 1
	return slba, nlb
}

// Write services the Write command, per NVSimWrite: out-of-range LBAs are
// rejected as a Media Error before any data is touched.
func Write(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	ns, ok := ctx.Namespace(cmd.NSID())
	if !ok {
		return 0, command.SCTGeneric, command.SCInvalidNamespace
	}

	slba, nlb := decodeLBARange(cmd)
	if slba+nlb > ns.NumBlocks() {
		return 0, command.SCTMediaError, command.SCLBAOutOfRange
	}

	size := nlb * uint64(ns.BlockSize())
	data, err := gather(ctx, cmd.PRP1(), cmd.PRP2(), size)
	if err != nil {
		return 0, command.SCTGeneric, command.SCDataTransferError
	}
	if err := ns.WriteAt(data, slba); err != nil {
		return 0, command.SCTGeneric, command.SCDataTransferError
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// Read services the Read command, per NVSimRead.
func Read(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	ns, ok := ctx.Namespace(cmd.NSID())
	if !ok {
		return 0, command.SCTGeneric, command.SCInvalidNamespace
	}

	slba, nlb := decodeLBARange(cmd)
	if slba+nlb > ns.NumBlocks() {
		return 0, command.SCTMediaError, command.SCLBAOutOfRange
	}

	size := nlb * uint64(ns.BlockSize())
	data := make([]byte, size)
	if err := ns.ReadAt(data, slba); err != nil {
		return 0, command.SCTGeneric, command.SCDataTransferError
	}
	if err := scatter(ctx, cmd.PRP1(), cmd.PRP2(), data); err != nil {
		return 0, command.SCTGeneric, command.SCDataTransferError
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}
