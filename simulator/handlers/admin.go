package handlers

import "github.com/nvhost/nvhost/command"

// Identify services CNS Controller/Namespace/Active Namespace ID List,
// grounded on nvsim_2/cmd_handlers/admin.py's NVSimIdentify. Any other CNS
// value is rejected with Invalid Field, since this simulator never
// retrieved a pack source defining the remaining CNS payloads.
func Identify(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	cns := uint8(cmd.CDW10() & 0xFF)

	var data []byte
	switch cns {
	case command.CNSController:
		data = ctx.IdentifyControllerData()
	case command.CNSNamespace:
		d, ok := ctx.IdentifyNamespaceData(cmd.NSID())
		if !ok {
			return 0, command.SCTGeneric, command.SCInvalidNamespace
		}
		data = d
	case command.CNSActiveNamespaceList:
		data = ctx.ActiveNamespaceListData()
	default:
		return 0, command.SCTGeneric, command.SCInvalidField
	}

	if err := scatter(ctx, cmd.PRP1(), cmd.PRP2(), data); err != nil {
		return 0, command.SCTGeneric, command.SCDataTransferError
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// GetLogPage always returns a zero-filled page of the requested size,
// mirroring NVSimGetLogPage: nvsim tracks no real error/SMART counters, so
// every log page reads back as all-zero rather than synthesizing data no
// pack source specifies the layout of.
func GetLogPage(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	numDW := uint64(cmd.CDW10()>>16) | uint64(cmd.CDW11())<<16
	sizeBytes := (numDW + 1) * 4

	data := make([]byte, sizeBytes)
	if err := scatter(ctx, cmd.PRP1(), cmd.PRP2(), data); err != nil {
		return 0, command.SCTGeneric, command.SCDataTransferError
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// FormatNVM zero-fills the target namespace's backing store, per
// NVSimFormat. The LBA format index (CDW10 bits 0-3) and secure-erase
// setting are accepted but ignored: this simulator only ever advertises one
// LBA format, so there is nothing to reformat into.
func FormatNVM(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	if err := ctx.FormatNamespace(cmd.NSID()); err != nil {
		return 0, command.SCTGeneric, command.SCInvalidNamespace
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// GetFeature implements only FIDPowerManagement, per SPEC_FULL.md's
// power-management-only Get/Set Feature scope.
func GetFeature(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	fid := uint8(cmd.CDW10() & 0xFF)
	if fid != command.FIDPowerManagement {
		return 0, command.SCTGeneric, command.SCInvalidField
	}
	return ctx.PowerState(), command.SCTGeneric, command.SCSuccessfulCompletion
}

// SetFeature implements only FIDPowerManagement; CDW11 bits 0-4 are the
// power state index (WH, bits 5-7, is accepted but not tracked separately).
func SetFeature(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	fid := uint8(cmd.CDW10() & 0xFF)
	if fid != command.FIDPowerManagement {
		return 0, command.SCTGeneric, command.SCInvalidField
	}
	ps := cmd.CDW11() & 0x1F
	ctx.SetPowerState(ps)
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// CreateIOCompletionQueue services the PC-only (physically contiguous)
// variant this driver ever issues, per NVSimCreateIOCompletionQueue.
func CreateIOCompletionQueue(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	qid := uint16(cmd.CDW10() & 0xFFFF)
	qsize := uint16(cmd.CDW10() >> 16)
	cdw11 := cmd.CDW11()

	if cdw11&1 == 0 {
		return 0, command.SCTGeneric, command.SCInvalidField
	}
	var vector *uint16
	if cdw11&(1<<1) != 0 {
		v := uint16(cdw11 >> 16)
		vector = &v
	}

	if err := ctx.CreateIOCQ(qid, qsize, cmd.PRP1(), vector); err != nil {
		return 0, command.SCTGeneric, command.SCInvalidField
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// CreateIOSubmissionQueue services the PC-only variant, per
// NVSimCreateIOSubmissionQueue.
func CreateIOSubmissionQueue(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	qid := uint16(cmd.CDW10() & 0xFFFF)
	qsize := uint16(cmd.CDW10() >> 16)
	cdw11 := cmd.CDW11()

	if cdw11&1 == 0 {
		return 0, command.SCTGeneric, command.SCInvalidField
	}
	priority := uint8((cdw11 >> 1) & 0x3)
	cqid := uint16(cdw11 >> 16)

	if err := ctx.CreateIOSQ(qid, qsize, cmd.PRP1(), cqid, priority); err != nil {
		return 0, command.SCTGeneric, command.SCInvalidField
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// DeleteIOCompletionQueue services the Delete I/O Completion Queue command,
// per NVSimDeleteIOCompletionQueue.
func DeleteIOCompletionQueue(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	qid := uint16(cmd.CDW10() & 0xFFFF)
	if err := ctx.DeleteIOCQ(qid); err != nil {
		return 0, command.SCTGeneric, command.SCInvalidField
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}

// DeleteIOSubmissionQueue services the Delete I/O Submission Queue command,
// per NVSimDeleteIOSubmissionQueue.
func DeleteIOSubmissionQueue(ctx Context, cmd *command.Command) (uint32, uint8, uint8) {
	qid := uint16(cmd.CDW10() & 0xFFFF)
	if err := ctx.DeleteIOSQ(qid); err != nil {
		return 0, command.SCTGeneric, command.SCInvalidField
	}
	return 0, command.SCTGeneric, command.SCSuccessfulCompletion
}
