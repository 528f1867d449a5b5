package handlers

import "github.com/nvhost/nvhost/command"

// AdminTable builds the opcode -> handler dispatch table for commands
// drained from the admin submission queue, mirroring nvsim_2's handler-table
// registration in place of the older nvsim package's per-class dispatch
// (see SPEC_FULL.md §9's "single simulator interface" decision).
func AdminTable() map[uint8]HandlerFunc {
	return map[uint8]HandlerFunc{
		command.OpIdentify:                Identify,
		command.OpGetLogPage:               GetLogPage,
		command.OpFormatNVM:                FormatNVM,
		command.OpGetFeature:               GetFeature,
		command.OpSetFeature:               SetFeature,
		command.OpCreateIOCompletionQueue:  CreateIOCompletionQueue,
		command.OpCreateIOSubmissionQueue:  CreateIOSubmissionQueue,
		command.OpDeleteIOCompletionQueue:  DeleteIOCompletionQueue,
		command.OpDeleteIOSubmissionQueue:  DeleteIOSubmissionQueue,
	}
}

// NVMTable builds the opcode -> handler dispatch table for commands drained
// from an I/O submission queue.
func NVMTable() map[uint8]HandlerFunc {
	return map[uint8]HandlerFunc{
		command.OpFlush: Flush,
		command.OpWrite: Write,
		command.OpRead:  Read,
	}
}
