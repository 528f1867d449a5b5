package controller

import "errors"

// Sentinel errors for the controller state machine and command path, per
// spec.md §4.H and §7.
var (
	ErrDisableTimeout  = errors.New("controller: CSTS.RDY did not clear before timeout")
	ErrEnableTimeout   = errors.New("controller: CSTS.RDY did not set before timeout")
	ErrControllerFatal = errors.New("controller: CSTS.CFS is set")
	ErrCidExhausted    = errors.New("controller: CID wrapped onto a still-outstanding command")
	ErrCompletionTimeout = errors.New("controller: no completion before timeout")
	ErrUnknownQueue    = errors.New("controller: no such queue pair")
)
