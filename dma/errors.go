package dma

import "errors"

// ErrOutOfMemory is returned when the manager cannot satisfy a Malloc,
// either because the platform refused another hugepage allocation or the
// IOVA allocator has exhausted its slots.
var ErrOutOfMemory = errors.New("dma: out of memory")
