package simulator

import (
	"fmt"
	"os"
)

// namespace is the simulator's backing store for one NVMe namespace: a
// flat, byte-addressable file, LBA n living at bytes
// [n*blockSize, (n+1)*blockSize), per spec.md §6. Using a real *os.File
// instead of an in-memory buffer means a namespace created against a path
// option persists across simulator restarts, mirroring
// original_source/python3/nvsim/memory's disk-file-backed namespace model.
type namespace struct {
	nsid      uint32
	blockSize uint32
	numBlocks uint64

	f       *os.File
	ownFile bool
}

// newNamespace creates (or truncates) a backing file of numBlocks*blockSize
// bytes. If path is empty, a private temp file is used and removed on
// Close.
func newNamespace(nsid uint32, numBlocks uint64, blockSize uint32, path string) (*namespace, error) {
	ownFile := false
	var f *os.File
	var err error
	if path == "" {
		f, err = os.CreateTemp("", fmt.Sprintf("nvsim-ns%d-*.img", nsid))
		ownFile = true
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	}
	if err != nil {
		return nil, fmt.Errorf("simulator: opening namespace %d backing file: %w", nsid, err)
	}

	size := int64(numBlocks) * int64(blockSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("simulator: sizing namespace %d backing file: %w", nsid, err)
	}

	return &namespace{
		nsid:      nsid,
		blockSize: blockSize,
		numBlocks: numBlocks,
		f:         f,
		ownFile:   ownFile,
	}, nil
}

// NSID returns the namespace identifier, satisfying handlers.Namespace.
func (n *namespace) NSID() uint32 { return n.nsid }

// BlockSize returns the active LBA data size in bytes.
func (n *namespace) BlockSize() uint32 { return n.blockSize }

// NumBlocks returns the namespace's capacity in logical blocks (NSZE).
func (n *namespace) NumBlocks() uint64 { return n.numBlocks }

// ReadAt reads nlb blocks starting at lba into dst, which must be exactly
// nlb*BlockSize() bytes.
func (n *namespace) ReadAt(dst []byte, lba uint64) error {
	off := int64(lba) * int64(n.blockSize)
	_, err := n.f.ReadAt(dst, off)
	return err
}

// WriteAt writes src (a whole number of blocks) starting at lba.
func (n *namespace) WriteAt(src []byte, lba uint64) error {
	off := int64(lba) * int64(n.blockSize)
	_, err := n.f.WriteAt(src, off)
	return err
}

// Flush syncs the backing file to stable storage.
func (n *namespace) Flush() error { return n.f.Sync() }

func (n *namespace) Close() error {
	path := n.f.Name()
	err := n.f.Close()
	if n.ownFile {
		os.Remove(path)
	}
	return err
}
