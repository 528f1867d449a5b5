package handlers

import "github.com/nvhost/nvhost/prp"

// gather reads size bytes out of the data pages a command's PRP1/PRP2
// addresses, for handlers that need the host's write data (Write).
func gather(ctx Context, prp1, prp2, size uint64) ([]byte, error) {
	mps := ctx.MPS()
	ptrs, err := prp.WalkDataPointers(prp1, prp2, size, mps, func(iova uint64) ([]byte, error) {
		return ctx.Translate(iova, mps)
	})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	remaining := size
	for _, ptr := range ptrs {
		n := mps
		if n > remaining {
			n = remaining
		}
		buf, err := ctx.Translate(ptr, n)
		if err != nil {
			return nil, err
		}
		out = append(out, buf[:n]...)
		remaining -= n
	}
	return out, nil
}

// scatter writes data across the data pages a command's PRP1/PRP2
// addresses, for handlers returning data to the host (Identify, GetLogPage,
// Read).
func scatter(ctx Context, prp1, prp2 uint64, data []byte) error {
	mps := ctx.MPS()
	size := uint64(len(data))
	ptrs, err := prp.WalkDataPointers(prp1, prp2, size, mps, func(iova uint64) ([]byte, error) {
		return ctx.Translate(iova, mps)
	})
	if err != nil {
		return err
	}

	off := uint64(0)
	for _, ptr := range ptrs {
		n := mps
		if off+n > size {
			n = size - off
		}
		buf, err := ctx.Translate(ptr, n)
		if err != nil {
			return err
		}
		copy(buf, data[off:off+n])
		off += n
	}
	return nil
}
