package elfinject

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// A Mapping is one trampoline region the loader installs at startup.
// Its contents are sparse: chunks of bytes scattered across the
// virtual footprint, with the holes filled at flatten time.
type Mapping struct {
	// Base is the virtual address of the region. Encode fixed
	// addresses with AbsoluteAddress; everything else is relative to
	// the target's load base. Must be page-aligned.
	Base int64

	// Size of the region in bytes, a page multiple.
	Size int64

	// Offset is where the flattened image sits in the output file.
	// Populated during Emit.
	Offset int64

	// Prot is the mmap protection: unix.PROT_READ, unix.PROT_WRITE,
	// unix.PROT_EXEC.
	Prot int

	// Preload mappings are installed before the original entry point
	// runs; the rest may be installed lazily by init functions.
	Preload bool

	// Merged chains mappings that share this mapping's on-disk blob.
	Merged *Mapping

	chunks []chunk
}

type chunk struct {
	off  int64
	data []byte
}

// AddChunk places data at off within the mapping's footprint.
func (m *Mapping) AddChunk(off int64, data []byte) error {
	if off < 0 || off+int64(len(data)) > m.Size {
		return fmt.Errorf("chunk %#x..%#x outside mapping of size %#x", off, off+int64(len(data)), m.Size)
	}
	m.chunks = append(m.chunks, chunk{off, data})
	sort.SliceStable(m.chunks, func(i, j int) bool {
		return m.chunks[i].off < m.chunks[j].off
	})
	return nil
}

// flatten writes the mapping's byte image into dst, padding holes
// with fill. The loader never executes the padding; int3 makes a
// stray jump into a hole fault loudly.
func (m *Mapping) flatten(dst []byte, fill byte) {
	dst = dst[:m.Size]
	for i := range dst {
		dst[i] = fill
	}
	for _, c := range m.chunks {
		copy(dst[c.off:], c.data)
	}
}

type vbounds struct {
	lb, ub int64
}

// virtualBounds returns the maximal page-granular sub-ranges of
// [0, Size) that actually carry bytes, in ascending order. Sparse
// mappings map only these; the holes cost no address space.
func (m *Mapping) virtualBounds(pageSize int64) []vbounds {
	var bs []vbounds
	for _, c := range m.chunks {
		lb := c.off - c.off%pageSize
		ub := c.off + int64(len(c.data))
		if rem := ub % pageSize; rem != 0 {
			ub += pageSize - rem
		}
		if n := len(bs); n > 0 && lb <= bs[n-1].ub {
			if ub > bs[n-1].ub {
				bs[n-1].ub = ub
			}
			continue
		}
		bs = append(bs, vbounds{lb, ub})
	}
	return bs
}

func protBits(prot int) (r, w, x bool) {
	return prot&unix.PROT_READ != 0,
		prot&unix.PROT_WRITE != 0,
		prot&unix.PROT_EXEC != 0
}

func protString(prot int) string {
	s := []byte("---")
	if prot&unix.PROT_READ != 0 {
		s[0] = 'r'
	}
	if prot&unix.PROT_WRITE != 0 {
		s[1] = 'w'
	}
	if prot&unix.PROT_EXEC != 0 {
		s[2] = 'x'
	}
	return string(s)
}
