package elfinject

import (
	"bytes"
	"fmt"
	"math"
)

// A refactor relocates a span of patched pages to the end of the file
// so the kernel maps the original bytes at the natural offset. The
// loader shim re-installs the patched copy over them at startup. This
// exists because some programs (and some advanced uses of the dynamic
// linker) can run code before any injected loader: the on-disk image
// must stay faithful to the original until the shim has fired.
type refactor struct {
	addr           int64
	size           int64
	originalOffset int64
	patchedOffset  int64
}

// planRefactors walks the patched image a page at a time, clusters
// the pages that differ from the original, appends the patched copies
// to the file, and restores the original bytes in place. It returns
// the plan and the number of bytes the file grew by.
//
// The patched image must already be page-aligned.
func (b *Binary) planRefactors(opts Options) ([]refactor, int64, error) {
	if opts.StaticLoader {
		return nil, 0, nil
	}

	size := b.Size()
	if size%PageSize != 0 {
		return nil, 0, fmt.Errorf("%w: image size %#x is not page-aligned", ErrInternal, size)
	}
	if opts.MappingSize%PageSize != 0 {
		return nil, 0, fmt.Errorf("%w: mapping size %#x is not page-aligned", ErrInternal, opts.MappingSize)
	}

	// Pass 1: cluster the dirty pages. A cluster absorbs any page
	// within one mapping-size of its end, including clean pages in
	// between: the cluster is the mapping the loader installs, not
	// just the dirty bytes.
	var refactors []refactor
	currAddr := int64(math.MinInt64)
	currOffset := int64(-1)
	currSize := int64(0)
	page := make([]byte, PageSize)
	for offset := int64(0); offset < size; offset += PageSize {
		b.originalPage(page, offset, PageSize)
		if bytes.Equal(page, b.patched[offset:offset+PageSize]) {
			continue
		}
		instr, ok := b.Instrs.lowerBound(offset)
		if !ok {
			return nil, 0, fmt.Errorf("%w: dirty page at offset %#x has no covering instruction", ErrInternal, offset)
		}
		pageAddr := pageTrunc(instr.Addr)
		pageOffset := pageTrunc(instr.Offset)
		if pageOffset != offset {
			return nil, 0, fmt.Errorf("%w: instruction offset %#x does not map to dirty page %#x", ErrInternal, instr.Offset, offset)
		}

		if currAddr < 0 || pageAddr < currAddr ||
			currAddr+currSize+opts.MappingSize < pageAddr {
			if currAddr >= 0 {
				refactors = append(refactors, refactor{
					addr:           currAddr,
					size:           currSize,
					originalOffset: currOffset,
				})
			}
			currAddr = pageAddr
			currOffset = pageOffset
			currSize = PageSize
		} else {
			currSize += (pageAddr + PageSize) - (currAddr + currSize)
		}
	}
	if currAddr >= 0 {
		refactors = append(refactors, refactor{
			addr:           currAddr,
			size:           currSize,
			originalOffset: currOffset,
		})
	}

	// Pass 2: move each patched span to the end of the file and put
	// the original pages back.
	for i := range refactors {
		r := &refactors[i]
		r.patchedOffset = b.Size()
		b.patched = append(b.patched, b.patched[r.originalOffset:r.originalOffset+r.size]...)
		b.originalPage(b.patched[r.originalOffset:], r.originalOffset, r.size)
	}

	return refactors, b.Size() - size, nil
}
