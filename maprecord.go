package elfinject

import (
	"encoding/binary"
	"math"
)

// mapRecordSize is the packed on-disk size of one mapping record:
// a page-scaled int32 address, a page-scaled uint32 file offset, and
// a size/flags word.
const mapRecordSize = 12

// Bit layout of the size/flags word: the size in pages occupies the
// low 20 bits, 8 bits are reserved, and the top 4 bits are flags.
const (
	mapSizeBits = 20
	mapFlagR    = 1 << 28
	mapFlagW    = 1 << 29
	mapFlagX    = 1 << 30
	mapFlagAbs  = 1 << 31
)

// emitLoaderMap serializes one mapping record into dst. Quantities
// that do not fit their on-disk field fail with an OverflowError,
// never silently clipped. When ub is non-nil it accumulates the
// largest non-absolute address seen.
func emitLoaderMap(dst []byte, addr, length, offset int64, r, w, x bool, ub *int64) (int, error) {
	abs := isAbsolute(addr)
	if ub != nil && !abs && addr > *ub {
		*ub = addr
	}
	addr = baseAddress(addr)

	addr /= PageSize
	length /= PageSize
	offset /= PageSize

	if addr < math.MinInt32 || addr > math.MaxInt32 {
		return 0, &OverflowError{Field: "address", Value: addr * PageSize, Under: addr < 0}
	}
	if length >= 1<<mapSizeBits {
		return 0, &OverflowError{Field: "size", Value: length * PageSize}
	}
	if offset > math.MaxUint32 {
		return 0, &OverflowError{Field: "offset", Value: offset * PageSize}
	}

	word := uint32(length)
	if r {
		word |= mapFlagR
	}
	if w {
		word |= mapFlagW
	}
	if x {
		word |= mapFlagX
	}
	if abs {
		word |= mapFlagAbs
	}

	le := binary.LittleEndian
	le.PutUint32(dst[0:], uint32(int32(addr)))
	le.PutUint32(dst[4:], uint32(offset))
	le.PutUint32(dst[8:], word)

	return mapRecordSize, nil
}
