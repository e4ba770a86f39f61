package elfinject

import (
	"math"
	"sort"
)

// PageSize is the unit of every mapping, refactoring and on-disk
// record. The loader shim assumes 4KiB pages.
const PageSize = 4096

// NoAddress marks an unset address-valued field.
const NoAddress = math.MinInt64

// RelativeAddressMin is the lowest base-relative address. Anything
// below it is an encoded absolute address (see AbsoluteAddress).
// Non-PIE binaries may not allocate in the negative range at all: the
// dynamic linker claims it for other libraries.
const RelativeAddressMin = -0x200000000000

// AbsoluteAddress encodes addr as an absolute address, i.e. one that
// is mapped at a fixed virtual address rather than relative to the
// loader base.
func AbsoluteAddress(addr int64) int64 {
	return math.MinInt64 + addr
}

func isAbsolute(addr int64) bool {
	return addr < RelativeAddressMin
}

func baseAddress(addr int64) int64 {
	if isAbsolute(addr) {
		return addr - math.MinInt64
	}
	return addr
}

func pageTrunc(n int64) int64 {
	return n - n%PageSize
}

func pageRound(n int64) int64 {
	if n%PageSize == 0 {
		return n
	}
	return n + PageSize - n%PageSize
}

// Mode says whether a Binary is patched as an executable or as a
// shared object. The two differ in how the entry point is rewired and
// in which address ranges are safe to allocate.
type Mode int

const (
	ModeExe Mode = iota
	ModeDSO
)

func (m Mode) String() string {
	switch m {
	case ModeExe:
		return "executable"
	case ModeDSO:
		return "shared object"
	default:
		return "invalid"
	}
}

// Instr is one patched instruction: where it lives in memory and
// where its bytes sit in the file.
type Instr struct {
	Addr   int64
	Offset int64
}

// InstrIndex holds the patched instructions ordered by file offset.
type InstrIndex struct {
	instrs []Instr
}

// NewInstrIndex builds an index from instrs, which need not be
// sorted.
func NewInstrIndex(instrs []Instr) *InstrIndex {
	ix := &InstrIndex{instrs: append([]Instr(nil), instrs...)}
	sort.Slice(ix.instrs, func(i, j int) bool {
		return ix.instrs[i].Offset < ix.instrs[j].Offset
	})
	return ix
}

// Len returns the number of indexed instructions.
func (ix *InstrIndex) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.instrs)
}

// lowerBound returns the earliest instruction whose file offset is >=
// offset, or false if no such instruction exists.
func (ix *InstrIndex) lowerBound(offset int64) (Instr, bool) {
	if ix == nil {
		return Instr{}, false
	}
	i := sort.Search(len(ix.instrs), func(i int) bool {
		return ix.instrs[i].Offset >= offset
	})
	if i == len(ix.instrs) {
		return Instr{}, false
	}
	return ix.instrs[i], true
}

// Binary is an ELF file being patched. The original bytes are kept as
// an immutable snapshot; all mutation happens in the patched buffer,
// which only ever grows.
type Binary struct {
	Filename string
	Mode     Mode

	// Instrs indexes the instructions the upstream patcher rewrote,
	// keyed by file offset. Required whenever patched pages differ
	// from the original.
	Instrs *InstrIndex

	// Inits are virtual addresses the loader shim calls after
	// installing the postload mappings.
	Inits []int64

	// MmapHint is a pre-resolved address of mmap for the loader to
	// use, or NoAddress.
	MmapHint int64

	// ConfigBase is the virtual address the loader payload is mapped
	// at. Set during Emit from Options.LoaderBase.
	ConfigBase int64

	original []byte
	patched  []byte
	elf      elfInfo
	reserved reservationSet
}

// NewBinary wraps the raw contents of an ELF file for patching. The
// data is copied twice: once as the immutable original and once as
// the mutable work area.
func NewBinary(filename string, data []byte, mode Mode) *Binary {
	return &Binary{
		Filename: filename,
		Mode:     mode,
		MmapHint: NoAddress,
		original: append([]byte(nil), data...),
		patched:  append([]byte(nil), data...),
	}
}

// Size returns the current logical length of the patched image.
func (b *Binary) Size() int64 {
	return int64(len(b.patched))
}

// Bytes returns the patched image. After a successful Emit this is
// the complete output file.
func (b *Binary) Bytes() []byte {
	return b.patched
}

// Patched returns a writable view of the patched bytes at
// [offset, offset+size). The upstream patcher uses this to rewrite
// instructions in place before emission.
func (b *Binary) Patched(offset, size int64) []byte {
	return b.patched[offset : offset+size]
}

// Reserve records ownership of the virtual address range [lo, hi).
// It returns false if the range overlaps a previous reservation.
func (b *Binary) Reserve(lo, hi int64) bool {
	return b.reserved.reserve(lo, hi)
}

// grow appends n zero bytes to the patched image and returns the
// offset they start at.
func (b *Binary) grow(n int64) int64 {
	off := int64(len(b.patched))
	b.patched = append(b.patched, make([]byte, n)...)
	return off
}

// alignSize pads the patched image with zeros to a multiple of align.
func (b *Binary) alignSize(align int64) {
	if rem := int64(len(b.patched)) % align; rem != 0 {
		b.grow(align - rem)
	}
}

// originalPage copies the original bytes at [offset, offset+n) into
// dst, zero-filling past the end of the original image.
func (b *Binary) originalPage(dst []byte, offset, n int64) {
	copied := 0
	if offset < int64(len(b.original)) {
		copied = copy(dst[:n], b.original[offset:])
	}
	for i := copied; i < int(n); i++ {
		dst[i] = 0
	}
}
