package elfinject

import (
	"debug/elf"
	"encoding/binary"
)

// On-disk sizes of the ELF64 structures this package touches.
const (
	ehdrSize = 64
	phdrSize = 56
	dynSize  = 16
)

// debug/elf stops short of the program-header count escape value.
const pnXNum = 0xffff

// elfInfo records where the interesting structures sit in the patched
// buffer. Offsets, not pointers: the buffer reallocates as it grows,
// so every access re-resolves through the Binary (see ehdrView and
// phdrView).
type elfInfo struct {
	phoff int64
	phnum int

	// Program-header table offsets of the noted segments, 0 when
	// absent. 0 is never a valid phdr offset since the table follows
	// the ELF header.
	note     int64
	gnuRelro int64
	gnuStack int64
	dynamic  int64
}

func (b *Binary) u16(off int64) uint16 {
	return binary.LittleEndian.Uint16(b.patched[off : off+2])
}

func (b *Binary) u32(off int64) uint32 {
	return binary.LittleEndian.Uint32(b.patched[off : off+4])
}

func (b *Binary) u64(off int64) uint64 {
	return binary.LittleEndian.Uint64(b.patched[off : off+8])
}

func (b *Binary) putU64(off int64, v uint64) {
	binary.LittleEndian.PutUint64(b.patched[off:off+8], v)
}

// ehdrView reads and writes ELF header fields in place.
type ehdrView struct {
	b *Binary
}

func (b *Binary) ehdr() ehdrView { return ehdrView{b} }

func (v ehdrView) etype() elf.Type      { return elf.Type(v.b.u16(16)) }
func (v ehdrView) machine() elf.Machine { return elf.Machine(v.b.u16(18)) }
func (v ehdrView) version() uint32      { return v.b.u32(20) }
func (v ehdrView) entry() int64         { return int64(v.b.u64(24)) }
func (v ehdrView) phoff() int64         { return int64(v.b.u64(32)) }
func (v ehdrView) phnum() int           { return int(v.b.u16(56)) }

func (v ehdrView) setEntry(entry int64) {
	v.b.putU64(24, uint64(entry))
}

// phdrView reads and writes one program header in place. The zero
// offset means "absent".
type phdrView struct {
	b   *Binary
	off int64
}

func (b *Binary) phdr(off int64) phdrView { return phdrView{b, off} }

// phdrAt returns the i'th entry of the program-header table.
func (b *Binary) phdrAt(i int) phdrView {
	return phdrView{b, b.elf.phoff + int64(i)*phdrSize}
}

func (v phdrView) valid() bool { return v.off != 0 }

func (v phdrView) ptype() elf.ProgType { return elf.ProgType(v.b.u32(v.off)) }
func (v phdrView) offset() int64       { return int64(v.b.u64(v.off + 8)) }
func (v phdrView) vaddr() int64        { return int64(v.b.u64(v.off + 16)) }
func (v phdrView) memsz() int64        { return int64(v.b.u64(v.off + 40)) }

// repurpose overwrites the header so that it loads the byte range
// [offset, offset+size) at vaddr, read-execute.
func (v phdrView) repurpose(offset, vaddr, size int64) {
	le := binary.LittleEndian
	p := v.b.patched[v.off:]
	le.PutUint32(p[0:], uint32(elf.PT_LOAD))
	le.PutUint32(p[4:], uint32(elf.PF_R|elf.PF_X))
	le.PutUint64(p[8:], uint64(offset))
	le.PutUint64(p[16:], uint64(vaddr))
	le.PutUint64(p[24:], 0)
	le.PutUint64(p[32:], uint64(size))
	le.PutUint64(p[40:], uint64(size))
	le.PutUint64(p[48:], PageSize)
}
