package elfinject

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// Parse validates the ELF image held by b, records the program
// headers later steps need, and reserves the address ranges the file
// already occupies. It reports whether the binary is position
// independent.
//
// Parse must be called once, before Emit.
func (b *Binary) Parse() (pic bool, err error) {
	size := b.Size()
	if size < ehdrSize {
		return false, fmt.Errorf("%w: %q: file is too small for an ELF header", ErrMalformed, b.Filename)
	}
	if !bytes.Equal(b.patched[:4], []byte(elf.ELFMAG)) {
		return false, fmt.Errorf("%w: %q: invalid magic number", ErrMalformed, b.Filename)
	}
	if elf.Class(b.patched[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return false, fmt.Errorf("%w: %q: file is not 64bit", ErrMalformed, b.Filename)
	}
	if elf.Data(b.patched[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return false, fmt.Errorf("%w: %q: file is not little endian", ErrMalformed, b.Filename)
	}
	if elf.Version(b.patched[elf.EI_VERSION]) != elf.EV_CURRENT {
		return false, fmt.Errorf("%w: %q: invalid version", ErrMalformed, b.Filename)
	}

	ehdr := b.ehdr()
	if ehdr.machine() != elf.EM_X86_64 {
		return false, fmt.Errorf("%w: %q: file is not x86_64", ErrMalformed, b.Filename)
	}
	if ehdr.version() != uint32(elf.EV_CURRENT) {
		return false, fmt.Errorf("%w: %q: invalid version", ErrMalformed, b.Filename)
	}

	phoff := ehdr.phoff()
	phnum := ehdr.phnum()
	if phoff < ehdrSize || phoff >= size {
		return false, fmt.Errorf("%w: %q: invalid program header offset", ErrMalformed, b.Filename)
	}
	if phnum > pnXNum {
		return false, fmt.Errorf("%w: %q: too many program headers", ErrMalformed, b.Filename)
	}
	if phoff+int64(phnum)*phdrSize > size {
		return false, fmt.Errorf("%w: %q: program header table is truncated", ErrMalformed, b.Filename)
	}

	pie := false
	switch ehdr.etype() {
	case elf.ET_EXEC:
		if b.Mode == ModeDSO {
			return false, fmt.Errorf("%w: %q: file is an executable and not a shared object", ErrMalformed, b.Filename)
		}
		if !b.Reserve(0x0, 0x10000) {
			return false, fmt.Errorf("%w: low-address range", ErrReservationConflict)
		}
	case elf.ET_DYN:
		pic = true
		pie = b.Mode == ModeExe
	default:
		return false, fmt.Errorf("%w: %q: file is not executable", ErrMalformed, b.Filename)
	}
	if !pie {
		// Only PIEs can use the negative address range. Shared
		// objects cannot: the dynamic linker tends to place other
		// libraries there.
		if !b.Reserve(RelativeAddressMin, 0x0) {
			return false, fmt.Errorf("%w: negative-address range", ErrReservationConflict)
		}
	}

	info := elfInfo{phoff: phoff, phnum: phnum}
	for i := 0; i < phnum; i++ {
		phdr := phdrView{b, phoff + int64(i)*phdrSize}
		switch phdr.ptype() {
		case elf.PT_LOAD:
			lo := phdr.vaddr()
			hi := lo + phdr.memsz()
			if !b.Reserve(lo, hi) {
				return false, fmt.Errorf("%w: segment %#x..%#x", ErrReservationConflict, lo, hi)
			}
		case elf.PT_DYNAMIC:
			info.dynamic = phdr.off
		case elf.PT_NOTE:
			info.note = phdr.off
		case elf.PT_GNU_RELRO:
			info.gnuRelro = phdr.off
		case elf.PT_GNU_STACK:
			info.gnuStack = phdr.off
		}
	}
	if info.dynamic != 0 {
		dyn := phdrView{b, info.dynamic}
		if dyn.offset()+dyn.memsz() > size {
			return false, fmt.Errorf("%w: %q: invalid dynamic section", ErrMalformed, b.Filename)
		}
	}
	b.elf = info

	return pic, nil
}
