package elfinject

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

// Synthetic ELF images for tests, in the spirit of the fixtures
// pprof uses for its ELF handling.

type testProg struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

type testELF struct {
	typ   elf.Type
	entry uint64
	progs []testProg
	size  int
}

func (te testELF) build() []byte {
	size := te.size
	if min := ehdrSize + len(te.progs)*phdrSize; size < min {
		size = min
	}
	data := make([]byte, size)
	le := binary.LittleEndian

	copy(data, elf.ELFMAG)
	data[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	data[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	data[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(data[16:], uint16(te.typ))
	le.PutUint16(data[18:], uint16(elf.EM_X86_64))
	le.PutUint32(data[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(data[24:], te.entry)
	le.PutUint64(data[32:], ehdrSize) // e_phoff
	le.PutUint16(data[52:], ehdrSize)
	le.PutUint16(data[54:], phdrSize)
	le.PutUint16(data[56:], uint16(len(te.progs)))

	for i, p := range te.progs {
		off := ehdrSize + i*phdrSize
		le.PutUint32(data[off:], uint32(p.typ))
		le.PutUint32(data[off+4:], uint32(p.flags))
		le.PutUint64(data[off+8:], p.off)
		le.PutUint64(data[off+16:], p.vaddr)
		le.PutUint64(data[off+24:], p.vaddr)
		le.PutUint64(data[off+32:], p.filesz)
		le.PutUint64(data[off+40:], p.memsz)
		le.PutUint64(data[off+48:], 8)
	}
	return data
}

// testExe is a static executable with one PT_LOAD and a PT_NOTE.
func testExe() testELF {
	return testELF{
		typ:   elf.ET_EXEC,
		entry: 0x401000,
		progs: []testProg{
			{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, off: 0, vaddr: 0x400000, filesz: 0x200, memsz: 0x200},
			{typ: elf.PT_NOTE, flags: elf.PF_R, off: 0x1c0, vaddr: 0x4001c0, filesz: 0x20, memsz: 0x20},
		},
		size: 0x200,
	}
}

// testDSO is a shared object with PT_DYNAMIC (one DT_INIT at 0x1200)
// and a PT_GNU_RELRO.
func testDSO() testELF {
	return testELF{
		typ: elf.ET_DYN,
		progs: []testProg{
			{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, off: 0, vaddr: 0, filesz: 0x400, memsz: 0x400},
			{typ: elf.PT_DYNAMIC, flags: elf.PF_R | elf.PF_W, off: 0x200, vaddr: 0x200, filesz: 0x40, memsz: 0x40},
			{typ: elf.PT_GNU_RELRO, flags: elf.PF_R, off: 0x200, vaddr: 0x200, filesz: 0x40, memsz: 0x40},
		},
		size: 0x400,
	}
}

func buildDSO(initAddr uint64) []byte {
	data := testDSO().build()
	le := binary.LittleEndian
	if initAddr != 0 {
		le.PutUint64(data[0x200:], uint64(elf.DT_INIT))
		le.PutUint64(data[0x208:], initAddr)
		le.PutUint64(data[0x210:], uint64(elf.DT_NULL))
	} else {
		le.PutUint64(data[0x200:], uint64(elf.DT_NULL))
	}
	return data
}

func parseBinary(t *testing.T, data []byte, mode Mode) *Binary {
	t.Helper()
	b := NewBinary("test", data, mode)
	if _, err := b.Parse(); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return b
}

// emittedConfig is the config record read back out of an output file.
type emittedConfig struct {
	magic    [8]byte
	flags    uint32
	size     uint32
	base     int64
	entry    int64
	dynamic  int64
	mmap     int64
	numMaps  [2]uint32
	maps     [2]uint32
	numInits uint32
	inits    uint32
	elfDyn   int64
}

func readConfig(data []byte, off int64) emittedConfig {
	le := binary.LittleEndian
	var c emittedConfig
	copy(c.magic[:], data[off:off+8])
	c.flags = le.Uint32(data[off+8:])
	c.size = le.Uint32(data[off+12:])
	c.base = int64(le.Uint64(data[off+16:]))
	c.entry = int64(le.Uint64(data[off+24:]))
	c.dynamic = int64(le.Uint64(data[off+32:]))
	c.mmap = int64(le.Uint64(data[off+40:]))
	c.numMaps[0] = le.Uint32(data[off+48:])
	c.numMaps[1] = le.Uint32(data[off+52:])
	c.maps[0] = le.Uint32(data[off+56:])
	c.maps[1] = le.Uint32(data[off+60:])
	c.numInits = le.Uint32(data[off+64:])
	c.inits = le.Uint32(data[off+68:])
	c.elfDyn = int64(le.Uint64(data[off+configRecordSize:]))
	return c
}

// readMapRecord unpacks one mapping record.
func readMapRecord(data []byte, off int64) (addr int32, offset uint32, pages uint32, flags uint32) {
	le := binary.LittleEndian
	addr = int32(le.Uint32(data[off:]))
	offset = le.Uint32(data[off+4:])
	word := le.Uint32(data[off+8:])
	pages = word & (1<<mapSizeBits - 1)
	flags = word >> 28
	return
}
