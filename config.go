package elfinject

import "encoding/binary"

// configMagic starts the loader payload in the output file.
var configMagic = [8]byte{'E', '9', 'P', 'A', 'T', 'C', 'H', 0}

const (
	configRecordSize = 72
	configELFSize    = 8

	// configFlagExe marks a patched executable; clear for a DSO.
	configFlagExe = 0x1
)

// configRecord is the loader shim's view of the injected payload. It
// is accumulated in memory while the payload is laid out, then
// serialized into place once every field is known. The inits and maps
// offsets are relative to the start of the record.
type configRecord struct {
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
}

func (c *configRecord) encode(dst []byte) {
	le := binary.LittleEndian
	copy(dst[0:8], configMagic[:])
	le.PutUint32(dst[8:], c.flags)
	le.PutUint32(dst[12:], c.size)
	le.PutUint64(dst[16:], uint64(c.base))
	le.PutUint64(dst[24:], uint64(c.entry))
	le.PutUint64(dst[32:], uint64(c.dynamic))
	le.PutUint64(dst[40:], uint64(c.mmap))
	le.PutUint32(dst[48:], c.numMaps[0])
	le.PutUint32(dst[52:], c.numMaps[1])
	le.PutUint32(dst[56:], c.maps[0])
	le.PutUint32(dst[60:], c.maps[1])
	le.PutUint32(dst[64:], c.numInits)
	le.PutUint32(dst[68:], c.inits)
}

// configELF is the ELF-specific extension record that follows the
// config record.
type configELF struct {
	dynamic int64
}

func (c *configELF) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], uint64(c.dynamic))
}
