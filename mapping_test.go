package elfinject

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestMapping_Flatten(t *testing.T) {
	assert := assert.New(t)

	m := &Mapping{Base: 0x10000, Size: 2 * PageSize}
	require.NoError(t, m.AddChunk(0x10, []byte{1, 2, 3}))
	require.NoError(t, m.AddChunk(PageSize, []byte{4, 5}))

	dst := make([]byte, m.Size)
	m.flatten(dst, opcodeINT3)

	assert.Equal([]byte{1, 2, 3}, dst[0x10:0x13])
	assert.Equal([]byte{4, 5}, dst[PageSize:PageSize+2])
	// Holes are int3 so a stray jump faults.
	assert.Equal(byte(opcodeINT3), dst[0])
	assert.Equal(byte(opcodeINT3), dst[0x13])
	assert.Equal(byte(opcodeINT3), dst[PageSize-1])
}

func TestMapping_AddChunkBounds(t *testing.T) {
	m := &Mapping{Size: PageSize}
	assert.Error(t, m.AddChunk(-1, []byte{0}))
	assert.Error(t, m.AddChunk(PageSize-1, []byte{0, 0}))
	assert.NoError(t, m.AddChunk(PageSize-1, []byte{0}))
}

func TestMapping_VirtualBounds(t *testing.T) {
	t.Run("empty mapping has no bounds", func(t *testing.T) {
		m := &Mapping{Size: 4 * PageSize}
		assert.Empty(t, m.virtualBounds(PageSize))
	})

	t.Run("chunks on one page merge", func(t *testing.T) {
		m := &Mapping{Size: 4 * PageSize}
		require.NoError(t, m.AddChunk(0x10, []byte{1}))
		require.NoError(t, m.AddChunk(0x800, []byte{2}))

		bs := m.virtualBounds(PageSize)
		assert.Equal(t, []vbounds{{0, PageSize}}, bs)
	})

	t.Run("sparse chunks stay separate", func(t *testing.T) {
		m := &Mapping{Size: 4 * PageSize}
		require.NoError(t, m.AddChunk(0, []byte{1}))
		require.NoError(t, m.AddChunk(3*PageSize+8, []byte{2}))

		bs := m.virtualBounds(PageSize)
		assert.Equal(t, []vbounds{{0, PageSize}, {3 * PageSize, 4 * PageSize}}, bs)
	})

	t.Run("chunk spanning pages", func(t *testing.T) {
		m := &Mapping{Size: 4 * PageSize}
		data := bytes.Repeat([]byte{0x90}, PageSize+1)
		require.NoError(t, m.AddChunk(PageSize-1, data))

		bs := m.virtualBounds(PageSize)
		assert.Equal(t, []vbounds{{0, 2 * PageSize}}, bs)
	})
}

func TestProtString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("r-x", protString(unix.PROT_READ|unix.PROT_EXEC))
	assert.Equal("rw-", protString(unix.PROT_READ|unix.PROT_WRITE))
	assert.Equal("---", protString(0))
}
