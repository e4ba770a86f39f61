package elfinject

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeINT3 = 0xCC
)

// Entry-shim prologues. The shim runs in place of the original entry
// point, so it must load the loader's three SysV arguments itself
// before running straight into the loader blob appended after it.
var (
	// mov (%rsp),%rdi; lea 0x8(%rsp),%rsi — argc and argv as the
	// kernel left them on the stack.
	shimPrologueExe = []byte{
		0x48, 0x8B, 0x3C, 0x24,
		0x48, 0x8D, 0x74, 0x24, 0x08,
	}

	// xor %edi,%edi; xor %esi,%esi — a DSO's DT_INIT gets no argc or
	// argv worth forwarding.
	shimPrologueDSO = []byte{
		0x31, 0xFF, 0x31, 0xF6,
	}

	// lea <rel32>(%rip),%rdx — the config-record pointer; the
	// displacement is filled in per emission.
	shimLeaConfig = []byte{0x48, 0x8D, 0x15}
)

// appendEntryShim writes the mode-dependent prologue and the
// RIP-relative config load at the end of the patched image. The lea
// displacement points back at configOffset from the byte after the
// displacement itself.
func (b *Binary) appendEntryShim(configOffset int64) {
	switch b.Mode {
	case ModeDSO:
		b.patched = append(b.patched, shimPrologueDSO...)
	default:
		b.patched = append(b.patched, shimPrologueExe...)
	}

	b.patched = append(b.patched, shimLeaConfig...)
	rel32 := -int32(b.Size() + 4 - configOffset)
	b.patched = binary.LittleEndian.AppendUint32(b.patched, uint32(rel32))
}

// disassemble renders code as x86-64 assembly with base as the
// address of the first byte. Debugging aid; Emit logs the entry shim
// with it at debug level.
func disassemble(code []byte, base int64) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", base+int64(i),
			hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
