package elfinject

import (
	"github.com/go-kit/log"
)

// Default emission parameters. Callers normally leave these alone;
// the loader base only needs changing when the target already maps
// something near it.
const (
	DefaultLoaderBase  = 0x70000000
	DefaultMappingSize = 2 << 20
)

// PHDRChoice selects which spare program header is rewritten into the
// PT_LOAD that maps the loader payload.
type PHDRChoice int

const (
	// PHDRAuto tries PT_NOTE, then PT_GNU_RELRO, then PT_GNU_STACK.
	PHDRAuto PHDRChoice = iota
	PHDRNote
	PHDRGnuRelro
	PHDRGnuStack
)

func (c PHDRChoice) String() string {
	switch c {
	case PHDRNote:
		return "PT_NOTE"
	case PHDRGnuRelro:
		return "PT_GNU_RELRO"
	case PHDRGnuStack:
		return "PT_GNU_STACK"
	default:
		return "PT_NOTE, PT_GNU_RELRO, or PT_GNU_STACK"
	}
}

// Options carries the per-emission configuration. The zero value is
// usable; unset fields take the defaults above.
type Options struct {
	// LoaderBase is the virtual address the loader payload is mapped
	// at. Every non-absolute mapping must sit at or below it.
	LoaderBase int64

	// StaticLoader disables patch refactoring: the patched pages stay
	// at their natural file offsets and the dynamic linker maps them
	// directly. Only safe when nothing can run the original code
	// before the shim.
	StaticLoader bool

	// PHDRChoice forces a particular spare program header.
	PHDRChoice PHDRChoice

	// TrapEntry prepends an int3 to the entry shim, for debugging the
	// loader itself.
	TrapEntry bool

	// MemRebase is accepted for interface compatibility and ignored
	// for ELF targets, with a warning.
	MemRebase bool

	// MappingSize bounds how far apart two dirty pages may be and
	// still share one refactor mapping. Must be a page multiple.
	MappingSize int64

	// LoaderBlob is the position-independent loader shim appended
	// after the entry shim. It receives (argc, argv, config*) in the
	// SysV x86-64 ABI.
	LoaderBlob []byte

	// Logger receives debug traces of every emitted mapping and
	// warnings for ignored options.
	Logger log.Logger
}

func (o Options) normalize() Options {
	if o.LoaderBase == 0 {
		o.LoaderBase = DefaultLoaderBase
	}
	if o.MappingSize == 0 {
		o.MappingSize = DefaultMappingSize
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return o
}

// phdrFor maps the choice to the parsed program-header slot, or 0.
func (o Options) phdrFor(info *elfInfo) int64 {
	switch o.PHDRChoice {
	case PHDRNote:
		return info.note
	case PHDRGnuRelro:
		return info.gnuRelro
	case PHDRGnuStack:
		return info.gnuStack
	default:
		for _, off := range []int64{info.note, info.gnuRelro, info.gnuStack} {
			if off != 0 {
				return off
			}
		}
		return 0
	}
}
