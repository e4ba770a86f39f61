package elfinject

import (
	"debug/elf"
	"fmt"
	"math"

	"github.com/go-kit/log/level"
)

// configRegionBound over-estimates the config region: record, init
// table, mapping arrays and entry shim all comfortably fit, leaving
// the loader blob to be added on top.
const configRegionBound = 16 << 10

// Emit lays out the loader payload and rewires the binary so it runs
// at startup. It consumes the Binary: after a successful Emit the
// patched image is final and Bytes is ready to be written out.
//
// The payload is laid out in one forward pass over the file:
// refactored patch pages, trampoline blobs, then a page-aligned
// config region holding the config record, the init table, the
// preload and postload mapping arrays, the entry shim, and the loader
// blob. Finally the entry point is redirected into the shim and a
// spare program header is rewritten to map the region.
func (b *Binary) Emit(mappings []*Mapping, opts Options) (Stats, error) {
	opts = opts.normalize()
	logger := opts.Logger

	var stats Stats
	stats.InputSize = b.Size()

	// Grow once up front. Offsets stay valid across reallocation
	// anyway, but a single allocation keeps large emissions cheap.
	need := 2*b.Size() + configRegionBound + int64(len(opts.LoaderBlob))
	for _, m := range mappings {
		need += m.Size
	}
	if int64(cap(b.patched)) < need {
		grown := make([]byte, b.Size(), need)
		copy(grown, b.patched)
		b.patched = grown
	}

	// Step 1: round up to the nearest page boundary (zero-fill).
	b.alignSize(PageSize)

	// Step 2: refactor the patching, if necessary.
	refactors, _, err := b.planRefactors(opts)
	if err != nil {
		return stats, err
	}

	// Step 3: emit the trampoline blobs.
	b.ConfigBase = opts.LoaderBase
	for _, m := range mappings {
		off := b.grow(m.Size)
		m.Offset = off
		m.flatten(b.patched[off:off+m.Size], opcodeINT3)
	}

	// Step 4: emit the loader payload.
	b.alignSize(PageSize)
	configOffset := b.Size()
	b.grow(configRecordSize)
	b.grow(configELFSize)

	var config configRecord
	var configExt configELF
	config.base = opts.LoaderBase
	if b.MmapHint != NoAddress {
		config.mmap = b.MmapHint
	}

	config.inits = uint32(b.Size() - configOffset)
	for _, init := range b.Inits {
		b.putU64(b.grow(8), uint64(init))
		config.numInits++
	}

	ub := int64(math.MinInt64)
	for i := 0; i < 2; i++ {
		preload := i == 0
		config.maps[i] = uint32(b.Size() - configOffset)
		for _, m := range mappings {
			if preload {
				stats.PhysicalBytes += m.Size
			}
			offset0 := m.Offset
			for node := m; node != nil; node = node.Merged {
				if node.Preload != preload {
					continue
				}
				r, w, x := protBits(node.Prot)
				for _, vb := range node.virtualBounds(PageSize) {
					base := node.Base + vb.lb
					length := vb.ub - vb.lb
					offset := offset0 + vb.lb

					level.Debug(logger).Log("msg", "load trampoline",
						"addr", fmt.Sprintf("%#x", base), "size", length,
						"offset", offset0, "prot", protString(node.Prot))
					stats.VirtualBytes += length

					rec := b.grow(mapRecordSize)
					if _, err := emitLoaderMap(b.patched[rec:], base, length, offset, r, w, x, &ub); err != nil {
						return stats, err
					}
					config.numMaps[i]++
				}
			}
		}
	}
	for _, r := range refactors {
		level.Debug(logger).Log("msg", "load refactoring",
			"addr", fmt.Sprintf("%#x", r.addr), "size", r.size,
			"offset", r.patchedOffset, "prot", "r-x")
		rec := b.grow(mapRecordSize)
		if _, err := emitLoaderMap(b.patched[rec:], r.addr, r.size, r.patchedOffset, true, false, true, nil); err != nil {
			return stats, err
		}
		config.numMaps[1]++
	}
	if ub > opts.LoaderBase {
		// Usually means the front-end moved the loader base mid-way
		// through patching; easiest to detect here.
		return stats, fmt.Errorf("%w: loader base %#x, maximum mapping address %#x",
			ErrLoaderBaseTooLow, opts.LoaderBase, ub)
	}

	entry := opts.LoaderBase + (b.Size() - configOffset)
	if opts.TrapEntry {
		b.patched = append(b.patched, opcodeINT3)
	}
	shimOff := b.Size()
	b.appendEntryShim(configOffset)
	if asm, derr := disassemble(b.patched[shimOff:], opts.LoaderBase+(shimOff-configOffset)); derr == nil {
		level.Debug(logger).Log("msg", "entry shim", "asm", asm)
	}
	b.patched = append(b.patched, opts.LoaderBlob...)

	configSize := b.Size() - configOffset
	config.size = uint32(pageRound(configSize))

	// Step 5: rewire the entry point.
	if dyn := b.phdr(b.elf.dynamic); dyn.valid() {
		config.dynamic = dyn.vaddr()
		configExt.dynamic = dyn.vaddr()
	}
	switch b.Mode {
	case ModeExe:
		ehdr := b.ehdr()
		config.entry = ehdr.entry()
		ehdr.setEntry(entry)
		config.flags |= configFlagExe
	case ModeDSO:
		oldInit, err := b.replaceInit(entry)
		if err != nil {
			return stats, err
		}
		config.entry = oldInit
	default:
		return stats, fmt.Errorf("%w: invalid mode %d", ErrInternal, b.Mode)
	}

	// Step 6: rewrite a spare program header to load the payload.
	phdr := b.phdr(opts.phdrFor(&b.elf))
	if !phdr.valid() {
		return stats, fmt.Errorf("%w: missing %s segment", ErrNoInjectionSlot, opts.PHDRChoice)
	}
	phdr.repurpose(configOffset, opts.LoaderBase, configSize)

	config.encode(b.patched[configOffset:])
	configExt.encode(b.patched[configOffset+configRecordSize:])

	// The payload's file tail is padded so the image ends on the page
	// boundary the config size was rounded to.
	b.alignSize(PageSize)
	stats.OutputSize = b.Size()

	if opts.MemRebase {
		level.Warn(logger).Log("msg", "ignoring mem-rebase option for Linux ELF binary")
	}

	return stats, nil
}

// replaceInit redirects the first DT_INIT entry of the dynamic
// segment to entry and returns the init address it displaced.
func (b *Binary) replaceInit(entry int64) (int64, error) {
	dyn := b.phdr(b.elf.dynamic)
	if !dyn.valid() {
		return 0, fmt.Errorf("failed to replace DT_INIT entry: %w", ErrMissingDynamic)
	}
	off := dyn.offset()
	count := dyn.memsz() / dynSize
	for i := int64(0); i < count; i++ {
		tag := int64(b.u64(off + i*dynSize))
		if tag == int64(elf.DT_NULL) {
			break
		}
		if tag == int64(elf.DT_INIT) {
			old := int64(b.u64(off + i*dynSize + 8))
			b.putU64(off+i*dynSize+8, uint64(entry))
			return old, nil
		}
	}
	return 0, fmt.Errorf("failed to replace DT_INIT entry: %w", ErrMissingInit)
}
