package elfinject

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is any ELF validation failure: bad magic, wrong
	// class or machine, truncated headers, unsupported file type.
	ErrMalformed = errors.New("malformed ELF input")

	// ErrMissingDynamic means a shared object has no PT_DYNAMIC
	// segment, so DT_INIT cannot be rewired.
	ErrMissingDynamic = errors.New("missing PT_DYNAMIC program header")

	// ErrMissingInit means the dynamic segment has no DT_INIT entry
	// to replace.
	ErrMissingInit = errors.New("missing DT_INIT entry")

	// ErrNoInjectionSlot means none of PT_NOTE, PT_GNU_RELRO or
	// PT_GNU_STACK is present to repurpose into the loader PT_LOAD.
	ErrNoInjectionSlot = errors.New("no spare program header to repurpose")

	// ErrLoaderBaseTooLow means a non-absolute mapping sits above the
	// configured loader base address.
	ErrLoaderBaseTooLow = errors.New("loader base below maximum mapping address")

	// ErrReservationConflict means a PT_LOAD segment overlaps the
	// low-address guard or an earlier reservation.
	ErrReservationConflict = errors.New("address range already reserved")

	// ErrInternal is an upstream invariant violation, e.g. a dirty
	// page with no covering instruction in the index.
	ErrInternal = errors.New("internal invariant violated")
)

// An OverflowError reports a mapping whose address, size or offset
// does not fit its on-disk field.
type OverflowError struct {
	Field string
	Value int64
	Under bool
}

func (e *OverflowError) Error() string {
	dir := "over"
	if e.Under {
		dir = "under"
	}
	return fmt.Sprintf("mapping %s (%#x) %sflow detected", e.Field, e.Value, dir)
}
