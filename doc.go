// Patch ELF binaries with a self-loading bootstrap.
//
// This package takes a 64-bit x86 ELF executable or shared object, a
// set of trampoline mappings, and an index of patched instructions,
// and emits a binary that installs the extra mappings at startup
// before any original code runs. The dynamic linker never cooperates:
// a small position-independent loader shim is appended to the file, a
// spare program header (PT_NOTE or one of the PT_GNU_* headers) is
// rewritten into a PT_LOAD that maps the shim, and the entry point
// (DT_INIT for shared objects) is redirected through it.
//
// Limitations:
//   - Only supports x86-64 little-endian ELF files
//   - Relocatable objects (ET_REL) are not supported
//   - The loader shim blob is supplied by the caller and trusted to
//     follow the config-record calling convention
//   - Binaries with none of PT_NOTE, PT_GNU_RELRO or PT_GNU_STACK
//     have no spare program header and cannot be patched
package elfinject
