// Package engine defines the host-provided abstractions the loader core
// consumes (C3, C4): a guest target memory space, and external symbol
// resolution. qbdl never implements these itself — the two
// implementations under engine/hostmem and engine/unicornengine exist so
// the pipeline can be exercised end to end without a bespoke
// integration already in hand.
package engine

import "github.com/viroulep/qbdl/arch"

// Memory is the guest target memory space the segment mapper, relocation
// engine, and binding controller write through. Addresses are guest
// addresses throughout; width/endianness for pointer operations come
// from the arch.Descriptor passed at each call, since a single host
// engine may back guests of differing bitness across loader instances.
type Memory interface {
	// Mmap reserves size bytes of guest memory near hint and returns its
	// base guest address, or 0 on failure.
	Mmap(hint, size uint64) (uint64, error)
	// Write copies p into guest memory starting at addr.
	Write(addr uint64, p []byte) error
	// Read copies n bytes out of guest memory starting at addr. The
	// relocation engine's COPY kind is the only core caller; everything
	// else works in pointer-sized words via ReadPointer/WritePointer.
	Read(addr uint64, n int) ([]byte, error)
	// ReadPointer reads one pointer-sized word at addr, in the given
	// architecture's width and byte order.
	ReadPointer(a arch.Descriptor, addr uint64) (uint64, error)
	// WritePointer writes value as a pointer-sized word at addr, in the
	// given architecture's width and byte order.
	WritePointer(a arch.Descriptor, addr uint64, value uint64) error
}

// Symbol is the minimal symbol shape Symlink needs; it mirrors
// image.Symbol without importing the image package, keeping engine
// interfaces (which host integrations must implement) free of a
// dependency on qbdl's own image model beyond this value type.
type Symbol struct {
	Name string
	Size uint64
}

// Resolver is the host-provided external symbol resolution a loader
// falls back to once it exhausts its own exported-symbol index.
// LoaderHandle is an opaque token identifying which loader is asking,
// so a resolver backing multiple concurrently-loaded images can
// disambiguate.
type Resolver interface {
	Symlink(loaderHandle uint64, sym Symbol) (uint64, error)
}

// Image is the minimal shape Engine.Supports needs from an image,
// avoiding an import cycle with package image (which does not need to
// know about engine).
type Image interface {
	Architecture() (kind int, pointerSize int)
}

// Engine bundles the target memory space, symbol resolution, and the
// two host policy hooks a loader needs from its target: a
// compatibility check and a base-address hint.
type Engine interface {
	Resolver

	// Supports reports whether this engine can host the given image
	// (architecture compatibility, bitness, etc).
	Supports(img Image) bool
	// BaseAddressHint proposes a guest base address for an image whose
	// file declares declaredBase and whose mapped footprint is size
	// bytes; the mapper still asks Mem.Mmap for the address actually
	// granted.
	BaseAddressHint(declaredBase, size uint64) uint64

	Mem() Memory
}
