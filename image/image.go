// Package image holds the typed, read-only view of a parsed executable
// the loader core operates over. Producing one from raw bytes is an
// external concern in general, but the package ships an ELF adapter (see
// elf.go) built on debug/elf so the loader is usable end to end without
// a separate parser dependency.
package image

import "github.com/viroulep/qbdl/arch"

// SegmentType mirrors the handful of program-header types the mapper
// cares about; anything else is opaque to qbdl.
type SegmentType int

const (
	SegmentOther SegmentType = iota
	SegmentLoad
)

// Segment is one program-header-level chunk of file content destined
// for guest memory.
type Segment struct {
	Type           SegmentType
	VirtualAddress uint64
	Content        []byte
}

// DynTag identifies an entry in the image's dynamic section. The only
// tag the core cross-references by name is PLTGOT; others are carried
// opaquely for the convenience of callers.
type DynTag int

const (
	DTNull DynTag = iota
	DTPLTGOT
	DTOther
)

// Symbol is one entry of the image's dynamic symbol table. Value is the
// symbol's address as the file records it when the symbol is defined
// locally (Parse keeps st_value as is, so it may be absolute; the loader
// passes it through rva), and zero when it is an import the loader must
// resolve externally.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// Defined reports whether this symbol is locally defined (non-import).
func (s Symbol) Defined() bool {
	return s.Value != 0
}

// Reloc is one relocation entry. It stores the raw, architecture-specific
// Type code; the relocation engine asks arch.Descriptor.Lookup for the
// shared semantic kind (arch.RelocKind) that code maps onto.
type Reloc struct {
	// Address is image-relative (relative to DeclaredBase), unlike
	// Segment.VirtualAddress which is absolute — the loader adds it
	// straight onto the assigned base address with no further rva().
	Address uint64
	Type    uint32
	Symbol  *Symbol
	Addend  int64
}

// Image is the read-only, architecture-tagged view of a parsed binary
// the loader core consumes. Construction (by image.Parse or by hand, in
// tests) is the only place these fields are ever written; everything
// downstream treats an *Image as immutable.
type Image struct {
	DeclaredBase uint64
	VirtualSize  uint64
	Arch         arch.Kind
	Entry        uint64

	Segments []Segment
	// Dynamic tag values are image-relative, by the same convention as
	// Reloc.Address — a parser normalizes them at construction time.
	Dynamic map[DynTag]uint64

	Symbols []Symbol

	DynRelocs    []Reloc
	PLTGOTRelocs []Reloc
}

// Architecture satisfies engine.Image without image importing engine:
// pointer size is fixed at 8 since qbdl only supports the two 64-bit
// architectures arch.Descriptor knows about.
func (img *Image) Architecture() (kind int, pointerSize int) {
	return int(img.Arch), 8
}

// SymbolByName does a linear scan of the dynamic symbol table; callers
// wanting repeated lookups should use loader.Loader's exported symbol
// index instead, which is built once at construction time.
func (img *Image) SymbolByName(name string) (Symbol, bool) {
	for _, s := range img.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}
