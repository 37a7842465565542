// Package arch describes the guest architectures qbdl can relocate:
// pointer width, byte order, and the per-architecture relocation-type
// namespace the relocation engine maps onto the four shared semantic
// kinds (RELATIVE, JUMP_SLOT, GLOB_DAT, COPY).
package arch

import "encoding/binary"

// Kind identifies a guest instruction set architecture.
type Kind int

const (
	Other Kind = iota
	X86_64
	AArch64
)

func (k Kind) String() string {
	switch k {
	case X86_64:
		return "x86_64"
	case AArch64:
		return "aarch64"
	default:
		return "other"
	}
}

// RelocKind is the shared relocation semantic, independent of the
// architecture-specific numeric code that selects it. Every arch-specific
// relocation type used by qbdl maps onto exactly one of these.
type RelocKind int

const (
	Unsupported RelocKind = iota
	Relative
	JumpSlot
	GlobDat
	Copy
)

// Descriptor is the per-guest pointer width/endianness pair, plus the
// relocation-code table and PLT/GOT reserved-prefix size for its
// architecture. It is derivable entirely from an image's header.
type Descriptor struct {
	Kind        Kind
	PointerSize int
	ByteOrder   binary.ByteOrder

	// relocTable maps an architecture-specific relocation type constant
	// (as it appears on image.Reloc.Type) to the shared semantic kind.
	relocTable map[uint32]RelocKind

	// GOTReservedEntries is the size, in pointer-sized slots, of the
	// PLT/GOT prefix the binding controller owns (3 under the System V
	// ABI families qbdl targets; kept as a per-architecture parameter
	// rather than a hardcoded constant since the AArch64 index-recovery
	// arithmetic depends on it directly).
	GOTReservedEntries int
}

// Lookup resolves an architecture relocation type code to its shared
// semantic kind. Unknown codes return Unsupported.
func (d Descriptor) Lookup(relocType uint32) RelocKind {
	if k, ok := d.relocTable[relocType]; ok {
		return k
	}
	return Unsupported
}

// DescriptorFor returns the Descriptor for a supported architecture
// Kind, or false if qbdl doesn't relocate it (spec Non-goal: only
// x86-64 and AArch64 are supported).
func DescriptorFor(k Kind) (Descriptor, bool) {
	switch k {
	case X86_64:
		return x86_64Descriptor, true
	case AArch64:
		return aarch64Descriptor, true
	default:
		return Descriptor{}, false
	}
}

// The relocation type constants below mirror debug/elf's R_X86_64_* and
// R_AARCH64_* tables, duplicated here (rather than importing debug/elf
// into this package) so arch stays decoupled from the ELF-specific
// encoding image.Parse uses to populate image.Reloc.Type; a future
// non-ELF image producer only needs to emit these same small integers.
const (
	rX86_64Relative = 8
	rX86_64GlobDat  = 6
	rX86_64JumpSlot = 7
	rX86_64Copy     = 5

	rAArch64Relative = 1027
	rAArch64GlobDat  = 1025
	rAArch64JumpSlot = 1026
	rAArch64Copy     = 1024
)

var x86_64Descriptor = Descriptor{
	Kind:        X86_64,
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	relocTable: map[uint32]RelocKind{
		rX86_64Relative: Relative,
		rX86_64GlobDat:  GlobDat,
		rX86_64JumpSlot: JumpSlot,
		rX86_64Copy:     Copy,
	},
	GOTReservedEntries: 3,
}

var aarch64Descriptor = Descriptor{
	Kind:        AArch64,
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	relocTable: map[uint32]RelocKind{
		rAArch64Relative: Relative,
		rAArch64GlobDat:  GlobDat,
		rAArch64JumpSlot: JumpSlot,
		rAArch64Copy:     Copy,
	},
	GOTReservedEntries: 3,
}
