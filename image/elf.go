package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/viroulep/qbdl/arch"
)

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

// MatchELF reports whether r starts with the ELF magic number: a cheap
// check a caller's format-detection layer can make before handing a
// file to loader.FromFile. Neither Parse nor FromFile calls it; Parse
// relies on debug/elf's own magic check.
func MatchELF(r io.ReaderAt) bool {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, 0); err != nil {
		return false
	}
	return bytes.Equal(magic, elfMagic)
}

var machineArch = map[elf.Machine]arch.Kind{
	elf.EM_X86_64:  arch.X86_64,
	elf.EM_AARCH64: arch.AArch64,
}

// Parse builds an *Image from a raw ELF file: program headers become
// Segments, the dynamic symbol table becomes Symbols, and
// DT_REL/DT_RELA/DT_JMPREL become DynRelocs / PLTGOTRelocs. Only
// ELFCLASS64 images on x86-64/AArch64 are supported; anything else is
// rejected outright.
func Parse(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse ELF")
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, errors.Errorf("unsupported ELF class %s", f.Class)
	}
	archKind, ok := machineArch[f.Machine]
	if !ok {
		return nil, errors.Errorf("unsupported machine %s", f.Machine)
	}

	img := &Image{
		Arch:    archKind,
		Entry:   f.Entry,
		Dynamic: map[DynTag]uint64{},
	}

	var declaredBase uint64 = ^uint64(0)
	var virtEnd uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < declaredBase {
			declaredBase = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > virtEnd {
			virtEnd = end
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "read PT_LOAD content")
		}
		img.Segments = append(img.Segments, Segment{
			Type:           SegmentLoad,
			VirtualAddress: prog.Vaddr,
			Content:        data,
		})
	}
	if len(img.Segments) == 0 {
		declaredBase = 0
	}
	img.DeclaredBase = declaredBase
	img.VirtualSize = virtEnd - declaredBase

	syms, _ := f.DynamicSymbols()
	for _, s := range syms {
		img.Symbols = append(img.Symbols, Symbol{Name: s.Name, Value: s.Value, Size: s.Size})
	}
	symByIdx := func(idx uint32) *Symbol {
		if int(idx) >= len(img.Symbols) {
			return nil
		}
		return &img.Symbols[idx]
	}

	pltgot, err := dynUint64(f, elf.DT_PLTGOT)
	if err == nil {
		// DT_PLTGOT, like a relocation's r_offset, is an absolute vaddr
		// in the raw ELF; normalize it to image-relative here so the
		// loader can always add it straight onto base_address.
		if pltgot >= declaredBase {
			pltgot -= declaredBase
		}
		img.Dynamic[DTPLTGOT] = pltgot
	}

	relReader := newDynReader(f, declaredBase, img.Segments)

	if rel, err := relReader.region(elf.DT_REL, elf.DT_RELSZ); err == nil {
		img.DynRelocs = append(img.DynRelocs, parseRela64(rel, symByIdx, false)...)
	}
	if rela, err := relReader.region(elf.DT_RELA, elf.DT_RELASZ); err == nil {
		img.DynRelocs = append(img.DynRelocs, parseRela64(rela, symByIdx, true)...)
	}
	if jmprel, err := relReader.region(elf.DT_JMPREL, elf.DT_PLTRELSZ); err == nil {
		useRela := true
		if pltrel, err := dynUint64(f, elf.DT_PLTREL); err == nil {
			useRela = elf.DynTag(pltrel) == elf.DT_RELA
		}
		img.PLTGOTRelocs = append(img.PLTGOTRelocs, parseRela64(jmprel, symByIdx, useRela)...)
	}

	// r_offset in a raw ELF relocation entry is an absolute (or
	// PIE-relative-to-0) address, in the same namespace as a segment's
	// virtual address; qbdl's Reloc.Address, per the data model, is
	// already declared_base-relative ("image-relative target slot"), so
	// the loader can add it straight onto base_address with no further
	// translation. Normalize it here, once, at parse time.
	rebase(img.DynRelocs, declaredBase)
	rebase(img.PLTGOTRelocs, declaredBase)

	return img, nil
}

func rebase(relocs []Reloc, declaredBase uint64) {
	for i := range relocs {
		if relocs[i].Address >= declaredBase {
			relocs[i].Address -= declaredBase
		}
	}
}

func dynUint64(f *elf.File, tag elf.DynTag) (uint64, error) {
	vals, err := f.DynValue(tag)
	if err != nil || len(vals) == 0 {
		return 0, errors.Errorf("dynamic tag %s not present", tag)
	}
	return vals[0], nil
}

// dynReader resolves a DT_* virtual address / size pair to the raw
// bytes backing it by walking the already-parsed LOAD segments — the
// same "virtual address to file content" trick the pack's other ELF
// loaders perform with an io.SectionReader over the mapped image.
type dynReader struct {
	f            *elf.File
	declaredBase uint64
	segments     []Segment
}

func newDynReader(f *elf.File, declaredBase uint64, segs []Segment) *dynReader {
	return &dynReader{f: f, declaredBase: declaredBase, segments: segs}
}

func (d *dynReader) region(addrTag, sizeTag elf.DynTag) ([]byte, error) {
	addr, err := dynUint64(d.f, addrTag)
	if err != nil {
		return nil, err
	}
	size, err := dynUint64(d.f, sizeTag)
	if err != nil || size == 0 {
		return nil, errors.Errorf("dynamic tag %s not present", sizeTag)
	}
	for _, seg := range d.segments {
		if addr >= seg.VirtualAddress && addr+size <= seg.VirtualAddress+uint64(len(seg.Content)) {
			off := addr - seg.VirtualAddress
			return seg.Content[off : off+size], nil
		}
	}
	return nil, errors.Errorf("dynamic region 0x%x..0x%x not covered by any LOAD segment", addr, addr+size)
}

// Elf64 Rel/Rela entries, decoded by hand rather than via debug/elf
// (which has no public generic relocation-table reader): 3 little-endian
// uint64s for Rela (offset, info, addend), 2 for Rel.
func parseRela64(raw []byte, symByIdx func(uint32) *Symbol, hasAddend bool) []Reloc {
	entrySize := 16
	if hasAddend {
		entrySize = 24
	}
	var out []Reloc
	for off := 0; off+entrySize <= len(raw); off += entrySize {
		entry := raw[off : off+entrySize]
		address := binary.LittleEndian.Uint64(entry[0:8])
		info := binary.LittleEndian.Uint64(entry[8:16])
		symIdx := uint32(info >> 32)
		relType := uint32(info)
		var addend int64
		if hasAddend {
			addend = int64(binary.LittleEndian.Uint64(entry[16:24]))
		}
		out = append(out, Reloc{
			Address: address,
			Type:    relType,
			Symbol:  symByIdx(symIdx),
			Addend:  addend,
		})
	}
	return out
}
