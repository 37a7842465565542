// Package hostmem is a deterministic, in-process Engine backed by a
// single growable byte slice. It plays the role a region-tracking
// mmap/mem wrapper plays in front of a real CPU emulator, but without
// the cgo dependency, so qbdl's own test suite can exercise the full
// load-and-relocate pipeline without a real guest CPU.
package hostmem

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/viroulep/qbdl/arch"
	"github.com/viroulep/qbdl/engine"
)

// region is one mmap'd span, tracked the way a CPU-emulator wrapper
// tracks its own mapping entries for unmap/protect bookkeeping (qbdl
// has no unmap, so this is deliberately simpler: just enough to detect
// overlaps and to size the backing buffer).
type region struct {
	addr, size uint64
}

// Engine is an engine.Engine plus engine.Memory backed by plain Go
// memory. Symlink is driven by a caller-supplied lookup table rather
// than a real dynamic linker, since this engine never executes guest
// code.
type Engine struct {
	regions []region
	buf     []byte

	// Symbols is consulted by Symlink for imports the loader could not
	// resolve locally; tests populate it directly.
	Symbols map[string]uint64

	// NextHint is the address BaseAddressHint returns; tests can set it
	// to control exactly where a load lands.
	NextHint uint64

	// FailAllocation makes Mmap report failure (0, nil) unconditionally,
	// for exercising the loader's allocation-failure path without a real
	// out-of-memory condition.
	FailAllocation bool

	supportsArch int
}

// New returns an Engine that accepts images of the given arch.Kind
// (passed as an int to match engine.Image's decoupled shape).
func New(supportsArch int) *Engine {
	return &Engine{
		Symbols:      map[string]uint64{},
		NextHint:     0x10000,
		supportsArch: supportsArch,
	}
}

func (e *Engine) Supports(img engine.Image) bool {
	kind, ptrSize := img.Architecture()
	return kind == e.supportsArch && ptrSize == 8
}

func (e *Engine) BaseAddressHint(declaredBase, size uint64) uint64 {
	if e.NextHint != 0 {
		return e.NextHint
	}
	return declaredBase
}

func (e *Engine) Mem() engine.Memory { return e }

func (e *Engine) Symlink(_ uint64, sym engine.Symbol) (uint64, error) {
	if addr, ok := e.Symbols[sym.Name]; ok {
		return addr, nil
	}
	return 0, errors.Errorf("unresolved external symbol %q", sym.Name)
}

func (e *Engine) Mmap(hint, size uint64) (uint64, error) {
	if e.FailAllocation {
		return 0, nil
	}
	if size == 0 {
		size = 1
	}
	addr := hint
	if addr == 0 {
		// 0 is the reserved failure sentinel; never hand it back as a
		// real address, matching the convention a real guest address
		// space also reserves page 0 as unmapped.
		addr = 1
	}
	for e.overlaps(addr, size) {
		addr += size
	}
	e.regions = append(e.regions, region{addr, size})
	sort.Slice(e.regions, func(i, j int) bool { return e.regions[i].addr < e.regions[j].addr })
	if end := addr + size; end > uint64(len(e.buf)) {
		grown := make([]byte, end)
		copy(grown, e.buf)
		e.buf = grown
	}
	return addr, nil
}

func (e *Engine) overlaps(addr, size uint64) bool {
	for _, r := range e.regions {
		if addr < r.addr+r.size && addr+size > r.addr {
			return true
		}
	}
	return false
}

func (e *Engine) mapped(addr uint64, n int) bool {
	for _, r := range e.regions {
		if addr >= r.addr && addr+uint64(n) <= r.addr+r.size {
			return true
		}
	}
	return false
}

func (e *Engine) Write(addr uint64, p []byte) error {
	if !e.mapped(addr, len(p)) {
		return errors.Errorf("write to unmapped guest address 0x%x (%d bytes)", addr, len(p))
	}
	copy(e.buf[addr:], p)
	return nil
}

// Read copies n bytes out of guest memory starting at addr, backing the
// relocation engine's COPY kind and giving tests a way to assert on raw
// bytes beyond single pointer-sized words.
func (e *Engine) Read(addr uint64, n int) ([]byte, error) {
	if !e.mapped(addr, n) {
		return nil, errors.Errorf("read from unmapped guest address 0x%x (%d bytes)", addr, n)
	}
	out := make([]byte, n)
	copy(out, e.buf[addr:addr+uint64(n)])
	return out, nil
}

func (e *Engine) ReadPointer(a arch.Descriptor, addr uint64) (uint64, error) {
	raw, err := e.Read(addr, a.PointerSize)
	if err != nil {
		return 0, err
	}
	return unpackPointer(a, raw), nil
}

func (e *Engine) WritePointer(a arch.Descriptor, addr uint64, value uint64) error {
	buf := make([]byte, a.PointerSize)
	packPointer(a, buf, value)
	return e.Write(addr, buf)
}

func packPointer(a arch.Descriptor, buf []byte, v uint64) {
	if a.PointerSize == 8 {
		a.ByteOrder.PutUint64(buf, v)
	} else {
		a.ByteOrder.PutUint32(buf, uint32(v))
	}
}

func unpackPointer(a arch.Descriptor, buf []byte) uint64 {
	if a.PointerSize == 8 {
		return a.ByteOrder.Uint64(buf)
	}
	return uint64(a.ByteOrder.Uint32(buf))
}
