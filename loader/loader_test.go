package loader

import (
	"testing"

	"github.com/viroulep/qbdl/arch"
	"github.com/viroulep/qbdl/engine/hostmem"
	"github.com/viroulep/qbdl/image"
)

const (
	relX86_64Relative = 8
	relX86_64GlobDat  = 6
	relX86_64JumpSlot = 7
	relX86_64Copy     = 5
)

func newEngine() *hostmem.Engine {
	e := hostmem.New(int(arch.X86_64))
	e.NextHint = 0x10000
	return e
}

// Scenario 1 + Invariant 1 + address_of miss.
func TestMinimalImageNotBind(t *testing.T) {
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Segments: []image.Segment{
			{Type: image.SegmentLoad, VirtualAddress: 0x1000, Content: []byte{0xAA, 0xBB}},
		},
		Dynamic: map[image.DynTag]uint64{},
	}
	e := newEngine()

	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	if l.BaseAddress() == 0 {
		t.Fatal("expected a non-zero base address")
	}

	got, err := e.Read(l.AddressOf(uint64(0x1000)), 2)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("segment content = %x, want aabb", got)
	}
	if l.AddressOf("missing") != 0 {
		t.Fatal("expected AddressOf of an unknown symbol to be 0")
	}
}

// Scenario 2 + Invariant 2.
func TestRelativeRelocation(t *testing.T) {
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Dynamic:     map[image.DynTag]uint64{},
		DynRelocs: []image.Reloc{
			{Address: 0x2000, Type: relX86_64Relative, Addend: 0x40},
		},
	}
	e := newEngine()

	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	got, err := e.ReadPointer(l.Architecture(), l.BaseAddress()+0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if want := l.BaseAddress() + 0x40; got != want {
		t.Fatalf("got 0x%x, want 0x%x", got, want)
	}
}

// Scenario 3 + Invariant 3: JUMP_SLOT to a local symbol resolves under
// LAZY exactly as it would eagerly.
func TestJumpSlotLocalUnderLazy(t *testing.T) {
	foo := image.Symbol{Name: "foo", Value: 0x300}
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Symbols:     []image.Symbol{foo},
		Dynamic:     map[image.DynTag]uint64{image.DTPLTGOT: 0x4000},
		PLTGOTRelocs: []image.Reloc{
			{Address: 0x3000, Type: relX86_64JumpSlot, Symbol: &foo},
		},
	}
	e := newEngine()

	l, err := FromImage(img, e, Default)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	got, err := e.ReadPointer(l.Architecture(), l.BaseAddress()+0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if want := l.BaseAddress() + 0x300; got != want {
		t.Fatalf("got 0x%x, want 0x%x", got, want)
	}
}

// Scenario 4: JUMP_SLOT to an imported symbol under NOW resolves
// directly against the engine's symbol table.
func TestJumpSlotImportedUnderNow(t *testing.T) {
	bar := image.Symbol{Name: "bar"}
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Symbols:     []image.Symbol{bar},
		Dynamic:     map[image.DynTag]uint64{},
		PLTGOTRelocs: []image.Reloc{
			{Address: 0x3000, Type: relX86_64JumpSlot, Symbol: &bar, Addend: 8},
		},
	}
	e := newEngine()
	e.Symbols["bar"] = 0xCAFE0000

	l, err := FromImage(img, e, Now)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	got, err := e.ReadPointer(l.Architecture(), l.BaseAddress()+0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xCAFE0008 {
		t.Fatalf("got 0x%x, want 0xcafe0008", got)
	}
}

// Invariant 4 (partial): under LAZY, an imported JUMP_SLOT rebases the
// pre-baked trampoline offset already sitting in the slot rather than
// resolving the import.
func TestJumpSlotImportedUnderLazyRebases(t *testing.T) {
	bar := image.Symbol{Name: "bar"}
	preBaked := make([]byte, 8)
	preBakedLE := uint64(0x55)
	for i := 0; i < 8; i++ {
		preBaked[i] = byte(preBakedLE >> (8 * i))
	}
	img := &image.Image{
		Arch:     arch.X86_64,
		Symbols:  []image.Symbol{bar},
		Dynamic:  map[image.DynTag]uint64{image.DTPLTGOT: 0x4000},
		VirtualSize: 0x5000,
		// The segment copy lays down the pre-linked, zero-based
		// trampoline offset at the slot before relocation runs.
		Segments: []image.Segment{
			{Type: image.SegmentLoad, VirtualAddress: 0x3000, Content: preBaked},
		},
		PLTGOTRelocs: []image.Reloc{
			{Address: 0x3000, Type: relX86_64JumpSlot, Symbol: &bar},
		},
	}
	e := newEngine()
	e.Symbols["bar"] = 0xCAFE0000

	l, err := FromImage(img, e, Default)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	got, err := e.ReadPointer(l.Architecture(), l.BaseAddress()+0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if want := l.BaseAddress() + 0x55; got != want {
		t.Fatalf("got 0x%x, want 0x%x (rebase of pre-baked offset)", got, want)
	}
}

// Scenario 5 + Invariant 5: lazy trampoline install writes the loader
// token and trampoline address into GOT[1]/GOT[2].
func TestLazyTrampolineInstall(t *testing.T) {
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Dynamic:     map[image.DynTag]uint64{image.DTPLTGOT: 0x4000},
	}
	e := newEngine()

	l, err := FromImage(img, e, Lazy)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	got := l.BaseAddress() + 0x4000
	tokenAddr, err := e.ReadPointer(l.Architecture(), got+8)
	if err != nil {
		t.Fatal(err)
	}
	if tokenAddr != l.token {
		t.Fatalf("GOT[1] = %d, want loader token %d", tokenAddr, l.token)
	}

	trampAddr, err := e.ReadPointer(l.Architecture(), got+16)
	if err != nil {
		t.Fatal(err)
	}
	if trampAddr == 0 {
		t.Fatal("GOT[2] should hold a non-null trampoline address")
	}
	stub, err := e.Read(trampAddr, 16)
	if err != nil {
		t.Fatal(err)
	}
	if stub[0] != 0xff || stub[1] != 0x35 {
		t.Fatalf("trampoline stub bytes = %x, want leading ff 35", stub)
	}
}

// Scenario 6: AArch64 index recovery.
func TestAArch64DispatcherIndexRecovery(t *testing.T) {
	sym := image.Symbol{Name: "resolved"}
	img := &image.Image{
		Arch:    arch.AArch64,
		Symbols: []image.Symbol{sym},
		Dynamic: map[image.DynTag]uint64{image.DTPLTGOT: 0x4000},
		PLTGOTRelocs: make([]image.Reloc, 6),
	}
	for i := range img.PLTGOTRelocs {
		img.PLTGOTRelocs[i] = image.Reloc{Address: 0x5000 + uint64(i)*8, Symbol: &sym}
	}
	e := hostmem.New(int(arch.AArch64))
	e.NextHint = 0x20000
	e.Symbols["resolved"] = 0xBEEF0000

	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	got := l.BaseAddress() + 0x4000
	hint := got + (3+5)*8
	idx, err := l.pltIndexFromHint(hint)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 5 {
		t.Fatalf("recovered index = %d, want 5", idx)
	}
}

// Round-trip / idempotence: re-invoking Dispatch on the same index
// yields the same address and leaves the slot unchanged thereafter.
func TestDispatchIdempotent(t *testing.T) {
	sym := image.Symbol{Name: "resolved"}
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Symbols:     []image.Symbol{sym},
		Dynamic:     map[image.DynTag]uint64{image.DTPLTGOT: 0x4000},
		PLTGOTRelocs: []image.Reloc{
			{Address: 0x3000, Symbol: &sym},
		},
	}
	e := newEngine()
	e.Symbols["resolved"] = 0xAAAA0000

	l, err := FromImage(img, e, Lazy)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	first, err := Dispatch(l.token, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Dispatch(l.token, 0)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || first != 0xAAAA0000 {
		t.Fatalf("first=0x%x second=0x%x, want both 0xaaaa0000", first, second)
	}
	slot, err := e.ReadPointer(l.Architecture(), l.BaseAddress()+0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if slot != 0xAAAA0000 {
		t.Fatalf("GOT slot = 0x%x after re-dispatch, want 0xaaaa0000", slot)
	}
}

// Boundary: plt_sym_idx == len(pltgot_relocs) returns 0, no writes.
func TestDispatchOutOfRange(t *testing.T) {
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Dynamic:     map[image.DynTag]uint64{image.DTPLTGOT: 0x4000},
	}
	e := newEngine()

	l, err := FromImage(img, e, Lazy)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	addr, err := Dispatch(l.token, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0 {
		t.Fatalf("out-of-range dispatch returned 0x%x, want 0", addr)
	}
}

// Boundary: zero LOAD segments still succeeds, with virtual_size ==
// page_align(0).
func TestZeroLoadSegments(t *testing.T) {
	img := &image.Image{Arch: arch.X86_64, Dynamic: map[image.DynTag]uint64{}}
	e := newEngine()

	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	if l.BaseAddress() == 0 {
		t.Fatal("expected a non-zero base address even with no segments")
	}
}

// Boundary: declared_base == 0 makes rva the identity function.
func TestRVADeclaredBaseZero(t *testing.T) {
	img := &image.Image{Arch: arch.X86_64, DeclaredBase: 0}
	l := &Loader{img: img}
	for _, addr := range []uint64{0, 1, 0xdeadbeef} {
		if got := l.rva(addr); got != addr {
			t.Fatalf("rva(0x%x) = 0x%x, want identity", addr, got)
		}
	}
}

// Invariant 6: address_of(name) is non-zero iff the name is a defined
// dynamic symbol.
func TestAddressOfDefinedVsImported(t *testing.T) {
	defined := image.Symbol{Name: "defined", Value: 0x10}
	imported := image.Symbol{Name: "imported"}
	img := &image.Image{
		Arch:    arch.X86_64,
		Symbols: []image.Symbol{defined, imported},
		Dynamic: map[image.DynTag]uint64{},
	}
	e := newEngine()
	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	if l.AddressOf("defined") == 0 {
		t.Fatal("expected defined symbol to resolve")
	}
	if l.AddressOf("imported") != 0 {
		t.Fatal("expected imported symbol to resolve to 0")
	}
}

// Invariant 7: entrypoint().
func TestEntrypoint(t *testing.T) {
	img := &image.Image{Arch: arch.X86_64, DeclaredBase: 0x400000, Entry: 0x400010, Dynamic: map[image.DynTag]uint64{}}
	e := newEngine()
	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	if want := l.BaseAddress() + 0x10; l.Entrypoint() != want {
		t.Fatalf("Entrypoint() = 0x%x, want 0x%x", l.Entrypoint(), want)
	}
}

// Error kind 3: unsupported architecture skips relocation and binding
// but leaves the loader usable for raw inspection.
func TestUnsupportedArchitectureStaysReady(t *testing.T) {
	img := &image.Image{Arch: arch.Other, Dynamic: map[image.DynTag]uint64{}}
	e := hostmem.New(int(arch.Other))
	e.NextHint = 0x30000

	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	if l.status != statusReady {
		t.Fatalf("status = %v, want ready", l.status)
	}
}

// Error kind 4: missing PLTGOT under LAZY warns and skips binding,
// without failing the load.
func TestMissingPLTGOTSkipsBinding(t *testing.T) {
	img := &image.Image{Arch: arch.X86_64, Dynamic: map[image.DynTag]uint64{}}
	e := newEngine()

	l, err := FromImage(img, e, Lazy)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	if l.status != statusReady {
		t.Fatalf("status = %v, want ready", l.status)
	}
}

// Error kind 2: allocation failure leaves base_address == 0 and load
// returns an error.
func TestAllocationFailure(t *testing.T) {
	img := &image.Image{Arch: arch.X86_64, Dynamic: map[image.DynTag]uint64{}}
	e := newEngine()
	e.FailAllocation = true

	l, err := FromImage(img, e, NotBind)
	if err == nil {
		t.Fatal("expected an error on allocation failure")
	}
	if l.BaseAddress() != 0 {
		t.Fatalf("BaseAddress() = 0x%x, want 0", l.BaseAddress())
	}
}

// Error kind 5: an unsupported relocation type is warned about and
// leaves the slot as the segment copy wrote it.
func TestUnsupportedRelocationTypeLeftAsWritten(t *testing.T) {
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Dynamic:     map[image.DynTag]uint64{},
		DynRelocs: []image.Reloc{
			{Address: 0x2000, Type: 999},
		},
	}
	e := newEngine()

	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	got, err := e.Read(l.BaseAddress()+0x2000, 8)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("slot = %x, want untouched zero bytes", got)
		}
	}
}

// GLOB_DAT: both the local and external resolution branches.
func TestGlobDat(t *testing.T) {
	local := image.Symbol{Name: "local", Value: 0x10}
	external := image.Symbol{Name: "external"}
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Symbols:     []image.Symbol{local, external},
		Dynamic:     map[image.DynTag]uint64{},
		DynRelocs: []image.Reloc{
			{Address: 0x2000, Type: relX86_64GlobDat, Symbol: &local, Addend: 4},
			{Address: 0x2008, Type: relX86_64GlobDat, Symbol: &external, Addend: 0},
		},
	}
	e := newEngine()
	e.Symbols["external"] = 0xFEED0000

	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	gotLocal, _ := e.ReadPointer(l.Architecture(), l.BaseAddress()+0x2000)
	if want := l.BaseAddress() + 0x10 + 4; gotLocal != want {
		t.Fatalf("local GLOB_DAT = 0x%x, want 0x%x", gotLocal, want)
	}
	gotExternal, _ := e.ReadPointer(l.Architecture(), l.BaseAddress()+0x2008)
	if gotExternal != 0xFEED0000 {
		t.Fatalf("external GLOB_DAT = 0x%x, want 0xfeed0000", gotExternal)
	}
}

// COPY: a raw byte copy, not a pointer write.
func TestCopyRelocation(t *testing.T) {
	src := image.Symbol{Name: "errno_slot", Size: 4}
	img := &image.Image{
		Arch:        arch.X86_64,
		VirtualSize: 0x6000,
		Symbols:     []image.Symbol{src},
		Dynamic:     map[image.DynTag]uint64{},
		DynRelocs: []image.Reloc{
			{Address: 0x2000, Type: relX86_64Copy, Symbol: &src},
		},
	}
	e := newEngine()
	srcAddr, err := e.Mmap(0x50000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Write(srcAddr, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	e.Symbols["errno_slot"] = srcAddr

	l, err := FromImage(img, e, NotBind)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}

	got, err := e.Read(l.BaseAddress()+0x2000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 || got[3] != 4 {
		t.Fatalf("copied bytes = %v, want [1 2 3 4]", got)
	}
	copies := l.CopyRelocations()
	if len(copies) != 1 || copies[0].Address != 0x2000 {
		t.Fatalf("CopyRelocations() = %+v, want one entry at 0x2000", copies)
	}
}

// Format rejection: an engine that refuses the image yields an error
// and no loader.
func TestFromImageRejectedByEngine(t *testing.T) {
	img := &image.Image{Arch: arch.AArch64, Dynamic: map[image.DynTag]uint64{}}
	e := newEngine() // only supports X86_64

	if _, err := FromImage(img, e, NotBind); err == nil {
		t.Fatal("expected engine.Supports refusal to surface as an error")
	}
}
