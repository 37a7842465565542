// Package unicornengine backs engine.Engine with a real CPU emulator,
// github.com/unicorn-engine/unicorn — the most literal available
// stand-in for "target memory space": guest memory that a real
// emulated CPU can, if an integrator chooses to run it, actually
// execute against.
//
// qbdl itself never starts the emulator (executing guest code is out of
// scope); this package exists so the load-and-relocate pipeline can
// target a real guest address space end to end, and so integrators who
// do want to run the loaded image have a hook-wiring example for the
// lazy resolver (see HookLazyResolver).
package unicornengine

import (
	"sort"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/viroulep/qbdl/arch"
	"github.com/viroulep/qbdl/engine"
)

// mapping is a single reserved span — just the address/size pair the
// wrapper needs to avoid re-mapping overlapping regions on repeated
// Mmap calls.
type mapping struct {
	addr, size uint64
}

// Engine wraps a single unicorn.Unicorn instance as an engine.Engine.
// One Engine should back exactly one loader's guest address space;
// sharing a Unicorn instance across loaders would let their reserved
// regions collide.
type Engine struct {
	uc       uc.Unicorn
	mappings []mapping
	kind     int

	// Resolve backs Symlink; callers provide the host-side symbol table
	// (a real host integration would wire this to its own dynamic
	// linker or export table).
	Resolve func(loaderHandle uint64, name string) (uint64, error)
}

// New constructs an Engine for the given unicorn architecture/mode pair
// (uc.ARCH_X86/uc.MODE_64 or uc.ARCH_ARM64/uc.MODE_ARM).
func New(ucArch, ucMode int, kind arch.Kind) (*Engine, error) {
	u, err := uc.NewUnicorn(ucArch, ucMode)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	return &Engine{uc: u, kind: int(kind)}, nil
}

func (e *Engine) Supports(img engine.Image) bool {
	kind, ptrSize := img.Architecture()
	return kind == e.kind && ptrSize == 8
}

// BaseAddressHint picks a load-bias the way a position-independent
// loader has to: if the file wants a fixed base, honor it; otherwise
// propose a conventional 16MB guest load address for PIE/shared
// objects.
func (e *Engine) BaseAddressHint(declaredBase, _ uint64) uint64 {
	if declaredBase != 0 {
		return declaredBase
	}
	return 0x1000000
}

func (e *Engine) Mem() engine.Memory { return e }

func (e *Engine) Symlink(loaderHandle uint64, sym engine.Symbol) (uint64, error) {
	if e.Resolve == nil {
		return 0, errors.Errorf("no symbol resolver configured for %q", sym.Name)
	}
	return e.Resolve(loaderHandle, sym.Name)
}

func (e *Engine) overlaps(addr, size uint64) bool {
	for _, m := range e.mappings {
		if addr < m.addr+m.size && addr+size > m.addr {
			return true
		}
	}
	return false
}

// Mmap reserves guest memory, aligning to unicorn's 4K page granularity
// the way any mmap wrapper over a page-granular backing store has to.
func (e *Engine) Mmap(hint, size uint64) (uint64, error) {
	const pageSize = 0x1000
	if size == 0 {
		size = pageSize
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)
	addr := hint &^ (pageSize - 1)
	if addr == 0 {
		addr = pageSize
	}
	for e.overlaps(addr, size) {
		addr += pageSize
	}
	if err := e.uc.MemMapProt(addr, size, uc.PROT_ALL); err != nil {
		return 0, errors.Wrap(err, "MemMapProt failed")
	}
	e.mappings = append(e.mappings, mapping{addr, size})
	sort.Slice(e.mappings, func(i, j int) bool { return e.mappings[i].addr < e.mappings[j].addr })
	return addr, nil
}

func (e *Engine) Write(addr uint64, p []byte) error {
	return errors.Wrap(e.uc.MemWrite(addr, p), "MemWrite failed")
}

// Read copies n bytes out of guest memory, backing the relocation
// engine's COPY kind.
func (e *Engine) Read(addr uint64, n int) ([]byte, error) {
	raw, err := e.uc.MemRead(addr, uint64(n))
	return raw, errors.Wrap(err, "MemRead failed")
}

func (e *Engine) ReadPointer(a arch.Descriptor, addr uint64) (uint64, error) {
	raw, err := e.uc.MemRead(addr, uint64(a.PointerSize))
	if err != nil {
		return 0, errors.Wrap(err, "MemRead failed")
	}
	if a.PointerSize == 8 {
		return a.ByteOrder.Uint64(raw), nil
	}
	return uint64(a.ByteOrder.Uint32(raw)), nil
}

func (e *Engine) WritePointer(a arch.Descriptor, addr uint64, value uint64) error {
	buf := make([]byte, a.PointerSize)
	if a.PointerSize == 8 {
		a.ByteOrder.PutUint64(buf, value)
	} else {
		a.ByteOrder.PutUint32(buf, uint32(value))
	}
	return e.Write(addr, buf)
}

// HookHandler is the shape a loader's lazy dispatcher exposes for
// HookLazyResolver to call back into; loader.Dispatch matches it
// directly.
type HookHandler func(loaderHandle, hint uint64) (uint64, error)

// HookLazyResolver installs a unicorn HOOK_CODE callback at stubAddr
// (the trampoline address the binding controller wrote into GOT[2])
// that invokes handler with loaderHandle and stubAddr and writes its
// result into retReg. The callback does not change the program counter;
// execution continues with the stub's own instructions.
//
// This is the hook-wiring path for an integrator who does want to run
// the guest and have its PLT stubs actually dispatch.
func (e *Engine) HookLazyResolver(stubAddr uint64, loaderHandle uint64, retReg int, handler HookHandler) error {
	_, err := e.uc.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, _ uint32) {
		if addr != stubAddr {
			return
		}
		resolved, err := handler(loaderHandle, addr)
		if err != nil {
			return
		}
		_ = e.uc.RegWrite(retReg, resolved)
	}, stubAddr, stubAddr)
	return errors.Wrap(err, "HookAdd(HOOK_CODE) failed")
}
