package loader

import (
	"github.com/pkg/errors"

	"github.com/viroulep/qbdl/arch"
	"github.com/viroulep/qbdl/image"
	"github.com/viroulep/qbdl/loader/internal/registry"
)

// Dispatch is the lazy PLT resolver entry point: the function the
// installed trampoline's GOT[2] entry points to. It is a package-level
// function, not a method, because it must be callable from guest
// context given only the opaque token the trampoline read out of
// GOT[1] — it recovers the *Loader itself via the registry.
func Dispatch(token, hint uint64) (uint64, error) {
	v, ok := registry.Lookup(token)
	if !ok {
		return 0, errors.Errorf("unknown loader token %d", token)
	}
	l, ok := v.(*Loader)
	if !ok {
		return 0, errors.Errorf("registry token %d did not resolve to a loader", token)
	}
	return l.resolvePLT(hint)
}

// resolvePLT recovers the PLT relocation index from the trampoline's
// hint argument, bounds-checks it, resolves the symbol, and patches the
// GOT slot so future calls skip the trampoline entirely.
func (l *Loader) resolvePLT(hint uint64) (uint64, error) {
	pltSymIdx, err := l.pltIndexFromHint(hint)
	if err != nil {
		return 0, err
	}

	if pltSymIdx >= uint64(len(l.img.PLTGOTRelocs)) {
		l.log.Error("PLT index %d out of range (have %d entries)", pltSymIdx, len(l.img.PLTGOTRelocs))
		return 0, nil
	}

	reloc := l.img.PLTGOTRelocs[pltSymIdx]
	symAddr, err := l.resolveExternal(reloc.Symbol)
	if err != nil {
		return 0, errors.Wrap(err, "resolving PLT symbol")
	}

	slot := l.baseAddress + reloc.Address
	if err := l.eng.Mem().WritePointer(l.arc, slot, symAddr); err != nil {
		return 0, errors.Wrap(err, "patching PLT/GOT slot")
	}
	return symAddr, nil
}

// pltIndexFromHint recovers the PLT relocation index from the hint
// value the trampoline passes, which differs by architecture: x86-64
// pushes the index directly, while AArch64 passes the GOT slot's own
// address and the index has to be derived from its offset into the
// table.
func (l *Loader) pltIndexFromHint(hint uint64) (uint64, error) {
	switch l.arc.Kind {
	case arch.X86_64:
		return hint, nil

	case arch.AArch64:
		pltgot, ok := l.img.Dynamic[image.DTPLTGOT]
		if !ok {
			return 0, errors.New("dispatcher invoked but image declares no PLTGOT")
		}
		got := l.baseAddress + pltgot
		ptrsize := uint64(l.arc.PointerSize)
		return (hint-got)/ptrsize - uint64(l.arc.GOTReservedEntries), nil

	default:
		return 0, errors.Errorf("dispatcher invoked for unsupported architecture %v", l.arc.Kind)
	}
}
