package loader

import (
	"github.com/pkg/errors"

	"github.com/viroulep/qbdl/arch"
	"github.com/viroulep/qbdl/image"
)

// processRelocs applies relocs against the four semantic kinds a
// relocation can reduce to, dispatched purely on the
// architecture-independent arch.RelocKind the descriptor maps each
// raw reloc.Type onto. x86-64 and AArch64 differ only in that mapping,
// never in the code below.
func (l *Loader) processRelocs(relocs []image.Reloc, isLazy bool) error {
	for _, r := range relocs {
		kind := l.arc.Lookup(r.Type)
		slot := l.baseAddress + r.Address

		switch kind {
		case arch.Relative:
			if err := l.eng.Mem().WritePointer(l.arc, slot, l.baseAddress+uint64(r.Addend)); err != nil {
				return errors.Wrap(err, "RELATIVE relocation")
			}

		case arch.JumpSlot:
			if err := l.applyJumpSlot(r, slot, isLazy); err != nil {
				return err
			}

		case arch.GlobDat:
			if err := l.applyGlobDat(r, slot); err != nil {
				return err
			}

		case arch.Copy:
			if err := l.applyCopy(r, slot); err != nil {
				return err
			}
			l.copyRelocs = append(l.copyRelocs, r)

		default:
			l.log.Warn("unsupported relocation type %d at slot 0x%x: leaving as-written", r.Type, slot)
		}
	}
	return nil
}

// applyJumpSlot resolves a JUMP_SLOT relocation, including the
// lazy-rebase branch: when the symbol isn't locally defined and this
// pass is lazy, the slot already holds the pre-baked trampoline target
// from static linking, and must be rebased onto base_address rather
// than resolved.
func (l *Loader) applyJumpSlot(r image.Reloc, slot uint64, isLazy bool) error {
	if local := l.resolveLocal(r.Symbol); local != 0 {
		return errors.Wrap(l.eng.Mem().WritePointer(l.arc, slot, local+uint64(r.Addend)), "JUMP_SLOT relocation (local)")
	}
	if isLazy {
		value, err := l.eng.Mem().ReadPointer(l.arc, slot)
		if err != nil {
			return errors.Wrap(err, "JUMP_SLOT relocation (lazy rebase read)")
		}
		return errors.Wrap(l.eng.Mem().WritePointer(l.arc, slot, l.baseAddress+value), "JUMP_SLOT relocation (lazy rebase write)")
	}
	external, err := l.resolveExternal(r.Symbol)
	if err != nil {
		return errors.Wrap(err, "JUMP_SLOT relocation (external)")
	}
	return errors.Wrap(l.eng.Mem().WritePointer(l.arc, slot, external+uint64(r.Addend)), "JUMP_SLOT relocation (external)")
}

// applyGlobDat resolves a GLOB_DAT relocation: a plain data pointer,
// never a lazily-bound one.
func (l *Loader) applyGlobDat(r image.Reloc, slot uint64) error {
	if local := l.resolveLocal(r.Symbol); local != 0 {
		return errors.Wrap(l.eng.Mem().WritePointer(l.arc, slot, local+uint64(r.Addend)), "GLOB_DAT relocation (local)")
	}
	external, err := l.resolveExternal(r.Symbol)
	if err != nil {
		return errors.Wrap(err, "GLOB_DAT relocation (external)")
	}
	return errors.Wrap(l.eng.Mem().WritePointer(l.arc, slot, external+uint64(r.Addend)), "GLOB_DAT relocation (external)")
}

// applyCopy resolves a COPY relocation: a raw byte copy, not a pointer
// write, of sym.Size bytes from the symbol's external address into the
// slot.
func (l *Loader) applyCopy(r image.Reloc, slot uint64) error {
	if r.Symbol == nil {
		return errors.New("COPY relocation has no symbol")
	}
	src, err := l.resolveExternal(r.Symbol)
	if err != nil {
		return errors.Wrap(err, "COPY relocation (resolve)")
	}
	data, err := l.eng.Mem().Read(src, int(r.Symbol.Size))
	if err != nil {
		return errors.Wrap(err, "COPY relocation (read source)")
	}
	return errors.Wrap(l.eng.Mem().Write(slot, data), "COPY relocation (write slot)")
}
