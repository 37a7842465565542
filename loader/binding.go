package loader

import (
	"github.com/pkg/errors"

	"github.com/viroulep/qbdl/arch"
	"github.com/viroulep/qbdl/image"
)

// bind applies the loader's binding mode to the image's PLT/GOT
// relocations, once per load() after the dynamic-relocation pass.
func (l *Loader) bind(mode BindingMode) error {
	switch mode {
	case NotBind:
		return nil

	case Now:
		return l.processRelocs(l.img.PLTGOTRelocs, false)

	default: // Lazy, Default
		pltgot, ok := l.img.Dynamic[image.DTPLTGOT]
		if !ok {
			l.log.Warn("image declares no PLTGOT: skipping lazy binding")
			return nil
		}

		got := l.baseAddress + pltgot
		ptrsize := uint64(l.arc.PointerSize)
		got1 := got + 1*ptrsize
		got2 := got + 2*ptrsize

		if err := l.eng.Mem().WritePointer(l.arc, got1, l.token); err != nil {
			return errors.Wrap(err, "writing loader token into GOT[1]")
		}

		stub := l.arc.TrampolineStub()
		if stub == nil {
			return errors.Errorf("no trampoline stub encoding for architecture %v", l.arc.Kind)
		}

		stubAddr, err := l.eng.Mem().Mmap(0, uint64(len(stub)))
		if err != nil {
			return errors.Wrap(err, "allocating lazy-resolver trampoline")
		}
		if stubAddr == 0 {
			return errors.New("engine.Mmap returned a null trampoline address")
		}

		switch l.arc.Kind {
		case arch.X86_64:
			arch.PatchX86_64TrampolineDisplacements(stub, stubAddr, got1, got2)
		case arch.AArch64:
			arch.PatchAArch64TrampolineDisplacements(stub, stubAddr, got2)
		}

		if err := l.eng.Mem().Write(stubAddr, stub); err != nil {
			return errors.Wrap(err, "writing trampoline stub")
		}
		if err := l.eng.Mem().WritePointer(l.arc, got2, stubAddr); err != nil {
			return errors.Wrap(err, "writing trampoline address into GOT[2]")
		}
		l.log.Debug("installed lazy-resolver trampoline at 0x%x, token=%d, got=0x%x", stubAddr, l.token, got)

		return l.processRelocs(l.img.PLTGOTRelocs, true)
	}
}
