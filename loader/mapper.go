package loader

import (
	"github.com/pkg/errors"

	"github.com/viroulep/qbdl/arch"
	"github.com/viroulep/qbdl/image"
)

// pageSize is the granularity load() rounds the image's virtual
// footprint up to before asking the engine to reserve it.
const pageSize = 0x2000

func pageAlign(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// load reserves the image's guest address space, copies each LOAD
// segment's content into it, then runs the dynamic-relocation and
// binding passes against it in sequence.
func (l *Loader) load(mode BindingMode) error {
	// image.Image.VirtualSize is already declared_base-relative (the
	// parser computes it as virtEnd - declaredBase), so unlike
	// segment/relocation addresses it needs no further rva() here.
	virtualSize := pageAlign(l.img.VirtualSize)

	hint := l.eng.BaseAddressHint(l.img.DeclaredBase, virtualSize)
	base, err := l.eng.Mem().Mmap(hint, virtualSize)
	if err != nil {
		l.log.Error("allocation failed for image base=0x%x size=0x%x: %v", l.img.DeclaredBase, virtualSize, err)
		return err
	}
	if base == 0 {
		l.log.Error("allocation failed for image base=0x%x size=0x%x: engine returned null address", l.img.DeclaredBase, virtualSize)
		return errors.New("engine.Mmap returned a null base address")
	}
	l.baseAddress = base
	l.log.Info("loaded image at base=0x%x size=0x%x", base, virtualSize)

	for _, seg := range l.img.Segments {
		if seg.Type != image.SegmentLoad || len(seg.Content) == 0 {
			continue
		}
		addr := l.baseAddress + l.rva(seg.VirtualAddress)
		if err := l.eng.Mem().Write(addr, seg.Content); err != nil {
			return err
		}
		l.log.Debug("mapped segment va=0x%x size=%d", addr, len(seg.Content))
	}

	desc, ok := arch.DescriptorFor(l.img.Arch)
	if !ok {
		l.log.Warn("unsupported architecture %v: skipping relocation and binding passes", l.img.Arch)
		l.status = statusReady
		return nil
	}
	l.arc = desc

	if err := l.processRelocs(l.img.DynRelocs, true); err != nil {
		return err
	}

	if err := l.bind(mode); err != nil {
		return err
	}

	l.status = statusReady
	return nil
}
