// Package loader implements the load-and-relocate pipeline: it maps an
// image's segments into a host-provided target memory space,
// applies x86-64/AArch64 relocations, and optionally installs a lazy
// PLT/GOT binding trampoline. It is the component every other package
// in this module exists to serve.
package loader

import (
	"os"

	"github.com/pkg/errors"

	"github.com/viroulep/qbdl/arch"
	"github.com/viroulep/qbdl/engine"
	"github.com/viroulep/qbdl/image"
	"github.com/viroulep/qbdl/internal/logx"
	"github.com/viroulep/qbdl/loader/internal/registry"
)

// BindingMode selects how bind treats an image's PLT/GOT relocations.
type BindingMode int

const (
	// NotBind performs no PLT/GOT pass at all. Any trampoline offsets
	// the static linker pre-baked into the GOT are left exactly as the
	// file declared them; rebasing them onto this loader's own base
	// address is the caller's responsibility if it ever switches to a
	// mode that uses them.
	NotBind BindingMode = iota
	// Lazy installs the resolver trampoline and defers PLT/GOT
	// resolution until first call.
	Lazy
	// Now resolves every PLT/GOT relocation eagerly at load time.
	Now
)

// Default is the binding mode used when a caller has no particular
// preference; it matches the source's own default.
const Default = Lazy

// status tracks a loader's own lifecycle; it is not exported because
// the only externally observable signal is BaseAddress() == 0.
type status int

const (
	statusLoading status = iota
	statusReady
	statusFailed
)

// Loader is a per-image loader instance. It owns the image model
// non-exclusively (the image is read-only and may be shared) and holds
// a non-owning reference to the engine that must outlive it.
type Loader struct {
	img *image.Image
	eng engine.Engine
	arc arch.Descriptor

	baseAddress uint64
	status      status

	exported map[string]image.Symbol
	token    uint64

	copyRelocs []image.Reloc

	log *logx.Logger
}

// FromImage constructs a Loader over an already-parsed image and
// immediately runs load(mode). It returns an error if the engine
// refuses the image outright; no Loader is created in that case.
func FromImage(img *image.Image, eng engine.Engine, mode BindingMode) (*Loader, error) {
	if !eng.Supports(img) {
		return nil, errors.Errorf("engine refuses image with architecture %v", img.Arch)
	}

	l := &Loader{
		img:      img,
		eng:      eng,
		exported: buildExportedIndex(img),
		log:      logx.Default,
		status:   statusLoading,
	}

	l.token = registry.Register(l)

	if err := l.load(mode); err != nil {
		l.status = statusFailed
		return l, err
	}
	return l, nil
}

// FromFile reads path, parses it as an ELF image (image.Parse), and
// hands the result to FromImage.
func FromFile(path string, eng engine.Engine, mode BindingMode) (*Loader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	img, err := image.Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return FromImage(img, eng, mode)
}

// buildExportedIndex populates the exported symbol index with every
// dynamic symbol whose value is non-zero; duplicate names resolve
// last-write-wins, matching the original loader's single forward pass
// over the symbol table with no duplicate handling of its own.
func buildExportedIndex(img *image.Image) map[string]image.Symbol {
	idx := make(map[string]image.Symbol, len(img.Symbols))
	for _, sym := range img.Symbols {
		if sym.Defined() {
			idx[sym.Name] = sym
		}
	}
	return idx
}

// BaseAddress is the guest address the engine assigned at load, or 0 if
// load failed before allocation succeeded.
func (l *Loader) BaseAddress() uint64 { return l.baseAddress }

// Architecture returns the architecture descriptor this loader resolved
// relocations with. It is the zero Descriptor if the image's
// architecture was unsupported.
func (l *Loader) Architecture() arch.Descriptor { return l.arc }

// Entrypoint returns the guest address of the image's declared entry
// point.
func (l *Loader) Entrypoint() uint64 {
	return l.baseAddress + l.rva(l.img.Entry)
}

// AddressOf resolves either a symbol name (string) or an image-relative
// offset (uint64, int or int64) to a guest address. Unknown names, and
// arguments of any other type, return 0.
func (l *Loader) AddressOf(nameOrOffset any) uint64 {
	switch v := nameOrOffset.(type) {
	case string:
		sym, ok := l.exported[v]
		if !ok {
			return 0
		}
		return l.baseAddress + l.rva(sym.Value)
	case uint64:
		return l.baseAddress + v
	case int:
		return l.baseAddress + uint64(v)
	case int64:
		return l.baseAddress + uint64(v)
	default:
		return 0
	}
}

// CopyRelocations returns the subset of relocations the relocation
// engine classified as COPY during load. COPY relocations are the only
// kind that duplicate another object's data into this image's own
// memory rather than just pointing at it, so callers doing incremental
// reloads or consistency checks need a way to find them again without
// re-scanning every relocation by type. The returned slice is owned by
// the caller; mutating it has no effect on the loader's own state.
func (l *Loader) CopyRelocations() []image.Reloc {
	out := make([]image.Reloc, len(l.copyRelocs))
	copy(out, l.copyRelocs)
	return out
}

// rva converts an absolute, declared-base-relative file address into an
// image-relative one. Addresses already below declaredBase (some
// statically-linked images carry a few) pass through unchanged rather
// than underflowing.
func (l *Loader) rva(addr uint64) uint64 {
	if addr >= l.img.DeclaredBase {
		return addr - l.img.DeclaredBase
	}
	return addr
}

// resolveLocal resolves a relocation's symbol against this image's own
// exported index, returning 0 if the symbol is an import rather than a
// local definition.
func (l *Loader) resolveLocal(sym *image.Symbol) uint64 {
	if sym == nil {
		return 0
	}
	return l.AddressOf(sym.Name)
}

// resolveExternal asks the host engine to resolve a symbol this image
// does not define locally, passing this loader's registry token so the
// host side can recover its own bookkeeping if it keeps one per loader.
func (l *Loader) resolveExternal(sym *image.Symbol) (uint64, error) {
	if sym == nil {
		return 0, errors.New("relocation has no symbol to resolve externally")
	}
	return l.eng.Symlink(l.token, engine.Symbol{Name: sym.Name, Size: sym.Size})
}
