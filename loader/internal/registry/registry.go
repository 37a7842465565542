// Package registry implements the loader self-reference mechanism: a
// sync.Map from opaque pointer-sized tokens to live loader instances,
// so a trampoline running in guest context can recover the *Loader
// that installed it without aliasing a raw pointer across that
// boundary. It follows the same sync.Map-based lookup-cache pattern a
// microdbg-style ELF loader uses for its own ifunc/PLT resolution
// cache, adapted here to hold whole loader instances instead of
// resolved addresses.
//
// registry holds values as interface{} rather than a named loader type
// so that package loader can depend on registry without registry
// depending back on loader.
package registry

import (
	"sync"
	"sync/atomic"
)

var (
	table   sync.Map
	counter uint64
)

// Register assigns a fresh, never-reused token to v and returns it. A
// token is only ever handed out once; a loader writes it into a GOT
// entry as the key the dispatcher later looks it back up by.
func Register(v any) uint64 {
	token := atomic.AddUint64(&counter, 1)
	table.Store(token, v)
	return token
}

// Lookup recovers the value registered under token. ok is false for an
// unknown or already-unregistered token.
func Lookup(token uint64) (any, bool) {
	return table.Load(token)
}

// Unregister removes token from the registry. Loaders have no explicit
// Close in this core — destroying one just releases the image model —
// but integrators that rebuild loaders repeatedly in the same process
// can use this to avoid unbounded registry growth.
func Unregister(token uint64) {
	table.Delete(token)
}
