package patch

import (
	"debug/elf"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/heaptrace/heaptrace/internal/archinfo"
)

// mmapWriter is the production MemoryWriter: it unprotects the
// target page with mprotect before writing through an unsafe
// pointer, the Go equivalent of unprotect_page + the typed pointer
// assignment in patch_symbol.
type mmapWriter struct {
	pageSize uintptr
}

func newMmapWriter() *mmapWriter {
	return &mmapWriter{pageSize: uintptr(unix.Getpagesize())}
}

func (w *mmapWriter) unprotect(addr uint64) error {
	pageStart := uintptr(addr) &^ (w.pageSize - 1)
	page := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), w.pageSize)
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("patch: mprotect %#x: %w", pageStart, err)
	}
	return nil
}

func (w *mmapWriter) Write(addr uint64, value uint64, pointerSize int) error {
	if err := w.unprotect(addr); err != nil {
		return err
	}
	switch pointerSize {
	case 8:
		p := (*uint64)(unsafe.Pointer(uintptr(addr)))
		*p = value
	case 4:
		p := (*uint32)(unsafe.Pointer(uintptr(addr)))
		*p = uint32(value)
	default:
		return fmt.Errorf("patch: unsupported pointer size %d", pointerSize)
	}
	return nil
}

// Read returns the pointer-sized value currently stored at addr,
// used to snapshot the dynamic linker's original resolution before
// it is overwritten.
func (w *mmapWriter) Read(addr uint64, pointerSize int) (uint64, error) {
	switch pointerSize {
	case 8:
		return *(*uint64)(unsafe.Pointer(uintptr(addr))), nil
	case 4:
		return uint64(*(*uint32)(unsafe.Pointer(uintptr(addr)))), nil
	default:
		return 0, fmt.Errorf("patch: unsupported pointer size %d", pointerSize)
	}
}

// Interceptors maps a hooked symbol name to the address of the Go
// trampoline that should replace it, and the reverse direction is
// rebuilt from Originals on restore.
type Interceptors map[string]uint64

// Patcher owns the set of hooked shared objects and the original
// values it overwrote, so Restore can undo exactly what Install did,
// mirroring SymbolPatcher's patched set and restore_symbols pass.
type Patcher struct {
	mu        sync.Mutex
	hooks     *HookSet
	trampolines Interceptors
	originals map[string]map[uint64]uint64 // module path -> patched address -> original value
	patched   map[string]bool
	mw        MemoryWriter
	arch      archinfo.Info
}

// NewPatcher builds a Patcher targeting the given architecture and
// intercept trampolines. Use NewHookSet for a default allocator hook
// set, or a custom one for tests.
func NewPatcher(arch archinfo.Info, hooks *HookSet, trampolines Interceptors) *Patcher {
	return &Patcher{
		hooks:       hooks,
		trampolines: trampolines,
		originals:   map[string]map[uint64]uint64{},
		patched:     map[string]bool{},
		mw:          newMmapWriter(),
		arch:        arch,
	}
}

// InstallAll patches every currently loaded module not yet patched,
// the Go analogue of SymbolPatcher::overwrite_symbols via
// dl_iterate_phdr; it is safe to call repeatedly as new modules are
// dlopen'd.
func (p *Patcher) InstallAll() error {
	modules, err := EnumerateModules()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, mod := range modules {
		if p.patched[mod.Path] {
			continue
		}
		if err := p.installModule(mod); err != nil {
			log.WithError(err).WithField("module", mod.Path).Warn("skipping module")
			continue
		}
		p.patched[mod.Path] = true
	}
	return nil
}

func (p *Patcher) installModule(mod loadedModule) error {
	f, err := elf.Open(mod.Path)
	if err != nil {
		return fmt.Errorf("patch: opening %s: %w", mod.Path, err)
	}
	defer f.Close()

	namer, err := namerFromFile(f)
	if err != nil {
		return err
	}
	tables, err := relocationTables(f)
	if err != nil {
		return err
	}

	saved := map[uint64]uint64{}
	restoreTo := func(symbol string) (uint64, bool) {
		addr, ok := p.trampolines[symbol]
		return addr, ok
	}

	// Capture the dynamic linker's current resolution at each target
	// address before overwriting it, so RestoreAll can write it back
	// even after the module's own relocation tables are gone from
	// memory (they are lazily resolved, so re-reading them later
	// would just return our own trampoline).
	for _, relocs := range tables {
		for _, r := range relocs {
			name, ok := namer(r.SymIndex)
			if !ok {
				continue
			}
			if _, hooked := p.hooks.Lookup(name); !hooked {
				continue
			}
			addr := r.Offset + mod.Base
			if _, already := saved[addr]; already {
				continue
			}
			original, err := p.mw.Read(addr, p.arch.PointerSize)
			if err != nil {
				log.WithError(err).WithField("symbol", name).Warn("could not snapshot original value")
				continue
			}
			saved[addr] = original
		}
	}

	n := applyPatches(tables, mod.Base, namer, p.hooks, p.arch.PointerSize, restoreTo, p.mw)
	if n > 0 {
		p.originals[mod.Path] = saved
		log.WithField("module", mod.Path).WithField("count", n).Info("patched symbols")
	}
	return nil
}

// RestoreAll undoes every patch this Patcher applied, writing back
// the dynamic linker's original resolution the way
// SymbolPatcher::restore_symbols does on detach.
func (p *Patcher) RestoreAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for modPath, byAddr := range p.originals {
		for addr, value := range byAddr {
			if err := p.mw.Write(addr, value, p.arch.PointerSize); err != nil {
				log.WithError(err).WithField("module", modPath).Warn("could not fully restore module")
				break
			}
		}
	}
	p.patched = map[string]bool{}
	p.originals = map[string]map[uint64]uint64{}
	return nil
}
