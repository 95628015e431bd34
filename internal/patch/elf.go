// Package patch rewrites the GOT/PLT entries of every loaded shared
// object so that calls to hooked allocator symbols land in the
// tracker's interceptors instead of the real libc, matching
// elf_shenanigans.cpp's overwrite_elf_table/patch_symbols pair. The
// relocation-table parsing and patch-plan computation are pure
// functions so they can be exercised with synthetic ELF fragments;
// only the final write touches live process memory.
package patch

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/heaptrace/heaptrace/internal/logging"
)

var log = logging.For("patch")

// Relocation is the architecture-independent shape of one GOT/PLT
// relocation entry: where to write (Offset, file-relative, pre base
// address) and which symbol table index resolved it.
type Relocation struct {
	Offset    uint64
	SymIndex  uint32
}

// relType identifies which wire shape a relocation table uses, ELF's
// own Rel/Rela split carried through DT_REL, DT_RELA and DT_JMPREL
// (itself typed by DT_PLTREL).
type relType int

const (
	relNone relType = iota
	relREL
	relRELA
)

// parseRelTable decodes a raw relocation-table byte slice into
// Relocations. The entry size follows from kind and is64: is64
// selects the Elf64_Rel{,a} layout (16/24 bytes) over the 32-bit one
// (8/12 bytes).
func parseRelTable(data []byte, kind relType, is64 bool, order binary.ByteOrder) ([]Relocation, error) {
	var entsize int
	switch {
	case kind == relREL && is64:
		entsize = 16
	case kind == relREL && !is64:
		entsize = 8
	case kind == relRELA && is64:
		entsize = 24
	case kind == relRELA && !is64:
		entsize = 12
	default:
		return nil, fmt.Errorf("patch: unknown relocation table kind")
	}
	if len(data)%entsize != 0 {
		return nil, fmt.Errorf("patch: relocation table length %d not a multiple of entry size %d", len(data), entsize)
	}

	n := len(data) / entsize
	out := make([]Relocation, 0, n)
	for i := 0; i < n; i++ {
		entry := data[i*entsize : (i+1)*entsize]
		var offset uint64
		var info uint64
		if is64 {
			offset = order.Uint64(entry[0:8])
			info = order.Uint64(entry[8:16])
		} else {
			offset = uint64(order.Uint32(entry[0:4]))
			info = uint64(order.Uint32(entry[4:8]))
		}

		var symIndex uint32
		if is64 {
			symIndex = uint32(info >> 32)
		} else {
			symIndex = uint32(info >> 8)
		}
		out = append(out, Relocation{Offset: offset, SymIndex: symIndex})
	}
	return out, nil
}

// SymbolNamer resolves a raw ELF relocation symbol-table index to a
// name. debug/elf's DynamicSymbols drops the mandatory null entry at
// index 0, so a real implementation must subtract one before
// indexing its slice; the indirection here keeps that off-by-one out
// of the pure patch planner.
type SymbolNamer func(index uint32) (name string, ok bool)

// Patch is one planned write: the absolute address to overwrite and
// the pointer-sized value to write there.
type Patch struct {
	Symbol  string
	Addr    uint64
	Value   uint64
}

// planPatches turns a relocation table into the set of writes needed
// to redirect every hooked symbol it references, the pure core of
// overwrite_elf_table. restoreTo supplies the replacement value for a
// matched symbol (either the intercept trampoline's address, or the
// saved original when undoing a patch).
func planPatches(relocs []Relocation, base uint64, namer SymbolNamer, hooks *HookSet, restoreTo func(symbol string) (uint64, bool)) []Patch {
	var plan []Patch
	for _, r := range relocs {
		name, ok := namer(r.SymIndex)
		if !ok {
			continue
		}
		if _, hooked := hooks.Lookup(name); !hooked {
			continue
		}
		value, ok := restoreTo(name)
		if !ok {
			continue
		}
		plan = append(plan, Patch{Symbol: name, Addr: r.Offset + base, Value: value})
	}
	return plan
}

// MemoryWriter applies a patch plan to live memory. The production
// implementation unprotects each target page with mprotect before
// writing; tests substitute a fake that records writes into a plain
// byte map. Read returns what is currently at addr, used to snapshot
// the dynamic linker's original resolution before overwriting it.
type MemoryWriter interface {
	Write(addr uint64, value uint64, pointerSize int) error
	Read(addr uint64, pointerSize int) (uint64, error)
}

// applyPatches is the orchestration entry point: it resolves every
// relocation table's symbols against hooks, builds the write plan and
// applies it through mw, logging one line per patched symbol the way
// patch_symbol's LOG(DEBUG) does. It returns the number of symbols
// patched.
func applyPatches(tables map[string][]Relocation, base uint64, namer SymbolNamer, hooks *HookSet, pointerSize int, restoreTo func(symbol string) (uint64, bool), mw MemoryWriter) int {
	patched := 0
	for tableName, relocs := range tables {
		plan := planPatches(relocs, base, namer, hooks, restoreTo)
		for _, p := range plan {
			if err := mw.Write(p.Addr, p.Value, pointerSize); err != nil {
				log.WithError(err).WithField("symbol", p.Symbol).Warn("could not patch relocation")
				continue
			}
			log.WithFields(map[string]interface{}{
				"symbol": p.Symbol,
				"table":  tableName,
			}).Debug("symbol intercepted")
			patched++
		}
	}
	return patched
}

// loadedModule is one entry of /proc/self/maps, collapsed to the
// file backing a mapping and the lowest address it was loaded at,
// memray's dl_iterate_phdr equivalent on a platform where Go has no
// direct binding for it.
type loadedModule struct {
	Path    string
	Base    uint64
}

// parseProcMaps enumerates the distinct file-backed mappings in a
// /proc/[pid]/maps stream, in first-seen order, skipping the dynamic
// linker and vDSO the way phdrs_callback does.
func parseProcMaps(r *bufio.Scanner) ([]loadedModule, error) {
	seen := map[string]bool{}
	var modules []loadedModule
	for r.Scan() {
		line := r.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[len(fields)-1]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		if strings.Contains(path, "/ld-linux") || strings.Contains(path, "/ld-musl") || path == "linux-vdso.so.1" {
			continue
		}
		if seen[path] {
			continue
		}
		seen[path] = true

		addrRange := fields[0]
		lowHex, _, ok := strings.Cut(addrRange, "-")
		if !ok {
			continue
		}
		base, err := strconv.ParseUint(lowHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("patch: parsing maps address %q: %w", lowHex, err)
		}
		modules = append(modules, loadedModule{Path: path, Base: base})
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return modules, nil
}

// EnumerateModules lists the shared objects currently mapped into
// this process, read fresh on every call so a module loaded after
// attach is picked up on the next InstallAll.
func EnumerateModules() ([]loadedModule, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("patch: opening /proc/self/maps: %w", err)
	}
	defer f.Close()
	return parseProcMaps(bufio.NewScanner(f))
}

// namerFromFile builds a SymbolNamer backed by an open ELF file's
// dynamic symbol table, correcting for debug/elf's omission of the
// null symbol at index 0.
func namerFromFile(f *elf.File) (SymbolNamer, error) {
	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("patch: reading dynamic symbols: %w", err)
	}
	return func(index uint32) (string, bool) {
		if index == 0 {
			return "", false
		}
		i := int(index) - 1
		if i < 0 || i >= len(syms) {
			return "", false
		}
		return syms[i].Name, true
	}, nil
}

// relocationTables extracts the DT_REL, DT_RELA and DT_JMPREL tables
// from an ELF file's dynamic section, mirroring patch_symbols' three
// named collections.
func relocationTables(f *elf.File) (map[string][]Relocation, error) {
	is64 := f.Class == elf.ELFCLASS64
	order := f.ByteOrder

	tables := map[string][]Relocation{}

	if rel, err := f.DynValue(elf.DT_REL); err == nil && len(rel) > 0 {
		data, err := sectionBytesAt(f, rel[0])
		if err == nil {
			if relocs, err := parseRelTable(data, relREL, is64, order); err == nil {
				tables["rel"] = relocs
			}
		}
	}
	if rela, err := f.DynValue(elf.DT_RELA); err == nil && len(rela) > 0 {
		data, err := sectionBytesAt(f, rela[0])
		if err == nil {
			if relocs, err := parseRelTable(data, relRELA, is64, order); err == nil {
				tables["rela"] = relocs
			}
		}
	}
	if jmprel, err := f.DynValue(elf.DT_JMPREL); err == nil && len(jmprel) > 0 {
		pltrel, _ := f.DynValue(elf.DT_PLTREL)
		kind := relREL
		if len(pltrel) > 0 && elf.DynTag(pltrel[0]) == elf.DT_RELA {
			kind = relRELA
		}
		data, err := sectionBytesAt(f, jmprel[0])
		if err == nil {
			if relocs, err := parseRelTable(data, kind, is64, order); err == nil {
				tables["jmprel"] = relocs
			}
		}
	}
	return tables, nil
}

// sectionBytesAt returns the bytes of whichever section covers the
// given virtual address, since DT_REL/DT_RELA/DT_JMPREL name a
// runtime address rather than a section.
func sectionBytesAt(f *elf.File, vaddr uint64) ([]byte, error) {
	for _, sec := range f.Sections {
		if sec.Addr <= vaddr && vaddr < sec.Addr+sec.Size {
			data, err := sec.Data()
			if err != nil {
				return nil, err
			}
			off := vaddr - sec.Addr
			return data[off:], nil
		}
	}
	return nil, fmt.Errorf("patch: no section covers address %#x", vaddr)
}
