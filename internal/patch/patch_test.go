package patch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a MemoryWriter backed by a plain map, so planPatches
// and applyPatches can be exercised without touching real process
// memory.
type fakeMemory struct {
	values map[uint64]uint64
}

func newFakeMemory() *fakeMemory { return &fakeMemory{values: map[uint64]uint64{}} }

func (f *fakeMemory) Write(addr, value uint64, pointerSize int) error {
	f.values[addr] = value
	return nil
}

func (f *fakeMemory) Read(addr uint64, pointerSize int) (uint64, error) {
	return f.values[addr], nil
}

func encodeRel64(offset, symIndex uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	binary.LittleEndian.PutUint64(buf[8:16], symIndex<<32)
	return buf
}

func TestParseRelTableDecodesSymbolIndexAndOffset(t *testing.T) {
	data := append(encodeRel64(0x1000, 7), encodeRel64(0x1008, 9)...)
	relocs, err := parseRelTable(data, relREL, true, binary.LittleEndian)
	require.NoError(t, err)
	require.Len(t, relocs, 2)
	assert.Equal(t, Relocation{Offset: 0x1000, SymIndex: 7}, relocs[0])
	assert.Equal(t, Relocation{Offset: 0x1008, SymIndex: 9}, relocs[1])
}

func TestParseRelTableRejectsMisalignedLength(t *testing.T) {
	_, err := parseRelTable(make([]byte, 17), relREL, true, binary.LittleEndian)
	assert.Error(t, err)
}

func TestPlanPatchesOnlyTargetsHookedSymbols(t *testing.T) {
	hooks := NewHookSet()
	namer := func(i uint32) (string, bool) {
		switch i {
		case 1:
			return "malloc", true
		case 2:
			return "some_unrelated_symbol", true
		}
		return "", false
	}
	relocs := []Relocation{{Offset: 0x10, SymIndex: 1}, {Offset: 0x20, SymIndex: 2}}
	restoreTo := func(symbol string) (uint64, bool) { return 0xdeadbeef, true }

	plan := planPatches(relocs, 0x1000, namer, hooks, restoreTo)
	require.Len(t, plan, 1)
	assert.Equal(t, "malloc", plan[0].Symbol)
	assert.Equal(t, uint64(0x1010), plan[0].Addr)
	assert.Equal(t, uint64(0xdeadbeef), plan[0].Value)
}

func TestApplyPatchesWritesThroughMemoryWriter(t *testing.T) {
	hooks := NewHookSet()
	namer := func(i uint32) (string, bool) {
		if i == 1 {
			return "free", true
		}
		return "", false
	}
	tables := map[string][]Relocation{"jmprel": {{Offset: 0x8, SymIndex: 1}}}
	mem := newFakeMemory()
	restoreTo := func(symbol string) (uint64, bool) { return 0x4242, true }

	n := applyPatches(tables, 0x2000, namer, hooks, 8, restoreTo, mem)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(0x4242), mem.values[0x2008])
}

func TestHookSetLookupIsCaseSensitiveExactMatch(t *testing.T) {
	hooks := NewHookSet()
	_, ok := hooks.Lookup("malloc")
	assert.True(t, ok)
	_, ok = hooks.Lookup("Malloc")
	assert.False(t, ok)
	_, ok = hooks.Lookup("mallocx")
	assert.False(t, ok)
}
