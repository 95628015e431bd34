package nativeresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/memmap"
)

type countingSymbolizer struct {
	calls int
}

func (c *countingSymbolizer) Resolve(imagePath string, loadAddress, ip uint64) ([]ResolvedFrame, error) {
	c.calls++
	return []ResolvedFrame{{Function: "f", File: "f.py", Line: 1}}, nil
}

func TestCacheDeduplicatesByIPAndGeneration(t *testing.T) {
	sym := &countingSymbolizer{}
	cache, err := NewCache(sym, 16)
	require.NoError(t, err)

	frames1 := cache.Resolve("/bin/x", 0, 100, memmap.Generation(0))
	frames2 := cache.Resolve("/bin/x", 0, 100, memmap.Generation(0))
	assert.Equal(t, frames1, frames2)
	assert.Equal(t, 1, sym.calls)

	// A different generation must resolve again.
	cache.Resolve("/bin/x", 0, 100, memmap.Generation(1))
	assert.Equal(t, 2, sym.calls)
}

type failingSymbolizer struct{}

func (failingSymbolizer) Resolve(imagePath string, loadAddress, ip uint64) ([]ResolvedFrame, error) {
	return nil, assertErr{}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestUnresolvableIPYieldsUnknownFrame(t *testing.T) {
	cache, err := NewCache(failingSymbolizer{}, 4)
	require.NoError(t, err)
	frames := cache.Resolve("/bin/x", 0, 1, memmap.Generation(0))
	assert.Equal(t, []ResolvedFrame{Unknown}, frames)
}
