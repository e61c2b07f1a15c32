package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocWithinFirstBlock(t *testing.T) {
	a := New(128)
	b1 := a.Alloc(32)
	b2 := a.Alloc(32)
	require.Len(t, b1, 32)
	require.Len(t, b2, 32)
	assert.Equal(t, 128, a.TotalAllocated())
	assert.Equal(t, 64, a.TotalUsed())

	// Distinct allocations must not alias.
	b1[0] = 1
	assert.Zero(t, b2[0])
}

func TestArena_GrowsWithLinkedBlocks(t *testing.T) {
	a := New(64)
	a.Alloc(48)
	a.Alloc(48) // overflows the first block
	assert.Greater(t, a.TotalAllocated(), 64)
	assert.Equal(t, 96, a.TotalUsed())
}

func TestArena_OversizeAllocation(t *testing.T) {
	a := New(64)
	b := a.Alloc(10_000)
	assert.Len(t, b, 10_000)
}

func TestArena_ZeroSizedAllocation(t *testing.T) {
	a := New(64)
	assert.Len(t, a.Alloc(0), 0)
	assert.Panics(t, func() { a.Alloc(-1) })
}

func TestArena_CleanupsRunLIFOOnDestroy(t *testing.T) {
	a := New(64)
	var order []int
	a.RegisterCleanup(func() { order = append(order, 1) })
	a.RegisterCleanup(func() { order = append(order, 2) })
	a.RegisterCleanup(func() { order = append(order, 3) })
	a.Destroy()
	assert.Equal(t, []int{3, 2, 1}, order)

	a.Destroy() // idempotent
	assert.Equal(t, []int{3, 2, 1}, order)

	assert.Panics(t, func() { a.Alloc(1) })
	assert.Panics(t, func() { a.RegisterCleanup(func() {}) })
}

func TestArena_DefaultBlockSize(t *testing.T) {
	assert.Equal(t, defaultInitialBlockSize, New(0).TotalAllocated())
	assert.Equal(t, defaultInitialBlockSize, New(-5).TotalAllocated())
}
