package arena

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorGrowthScenario(t *testing.T) {
	a := NewRangeAllocator(0)

	assert.Equal(t, NotFound, a.Alloc(10))

	a.Grow(10)
	assert.Equal(t, 0, a.Alloc(10))
	assert.Equal(t, 10, a.UsedSize())

	a.Free(0, 10)
	assert.Equal(t, []Range{{0, 10}}, a.FreeRanges())
	assert.Equal(t, 0, a.UsedSize())
}

func TestAllocatorFirstFit(t *testing.T) {
	a := NewRangeAllocator(100)

	p0 := a.Alloc(10)
	p1 := a.Alloc(20)
	p2 := a.Alloc(30)
	assert.Equal(t, []int{0, 10, 30}, []int{p0, p1, p2})

	a.Free(p1, 20)
	// The hole at [10,30) is the first fit for anything up to 20 elements.
	assert.Equal(t, 10, a.Alloc(15))
	assert.Equal(t, []Range{{25, 30}, {60, 100}}, a.FreeRanges())

	// Too big for the hole, lands in the tail.
	assert.Equal(t, 60, a.Alloc(6))
}

func TestAllocatorExactFitRemovesRange(t *testing.T) {
	a := NewRangeAllocator(10)
	assert.Equal(t, 0, a.Alloc(10))
	assert.Empty(t, a.FreeRanges())
	assert.Equal(t, NotFound, a.Alloc(1))
}

func TestAllocatorFreeMerges(t *testing.T) {
	tests := []struct {
		name  string
		frees [][2]int
		want  []Range
	}{
		{"left neighbour", [][2]int{{0, 10}, {10, 10}}, []Range{{0, 20}, {40, 50}}},
		{"right neighbour", [][2]int{{20, 10}, {10, 10}}, []Range{{10, 30}, {40, 50}}},
		{"both neighbours", [][2]int{{0, 10}, {20, 10}, {10, 10}}, []Range{{0, 30}, {40, 50}}},
		{"joins tail", [][2]int{{30, 10}}, []Range{{30, 50}}},
		{"isolated", [][2]int{{10, 5}}, []Range{{10, 15}, {40, 50}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewRangeAllocator(50)
			require.Equal(t, 0, a.Alloc(40))
			for _, f := range tt.frees {
				a.Free(f[0], f[1])
			}
			assert.Equal(t, tt.want, a.FreeRanges())
			assert.NoError(t, a.Validate())
		})
	}
}

func TestAllocatorDoubleFreePanics(t *testing.T) {
	a := NewRangeAllocator(20)
	require.Equal(t, 0, a.Alloc(10))
	a.Free(0, 10)

	assert.Panics(t, func() { a.Free(5, 2) })
	assert.Panics(t, func() { a.Free(15, 10) })
}

func TestAllocatorGrowExtendsTrailingRange(t *testing.T) {
	a := NewRangeAllocator(16)
	require.Equal(t, 0, a.Alloc(8))

	a.Grow(4)
	// Growth is at least the current size once the arena has content.
	assert.Equal(t, 32, a.TotalSize())
	assert.Equal(t, []Range{{8, 32}}, a.FreeRanges())

	require.Equal(t, 8, a.Alloc(24))
	a.Grow(8)
	assert.Equal(t, []Range{{32, 64}}, a.FreeRanges())
}

func TestAllocatorRandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := NewRangeAllocator(256)

	type alloc struct{ pos, count int }
	var live []alloc

	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(live))
			a.Free(live[i].pos, live[i].count)
			live = append(live[:i], live[i+1:]...)
		} else {
			count := 1 + rng.Intn(24)
			pos := a.Alloc(count)
			if pos == NotFound {
				a.Grow(count)
				pos = a.Alloc(count)
				require.NotEqual(t, NotFound, pos, "alloc after grow must succeed")
			}
			live = append(live, alloc{pos, count})
		}

		require.NoError(t, a.Validate(), "step %d", step)

		used := 0
		for _, l := range live {
			used += l.count
		}
		require.Equal(t, used, a.UsedSize(), "step %d", step)
		require.Equal(t, a.TotalSize(), a.UsedSize()+a.FreeSize(), "step %d", step)

		free := a.FreeRanges()
		for i := 0; i+1 < len(free); i++ {
			require.Less(t, free[i].End, free[i+1].Start, "step %d", step)
		}
	}
}

func TestRangeIntersects(t *testing.T) {
	assert.True(t, Range{0, 10}.Intersects(Range{9, 12}))
	assert.False(t, Range{0, 10}.Intersects(Range{10, 12}))
	assert.False(t, Range{5, 10}.Intersects(Range{0, 5}))
	assert.Equal(t, "[3,7)", Range{3, 7}.String())
}
