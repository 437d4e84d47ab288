package tickets

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffle-engine/internal/models"
)

func TestEncodeRanges(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, EncodeRanges(nil))
		assert.Empty(t, DecodeRanges(nil))
	})

	t.Run("merges contiguous runs", func(t *testing.T) {
		got := EncodeRanges([]int{7, 0, 2, 1, 9, 8, 5})
		assert.Equal(t, []models.TicketRange{
			{Start: 0, End: 2},
			{Start: 5, End: 5},
			{Start: 7, End: 9},
		}, got)
	})

	t.Run("collapses duplicates", func(t *testing.T) {
		got := EncodeRanges([]int{3, 3, 4, 4})
		assert.Equal(t, []models.TicketRange{{Start: 3, End: 4}}, got)
	})

	t.Run("does not modify input", func(t *testing.T) {
		in := []int{3, 1, 2}
		EncodeRanges(in)
		assert.Equal(t, []int{3, 1, 2}, in)
	})
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := rng.Intn(300)
		set := make([]int, n)
		for i := range set {
			set[i] = rng.Intn(1000)
		}

		want := sortedDistinct(set)
		got := DecodeRanges(EncodeRanges(set))
		require.Equal(t, want, got, "round %d", round)

		ranges, lucky := Split(set)
		assert.Equal(t, want, Indices(ranges, lucky), "round %d", round)
		assert.Equal(t, len(want), Count(ranges, lucky), "round %d", round)
	}
}

func TestSplit(t *testing.T) {
	ranges, lucky := Split([]int{0, 1, 2, 10, 42, 43, 99})
	assert.Equal(t, []models.TicketRange{{Start: 0, End: 2}, {Start: 42, End: 43}}, ranges)
	assert.Equal(t, []int{10, 99}, lucky)

	ranges, lucky = Split([]int{5})
	assert.Empty(t, ranges)
	assert.Equal(t, []int{5}, lucky)
}

func TestContains(t *testing.T) {
	ranges := []models.TicketRange{{Start: 0, End: 2}, {Start: 10, End: 20}}
	lucky := []int{5, 30}

	for _, idx := range []int{0, 2, 5, 10, 15, 20, 30} {
		assert.True(t, Contains(ranges, lucky, idx), "index %d", idx)
	}
	for _, idx := range []int{-1, 3, 4, 6, 9, 21, 29, 31} {
		assert.False(t, Contains(ranges, lucky, idx), "index %d", idx)
	}
}

func TestCountDeduplicates(t *testing.T) {
	ranges := []models.TicketRange{{Start: 0, End: 4}}
	assert.Equal(t, 6, Count(ranges, []int{2, 8}))
}

func TestFormatDisplay(t *testing.T) {
	cases := []struct {
		total, start, index int
		want                string
	}{
		{total: 100, start: 0, index: 7, want: "07"},
		{total: 1000, start: 0, index: 7, want: "007"},
		{total: 100, start: 1, index: 99, want: "100"},
		{total: 100, start: 1, index: 0, want: "001"},
		{total: 10, start: 0, index: 9, want: "9"},
		{total: 10000000, start: 0, index: 42, want: "0000042"},
	}
	for _, tc := range cases {
		width := PadWidth(tc.total, tc.start)
		assert.Equal(t, tc.want, FormatDisplay(tc.index, tc.start, width))
	}
}

func TestClaimedSet(t *testing.T) {
	set := NewClaimedSet()
	set.AddOrder(models.Order{
		Status:       models.OrderReserved,
		TicketRanges: []models.TicketRange{{Start: 0, End: 2}},
		LuckyIndices: []int{9},
	})
	set.AddOrder(models.Order{
		Status:       models.OrderCancelled,
		TicketRanges: []models.TicketRange{{Start: 3, End: 8}},
	})
	set.AddOrder(models.Order{
		Status:       models.OrderSold,
		LuckyIndices: []int{500000},
	})

	assert.Equal(t, 5, set.Len())
	assert.Equal(t, []int{2, 9}, set.Conflicts([]int{9, 2, 3, 4, 2}))
	assert.Empty(t, set.Conflicts([]int{3, 4, 5}))
	assert.True(t, set.Has(500000))
	assert.False(t, set.Has(-1))

	got := set.Conflicts([]int{1, 0})
	assert.True(t, sort.IntsAreSorted(got))
}
