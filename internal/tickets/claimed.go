package tickets

import (
	"github.com/RoaringBitmap/roaring"

	"raffle-engine/internal/models"
)

// ClaimedSet is the set of indices held by live orders of one raffle. It is
// built from ranges, so its cost follows the number of orders rather than the
// pool size.
type ClaimedSet struct {
	bm *roaring.Bitmap
}

func NewClaimedSet() *ClaimedSet {
	return &ClaimedSet{bm: roaring.New()}
}

// Add marks every index of one order as claimed.
func (c *ClaimedSet) Add(ranges []models.TicketRange, lucky []int) {
	for _, r := range ranges {
		if r.Start < 0 || r.End < r.Start {
			continue
		}
		c.bm.AddRange(uint64(r.Start), uint64(r.End)+1)
	}
	for _, l := range lucky {
		if l >= 0 {
			c.bm.Add(uint32(l))
		}
	}
}

// AddOrder marks an order's indices as claimed when its status holds them.
func (c *ClaimedSet) AddOrder(o models.Order) {
	if !o.Claims() {
		return
	}
	c.Add(o.TicketRanges, o.LuckyIndices)
}

// Has reports whether index is claimed.
func (c *ClaimedSet) Has(index int) bool {
	if index < 0 {
		return false
	}
	return c.bm.Contains(uint32(index))
}

// Conflicts returns the requested indices already claimed, sorted and
// without duplicates.
func (c *ClaimedSet) Conflicts(requested []int) []int {
	conflicts := make([]int, 0)
	for _, idx := range sortedDistinct(requested) {
		if c.Has(idx) {
			conflicts = append(conflicts, idx)
		}
	}
	return conflicts
}

// Len is the number of distinct claimed indices.
func (c *ClaimedSet) Len() int {
	return int(c.bm.GetCardinality())
}
