// Package tickets encodes ticket selections as sorted disjoint ranges plus a
// list of lucky indices, so that an order never stores one row per ticket.
package tickets

import (
	"fmt"
	"sort"
	"strconv"

	"raffle-engine/internal/models"
)

// EncodeRanges merges indices into inclusive runs ordered by start.
// Duplicates collapse. The input slice is not modified.
func EncodeRanges(indices []int) []models.TicketRange {
	sorted := sortedDistinct(indices)
	ranges := make([]models.TicketRange, 0)
	for _, idx := range sorted {
		if n := len(ranges); n > 0 && ranges[n-1].End+1 == idx {
			ranges[n-1].End = idx
			continue
		}
		ranges = append(ranges, models.TicketRange{Start: idx, End: idx})
	}
	return ranges
}

// DecodeRanges expands ranges back into sorted distinct indices.
func DecodeRanges(ranges []models.TicketRange) []int {
	total := 0
	for _, r := range ranges {
		if r.End >= r.Start {
			total += r.Len()
		}
	}
	out := make([]int, 0, total)
	for _, r := range ranges {
		for i := r.Start; i <= r.End; i++ {
			out = append(out, i)
		}
	}
	return sortedDistinct(out)
}

// Split encodes a selection for storage. Contiguous runs become ranges and
// isolated picks go to the lucky list, which keeps sparse "lucky number"
// selections from degrading into one single-element range per ticket.
func Split(indices []int) (ranges []models.TicketRange, lucky []int) {
	ranges = make([]models.TicketRange, 0)
	lucky = make([]int, 0)
	for _, r := range EncodeRanges(indices) {
		if r.Start == r.End {
			lucky = append(lucky, r.Start)
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges, lucky
}

// Indices returns every index an order claims, sorted.
func Indices(ranges []models.TicketRange, lucky []int) []int {
	all := DecodeRanges(ranges)
	all = append(all, lucky...)
	return sortedDistinct(all)
}

// Count returns the number of distinct indices held by ranges and lucky
// indices together.
func Count(ranges []models.TicketRange, lucky []int) int {
	set := NewClaimedSet()
	set.Add(ranges, lucky)
	return set.Len()
}

// Contains reports whether index is covered by ranges or lucky.
func Contains(ranges []models.TicketRange, lucky []int, index int) bool {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End >= index })
	if i < len(ranges) && ranges[i].Start <= index {
		return true
	}
	for _, l := range lucky {
		if l == index {
			return true
		}
	}
	return false
}

// PadWidth is the digit count of the largest display number in a pool.
func PadWidth(totalTickets, numberingStart int) int {
	last := totalTickets + numberingStart - 1
	if last < 0 {
		last = 0
	}
	return len(strconv.Itoa(last))
}

// FormatDisplay renders index as the buyer-facing ticket number. It is used
// for rendering only and never for storage or comparison.
func FormatDisplay(index, numberingStart, padWidth int) string {
	return fmt.Sprintf("%0*d", padWidth, index+numberingStart)
}

func sortedDistinct(indices []int) []int {
	out := make([]int, len(indices))
	copy(out, indices)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i > 0 && v == out[n-1] {
			continue
		}
		out[n] = v
		n++
	}
	return out[:n]
}
