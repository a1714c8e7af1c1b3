// Package gap finds holes in a received sequence space and merges repaired
// packets into one ordered, duplicate-free collection.
package gap

import (
	"slices"

	"github.com/danmuck/abxfeed/internal/protocol/wire"
)

// Missing returns every sequence strictly between adjacent received
// sequences, ascending. Duplicates are adjacent with zero gap.
func Missing(packets []wire.Packet) []int32 {
	if len(packets) < 2 {
		return nil
	}
	seqs := sortedSequences(packets)
	var missing []int32
	for i := 0; i+1 < len(seqs); i++ {
		// int64 so MaxInt32 does not wrap.
		for s := int64(seqs[i]) + 1; s < int64(seqs[i+1]); s++ {
			missing = append(missing, int32(s))
		}
	}
	return missing
}

// Count returns len(Missing(packets)) without building the list, so callers
// can bound a repair before allocating it.
func Count(packets []wire.Packet) int64 {
	if len(packets) < 2 {
		return 0
	}
	seqs := sortedSequences(packets)
	var n int64
	for i := 0; i+1 < len(seqs); i++ {
		if d := int64(seqs[i+1]) - int64(seqs[i]) - 1; d > 0 {
			n += d
		}
	}
	return n
}

// Merge returns packets unique by sequence in ascending order. When a
// sequence repeats, the later element of the input wins.
func Merge(packets []wire.Packet) []wire.Packet {
	latest := make(map[int32]wire.Packet, len(packets))
	for _, p := range packets {
		latest[p.Sequence] = p
	}
	out := make([]wire.Packet, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b wire.Packet) int {
		return compareSeq(a.Sequence, b.Sequence)
	})
	return out
}

// Span reports the lowest and highest sequence seen.
func Span(packets []wire.Packet) (lo, hi int32, ok bool) {
	if len(packets) == 0 {
		return 0, 0, false
	}
	lo, hi = packets[0].Sequence, packets[0].Sequence
	for _, p := range packets[1:] {
		lo = min(lo, p.Sequence)
		hi = max(hi, p.Sequence)
	}
	return lo, hi, true
}

// Complete reports whether packets hold exactly one entry per sequence in
// their span.
func Complete(packets []wire.Packet) bool {
	lo, hi, ok := Span(packets)
	if !ok {
		return true
	}
	return int64(hi)-int64(lo)+1 == int64(len(packets)) && Count(packets) == 0
}

func sortedSequences(packets []wire.Packet) []int32 {
	seqs := make([]int32, len(packets))
	for i, p := range packets {
		seqs[i] = p.Sequence
	}
	slices.Sort(seqs)
	return seqs
}

func compareSeq(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
