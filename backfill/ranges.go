package backfill

import (
	"slices"

	"github.com/meow-io/go-meshsync/gaps"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/mesh"
)

// Coalesce merges overlapping and adjacent ranges, returning them in ascending order.
func Coalesce(ranges []gaps.Range) []gaps.Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b gaps.Range) int {
		switch {
		case a.From < b.From:
			return -1
		case a.From > b.From:
			return 1
		}
		return 0
	})
	out := []gaps.Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.From <= last.To+1 {
			last.To = max(last.To, r.To)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Split cuts r into consecutive ranges of at most size sequences.
func Split(r gaps.Range, size uint64) []gaps.Range {
	if size == 0 {
		return []gaps.Range{r}
	}
	var out []gaps.Range
	for from := r.From; from <= r.To; from += size {
		out = append(out, gaps.Range{From: from, To: min(r.To, from+size-1)})
		if from+size < from {
			break
		}
	}
	return out
}

// Subtract returns the parts of r not covered by any of cut.
func Subtract(r gaps.Range, cut []gaps.Range) []gaps.Range {
	out := []gaps.Range{r}
	for _, c := range cut {
		var next []gaps.Range
		for _, p := range out {
			if c.To < p.From || c.From > p.To {
				next = append(next, p)
				continue
			}
			if c.From > p.From {
				next = append(next, gaps.Range{From: p.From, To: c.From - 1})
			}
			if c.To < p.To {
				next = append(next, gaps.Range{From: c.To + 1, To: p.To})
			}
		}
		out = next
	}
	return out
}

// Intersect returns the parts of r covered by ranges.
func Intersect(r gaps.Range, ranges []gaps.Range) []gaps.Range {
	var out []gaps.Range
	for _, o := range ranges {
		from, to := max(r.From, o.From), min(r.To, o.To)
		if from <= to {
			out = append(out, gaps.Range{From: from, To: to})
		}
	}
	return out
}

// SelectPeer picks who to ask for a range of sender's stream. The sender itself is the authoritative source
// and is preferred when reachable. Otherwise the member reachable for longest wins, ties going to the
// lexicographically smallest id. Peers in tried and self are never picked.
func SelectPeer(candidates []mesh.Candidate, self, sender ids.ID, tried map[ids.ID]bool) (ids.ID, bool) {
	sorted := slices.Clone(candidates)
	mesh.SortCandidates(sorted)
	for _, c := range sorted {
		if c.ID == sender && c.ID != self && !tried[c.ID] {
			return c.ID, true
		}
	}
	for _, c := range sorted {
		if c.ID != self && !tried[c.ID] {
			return c.ID, true
		}
	}
	return ids.Zero, false
}
