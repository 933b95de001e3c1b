// Package partition contains the pure page-range math behind the
// Manager's two assignment modes (spec §4.3): even distribution across all
// live General workers, and round-robin rotation in fixed-size chunks.
// Keeping this arithmetic free of coordinator I/O makes it exhaustively
// unit-testable against the invariants in spec §8 properties 3-4.
package partition

import (
	"sort"
	"strconv"
)

// Range is an inclusive page-number window. Its JSON form {start,end} is
// the wire shape of the general/<id>/pages coordinator value.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Empty reports whether the range contains no pages.
func (r Range) Empty() bool { return r.End < r.Start }

// Len returns the number of pages covered by the range.
func (r Range) Len() int {
	if r.Empty() {
		return 0
	}
	return r.End - r.Start + 1
}

// Even partitions [1..totalPages] across ids (which must already be the
// live worker ids in deterministic ascending order) using
// ceil(totalPages/len(ids)) pages per worker, assigning the tail to the
// last worker. Adjacency holds: End(i)+1 == Start(i+1) for consecutive
// workers, and the union covers [1..totalPages] exactly once.
func Even(totalPages int, ids []string) map[string]Range {
	out := make(map[string]Range, len(ids))
	if totalPages <= 0 || len(ids) == 0 {
		return out
	}
	n := len(ids)
	chunk := ceilDiv(totalPages, n)

	start := 1
	for _, id := range sortedCopy(ids) {
		if start > totalPages {
			out[id] = Range{Start: start, End: start - 1} // empty tail range
			continue
		}
		end := start + chunk - 1
		if end > totalPages {
			end = totalPages
		}
		out[id] = Range{Start: start, End: end}
		start = end + 1
	}
	return out
}

// RotationState is the Manager's persisted round-robin cursor (spec §3
// rotation/index, rotation/lastAssignedPage).
type RotationState struct {
	Index            int
	LastAssignedPage int
}

// NextAssignment computes the next rotation-mode assignment: the worker id
// at state.Index (rebounding modulo the live worker count) receives pages
// [lastAssignedPage+1 .. min(lastAssignedPage+batchSize, totalPages)]. The
// caller is responsible for writing the resulting Range, clearing that
// worker's complete flag, and persisting the advanced RotationState.
//
// ids must be sorted ascending (deterministic ordering, spec §4.3).
func NextAssignment(state RotationState, ids []string, totalPages, batchSize int) (id string, r Range, next RotationState, ok bool) {
	if len(ids) == 0 || totalPages <= 0 || batchSize <= 0 {
		return "", Range{}, state, false
	}
	if state.LastAssignedPage >= totalPages {
		return "", Range{}, state, false
	}

	idx := state.Index % len(ids)
	if idx < 0 {
		idx = 0
	}
	id = ids[idx]

	start := state.LastAssignedPage + 1
	end := start + batchSize - 1
	if end > totalPages {
		end = totalPages
	}
	r = Range{Start: start, End: end}

	next = RotationState{
		Index:            idx + 1,
		LastAssignedPage: end,
	}
	return id, r, next, true
}

// CycleComplete reports whether a rotation-mode cycle has covered every
// page and should be reset to a clean slate (spec §4.3).
func CycleComplete(state RotationState, totalPages int) bool {
	return totalPages > 0 && state.LastAssignedPage >= totalPages
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// sortedCopy orders worker ids numerically ascending (ids are decimal
// strings like "1", "2", "10"; a lexicographic sort would misorder them).
// Ids that fail to parse sort after all numeric ids, in their original
// relative order, rather than panicking on malformed input.
func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		ni, erri := strconv.Atoi(out[i])
		nj, errj := strconv.Atoi(out[j])
		switch {
		case erri != nil && errj != nil:
			return false
		case erri != nil:
			return false
		case errj != nil:
			return true
		default:
			return ni < nj
		}
	})
	return out
}
