package partition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvenPartitionCoversRangeWithoutOverlap(t *testing.T) {
	got := Even(300, []string{"1", "2"})
	require.Equal(t, Range{Start: 1, End: 150}, got["1"])
	require.Equal(t, Range{Start: 151, End: 300}, got["2"])
}

func TestEvenPartitionS2ThreeWorkers(t *testing.T) {
	got := Even(300, []string{"1", "2", "3"})
	require.Equal(t, Range{Start: 1, End: 100}, got["1"])
	require.Equal(t, Range{Start: 101, End: 200}, got["2"])
	require.Equal(t, Range{Start: 201, End: 300}, got["3"])
}

func TestEvenPartitionS3SurvivorsAfterDeath(t *testing.T) {
	got := Even(300, []string{"1", "3"})
	require.Equal(t, Range{Start: 1, End: 150}, got["1"])
	require.Equal(t, Range{Start: 151, End: 300}, got["3"])
}

func TestEvenPartitionAdjacencyInvariant(t *testing.T) {
	ids := []string{"5", "1", "3", "2", "4"}
	got := Even(301, ids)

	sorted := []string{"1", "2", "3", "4", "5"}
	for i := 0; i < len(sorted)-1; i++ {
		cur := got[sorted[i]]
		next := got[sorted[i+1]]
		require.Equal(t, next.Start, cur.End+1, "ranges must be adjacent with no gap or overlap")
	}
	require.Equal(t, 1, got[sorted[0]].Start)
	require.Equal(t, 301, got[sorted[len(sorted)-1]].End)
}

func TestEvenPartitionNumericIDOrdering(t *testing.T) {
	// Lexicographic ordering would put "10" before "2"; numeric must not.
	got := Even(110, []string{"10", "2"})
	require.Equal(t, Range{Start: 1, End: 55}, got["2"])
	require.Equal(t, Range{Start: 56, End: 110}, got["10"])
}

func TestEvenPartitionEmptyInputs(t *testing.T) {
	require.Empty(t, Even(0, []string{"1"}))
	require.Empty(t, Even(100, nil))
}

func TestRotationS4Cycle(t *testing.T) {
	ids := []string{"1", "2"}
	state := RotationState{}

	id, r, state, ok := NextAssignment(state, ids, 120, 50)
	require.True(t, ok)
	require.Equal(t, "1", id)
	require.Equal(t, Range{Start: 1, End: 50}, r)

	id, r, state, ok = NextAssignment(state, ids, 120, 50)
	require.True(t, ok)
	require.Equal(t, "2", id)
	require.Equal(t, Range{Start: 51, End: 100}, r)

	id, r, state, ok = NextAssignment(state, ids, 120, 50)
	require.True(t, ok)
	require.Equal(t, "1", id)
	require.Equal(t, Range{Start: 101, End: 120}, r)

	require.True(t, CycleComplete(state, 120))
}

func TestRotationMonotonicWithinCycle(t *testing.T) {
	ids := []string{"1", "2", "3"}
	state := RotationState{}
	prevEnd := 0
	for i := 0; i < 10; i++ {
		_, r, next, ok := NextAssignment(state, ids, 1000, 50)
		if !ok {
			break
		}
		require.Equal(t, prevEnd+1, r.Start)
		require.LessOrEqual(t, r.End-r.Start+1, 50)
		require.GreaterOrEqual(t, next.LastAssignedPage, state.LastAssignedPage)
		prevEnd = r.End
		state = next
	}
}

func TestRotationStopsAtTotalPages(t *testing.T) {
	ids := []string{"1"}
	state := RotationState{LastAssignedPage: 100}
	_, _, _, ok := NextAssignment(state, ids, 100, 50)
	require.False(t, ok)
	require.True(t, CycleComplete(state, 100))
}

func TestRotationIndexRebound(t *testing.T) {
	// If a worker disappears mid-cycle, index must rebind modulo the
	// current live worker count rather than panic or skip.
	state := RotationState{Index: 5, LastAssignedPage: 0}
	id, _, _, ok := NextAssignment(state, []string{"1", "2"}, 100, 50)
	require.True(t, ok)
	require.Equal(t, "2", id) // 5 % 2 == 1 -> ids[1]
}
