package portalloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateDisjointIntervals(t *testing.T) {
	a := New(WithBase(50000), WithIntervalSize(1000))

	run1, err := a.Allocate("run-1")
	require.NoError(t, err)
	require.Equal(t, 50000, run1.Start)

	run2, err := a.Allocate("run-2")
	require.NoError(t, err)
	require.Equal(t, 51000, run2.Start)

	require.False(t, run1.Overlaps(run2))
}

func TestAllocateIsIdempotentPerRun(t *testing.T) {
	a := New()
	first, err := a.Allocate("run-1")
	require.NoError(t, err)

	second, err := a.Allocate("run-1")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, a.ActiveCount())
}

func TestReleaseReusesLowestInterval(t *testing.T) {
	a := New(WithBase(50000), WithIntervalSize(1000))

	_, err := a.Allocate("run-1")
	require.NoError(t, err)
	_, err = a.Allocate("run-2")
	require.NoError(t, err)

	a.Release("run-1")

	run3, err := a.Allocate("run-3")
	require.NoError(t, err)
	require.Equal(t, 50000, run3.Start)
}

func TestAllocateExhausted(t *testing.T) {
	a := New(WithBase(50000), WithCeiling(52000), WithIntervalSize(1000))

	_, err := a.Allocate("run-1")
	require.NoError(t, err)
	_, err = a.Allocate("run-2")
	require.NoError(t, err)

	_, err = a.Allocate("run-3")
	require.ErrorIs(t, err, ErrExhausted)
}

// TestNoOverlapUnderConcurrentAllocation is a lightweight stand-in for
// property P1: no two live allocations may ever overlap, regardless of the
// order allocate/release calls interleave in.
func TestNoOverlapUnderConcurrentAllocation(t *testing.T) {
	a := New(WithBase(50000), WithIntervalSize(1000))

	live := make(map[string]bool)

	runIDs := []string{"r1", "r2", "r3", "r4", "r5"}
	var wg sync.WaitGroup
	errs := make(chan error, len(runIDs))
	for _, id := range runIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := a.Allocate(id)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for _, id := range runIDs {
		live[id] = true
	}
	a.Release("r2")
	delete(live, "r2")
	_, err := a.Allocate("r6")
	require.NoError(t, err)
	live["r6"] = true

	seen := make([]struct{ start, end int }, 0, len(live))
	for id := range live {
		alloc, ok := a.Lookup(id)
		require.True(t, ok)
		for _, s := range seen {
			require.False(t, alloc.Start < s.end && s.start < alloc.End(), "allocation for %s overlaps another", id)
		}
		seen = append(seen, struct{ start, end int }{alloc.Start, alloc.End()})
	}
}
