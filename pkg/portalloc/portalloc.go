package portalloc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kromosynth/run-orchestrator/pkg/metrics"
	"github.com/kromosynth/run-orchestrator/pkg/types"
)

// ErrExhausted is returned by Allocate when no free interval remains below
// the allocator's ceiling.
var ErrExhausted = errors.New("port allocator: exhausted")

const (
	defaultBase     = 50000
	defaultCeiling  = 65000
	defaultInterval = 1000
)

// Allocator hands out half-open port intervals [start, start+size) on a
// fixed grid, one interval per run, and reclaims them on Release.
type Allocator struct {
	mu           sync.Mutex
	base         int
	ceiling      int
	intervalSize int
	byRun        map[string]types.Allocation
}

// Option configures an Allocator at construction.
type Option func(*Allocator)

// WithBase overrides the lowest port the allocator will ever hand out.
func WithBase(base int) Option {
	return func(a *Allocator) { a.base = base }
}

// WithCeiling overrides the upper bound above which Allocate fails.
func WithCeiling(ceiling int) Option {
	return func(a *Allocator) { a.ceiling = ceiling }
}

// WithIntervalSize overrides the size of each allocated interval; it must
// be at least as large as the widest service-port span the resolver needs.
func WithIntervalSize(size int) Option {
	return func(a *Allocator) { a.intervalSize = size }
}

// New creates a port Allocator.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		base:         defaultBase,
		ceiling:      defaultCeiling,
		intervalSize: defaultInterval,
		byRun:        make(map[string]types.Allocation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns a fresh interval for runID, or the interval already
// held by runID if one exists.
func (a *Allocator) Allocate(runID string) (types.Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byRun[runID]; ok {
		return existing, nil
	}

	start, err := a.lowestFreeLocked()
	if err != nil {
		metrics.PortAllocationsExhausted.Inc()
		return types.Allocation{}, err
	}

	alloc := types.Allocation{RunID: runID, Start: start, Size: a.intervalSize}
	a.byRun[runID] = alloc
	metrics.PortAllocationsActive.Inc()
	return alloc, nil
}

// Release frees the interval held by runID, if any. Releasing a run with
// no allocation is a no-op.
func (a *Allocator) Release(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byRun[runID]; ok {
		delete(a.byRun, runID)
		metrics.PortAllocationsActive.Dec()
	}
}

// Lookup returns the interval held by runID, if any.
func (a *Allocator) Lookup(runID string) (types.Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byRun[runID]
	return alloc, ok
}

// ActiveCount returns the number of live allocations.
func (a *Allocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byRun)
}

// lowestFreeLocked finds the lowest-numbered grid slot not overlapping any
// live allocation. Callers must hold a.mu.
func (a *Allocator) lowestFreeLocked() (int, error) {
	occupied := make([]types.Allocation, 0, len(a.byRun))
	for _, alloc := range a.byRun {
		occupied = append(occupied, alloc)
	}
	sort.Slice(occupied, func(i, j int) bool { return occupied[i].Start < occupied[j].Start })

	candidate := a.base
	for candidate+a.intervalSize <= a.ceiling {
		probe := types.Allocation{Start: candidate, Size: a.intervalSize}
		conflict := false
		for _, o := range occupied {
			if probe.Overlaps(o) {
				conflict = true
				candidate = o.End()
				break
			}
		}
		if !conflict {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w: no interval of size %d available below %d", ErrExhausted, a.intervalSize, a.ceiling)
}
