package servicemgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/names"
	"github.com/kromosynth/run-orchestrator/pkg/supervisor"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeAllocator struct {
	mu        sync.Mutex
	allocs    map[string]types.Allocation
	failAlloc bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{allocs: make(map[string]types.Allocation)}
}

func (f *fakeAllocator) Allocate(runID string) (types.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAlloc {
		return types.Allocation{}, errExhausted
	}
	a := types.Allocation{RunID: runID, Start: 50000, Size: 1000}
	f.allocs[runID] = a
	return a, nil
}

func (f *fakeAllocator) Release(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.allocs, runID)
}

var errExhausted = &allocError{}

type allocError struct{}

func (*allocError) Error() string { return "exhausted" }

// fakeSupervisor immediately marks everything started as online, unless
// configured to fail a specific logical kind.
type fakeSupervisor struct {
	mu       sync.Mutex
	online   map[string]types.ServiceInstanceStatus
	failKind string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{online: make(map[string]types.ServiceInstanceStatus)}
}

func (f *fakeSupervisor) Start(spec supervisor.Spec) error {
	if spec.LogicalName == f.failKind {
		return &allocError{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := names.Service(spec.LogicalName, spec.RunID)
	f.online[name] = types.ServiceInstanceStatus{Name: name, Status: types.ServiceStatusOnline}
	return nil
}

func (f *fakeSupervisor) Stop(name string) error { return f.Delete(name) }

func (f *fakeSupervisor) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.online, name)
	return nil
}

func (f *fakeSupervisor) ListBySuffix(runID string) []types.ServiceInstanceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ServiceInstanceStatus
	for _, st := range f.online {
		if names.HasSuffix(st.Name, runID) {
			out = append(out, st)
		}
	}
	return out
}

func testTemplate() *types.Template {
	return &types.Template{
		Name: "T",
		Variants: map[string]types.EcosystemVariant{
			"default": {
				Services: []types.ServiceDefinition{
					{Kind: types.ServiceKindVariation, Instances: 1},
					{Kind: types.ServiceKindRender, Instances: 1},
				},
			},
		},
	}
}

func TestStartServicesForRunSuccess(t *testing.T) {
	alloc := newFakeAllocator()
	super := newFakeSupervisor()
	m := New(alloc, super)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	info, err := m.StartServicesForRun(ctx, "run-1", testTemplate(), "default", StartOpts{})
	require.NoError(t, err)
	require.Equal(t, 50000, info.Allocation.Start)
	require.Len(t, info.Instances, 2)
}

func TestStartServicesForRunUnwindsOnFailure(t *testing.T) {
	alloc := newFakeAllocator()
	super := newFakeSupervisor()
	super.failKind = string(types.ServiceKindRender)
	m := New(alloc, super)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := m.StartServicesForRun(ctx, "run-1", testTemplate(), "default", StartOpts{})
	require.Error(t, err)

	require.Empty(t, super.ListBySuffix("run-1"))
	_, stillAllocated := alloc.allocs["run-1"]
	require.False(t, stillAllocated)
}

func TestStopServicesForRunReleasesPort(t *testing.T) {
	alloc := newFakeAllocator()
	super := newFakeSupervisor()
	m := New(alloc, super)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.StartServicesForRun(ctx, "run-1", testTemplate(), "default", StartOpts{})
	require.NoError(t, err)

	m.StopServicesForRun("run-1")
	require.Empty(t, super.ListBySuffix("run-1"))
	_, stillAllocated := alloc.allocs["run-1"]
	require.False(t, stillAllocated)
}
