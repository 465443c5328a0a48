package runstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	alive map[string]types.ServiceInstanceStatus
}

func (f *fakeSupervisor) Describe(name string) (types.ServiceInstanceStatus, bool) {
	st, ok := f.alive[name]
	return st, ok
}

func TestPutAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "run-state.json"))

	run := types.Run{ID: "r1", Status: types.RunStatusRunning}
	require.NoError(t, s.Put(run))

	got, ok := s.Get("r1")
	require.True(t, ok)
	require.Equal(t, types.RunStatusRunning, got.Status)
}

func TestPutThrottledSkipsDiskWriteWithinWindow(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "run-state.json"))

	run := types.Run{ID: "r1", Status: types.RunStatusRunning}
	wrote, err := s.PutThrottled(run)
	require.NoError(t, err)
	require.True(t, wrote)

	run.Progress.Generation = 5
	wrote, err = s.PutThrottled(run)
	require.NoError(t, err)
	require.False(t, wrote, "second write within the throttle window should be skipped")

	got, _ := s.Get("r1")
	require.Equal(t, 5, got.Progress.Generation, "in-memory state updates even when disk write is skipped")
}

func TestLoadReconcilesRunningAgainstLiveProcessTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-state.json")
	s := New(path)
	require.NoError(t, s.Put(types.Run{ID: "r1", Status: types.RunStatusRunning}))

	s2 := New(path)
	super := &fakeSupervisor{alive: map[string]types.ServiceInstanceStatus{
		"kromosynth-gRPC-r1": {Name: "kromosynth-gRPC-r1", Status: types.ServiceStatusOnline, Pid: 123},
	}}
	require.NoError(t, s2.Load(super, nil))

	got, ok := s2.Get("r1")
	require.True(t, ok)
	require.Equal(t, types.RunStatusRunning, got.Status)
}

func TestLoadStopsRunWhoseComputeProcessIsGone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-state.json")
	s := New(path)
	require.NoError(t, s.Put(types.Run{ID: "r1", Status: types.RunStatusRunning}))

	s2 := New(path)
	super := &fakeSupervisor{alive: map[string]types.ServiceInstanceStatus{}}
	require.NoError(t, s2.Load(super, nil))

	got, ok := s2.Get("r1")
	require.True(t, ok)
	require.Equal(t, types.RunStatusStopped, got.Status)
	require.WithinDuration(t, time.Now(), got.StoppedAt, 5*time.Second)
}
