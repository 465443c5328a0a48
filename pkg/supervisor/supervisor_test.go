package supervisor

import (
	"testing"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/names"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

func shSpec(logical, runID, script string) Spec {
	return Spec{
		LogicalName: logical,
		RunID:       runID,
		Executable:  "/bin/sh",
		Args:        []string{"-c", script},
	}
}

// waitFor pulls events off sub until match returns true or the timeout
// elapses.
func waitFor(t *testing.T, sub StreamSubscriber, timeout time.Duration, match func(*StreamEvent) bool) *StreamEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				t.Fatal("stream closed before expected event")
			}
			if match(evt) {
				return evt
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream event")
		}
	}
}

func TestStartDescribeStop(t *testing.T) {
	s := New()
	defer func() { s.Stop(names.Service("variation", "run1")) }()

	require.NoError(t, s.Start(shSpec("variation", "run1", "sleep 5")))

	name := names.Service("variation", "run1")
	st, ok := s.Describe(name)
	require.True(t, ok)
	require.Equal(t, types.ServiceStatusOnline, st.Status)
	require.NotZero(t, st.Pid)

	require.NoError(t, s.Stop(name))
	require.Eventually(t, func() bool {
		st, _ := s.Describe(name)
		return st.Status == types.ServiceStatusStopped
	}, 5*time.Second, 50*time.Millisecond)
}

func TestExitEventCarriesCode(t *testing.T) {
	s := New()
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	require.NoError(t, s.Start(shSpec("render", "run1", "exit 3")))

	evt := waitFor(t, sub, 5*time.Second, func(e *StreamEvent) bool {
		return e.Category == CategoryEvent && e.Kind == LifecycleExit
	})
	require.Equal(t, names.Service("render", "run1"), evt.ProcessName)
	require.NotNil(t, evt.ExitCode)
	require.Equal(t, 3, *evt.ExitCode)
}

func TestLogLinesReachSubscribers(t *testing.T) {
	s := New()
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	require.NoError(t, s.Start(shSpec("variation", "run1", "echo generation 42")))

	evt := waitFor(t, sub, 5*time.Second, func(e *StreamEvent) bool {
		return e.Category == CategoryLog && e.Stream == "stdout"
	})
	require.Equal(t, "generation 42", evt.Line)
	require.Equal(t, names.Service("variation", "run1"), evt.ProcessName)
}

func TestListBySuffixDemultiplexesRuns(t *testing.T) {
	s := New()
	t.Cleanup(func() {
		for _, st := range s.List() {
			s.Delete(st.Name)
		}
	})

	require.NoError(t, s.Start(shSpec("variation", "runA", "sleep 5")))
	require.NoError(t, s.Start(shSpec("variation", "runB", "sleep 5")))
	require.NoError(t, s.Start(shSpec("render", "runA", "sleep 5")))

	forA := s.ListBySuffix("runA")
	require.Len(t, forA, 2)
	for _, st := range forA {
		require.True(t, names.HasSuffix(st.Name, "runA"))
	}
	require.Len(t, s.ListBySuffix("runB"), 1)
	require.Empty(t, s.ListBySuffix("runC"))
}

func TestClusterInstancesGetContiguousPorts(t *testing.T) {
	s := New()
	t.Cleanup(func() {
		for _, st := range s.List() {
			s.Delete(st.Name)
		}
	})

	spec := shSpec("variation", "run1", "sleep 5")
	spec.Instances = 3
	spec.Mode = types.ExecutionModeCluster
	spec.BasePort = 50051
	require.NoError(t, s.Start(spec))

	ports := map[int]bool{}
	for _, st := range s.ListBySuffix("run1") {
		ports[st.Port] = true
	}
	require.Equal(t, map[int]bool{50051: true, 50052: true, 50053: true}, ports)
}

func TestDeleteRemovesFromTracking(t *testing.T) {
	s := New()

	require.NoError(t, s.Start(shSpec("variation", "run1", "sleep 5")))
	name := names.Service("variation", "run1")

	require.NoError(t, s.Delete(name))
	_, ok := s.Describe(name)
	require.False(t, ok)
	require.Empty(t, s.ListBySuffix("run1"))
}

func TestRestartInPlaceKeepsProcessOnline(t *testing.T) {
	s := New()
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	name := names.Service("variation", "run1")
	t.Cleanup(func() { s.Delete(name) })

	require.NoError(t, s.Start(shSpec("variation", "run1", "sleep 30")))
	st, ok := s.Describe(name)
	require.True(t, ok)
	oldPid := st.Pid

	s.mu.Lock()
	p := s.processes[name]
	s.mu.Unlock()
	require.NotNil(t, p)

	s.restartProcess(p, "periodic")

	waitFor(t, sub, 5*time.Second, func(e *StreamEvent) bool {
		return e.Category == CategoryEvent && e.Kind == LifecycleRestart && e.ProcessName == name
	})

	st, ok = s.Describe(name)
	require.True(t, ok)
	require.Equal(t, types.ServiceStatusOnline, st.Status)
	require.NotEqual(t, oldPid, st.Pid)

	// The old incarnation's exit must not stomp the new child's status.
	time.Sleep(300 * time.Millisecond)
	st, _ = s.Describe(name)
	require.Equal(t, types.ServiceStatusOnline, st.Status)
}

func TestStatefulProcessNeverAutoRestarts(t *testing.T) {
	s := New()
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	spec := shSpec("pyribs", "run1", "exit 1")
	spec.Stateful = true
	spec.AutoRestart = true // stateful wins: must still not restart
	require.NoError(t, s.Start(spec))

	waitFor(t, sub, 5*time.Second, func(e *StreamEvent) bool {
		return e.Category == CategoryEvent && e.Kind == LifecycleExit
	})

	// No restart event may follow the exit.
	select {
	case evt := <-sub:
		if evt.Category == CategoryEvent {
			require.NotEqual(t, LifecycleRestart, evt.Kind)
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestComputeSpecIsNamedWithComputeSeparator(t *testing.T) {
	s := New()
	name := names.Compute("run1")
	t.Cleanup(func() { s.Delete(name) })

	spec := shSpec("kromosynth-gRPC", "run1", "sleep 5")
	spec.Compute = true
	require.NoError(t, s.Start(spec))

	st, ok := s.Describe(name)
	require.True(t, ok)
	require.Equal(t, types.ServiceStatusOnline, st.Status)

	id, ok := names.RunIDFromCompute(name)
	require.True(t, ok)
	require.Equal(t, "run1", id)
	require.Len(t, s.ListBySuffix("run1"), 1)
}

func TestJSONLinesRepublishAsMessages(t *testing.T) {
	s := New()
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	require.NoError(t, s.Start(shSpec("variation", "run1", `echo '{"phase":"warmup","ready":true}'`)))

	evt := waitFor(t, sub, 5*time.Second, func(e *StreamEvent) bool {
		return e.Category == CategoryMessage
	})
	require.Equal(t, "warmup", evt.Payload["phase"])
	require.Equal(t, true, evt.Payload["ready"])
}
