package runmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/events"
	"github.com/kromosynth/run-orchestrator/pkg/names"
	"github.com/kromosynth/run-orchestrator/pkg/servicemgr"
	"github.com/kromosynth/run-orchestrator/pkg/supervisor"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeServiceManager struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeServiceManager) StartServicesForRun(ctx context.Context, runID string, tmpl *types.Template, variant string, opts servicemgr.StartOpts) (*types.ServiceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, runID)
	return &types.ServiceInfo{ServiceURLs: map[types.ServiceKind][]string{}}, nil
}

func (f *fakeServiceManager) StopServicesForRun(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runID)
}

type fakeSupervisor struct {
	mu      sync.Mutex
	started []string
	stopped []string
	sub     supervisor.StreamSubscriber
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{sub: make(supervisor.StreamSubscriber, 16)}
}

func (f *fakeSupervisor) Start(spec supervisor.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, spec.RunID)
	return nil
}

func (f *fakeSupervisor) Stop(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeSupervisor) Describe(name string) (types.ServiceInstanceStatus, bool) {
	return types.ServiceInstanceStatus{Name: name, Status: types.ServiceStatusOnline}, true
}

func (f *fakeSupervisor) Subscribe() supervisor.StreamSubscriber { return f.sub }

func (f *fakeSupervisor) Unsubscribe(sub supervisor.StreamSubscriber) {}

type fakeStore struct {
	mu   sync.Mutex
	runs map[string]types.Run
}

func newFakeStore() *fakeStore { return &fakeStore{runs: make(map[string]types.Run)} }

func (s *fakeStore) Get(id string) (types.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

func (s *fakeStore) All() []types.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out
}

func (s *fakeStore) Put(run types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) PutThrottled(run types.Run) (bool, error) {
	return true, s.Put(run)
}

type fakeTemplateLoader struct{ tmpl *types.Template }

func (f *fakeTemplateLoader) Load(name string) (*types.Template, error) {
	return f.tmpl, nil
}

type fakeEventPublisher struct {
	mu   sync.Mutex
	evts []*events.Event
}

func (f *fakeEventPublisher) Publish(evt *events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evts = append(f.evts, evt)
}

type fakeSyncRegistrar struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	triggered    []string
}

func (f *fakeSyncRegistrar) Register(runID, templateName, variant string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, runID)
}

func (f *fakeSyncRegistrar) Unregister(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, runID)
}

func (f *fakeSyncRegistrar) TriggerSync(runID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, runID)
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeSupervisor, *fakeSyncRegistrar) {
	t.Helper()
	store := newFakeStore()
	svc := &fakeServiceManager{}
	super := newFakeSupervisor()
	tmpl := &types.Template{
		Name:             "demo",
		ComputeRunConfig: types.RunConfig{NumberOfEvals: 100, BatchSize: 10},
		Variants:         map[string]types.EcosystemVariant{"default": {Name: "default"}},
	}
	loader := &fakeTemplateLoader{tmpl: tmpl}
	pub := &fakeEventPublisher{}
	syncReg := &fakeSyncRegistrar{}
	compute := ComputeExecutable{Executable: "node", Args: []string{"index.js"}}

	m := New(store, svc, super, loader, pub, syncReg, compute, Paths{WorkingRoot: t.TempDir(), LogsRoot: t.TempDir()})
	t.Cleanup(m.Stop)
	return m, store, super, syncReg
}

func TestStartRunBringsUpAndPersistsRunning(t *testing.T) {
	m, store, _, syncReg := newTestManager(t)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, ok := store.Get(runID)
	require.True(t, ok)
	require.Equal(t, types.RunStatusRunning, run.Status)
	require.Equal(t, 10, run.Progress.TotalGenerations)
	require.NotEmpty(t, run.ComputeProcessName)
	require.NotEmpty(t, run.ComputeConfigPath)

	syncReg.mu.Lock()
	require.Contains(t, syncReg.registered, runID)
	syncReg.mu.Unlock()
}

func TestStopRunTransitionsToStoppedAndClearsSchedulerPause(t *testing.T) {
	m, store, _, syncReg := newTestManager(t)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)

	require.NoError(t, m.PauseRun(runID))
	run, _ := store.Get(runID)
	require.True(t, run.PausedByScheduler)

	require.NoError(t, m.StopRun(runID))
	run, ok := store.Get(runID)
	require.True(t, ok)
	require.Equal(t, types.RunStatusStopped, run.Status)
	require.False(t, run.PausedByScheduler)

	syncReg.mu.Lock()
	require.Contains(t, syncReg.unregistered, runID)
	syncReg.mu.Unlock()
}

func TestPauseThenResumeReturnsToRunning(t *testing.T) {
	m, store, _, _ := newTestManager(t)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)

	require.NoError(t, m.PauseRun(runID))
	run, _ := store.Get(runID)
	require.Equal(t, types.RunStatusPaused, run.Status)

	require.NoError(t, m.ResumeRun(runID))
	run, ok := store.Get(runID)
	require.True(t, ok)
	require.Equal(t, types.RunStatusRunning, run.Status)
	require.False(t, run.PausedByScheduler)
}

func TestResumeRejectsIllegalStatus(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)

	err = m.ResumeRun(runID)
	require.Error(t, err)
}

func TestComputeLogUpdatesProgressMonotonically(t *testing.T) {
	m, store, super, _ := newTestManager(t)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)

	processName := names.Compute(runID)
	super.sub <- &supervisor.StreamEvent{Category: supervisor.CategoryLog, ProcessName: processName, Line: "evolution-runner: generation 5 complete"}

	require.Eventually(t, func() bool {
		run, _ := store.Get(runID)
		return run.Progress.Generation == 5
	}, time.Second, 10*time.Millisecond)

	// A lower generation number must not regress the stored value.
	super.sub <- &supervisor.StreamEvent{Category: supervisor.CategoryLog, ProcessName: processName, Line: "evolution-runner: generation 2 complete"}
	time.Sleep(50 * time.Millisecond)
	run, _ := store.Get(runID)
	require.Equal(t, 5, run.Progress.Generation)
}

func TestComputeExitMarksRunTerminatedOnZeroCode(t *testing.T) {
	m, store, super, syncReg := newTestManager(t)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)

	processName := names.Compute(runID)
	code := 0
	super.sub <- &supervisor.StreamEvent{Category: supervisor.CategoryEvent, Kind: supervisor.LifecycleExit, ProcessName: processName, ExitCode: &code}

	require.Eventually(t, func() bool {
		run, _ := store.Get(runID)
		return run.Status == types.RunStatusTerminated
	}, time.Second, 10*time.Millisecond)

	syncReg.mu.Lock()
	require.Contains(t, syncReg.triggered, runID)
	syncReg.mu.Unlock()
}

func TestComputeExitMarksRunFailedOnNonZeroCode(t *testing.T) {
	m, store, super, _ := newTestManager(t)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)

	processName := names.Compute(runID)
	code := 1
	super.sub <- &supervisor.StreamEvent{Category: supervisor.CategoryEvent, Kind: supervisor.LifecycleExit, ProcessName: processName, ExitCode: &code}

	require.Eventually(t, func() bool {
		run, _ := store.Get(runID)
		return run.Status == types.RunStatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestComputeTotalGenerationsFallsBackToMaxGenerations(t *testing.T) {
	cfg := types.RunConfig{MaxGenerations: 77}
	require.Equal(t, 77, ComputeTotalGenerations(cfg))

	cfg = types.RunConfig{NumberOfEvals: 101, BatchSize: 10}
	require.Equal(t, 11, ComputeTotalGenerations(cfg))
}

func TestComputeLogIsForwardedAsRunLogEvent(t *testing.T) {
	m, _, super, _ := newTestManager(t)
	pub := m.publisher.(*fakeEventPublisher)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)

	processName := names.Compute(runID)
	super.sub <- &supervisor.StreamEvent{Category: supervisor.CategoryLog, ProcessName: processName, Stream: "stdout", Line: "warming up"}

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		for _, e := range pub.evts {
			if e.Type == events.EventRunLog && e.RunID == runID && e.Message == "warming up" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRunEndedEventCarriesExitCode(t *testing.T) {
	m, _, super, _ := newTestManager(t)
	pub := m.publisher.(*fakeEventPublisher)

	runID, err := m.StartRun("demo", StartRunOptions{})
	require.NoError(t, err)

	code := 7
	super.sub <- &supervisor.StreamEvent{Category: supervisor.CategoryEvent, Kind: supervisor.LifecycleExit, ProcessName: names.Compute(runID), ExitCode: &code}

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		for _, e := range pub.evts {
			if e.Type == events.EventRunEnded && e.RunID == runID {
				return e.Message == "failed" && e.Metadata["exitCode"] == "7"
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
