package scheduler

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/events"
	"github.com/kromosynth/run-orchestrator/pkg/runmanager"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeRunManager struct {
	mu      sync.Mutex
	runs    map[string]types.Run
	nextSeq int
}

func newFakeRunManager() *fakeRunManager {
	return &fakeRunManager{runs: make(map[string]types.Run)}
}

func (f *fakeRunManager) StartRun(templateName string, opts runmanager.StartRunOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	id := templateName + "-run-" + time.Now().Format("150405.000000") + "-" + itoa(f.nextSeq)
	f.runs[id] = types.Run{
		ID:               id,
		TemplateName:     templateName,
		EcosystemVariant: opts.EcosystemVariant,
		AutoScheduled:    opts.AutoScheduled,
		Status:           types.RunStatusRunning,
	}
	return id, nil
}

func (f *fakeRunManager) ResumeRun(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil
	}
	run.Status = types.RunStatusRunning
	f.runs[runID] = run
	return nil
}

func (f *fakeRunManager) PauseRun(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil
	}
	run.Status = types.RunStatusPaused
	f.runs[runID] = run
	return nil
}

func (f *fakeRunManager) GetRun(runID string) (types.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	return r, ok
}

func (f *fakeRunManager) GetAllRuns() []types.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Run, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

type alwaysExists struct{}

func (alwaysExists) Exists(name string) bool { return true }

func newTestScheduler(t *testing.T, seed types.SchedulerState) (*Scheduler, *fakeRunManager, *events.Broker) {
	t.Helper()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	runs := newFakeRunManager()
	statePath := filepath.Join(t.TempDir(), "auto-run-config.json")

	s, err := Load(statePath, seed, runs, bus, alwaysExists{})
	require.NoError(t, err)
	return s, runs, bus
}

func TestEnableTemplateThenFillSlotsStartsRun(t *testing.T) {
	s, runs, _ := newTestScheduler(t, types.SchedulerState{
		MaxConcurrent: 1,
		Mode:          types.SchedulerModePriority,
		Enabled:       true,
	})

	require.NoError(t, s.EnableTemplate("demo", "default", 1, 0, alwaysExists{}))

	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		state := s.State()
		return len(state.Slots) == 1 && state.Slots[0].CurrentRunID != ""
	}, time.Second, 10*time.Millisecond)

	state := s.State()
	_, ok := runs.GetRun(state.Slots[0].CurrentRunID)
	require.True(t, ok)
}

func TestMaxConcurrentCapsActiveRuns(t *testing.T) {
	s, _, _ := newTestScheduler(t, types.SchedulerState{
		MaxConcurrent: 1,
		Mode:          types.SchedulerModePriority,
		Enabled:       true,
	})

	require.NoError(t, s.EnableTemplate("a", "default", 1, 0, alwaysExists{}))
	require.NoError(t, s.EnableTemplate("b", "default", 2, 0, alwaysExists{}))

	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		state := s.State()
		active := 0
		for _, slot := range state.Slots {
			if slot.CurrentRunID != "" {
				active++
			}
		}
		return active == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	state := s.State()
	active := 0
	for _, slot := range state.Slots {
		if slot.CurrentRunID != "" {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestFailureBackOffPausesScheduler(t *testing.T) {
	s, _, bus := newTestScheduler(t, types.SchedulerState{
		MaxConcurrent:          1,
		Mode:                   types.SchedulerModePriority,
		Enabled:                true,
		PauseOnFailure:         true,
		MaxFailuresBeforePause: 2,
	})
	s.Start()
	t.Cleanup(s.Stop)

	bus.Publish(&events.Event{Type: events.EventRunEnded, RunID: "run-a", Message: "failed"})
	bus.Publish(&events.Event{Type: events.EventRunEnded, RunID: "run-b", Message: "failed"})

	require.Eventually(t, func() bool {
		return s.State().Paused
	}, time.Second, 10*time.Millisecond)

	state := s.State()
	require.Contains(t, state.PauseReason, "failures")
}

func TestUserStopFreesSlotAndClearsTimers(t *testing.T) {
	s, runs, bus := newTestScheduler(t, types.SchedulerState{
		MaxConcurrent: 1,
		Mode:          types.SchedulerModePriority,
		Enabled:       true,
	})
	require.NoError(t, s.EnableTemplate("demo", "default", 1, 60, alwaysExists{}))
	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return s.State().Slots[0].CurrentRunID != ""
	}, time.Second, 10*time.Millisecond)
	firstRunID := s.State().Slots[0].CurrentRunID

	// A direct user stop bypasses the scheduler's own pause path; the
	// run-stopped event must still free the slot and drop its timers so
	// no time-slice-expired can fire against the stopped run.
	runs.mu.Lock()
	run := runs.runs[firstRunID]
	run.Status = types.RunStatusStopped
	runs.runs[firstRunID] = run
	runs.mu.Unlock()
	bus.Publish(&events.Event{Type: events.EventRunStopped, RunID: firstRunID})

	require.Eventually(t, func() bool {
		current := s.State().Slots[0].CurrentRunID
		return current != "" && current != firstRunID
	}, time.Second, 10*time.Millisecond)

	s.mu.Lock()
	_, warnStale := s.warningTimers["demo|default"]
	_, expiryStale := s.expiryTimers["demo|default"]
	currentRunID := s.state.Slots[0].CurrentRunID
	s.mu.Unlock()

	// The slot was refilled with a fresh run, whose timers replaced the
	// stopped run's; both maps hold exactly the new arming.
	require.True(t, warnStale)
	require.True(t, expiryStale)
	require.NotEqual(t, firstRunID, currentRunID)
}

func TestResumeSchedulingClearsPause(t *testing.T) {
	s, _, _ := newTestScheduler(t, types.SchedulerState{
		MaxConcurrent:          1,
		Enabled:                true,
		Paused:                 true,
		PauseReason:            "2 consecutive run failures",
		ConsecutiveFailures:    2,
		MaxFailuresBeforePause: 2,
		PauseOnFailure:         true,
	})
	s.Start()
	t.Cleanup(s.Stop)

	require.NoError(t, s.ResumeScheduling())
	state := s.State()
	require.False(t, state.Paused)
	require.Empty(t, state.PauseReason)
	require.Equal(t, 0, state.ConsecutiveFailures)
}

func TestDisableSchedulerClearsTimers(t *testing.T) {
	s, _, _ := newTestScheduler(t, types.SchedulerState{
		MaxConcurrent: 1,
		Enabled:       true,
	})
	require.NoError(t, s.EnableTemplate("demo", "default", 1, 60, alwaysExists{}))
	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return s.State().Slots[0].CurrentRunID != ""
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.DisableScheduler())

	s.mu.Lock()
	timerCount := len(s.warningTimers) + len(s.expiryTimers)
	s.mu.Unlock()
	require.Zero(t, timerCount)
}
