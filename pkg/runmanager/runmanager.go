package runmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kromosynth/run-orchestrator/pkg/events"
	"github.com/kromosynth/run-orchestrator/pkg/log"
	"github.com/kromosynth/run-orchestrator/pkg/metrics"
	"github.com/kromosynth/run-orchestrator/pkg/names"
	"github.com/kromosynth/run-orchestrator/pkg/resolver"
	"github.com/kromosynth/run-orchestrator/pkg/servicemgr"
	"github.com/kromosynth/run-orchestrator/pkg/supervisor"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// ServiceManager is the subset of pkg/servicemgr.Manager this package
// needs to bring a run's auxiliary services up and down.
type ServiceManager interface {
	StartServicesForRun(ctx context.Context, runID string, tmpl *types.Template, variant string, opts servicemgr.StartOpts) (*types.ServiceInfo, error)
	StopServicesForRun(runID string)
}

// Supervisor is the subset of pkg/supervisor.Supervisor this package
// needs to spawn and track the compute process itself.
type Supervisor interface {
	Start(spec supervisor.Spec) error
	Stop(name string) error
	Describe(name string) (types.ServiceInstanceStatus, bool)
	Subscribe() supervisor.StreamSubscriber
	Unsubscribe(sub supervisor.StreamSubscriber)
}

// Store is the subset of pkg/runstore.Store this package needs.
type Store interface {
	Get(id string) (types.Run, bool)
	All() []types.Run
	Put(run types.Run) error
	PutThrottled(run types.Run) (bool, error)
}

// TemplateLoader is the subset of pkg/templates.Loader this package
// needs.
type TemplateLoader interface {
	Load(name string) (*types.Template, error)
}

// EventPublisher is the subset of pkg/events.Broker this package needs.
type EventPublisher interface {
	Publish(event *events.Event)
}

// SyncRegistrar lets the Sync Manager track which runs exist without the
// Run Manager importing pkg/syncmgr directly. Callers check m.syncReg
// != nil before calling any of its methods, so a Manager built without
// one simply never syncs.
type SyncRegistrar interface {
	Register(runID, templateName, variant string)
	Unregister(runID string)
	// TriggerSync runs one synchronous sync cycle. reason is one of
	// "pause", "stop", "ended", or "manual"; the Sync Manager may skip
	// pause/stop triggers per its own configuration.
	TriggerSync(runID, reason string)
}

// ComputeExecutable names the fixed entry point the compute process is
// launched with; templates only ever parameterize its arguments through
// the working-config files this package writes.
type ComputeExecutable struct {
	Executable    string
	Interpreter   string
	Args          []string
	MemoryLimitMB int
}

// StartRunOptions carries the caller-supplied parameters of StartRun.
type StartRunOptions struct {
	EcosystemVariant string
	AutoScheduled    bool
}

// Paths names the filesystem roots the Run Manager writes under and
// hands to the services it starts.
type Paths struct {
	WorkingRoot string
	LogsRoot    string
	ModelsDir   string
}

// Manager is the Run Manager (component E): the only component that
// mutates a Run record.
type Manager struct {
	store     Store
	services  ServiceManager
	super     Supervisor
	templates TemplateLoader
	publisher EventPublisher
	syncReg   SyncRegistrar

	compute ComputeExecutable
	paths   Paths

	parser *ProgressParser
	locks  keyedMutex

	sub    supervisor.StreamSubscriber
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// New creates a Manager and starts its background compute-event
// consumer goroutine. Stop must be called to shut that goroutine down.
func New(store Store, services ServiceManager, super Supervisor, tmplLoader TemplateLoader, publisher EventPublisher, syncReg SyncRegistrar, compute ComputeExecutable, paths Paths) *Manager {
	m := &Manager{
		store:     store,
		services:  services,
		super:     super,
		templates: tmplLoader,
		publisher: publisher,
		syncReg:   syncReg,
		compute:   compute,
		paths:     paths,
		parser:    NewProgressParser(),
		sub:       super.Subscribe(),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("runmanager"),
	}
	m.wg.Add(1)
	go m.runEventLoop()
	return m
}

// Stop unsubscribes from the supervisor's event stream and waits for the
// background consumer goroutine to exit. It does not touch any run.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.super.Unsubscribe(m.sub)
	m.wg.Wait()
}

// keyedMutex serializes operations on the same run id without blocking
// operations on different runs; zero value is ready to use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ComputeTotalGenerations re-derives a run's total-generations estimate
// from cfg: ceil(numberOfEvals/batchSize) when both are present and
// batchSize > 0, falling back to maxGenerations otherwise. Persisted
// values are never trusted; always recomputing lets stale ones self-heal.
func ComputeTotalGenerations(cfg types.RunConfig) int {
	if cfg.BatchSize > 0 && cfg.NumberOfEvals > 0 {
		return int(math.Ceil(float64(cfg.NumberOfEvals) / float64(cfg.BatchSize)))
	}
	return cfg.MaxGenerations
}

// TotalGenerationsFunc adapts ComputeTotalGenerations to
// runstore.TotalGenerationsFunc by reading the run's working config from
// disk, falling back to the run's template when that file cannot be read;
// it is injected into Store.Load at startup.
func (m *Manager) TotalGenerationsFunc(run *types.Run) int {
	if data, err := os.ReadFile(run.ComputeConfigPath); err == nil {
		var cfg types.RunConfig
		if json.Unmarshal(data, &cfg) == nil {
			return ComputeTotalGenerations(cfg)
		}
	}
	tmpl, err := m.templates.Load(run.TemplateName)
	if err != nil {
		return run.Progress.TotalGenerations
	}
	return ComputeTotalGenerations(tmpl.ComputeRunConfig)
}

// StartRun brings a new run into existence: allocates a time-ordered id,
// loads the template, brings auxiliary services up, writes the working
// config, spawns the compute process, and persists the starting->running
// transition.
func (m *Manager) StartRun(templateName string, opts StartRunOptions) (string, error) {
	timer := metrics.NewTimer()

	variant := opts.EcosystemVariant
	if variant == "" {
		variant = "default"
	}

	runID := strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
	unlock := m.locks.Lock(runID)
	defer unlock()

	tmpl, err := m.templates.Load(templateName)
	if err != nil {
		return "", fmt.Errorf("runmanager: load template %s: %w", templateName, err)
	}

	now := time.Now()
	run := types.Run{
		ID:                 runID,
		TemplateName:       templateName,
		EcosystemVariant:   variant,
		Status:             types.RunStatusStarting,
		CreatedAt:          now,
		AutoScheduled:      opts.AutoScheduled,
		WorkingDir:         filepath.Join(m.paths.WorkingRoot, runID),
		TimeSliceStartedAt: now,
	}
	if err := m.store.Put(run); err != nil {
		return "", fmt.Errorf("runmanager: persist starting run %s: %w", runID, err)
	}

	if err := m.bringUp(&run, tmpl); err != nil {
		run.Status = types.RunStatusFailed
		run.FailedAt = time.Now()
		_ = m.store.Put(run)
		metrics.RunsEndedTotal.WithLabelValues("start-failed").Inc()
		return "", err
	}

	run.Status = types.RunStatusRunning
	run.StartedAt = time.Now()
	if err := m.store.Put(run); err != nil {
		return "", fmt.Errorf("runmanager: persist running run %s: %w", runID, err)
	}

	timer.ObserveDuration(metrics.RunStartDuration)
	m.publisher.Publish(&events.Event{Type: events.EventRunStarted, RunID: runID})
	if m.syncReg != nil {
		m.syncReg.Register(runID, templateName, variant)
	}

	return runID, nil
}

// bringUp resolves and starts run's service graph (tolerating a
// no-ecosystem-variant config as a soft success), writes the working
// config, and spawns the compute process. On any failure it unwinds
// whatever it already started.
func (m *Manager) bringUp(run *types.Run, tmpl *types.Template) error {
	ctx, cancel := context.WithTimeout(context.Background(), servicemgr.ReadinessTimeout+10*time.Second)
	defer cancel()

	info, err := m.services.StartServicesForRun(ctx, run.ID, tmpl, run.EcosystemVariant, servicemgr.StartOpts{
		WorkingDir: run.WorkingDir,
		LogDir:     m.paths.LogsRoot,
		ModelsDir:  m.paths.ModelsDir,
	})
	if err != nil {
		var cerr *resolver.ConfigError
		if errors.As(err, &cerr) {
			m.logger.Warn().Str("run_id", run.ID).Err(err).Msg("no ecosystem services for this template/variant, proceeding without them")
			info = &types.ServiceInfo{ServiceURLs: map[types.ServiceKind][]string{}}
		} else {
			return err
		}
	}
	run.ServiceInfo = *info

	if err := writeWorkingConfig(run, tmpl, info.ServiceURLs); err != nil {
		m.services.StopServicesForRun(run.ID)
		return err
	}

	run.Progress.TotalGenerations = ComputeTotalGenerations(tmpl.ComputeRunConfig)

	computeName := names.Compute(run.ID)
	spec := supervisor.Spec{
		LogicalName:        "kromosynth-gRPC",
		RunID:              run.ID,
		Compute:            true,
		Executable:         m.compute.Executable,
		Interpreter:        m.compute.Interpreter,
		Args:               append(append([]string{}, m.compute.Args...), run.RunsWrapperConfigPath),
		WorkingDir:         run.WorkingDir,
		MaxMemoryRestartMB: m.compute.MemoryLimitMB,
		AutoRestart:        false,
		Stateful:           true,
		LogDir:             m.paths.LogsRoot,
	}
	if err := m.super.Start(spec); err != nil {
		m.services.StopServicesForRun(run.ID)
		return fmt.Errorf("runmanager: start compute process for run %s: %w", run.ID, err)
	}
	run.ComputeProcessName = computeName
	return nil
}

// StopRun stops a run's compute process and services, clears any
// scheduler-pause flag, and transitions the run to stopped.
func (m *Manager) StopRun(runID string) error {
	unlock := m.locks.Lock(runID)
	defer unlock()

	run, ok := m.store.Get(runID)
	if !ok {
		return fmt.Errorf("runmanager: run %s not found", runID)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	if run.ComputeProcessName != "" {
		if err := m.super.Stop(run.ComputeProcessName); err != nil {
			m.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to stop compute process")
		}
	}
	m.services.StopServicesForRun(runID)

	run.TotalActiveMillis += time.Since(run.TimeSliceStartedAt).Milliseconds()
	run.Status = types.RunStatusStopped
	run.StoppedAt = time.Now()
	run.PausedByScheduler = false

	if err := m.store.Put(run); err != nil {
		return fmt.Errorf("runmanager: persist stopped run %s: %w", runID, err)
	}

	if m.syncReg != nil {
		m.syncReg.TriggerSync(runID, "stop")
		m.syncReg.Unregister(runID)
	}

	metrics.RunsEndedTotal.WithLabelValues("stopped").Inc()
	m.publisher.Publish(&events.Event{Type: events.EventRunStopped, RunID: runID})
	return nil
}

// PauseRun parks a running run without releasing its Run record: it
// stops the compute process and services but keeps the working config
// and run directory in place so ResumeRun can pick up the checkpoint.
func (m *Manager) PauseRun(runID string) error {
	unlock := m.locks.Lock(runID)
	defer unlock()

	run, ok := m.store.Get(runID)
	if !ok {
		return fmt.Errorf("runmanager: run %s not found", runID)
	}
	if !types.IsLegalTransition(run.Status, types.RunStatusPaused) {
		return fmt.Errorf("runmanager: illegal transition %s -> paused for run %s", run.Status, runID)
	}

	if run.ComputeProcessName != "" {
		if err := m.super.Stop(run.ComputeProcessName); err != nil {
			m.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to stop compute process for pause")
		}
	}
	m.services.StopServicesForRun(runID)

	run.TotalActiveMillis += time.Since(run.TimeSliceStartedAt).Milliseconds()
	run.PauseCount++
	run.Status = types.RunStatusPaused
	run.PausedAt = time.Now()
	run.PausedByScheduler = true

	if err := m.store.Put(run); err != nil {
		return fmt.Errorf("runmanager: persist paused run %s: %w", runID, err)
	}

	m.publisher.Publish(&events.Event{Type: events.EventRunPaused, RunID: runID})
	if m.syncReg != nil {
		m.syncReg.TriggerSync(runID, "pause")
	}
	return nil
}

// ResumeRun brings a paused, stopped, or failed run back to running: it
// reloads the template, brings services back up, rewrites the working
// config with fresh endpoints, and respawns the compute process against
// the same working directory so it can recover its own checkpoint.
func (m *Manager) ResumeRun(runID string) error {
	unlock := m.locks.Lock(runID)
	defer unlock()

	run, ok := m.store.Get(runID)
	if !ok {
		return fmt.Errorf("runmanager: run %s not found", runID)
	}
	switch run.Status {
	case types.RunStatusPaused, types.RunStatusStopped, types.RunStatusFailed:
	default:
		return fmt.Errorf("runmanager: cannot resume run %s from status %s", runID, run.Status)
	}

	tmpl, err := m.templates.Load(run.TemplateName)
	if err != nil {
		return fmt.Errorf("runmanager: load template %s: %w", run.TemplateName, err)
	}

	if err := m.bringUp(&run, tmpl); err != nil {
		return err
	}

	run.Status = types.RunStatusRunning
	run.ResumedAt = time.Now()
	run.TimeSliceStartedAt = time.Now()
	run.PausedByScheduler = false

	if err := m.store.Put(run); err != nil {
		return fmt.Errorf("runmanager: persist resumed run %s: %w", runID, err)
	}

	m.publisher.Publish(&events.Event{Type: events.EventRunResumed, RunID: runID})
	if m.syncReg != nil {
		m.syncReg.Register(runID, run.TemplateName, run.EcosystemVariant)
	}
	return nil
}

// GetRun returns a run's persisted record overlaid with a live snapshot
// of its compute process, if any.
func (m *Manager) GetRun(runID string) (types.Run, bool) {
	run, ok := m.store.Get(runID)
	if !ok {
		return types.Run{}, false
	}
	m.enrichLive(&run)
	return run, true
}

// GetAllRuns returns every known run, each overlaid with a live compute
// process snapshot.
func (m *Manager) GetAllRuns() []types.Run {
	runs := m.store.All()
	for i := range runs {
		m.enrichLive(&runs[i])
	}
	return runs
}

func (m *Manager) enrichLive(run *types.Run) {
	if run.ComputeProcessName == "" {
		return
	}
	st, ok := m.super.Describe(run.ComputeProcessName)
	if !ok {
		return
	}
	for i := range run.ServiceInfo.Instances {
		if run.ServiceInfo.Instances[i].Name == run.ComputeProcessName {
			run.ServiceInfo.Instances[i] = st
			return
		}
	}
	run.ServiceInfo.Instances = append(run.ServiceInfo.Instances, st)
}

// runEventLoop demultiplexes the supervisor's combined event stream by
// run-id suffix and dispatches each event to the owning run.
func (m *Manager) runEventLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case evt, ok := <-m.sub:
			if !ok {
				return
			}
			m.handleStreamEvent(evt)
		}
	}
}

func (m *Manager) handleStreamEvent(evt *supervisor.StreamEvent) {
	runID, ok := names.RunIDFromCompute(evt.ProcessName)
	if !ok || evt.ProcessName != names.Compute(runID) {
		// Not the compute process; auxiliary-service log lines and
		// lifecycle events are not progress-relevant here.
		return
	}

	switch evt.Category {
	case supervisor.CategoryLog:
		m.handleComputeLog(runID, evt)
	case supervisor.CategoryEvent:
		if evt.Kind == supervisor.LifecycleExit {
			m.handleComputeExit(runID, evt)
		}
	}
}

// handleComputeLog forwards one compute-process log line onto the event
// bus, extracts a progress delta from it, merges the delta monotonically
// into the run's progress vector, and persists the result through the
// throttled write path.
func (m *Manager) handleComputeLog(runID string, evt *supervisor.StreamEvent) {
	m.publisher.Publish(&events.Event{
		Type:     events.EventRunLog,
		RunID:    runID,
		Message:  evt.Line,
		Metadata: map[string]string{"stream": evt.Stream},
	})

	delta := m.parser.Parse(evt.Line)
	if delta == nil {
		return
	}

	unlock := m.locks.Lock(runID)
	defer unlock()

	run, ok := m.store.Get(runID)
	if !ok {
		return
	}
	if run.Status != types.RunStatusRunning {
		return
	}

	progress := run.Progress
	changed := false

	if delta.Generation != nil && *delta.Generation > progress.Generation {
		progress.Generation = *delta.Generation
		changed = true
	}
	if delta.Coverage != nil && *delta.Coverage > progress.Coverage {
		progress.Coverage = *delta.Coverage
		changed = true
	}
	if delta.QDScore != nil && (progress.QDScore == nil || *delta.QDScore > *progress.QDScore) {
		progress.QDScore = delta.QDScore
		changed = true
	}
	if delta.CompletionPercent != nil && (progress.CompletionPercent == nil || *delta.CompletionPercent > *progress.CompletionPercent) {
		progress.CompletionPercent = delta.CompletionPercent
		changed = true
	}

	if !changed {
		return
	}

	progress.UpdatedAt = time.Now()
	run.Progress = progress

	if _, err := m.store.PutThrottled(run); err != nil {
		m.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to persist progress update")
		return
	}
	m.publisher.Publish(&events.Event{Type: events.EventRunProgress, RunID: runID})
}

// handleComputeExit classifies an unsolicited compute-process exit. The
// per-run lock serializes this against StopRun and PauseRun: an exit
// caused by a deliberate stop or pause only gets the lock after the new
// status is persisted, so the running-status guard below drops it; any
// exit seen while the run is still marked running is the compute process
// dying on its own, and the run moves to terminated or failed depending
// on the exit code.
func (m *Manager) handleComputeExit(runID string, evt *supervisor.StreamEvent) {
	unlock := m.locks.Lock(runID)
	defer unlock()

	run, ok := m.store.Get(runID)
	if !ok {
		return
	}
	if run.Status != types.RunStatusRunning {
		return
	}

	run.ExitCode = evt.ExitCode
	run.TotalActiveMillis += time.Since(run.TimeSliceStartedAt).Milliseconds()

	reason := "terminated"
	if evt.ExitCode != nil && *evt.ExitCode == 0 {
		run.Status = types.RunStatusTerminated
		run.TerminatedAt = time.Now()
	} else {
		run.Status = types.RunStatusFailed
		run.FailedAt = time.Now()
		reason = "failed"
	}

	m.services.StopServicesForRun(runID)

	if err := m.store.Put(run); err != nil {
		m.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to persist run exit")
		return
	}

	// The final sync attempt must finish before run-ended goes out, so
	// the scheduler and any external adapter observe the run with its
	// outputs already mirrored.
	if m.syncReg != nil {
		m.syncReg.TriggerSync(runID, "ended")
		m.syncReg.Unregister(runID)
	}

	metrics.RunsEndedTotal.WithLabelValues(reason).Inc()
	meta := map[string]string{"reason": reason}
	if evt.ExitCode != nil {
		meta["exitCode"] = strconv.Itoa(*evt.ExitCode)
	}
	m.publisher.Publish(&events.Event{Type: events.EventRunEnded, RunID: runID, Message: reason, Metadata: meta})
}
