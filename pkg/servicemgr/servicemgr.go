package servicemgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/log"
	"github.com/kromosynth/run-orchestrator/pkg/metrics"
	"github.com/kromosynth/run-orchestrator/pkg/names"
	"github.com/kromosynth/run-orchestrator/pkg/resolver"
	"github.com/kromosynth/run-orchestrator/pkg/supervisor"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// ReadinessPollInterval is how often StartServicesForRun polls the
// supervisor while waiting for a run's services to come online.
const ReadinessPollInterval = 2 * time.Second

// ReadinessTimeout is the hard ceiling on the readiness wait.
const ReadinessTimeout = 30 * time.Second

// TimeoutError is returned when a run's services do not all reach
// "online" within ReadinessTimeout.
type TimeoutError struct {
	RunID   string
	Pending []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("servicemgr: run %s: readiness timeout, pending: %v", e.RunID, e.Pending)
}

// Allocator is the subset of pkg/portalloc.Allocator this package needs;
// narrowed to an interface so tests can substitute a fake.
type Allocator interface {
	Allocate(runID string) (types.Allocation, error)
	Release(runID string)
}

// Supervisor is the subset of pkg/supervisor.Supervisor this package
// needs.
type Supervisor interface {
	Start(spec supervisor.Spec) error
	Stop(name string) error
	Delete(name string) error
	ListBySuffix(runID string) []types.ServiceInstanceStatus
}

// Manager is the Service-Dependency Manager (component D).
type Manager struct {
	allocator Allocator
	super     Supervisor
	logger    zerolog.Logger
}

// New creates a Manager wired to the given Allocator and Supervisor.
func New(allocator Allocator, super Supervisor) *Manager {
	return &Manager{
		allocator: allocator,
		super:     super,
		logger:    log.WithComponent("servicemgr"),
	}
}

// StartOpts carries the per-run paths a resolved service spec needs in
// order to become a concrete supervisor.Spec.
type StartOpts struct {
	WorkingDir string
	LogDir     string
	// ModelsDir replaces the {{MODELS_DIR}} token in service arguments
	// and is exported to each service's environment, so feature and
	// projection services find their model files without templates
	// hard-coding host paths.
	ModelsDir string
}

// StartServicesForRun allocates a port interval, resolves the service
// graph, starts every resolved service in parallel, and waits for all of
// them to report online. On any failure it unwinds everything it
// started and returns the original error.
func (m *Manager) StartServicesForRun(ctx context.Context, runID string, tmpl *types.Template, variant string, opts StartOpts) (*types.ServiceInfo, error) {
	alloc, err := m.allocator.Allocate(runID)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: allocate run %s: %w", runID, err)
	}

	resolved, err := resolver.Resolve(tmpl, variant, alloc)
	if err != nil {
		m.allocator.Release(runID)
		return nil, err
	}

	started, startErr := m.startAll(runID, resolved.Services, opts)
	if startErr != nil {
		m.unwind(runID, started)
		return nil, startErr
	}

	expected := expectedProcessNames(runID, resolved.Services)
	if err := m.waitReady(ctx, runID, expected); err != nil {
		m.unwind(runID, started)
		return nil, err
	}

	return &types.ServiceInfo{
		Allocation:  alloc,
		ServiceURLs: resolved.ServiceURLs,
		Instances:   m.super.ListBySuffix(runID),
	}, nil
}

// startAll calls Supervisor.Start for every service definition in
// parallel and returns the list of logical names it successfully
// started. unwind does not use that list; it tears down every process
// carrying the run-id suffix.
func (m *Manager) startAll(runID string, defs []types.ServiceDefinition, opts StartOpts) ([]string, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  []string
		firstErr error
	)

	for _, def := range defs {
		wg.Add(1)
		go func(def types.ServiceDefinition) {
			defer wg.Done()

			args := def.Args
			env := def.Env
			if opts.ModelsDir != "" {
				replacer := strings.NewReplacer("{{MODELS_DIR}}", opts.ModelsDir)
				args = make([]string, len(def.Args))
				for i, a := range def.Args {
					args[i] = replacer.Replace(a)
				}
				env = make(map[string]string, len(def.Env)+1)
				for k, v := range def.Env {
					env[k] = v
				}
				env["MODELS_DIR"] = opts.ModelsDir
			}

			spec := supervisor.Spec{
				LogicalName:        string(def.Kind),
				RunID:              runID,
				Executable:         def.Executable,
				Interpreter:        def.Interpreter,
				Args:               args,
				WorkingDir:         def.WorkingDir,
				Env:                env,
				Instances:          def.Instances,
				Mode:               def.Mode,
				BasePort:           def.BasePort,
				Stateful:           def.Stateful,
				MaxMemoryRestartMB: def.MemoryLimitMB,
				RestartCron:        def.RestartCron,
				AutoRestart:        !def.Stateful,
				LogDir:             opts.LogDir,
			}

			err := m.super.Start(spec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Error().Err(err).Str("run_id", runID).Str("kind", string(def.Kind)).Msg("service failed to start")
				if firstErr == nil {
					firstErr = fmt.Errorf("servicemgr: start %s: %w", def.Kind, err)
				}
				return
			}
			started = append(started, string(def.Kind))
		}(def)
	}

	wg.Wait()
	return started, firstErr
}

// waitReady polls the supervisor every ReadinessPollInterval until every
// name in expected is online, or ReadinessTimeout elapses.
func (m *Manager) waitReady(ctx context.Context, runID string, expected map[string]bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReadinessWaitDuration)

	deadline := time.Now().Add(ReadinessTimeout)
	ticker := time.NewTicker(ReadinessPollInterval)
	defer ticker.Stop()

	for {
		if pending := m.pendingNames(runID, expected); len(pending) == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			metrics.ReadinessTimeoutsTotal.Inc()
			return &TimeoutError{RunID: runID, Pending: m.pendingNames(runID, expected)}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) pendingNames(runID string, expected map[string]bool) []string {
	online := make(map[string]bool)
	for _, inst := range m.super.ListBySuffix(runID) {
		if inst.Status == types.ServiceStatusOnline {
			online[inst.Name] = true
		}
	}
	var pending []string
	for name := range expected {
		if !online[name] {
			pending = append(pending, name)
		}
	}
	return pending
}

// expectedProcessNames enumerates every concrete process name the
// resolved service definitions will spawn, for the readiness poll to
// check against.
func expectedProcessNames(runID string, defs []types.ServiceDefinition) map[string]bool {
	out := make(map[string]bool)
	for _, def := range defs {
		instances := def.Instances
		if instances < 1 {
			instances = 1
		}
		for i := 0; i < instances; i++ {
			logical := string(def.Kind)
			if instances > 1 || def.Mode == types.ExecutionModeFork {
				logical = fmt.Sprintf("%s-%d", def.Kind, i)
			}
			out[names.Service(logical, runID)] = true
		}
	}
	return out
}

// unwind stops every service this run started and releases its port
// allocation. Failures stopping individual services are logged as
// warnings, not returned; the original start error is what surfaces.
func (m *Manager) unwind(runID string, startedKinds []string) {
	for _, inst := range m.super.ListBySuffix(runID) {
		if err := m.super.Delete(inst.Name); err != nil {
			m.logger.Warn().Err(err).Str("process", inst.Name).Msg("failed to stop service during unwind")
		}
	}
	m.allocator.Release(runID)
}

// StopServicesForRun stops and deletes every service tagged with runID,
// best-effort, then releases the run's port allocation.
func (m *Manager) StopServicesForRun(runID string) {
	for _, inst := range m.super.ListBySuffix(runID) {
		if err := m.super.Delete(inst.Name); err != nil {
			m.logger.Warn().Err(err).Str("process", inst.Name).Msg("failed to stop service")
		}
	}
	m.allocator.Release(runID)
}
