package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/log"
	"github.com/kromosynth/run-orchestrator/pkg/metrics"
	"github.com/kromosynth/run-orchestrator/pkg/names"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/rs/zerolog"
	psutil "github.com/shirou/gopsutil/v4/process"
)

// KillGrace is the time Stop waits for SIGTERM to take effect before
// escalating to SIGKILL.
const KillGrace = 10 * time.Second

// Supervisor is the uniform abstraction every other component spawns work
// through. start/stop/delete are serialized by an internal mutex; the
// event stream is a separate, non-blocking fan-out so a slow consumer can
// never stall a spawn or a kill.
type Supervisor struct {
	mu        sync.Mutex
	processes map[string]*process // keyed by full process name
	logBroker *streamBroker
	logger    zerolog.Logger

	monitorStop chan struct{}
	monitorOnce sync.Once
}

// New creates a Supervisor with an empty process table and starts its
// resource monitor.
func New() *Supervisor {
	s := &Supervisor{
		processes:   make(map[string]*process),
		logBroker:   newStreamBroker(),
		logger:      log.WithComponent("supervisor"),
		monitorStop: make(chan struct{}),
	}
	go s.monitorLoop()
	return s
}

// Subscribe returns a bounded channel receiving every StreamEvent the
// supervisor publishes, across all processes.
func (s *Supervisor) Subscribe() StreamSubscriber {
	return s.logBroker.subscribe()
}

// Unsubscribe stops delivery to sub and closes it.
func (s *Supervisor) Unsubscribe(sub StreamSubscriber) {
	s.logBroker.unsubscribe(sub)
}

// Start spawns every replica described by spec and returns once all
// exec.Cmd.Start calls have returned (it does not wait for readiness;
// that is the Service-Dependency Manager's job).
func (s *Supervisor) Start(spec Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances := spec.Instances
	if instances < 1 {
		instances = 1
	}

	for i := 0; i < instances; i++ {
		name := spec.LogicalName
		if instances > 1 || spec.Mode == types.ExecutionModeFork {
			name = fmt.Sprintf("%s-%d", spec.LogicalName, i)
		}
		fullName := names.Service(name, spec.RunID)
		switch {
		case spec.RunID == "":
			fullName = name
		case spec.Compute:
			fullName = names.Compute(spec.RunID)
		}

		port := 0
		if spec.BasePort != 0 {
			switch spec.Mode {
			case types.ExecutionModeCluster:
				port = spec.BasePort + i
			default:
				port = spec.BasePort
			}
		}

		p := &process{
			name:       fullName,
			kind:       types.ServiceKind(spec.LogicalName),
			runID:      spec.RunID,
			isCompute:  spec.Compute,
			port:       port,
			spec:       spec,
			status:     types.ServiceStatusLaunching,
			publishLog: s.publishLog,
		}

		if err := p.spawn(s.onExit); err != nil {
			p.status = types.ServiceStatusErrored
			s.processes[fullName] = p
			return fmt.Errorf("supervisor: start %s: %w", fullName, err)
		}

		p.scheduleNextRestart(time.Now())
		s.processes[fullName] = p
		metrics.ProcessesTotal.WithLabelValues(string(types.ServiceStatusOnline)).Inc()
		s.logBroker.publish(&StreamEvent{Category: CategoryEvent, ProcessName: fullName, Timestamp: time.Now(), Kind: LifecycleStart})
	}

	return nil
}

// Stop sends SIGTERM (then SIGKILL after KillGrace) to the named process.
// It is a best-effort operation: stopping a process that does not exist
// is not an error.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	p, ok := s.processes[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	p.stop(KillGrace)
	return nil
}

// Delete stops the named process (if running) and removes it from the
// tracking table.
func (s *Supervisor) Delete(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, name)
	return nil
}

// List returns a snapshot of every tracked process.
func (s *Supervisor) List() []types.ServiceInstanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ServiceInstanceStatus, 0, len(s.processes))
	for _, p := range s.processes {
		st := p.snapshot()
		s.enrichWithOSStats(&st)
		out = append(out, st)
	}
	return out
}

// ListBySuffix returns every tracked process whose name carries runID as
// its run-id suffix, per the pkg/names contract.
func (s *Supervisor) ListBySuffix(runID string) []types.ServiceInstanceStatus {
	all := s.List()
	out := make([]types.ServiceInstanceStatus, 0, len(all))
	for _, st := range all {
		if names.HasSuffix(st.Name, runID) {
			out = append(out, st)
		}
	}
	return out
}

// Describe returns the live snapshot of one named process.
func (s *Supervisor) Describe(name string) (types.ServiceInstanceStatus, bool) {
	s.mu.Lock()
	p, ok := s.processes[name]
	s.mu.Unlock()
	if !ok {
		return types.ServiceInstanceStatus{}, false
	}
	st := p.snapshot()
	s.enrichWithOSStats(&st)
	return st, true
}

func (s *Supervisor) enrichWithOSStats(st *types.ServiceInstanceStatus) {
	if st.Pid == 0 {
		return
	}
	proc, err := psutil.NewProcess(st.Pid)
	if err != nil {
		return
	}
	if cpuPct, err := proc.CPUPercent(); err == nil {
		st.CPUPct = cpuPct
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		st.RSSBytes = memInfo.RSS
	}
}

func (s *Supervisor) publishLog(processName, stream, line string) {
	s.logBroker.publish(&StreamEvent{
		Category:    CategoryLog,
		ProcessName: processName,
		Timestamp:   time.Now(),
		Stream:      stream,
		Line:        line,
	})

	// A child that emits a structured packet gets it republished on the
	// message category so consumers need not re-parse log lines.
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return
	}
	s.logBroker.publish(&StreamEvent{
		Category:    CategoryMessage,
		ProcessName: processName,
		Timestamp:   time.Now(),
		Payload:     payload,
	})
}

// onExit is invoked from the process's wait goroutine. It decides whether
// to restart (stateless, not deliberately stopped, autorestart enabled)
// or leave the process in its terminal status. gen identifies the
// incarnation the wait goroutine belongs to: an exit observed for a
// superseded incarnation is dropped so it cannot stomp the status of a
// child a restart already installed.
func (s *Supervisor) onExit(p *process, gen, code int, waitErr error) {
	s.mu.Lock()
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		s.mu.Unlock()
		return
	}
	deliberate := p.stopping
	p.status = types.ServiceStatusStopped
	if waitErr != nil && !deliberate {
		p.status = types.ServiceStatusErrored
	}
	p.exitCode = &code
	autoRestart := p.spec.AutoRestart && !p.spec.Stateful && !deliberate
	p.mu.Unlock()
	s.mu.Unlock()

	metrics.ProcessesTotal.WithLabelValues(string(types.ServiceStatusOnline)).Dec()

	codeCopy := code
	s.logBroker.publish(&StreamEvent{
		Category:    CategoryEvent,
		ProcessName: p.name,
		Timestamp:   time.Now(),
		Kind:        LifecycleExit,
		ExitCode:    &codeCopy,
	})

	if !autoRestart {
		return
	}

	s.logger.Warn().Str("process", p.name).Int("exit_code", code).Msg("restarting stateless process after unexpected exit")
	metrics.ProcessRestartsTotal.WithLabelValues(string(p.kind), "crash").Inc()

	if err := p.spawn(s.onExit); err != nil {
		s.logger.Error().Err(err).Str("process", p.name).Msg("restart failed")
		return
	}
	metrics.ProcessesTotal.WithLabelValues(string(types.ServiceStatusOnline)).Inc()
	s.logBroker.publish(&StreamEvent{Category: CategoryEvent, ProcessName: p.name, Timestamp: time.Now(), Kind: LifecycleRestart})
}

// Shutdown stops the resource monitor and stops and deletes every
// tracked process. Used on orchestrator shutdown after every run has
// already been asked to stop.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.monitorOnce.Do(func() { close(s.monitorStop) })

	s.mu.Lock()
	procNames := make([]string, 0, len(s.processes))
	for n := range s.processes {
		procNames = append(procNames, n)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range procNames {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_ = s.Delete(n)
		}(n)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
