package supervisor

import (
	"strconv"
	"strings"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/metrics"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	psutil "github.com/shirou/gopsutil/v4/process"
)

// monitorInterval is how often the supervisor sweeps its process table
// for memory-ceiling breaches and due periodic restarts.
const monitorInterval = 15 * time.Second

// monitorLoop periodically enforces the per-spec resource ceilings and
// restart schedules. Stateful processes are exempt from both: their
// state cannot be reconstructed, so they are never restarted here.
func (s *Supervisor) monitorLoop() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.monitorStop:
			return
		}
	}
}

// sweep takes a snapshot of the process table and applies the restart
// rules to each online, stateless process. The supervisor lock is not
// held across the actual restarts; those suspend on the kill grace.
func (s *Supervisor) sweep() {
	s.mu.Lock()
	candidates := make([]*process, 0, len(s.processes))
	for _, p := range s.processes {
		candidates = append(candidates, p)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, p := range candidates {
		p.mu.Lock()
		online := p.status == types.ServiceStatusOnline
		stateful := p.spec.Stateful
		memLimitMB := p.spec.MaxMemoryRestartMB
		next := p.nextPeriodicRestart
		var pid int32
		if p.cmd != nil && p.cmd.Process != nil {
			pid = int32(p.cmd.Process.Pid)
		}
		p.mu.Unlock()

		if !online || stateful {
			continue
		}

		if memLimitMB > 0 && pid != 0 && rssBytes(pid) > uint64(memLimitMB)*1024*1024 {
			s.restartProcess(p, "memory")
			continue
		}

		if !next.IsZero() && now.After(next) {
			s.restartProcess(p, "periodic")
		}
	}
}

func rssBytes(pid int32) uint64 {
	proc, err := psutil.NewProcess(pid)
	if err != nil {
		return 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil || memInfo == nil {
		return 0
	}
	return memInfo.RSS
}

// restartProcess stops and respawns one process in place, keeping its
// name and port. A process that was deleted from the table between the
// sweep snapshot and now is left alone.
func (s *Supervisor) restartProcess(p *process, reason string) {
	s.mu.Lock()
	_, tracked := s.processes[p.name]
	s.mu.Unlock()
	if !tracked {
		return
	}

	s.logger.Info().Str("process", p.name).Str("reason", reason).Msg("restarting process")
	p.stop(KillGrace)

	p.mu.Lock()
	p.stopping = false
	p.mu.Unlock()

	if err := p.spawn(s.onExit); err != nil {
		s.logger.Error().Err(err).Str("process", p.name).Msg("scheduled restart failed")
		return
	}
	p.scheduleNextRestart(time.Now())

	metrics.ProcessesTotal.WithLabelValues(string(types.ServiceStatusOnline)).Inc()
	metrics.ProcessRestartsTotal.WithLabelValues(string(p.kind), reason).Inc()
	s.logBroker.publish(&StreamEvent{Category: CategoryEvent, ProcessName: p.name, Timestamp: time.Now(), Kind: LifecycleRestart})
}

// scheduleNextRestart arms the process's next periodic-restart instant
// from its spec's "<minute> */2 * * *" expression: the given minute of
// the next even hour after 'after'. A spec with no schedule, or a
// stateful one, gets none.
func (p *process) scheduleNextRestart(after time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextPeriodicRestart = time.Time{}
	if p.spec.Stateful || p.spec.RestartCron == "" {
		return
	}
	minute, ok := restartMinute(p.spec.RestartCron)
	if !ok {
		return
	}

	next := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), minute, 0, 0, after.Location())
	for !next.After(after) || next.Hour()%2 != 0 {
		next = next.Add(time.Hour)
	}
	p.nextPeriodicRestart = next
}

// restartMinute extracts the minute field from a "<minute> */2 * * *"
// restart expression. The every-two-hours cadence is fixed; only the
// staggered minute offset varies per service kind.
func restartMinute(expr string) (int, bool) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return 0, false
	}
	minute, err := strconv.Atoi(fields[0])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return minute, true
}
