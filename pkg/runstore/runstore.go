package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/log"
	"github.com/kromosynth/run-orchestrator/pkg/names"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// ProgressThrottle bounds how often PutThrottled writes a run's progress
// to disk.
const ProgressThrottle = 30 * time.Second

// Supervisor is the subset of pkg/supervisor.Supervisor Load needs to
// reconcile persisted runs against the live process table.
type Supervisor interface {
	Describe(name string) (types.ServiceInstanceStatus, bool)
}

// TotalGenerationsFunc re-derives a run's total-generations estimate from
// its on-disk working config. It is injected so this package does not
// need to know about config file formats; Load calls it for every
// reconciled run so stale persisted estimates self-heal.
type TotalGenerationsFunc func(run *types.Run) int

// Store is the durable key-value file holding every Run record, keyed by
// run id. It is the only component that mutates persisted run state;
// every other component reads a run id and asks the Run Manager to act.
type Store struct {
	path string

	mu   sync.RWMutex
	runs map[string]*types.Run

	writeMu     sync.Mutex
	lastWriteAt map[string]time.Time

	logger zerolog.Logger
}

// New creates a Store backed by the JSON file at path. It does not load
// existing state; call Load for that.
func New(path string) *Store {
	return &Store{
		path:        path,
		runs:        make(map[string]*types.Run),
		lastWriteAt: make(map[string]time.Time),
		logger:      log.WithComponent("runstore"),
	}
}

// Get returns a copy of the run record for id, if known.
func (s *Store) Get(id string) (types.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return types.Run{}, false
	}
	return *r, true
}

// All returns a copy of every known run record.
func (s *Store) All() []types.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	return out
}

// Put stores a copy of run and persists the full run-state file to disk
// atomically. Every state-mutating operation in the Run Manager calls
// this unconditionally.
func (s *Store) Put(run types.Run) error {
	s.mu.Lock()
	cp := run
	s.runs[run.ID] = &cp
	s.lastWriteAt[run.ID] = time.Now()
	s.mu.Unlock()

	return s.flush()
}

// PutThrottled updates the in-memory record unconditionally but only
// persists to disk if at least ProgressThrottle has elapsed since the
// last write for this run, bounding write amplification from progress
// updates. It reports whether a disk write actually happened.
func (s *Store) PutThrottled(run types.Run) (wrote bool, err error) {
	s.mu.Lock()
	cp := run
	s.runs[run.ID] = &cp
	last, seen := s.lastWriteAt[run.ID]
	due := !seen || time.Since(last) >= ProgressThrottle
	if due {
		s.lastWriteAt[run.ID] = time.Now()
	}
	s.mu.Unlock()

	if !due {
		return false, nil
	}
	if err := s.flush(); err != nil {
		return false, err
	}
	return true, nil
}

// flush serializes the current run map and writes it via a
// write-tmp/fsync/rename sequence. writeMu ensures writers never race.
func (s *Store) flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	snapshot := make(map[string]*types.Run, len(s.runs))
	for id, r := range s.runs {
		cp := *r
		snapshot[id] = &cp
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runstore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".run-state-*.tmp")
	if err != nil {
		return fmt.Errorf("runstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("runstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("runstore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("runstore: rename: %w", err)
	}
	return nil
}

// Load reads the run-state file (if any), then reconciles every stored
// run against super's live process table: a run whose compute process
// is still alive is restored to running (or paused, if PausedByScheduler
// was set), using the live pid/cpu/rss; a run stored as running whose
// compute process is gone is transitioned to stopped with StoppedAt set
// to now. totalGen, if non-nil, re-derives TotalGenerations for every
// reconciled run from its on-disk working config.
func (s *Store) Load(super Supervisor, totalGen TotalGenerationsFunc) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("runstore: read %s: %w", s.path, err)
	}

	var loaded map[string]*types.Run
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("runstore: unmarshal %s: %w", s.path, err)
	}

	now := time.Now()
	for id, run := range loaded {
		s.reconcile(run, super, now)
		if totalGen != nil {
			run.Progress.TotalGenerations = totalGen(run)
		}
		loaded[id] = run
	}

	s.mu.Lock()
	s.runs = loaded
	s.mu.Unlock()

	return s.flush()
}

func (s *Store) reconcile(run *types.Run, super Supervisor, now time.Time) {
	if run.Status != types.RunStatusRunning && run.Status != types.RunStatusPaused {
		return
	}

	computeName := names.Compute(run.ID)
	st, alive := super.Describe(computeName)
	if alive && st.Status == types.ServiceStatusOnline {
		if run.PausedByScheduler {
			run.Status = types.RunStatusPaused
		} else {
			run.Status = types.RunStatusRunning
		}
		replaced := false
		for i := range run.ServiceInfo.Instances {
			if run.ServiceInfo.Instances[i].Name == computeName {
				run.ServiceInfo.Instances[i] = st
				replaced = true
			}
		}
		if !replaced {
			run.ServiceInfo.Instances = append(run.ServiceInfo.Instances, st)
		}
		s.logger.Info().Str("run_id", run.ID).Msg("reconciled run against live process table")
		return
	}

	if run.Status == types.RunStatusRunning {
		run.Status = types.RunStatusStopped
		run.StoppedAt = now
		s.logger.Warn().Str("run_id", run.ID).Msg("compute process gone on restart, marking run stopped")
	}
}
