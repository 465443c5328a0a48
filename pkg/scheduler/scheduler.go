package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/events"
	"github.com/kromosynth/run-orchestrator/pkg/log"
	"github.com/kromosynth/run-orchestrator/pkg/metrics"
	"github.com/kromosynth/run-orchestrator/pkg/runmanager"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// tickInterval is the scheduler's coarse safety-net poll, re-evaluating
// slot-filling even if a specific timer callback was delayed.
const tickInterval = 1 * time.Second

// maxWarningLead caps how far ahead of expiry the warning timer fires.
const maxWarningLead = 5 * time.Minute

// RunManager is the subset of pkg/runmanager.Manager the scheduler
// drives.
type RunManager interface {
	StartRun(templateName string, opts runmanager.StartRunOptions) (string, error)
	ResumeRun(runID string) error
	PauseRun(runID string) error
	GetRun(runID string) (types.Run, bool)
	GetAllRuns() []types.Run
}

// EventBus is the subset of pkg/events.Broker the scheduler both
// publishes time-slice events to and subscribes to run-lifecycle
// events on.
type EventBus interface {
	Publish(event *events.Event)
	Subscribe() events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// TemplateChecker reports whether a named template still exists, used
// at startup to purge stale slots and by EnableTemplate to reject
// templates that were never loaded.
type TemplateChecker interface {
	Exists(name string) bool
}

// Scheduler is the Auto-Run Scheduler (component G).
type Scheduler struct {
	mu    sync.Mutex
	state types.SchedulerState
	path  string

	runs RunManager
	bus  EventBus
	sub  events.Subscriber

	warningTimers map[string]*time.Timer
	expiryTimers  map[string]*time.Timer

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// Load builds a Scheduler from the persisted state file at path, if it
// exists, falling back to seed on first initialization. Enabled slots
// pointing at templates checker no longer reports are purged.
func Load(path string, seed types.SchedulerState, runs RunManager, bus EventBus, checker TemplateChecker) (*Scheduler, error) {
	state := seed
	loaded, err := readState(path)
	if err != nil {
		return nil, err
	}
	if loaded != nil {
		state = *loaded
	}

	s := &Scheduler{
		state:         state,
		path:          path,
		runs:          runs,
		bus:           bus,
		warningTimers: make(map[string]*time.Timer),
		expiryTimers:  make(map[string]*time.Timer),
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("scheduler"),
	}
	s.purgeMissingTemplates(checker)
	return s, nil
}

func readState(path string) (*types.SchedulerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scheduler: read %s: %w", path, err)
	}
	var state types.SchedulerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("scheduler: unmarshal %s: %w", path, err)
	}
	return &state, nil
}

func (s *Scheduler) purgeMissingTemplates(checker TemplateChecker) {
	if checker == nil {
		return
	}
	kept := s.state.Slots[:0]
	for _, slot := range s.state.Slots {
		if !slot.Enabled || checker.Exists(slot.TemplateName) {
			kept = append(kept, slot)
			continue
		}
		s.logger.Warn().Str("template", slot.TemplateName).Msg("purging scheduler slot for missing template")
	}
	s.state.Slots = kept
}

// Start subscribes to the event bus, runs startup slot-filling if the
// scheduler is enabled and not paused, then launches the ticker loop
// and the run-lifecycle event consumer.
func (s *Scheduler) Start() {
	s.sub = s.bus.Subscribe()

	s.mu.Lock()
	if s.state.Enabled && !s.state.Paused {
		s.fillSlotsLocked()
	}
	s.mu.Unlock()

	s.wg.Add(2)
	go s.run()
	go s.consumeEvents()
}

// Stop halts the ticker and event-consumer goroutines, unsubscribes
// from the event bus, and cancels every outstanding timer.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.bus.Unsubscribe(s.sub)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.warningTimers {
		t.Stop()
		delete(s.warningTimers, key)
	}
	for key, t := range s.expiryTimers {
		t.Stop()
		delete(s.expiryTimers, key)
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if s.state.Enabled && !s.state.Paused {
				s.fillSlotsLocked()
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) consumeEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case evt, ok := <-s.sub:
			if !ok {
				return
			}
			switch evt.Type {
			case events.EventRunEnded:
				s.mu.Lock()
				s.onRunEndedLocked(evt.RunID, evt.Message)
				s.mu.Unlock()
			case events.EventRunStopped:
				s.mu.Lock()
				s.onRunStoppedLocked(evt.RunID)
				s.mu.Unlock()
			}
		}
	}
}

// State returns a copy of the scheduler's current persisted state.
func (s *Scheduler) State() types.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnableTemplate adds or updates a rotation slot for templateName, and
// persists immediately. checker may be nil in tests.
func (s *Scheduler) EnableTemplate(templateName, variant string, priority, timeSliceMinutes int, checker TemplateChecker) error {
	if checker != nil && !checker.Exists(templateName) {
		return fmt.Errorf("scheduler: template %q does not exist", templateName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	defer s.publishTemplateChange(templateName, "enabled")

	for i := range s.state.Slots {
		if s.state.Slots[i].TemplateName == templateName && s.state.Slots[i].EcosystemVariant == variant {
			s.state.Slots[i].Enabled = true
			s.state.Slots[i].Priority = priority
			s.state.Slots[i].TimeSliceMinutes = timeSliceMinutes
			return s.persistLocked()
		}
	}

	s.state.Slots = append(s.state.Slots, types.TemplateSlot{
		TemplateName:     templateName,
		EcosystemVariant: variant,
		Enabled:          true,
		Priority:         priority,
		TimeSliceMinutes: timeSliceMinutes,
	})
	return s.persistLocked()
}

func (s *Scheduler) publishTemplateChange(templateName, change string) {
	s.bus.Publish(&events.Event{
		Type:     events.EventTemplateConfigChange,
		Message:  change,
		Metadata: map[string]string{"template": templateName},
	})
}

// DisableTemplate marks a slot disabled and clears its timers, leaving
// any currently-running auto-scheduled run untouched.
func (s *Scheduler) DisableTemplate(templateName, variant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.findSlotLocked(templateName, variant)
	if slot == nil {
		return fmt.Errorf("scheduler: no slot for template %q variant %q", templateName, variant)
	}
	slot.Enabled = false
	s.clearTimersLocked(slotKey(*slot))
	s.publishTemplateChange(templateName, "disabled")
	return s.persistLocked()
}

// RemoveTemplate clears a slot's active timer and current run pointer
// and drops it from the rotation entirely.
func (s *Scheduler) RemoveTemplate(templateName, variant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := templateName + "|" + variant
	s.clearTimersLocked(key)

	kept := s.state.Slots[:0]
	for _, slot := range s.state.Slots {
		if slotKey(slot) != key {
			kept = append(kept, slot)
		}
	}
	s.state.Slots = kept
	s.publishTemplateChange(templateName, "removed")
	return s.persistLocked()
}

// SetMaxConcurrent updates the concurrency ceiling and, if it grew,
// attempts to fill the newly freed slots immediately.
func (s *Scheduler) SetMaxConcurrent(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MaxConcurrent = n
	if err := s.persistLocked(); err != nil {
		return err
	}
	if s.state.Enabled && !s.state.Paused {
		s.fillSlotsLocked()
	}
	return nil
}

// EnableScheduler turns the scheduler on and immediately attempts to
// fill slots.
func (s *Scheduler) EnableScheduler() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Enabled = true
	if err := s.persistLocked(); err != nil {
		return err
	}
	if !s.state.Paused {
		s.fillSlotsLocked()
	}
	return nil
}

// DisableScheduler turns the scheduler off and clears every outstanding
// timer so no time-slice-expired event can fire for any run afterward.
func (s *Scheduler) DisableScheduler() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Enabled = false
	for key, t := range s.warningTimers {
		t.Stop()
		delete(s.warningTimers, key)
	}
	for key, t := range s.expiryTimers {
		t.Stop()
		delete(s.expiryTimers, key)
	}
	return s.persistLocked()
}

// ResumeScheduling clears a failure-triggered pause and resumes normal
// slot-filling.
func (s *Scheduler) ResumeScheduling() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Paused = false
	s.state.PauseReason = ""
	s.state.ConsecutiveFailures = 0
	if err := s.persistLocked(); err != nil {
		return err
	}
	if s.state.Enabled {
		s.fillSlotsLocked()
	}
	return nil
}

// fillSlotsLocked runs enabled-template selection up to "slots free"
// times. Callers must hold s.mu.
func (s *Scheduler) fillSlotsLocked() {
	free := s.state.MaxConcurrent - s.countActiveLocked()
	for free > 0 {
		slot := s.selectSlotLocked()
		if slot == nil {
			return
		}
		if err := s.startSlotLocked(slot); err != nil {
			s.logger.Error().Err(err).Str("template", slot.TemplateName).Msg("failed to start scheduled run")
			return
		}
		free--
	}
}

func (s *Scheduler) countActiveLocked() int {
	n := 0
	for _, slot := range s.state.Slots {
		if slot.CurrentRunID == "" {
			continue
		}
		if run, ok := s.runs.GetRun(slot.CurrentRunID); ok && run.Status == types.RunStatusRunning {
			n++
		}
	}
	return n
}

// selectSlotLocked picks the next free, enabled slot per the
// scheduler's mode. A slot is free if it has no current run, or its
// current run is no longer running.
func (s *Scheduler) selectSlotLocked() *types.TemplateSlot {
	var candidates []*types.TemplateSlot
	for i := range s.state.Slots {
		slot := &s.state.Slots[i]
		if !slot.Enabled {
			continue
		}
		if slot.CurrentRunID != "" {
			if run, ok := s.runs.GetRun(slot.CurrentRunID); ok && run.Status == types.RunStatusRunning {
				continue
			}
		}
		candidates = append(candidates, slot)
	}
	if len(candidates) == 0 {
		return nil
	}

	if s.state.Mode == types.SchedulerModePriority {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			iZero, jZero := candidates[i].LastRunAt.IsZero(), candidates[j].LastRunAt.IsZero()
			if iZero != jZero {
				return iZero
			}
			return candidates[i].LastRunAt.Before(candidates[j].LastRunAt)
		})
	}
	return candidates[0]
}

// startSlotLocked resumes a parked auto-scheduled run for slot's
// template/variant if one exists, otherwise starts one fresh, and arms
// its time-slice timers.
func (s *Scheduler) startSlotLocked(slot *types.TemplateSlot) error {
	var runID string
	var err error

	for _, run := range s.runs.GetAllRuns() {
		if run.AutoScheduled && run.Status == types.RunStatusPaused &&
			run.TemplateName == slot.TemplateName && run.EcosystemVariant == slot.EcosystemVariant {
			if err = s.runs.ResumeRun(run.ID); err == nil {
				runID = run.ID
			}
			break
		}
	}

	if runID == "" {
		runID, err = s.runs.StartRun(slot.TemplateName, runmanager.StartRunOptions{
			EcosystemVariant: slot.EcosystemVariant,
			AutoScheduled:    true,
		})
	}
	if err != nil {
		return err
	}

	slot.CurrentRunID = runID
	slot.LastRunAt = time.Now()
	s.armTimersLocked(*slot)
	metrics.SchedulerActiveRuns.Inc()
	s.bus.Publish(&events.Event{Type: events.EventTimeSliceStarted, RunID: runID})
	return s.persistLocked()
}

// armTimersLocked schedules the warning and expiry timers for slot's
// active run, replacing any timers already registered for this slot.
func (s *Scheduler) armTimersLocked(slot types.TemplateSlot) {
	key := slotKey(slot)
	s.clearTimersLocked(key)

	duration := time.Duration(slot.TimeSliceMinutes) * time.Minute
	if duration <= 0 {
		return
	}
	warnLead := duration / 2
	if warnLead > maxWarningLead {
		warnLead = maxWarningLead
	}
	runID := slot.CurrentRunID

	s.warningTimers[key] = time.AfterFunc(duration-warnLead, func() {
		s.bus.Publish(&events.Event{Type: events.EventTimeSliceEnding, RunID: runID})
	})
	s.expiryTimers[key] = time.AfterFunc(duration, func() {
		s.onTimeSliceExpired(key, runID)
	})
}

// clearTimersLocked stops and forgets any timers registered for key.
// Callers must hold s.mu.
func (s *Scheduler) clearTimersLocked(key string) {
	if t, ok := s.warningTimers[key]; ok {
		t.Stop()
		delete(s.warningTimers, key)
	}
	if t, ok := s.expiryTimers[key]; ok {
		t.Stop()
		delete(s.expiryTimers, key)
	}
}

// onTimeSliceExpired pauses runID's run, frees its slot, and attempts
// to fill it. A timer that fires after the slot already moved on
// (stale callback) is a no-op.
func (s *Scheduler) onTimeSliceExpired(key, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.findSlotByKeyLocked(key)
	if slot == nil || slot.CurrentRunID != runID {
		return
	}

	if err := s.runs.PauseRun(runID); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to pause run on time-slice expiry")
	}

	slot.TotalRunTimeMinutes += int64(slot.TimeSliceMinutes)
	slot.CurrentRunID = ""
	delete(s.warningTimers, key)
	delete(s.expiryTimers, key)
	metrics.SchedulerActiveRuns.Dec()
	metrics.SchedulerTimeSliceExpiredTotal.Inc()

	s.bus.Publish(&events.Event{Type: events.EventTimeSliceExpired, RunID: runID})
	_ = s.persistLocked()

	if s.state.Enabled && !s.state.Paused {
		s.fillSlotsLocked()
	}
}

// onRunEndedLocked reacts to a run-ended event for a run this scheduler
// may own: it frees the owning slot's timers, and applies failure
// back-off. Callers must hold s.mu.
func (s *Scheduler) onRunEndedLocked(runID, reason string) {
	slot := s.findSlotByRunIDLocked(runID)
	if slot != nil {
		s.clearTimersLocked(slotKey(*slot))
		slot.CurrentRunID = ""
		metrics.SchedulerActiveRuns.Dec()
	}

	if reason == "failed" {
		s.state.ConsecutiveFailures++
		metrics.SchedulerConsecutiveFailures.Set(float64(s.state.ConsecutiveFailures))
		if s.state.PauseOnFailure && s.state.ConsecutiveFailures >= s.state.MaxFailuresBeforePause {
			s.pauseSchedulerLocked(fmt.Sprintf("%d consecutive run failures", s.state.ConsecutiveFailures))
		}
	} else {
		s.state.ConsecutiveFailures = 0
		metrics.SchedulerConsecutiveFailures.Set(0)
	}

	_ = s.persistLocked()
	if s.state.Enabled && !s.state.Paused {
		s.fillSlotsLocked()
	}
}

// onRunStoppedLocked reacts to a user-initiated stop of a run this
// scheduler may own: the slot's timers are cleared immediately so no
// time-slice-expired can fire against a stopped run, and the freed slot
// is offered to the rotation. A user stop is neither a failure nor a
// completion, so the failure counter is left alone. Callers must hold
// s.mu.
func (s *Scheduler) onRunStoppedLocked(runID string) {
	slot := s.findSlotByRunIDLocked(runID)
	if slot == nil {
		return
	}

	s.clearTimersLocked(slotKey(*slot))
	slot.CurrentRunID = ""
	metrics.SchedulerActiveRuns.Dec()

	_ = s.persistLocked()
	if s.state.Enabled && !s.state.Paused {
		s.fillSlotsLocked()
	}
}

func (s *Scheduler) pauseSchedulerLocked(reason string) {
	s.state.Paused = true
	s.state.PauseReason = reason
	for key, t := range s.warningTimers {
		t.Stop()
		delete(s.warningTimers, key)
	}
	for key, t := range s.expiryTimers {
		t.Stop()
		delete(s.expiryTimers, key)
	}
	s.bus.Publish(&events.Event{Type: events.EventAutoRunStatusChange, Message: reason})
}

func (s *Scheduler) findSlotLocked(templateName, variant string) *types.TemplateSlot {
	for i := range s.state.Slots {
		if s.state.Slots[i].TemplateName == templateName && s.state.Slots[i].EcosystemVariant == variant {
			return &s.state.Slots[i]
		}
	}
	return nil
}

func (s *Scheduler) findSlotByKeyLocked(key string) *types.TemplateSlot {
	for i := range s.state.Slots {
		if slotKey(s.state.Slots[i]) == key {
			return &s.state.Slots[i]
		}
	}
	return nil
}

func (s *Scheduler) findSlotByRunIDLocked(runID string) *types.TemplateSlot {
	for i := range s.state.Slots {
		if s.state.Slots[i].CurrentRunID == runID {
			return &s.state.Slots[i]
		}
	}
	return nil
}

func slotKey(slot types.TemplateSlot) string {
	return slot.TemplateName + "|" + slot.EcosystemVariant
}

// persistLocked writes the current state to disk via a
// write-tmp/fsync/rename sequence. Callers must hold s.mu.
func (s *Scheduler) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("scheduler: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".auto-run-config-*.tmp")
	if err != nil {
		return fmt.Errorf("scheduler: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("scheduler: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("scheduler: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("scheduler: close temp: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}
