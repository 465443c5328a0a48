package syncmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/kromosynth/run-orchestrator/pkg/events"
	"github.com/kromosynth/run-orchestrator/pkg/log"
	"github.com/kromosynth/run-orchestrator/pkg/metrics"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// APIKeyHeader carries the central-sync API key on every upload/list
// request.
const APIKeyHeader = "X-Sync-API-Key"

// databaseFiles is the fixed set of database files mirrored by the
// database phase of a sync cycle, when present under the run's working
// directory.
var databaseFiles = []string{"genomes.sqlite", "features.sqlite"}

// analysisSubdirs is the fixed set of per-run subdirectories scanned by
// the analysis-file phase.
var analysisSubdirs = []string{"analysisResults", "generationFeatures"}

// maxErrorRecords bounds the per-run error ring.
const maxErrorRecords = 20

// firstTickDelay holds back a newly registered run's first periodic
// cycle so the compute process has created its first files.
var firstTickDelay = 30 * time.Second

// errAuth marks a 401/403 from the central service: fatal for the
// current cycle, never retried automatically.
var errAuth = errors.New("syncmgr: authentication rejected by central service")

// Config carries the Sync Manager's tunables. The zero value disables
// both sync phases.
type Config struct {
	Enabled    bool
	IntervalMS int
	OnPause    bool
	OnStop     bool

	// Database phase: <DBSyncTool> <local> <CentralHost>:<CentralPath>/<runId>/<file>
	CentralHost string
	CentralPath string
	DBSyncTool  string

	// Analysis-file phase.
	ServiceURL string
	APIKey     string

	RetryMaxAttempts int
	FileSyncTimeout  time.Duration
	HTTPTimeout      time.Duration
}

// EventPublisher is the subset of pkg/events.Broker this package needs.
type EventPublisher interface {
	Publish(event *events.Event)
}

// DBSyncRunner invokes the external incremental-binary-sync tool for one
// database file. Injected so tests can substitute a fake for the child
// process.
type DBSyncRunner func(ctx context.Context, tool, localPath, remoteTarget string) error

func execDBSync(ctx context.Context, tool, localPath, remoteTarget string) error {
	cmd := exec.CommandContext(ctx, tool, localPath, remoteTarget)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s %s: %w: %s", tool, localPath, remoteTarget, err, bytes.TrimSpace(out))
	}
	return nil
}

// runEntry is the in-memory tracking record for one registered run.
type runEntry struct {
	runID        string
	templateName string
	variant      string

	syncing      bool // per-run cycle guard
	timerStop    chan struct{}
	timerStopped bool
}

// Manager is the Sync Manager. Distinct runs sync in parallel; cycles
// for the same run are serialized by the per-run guard.
type Manager struct {
	cfg         Config
	workingRoot string
	statePath   string
	publisher   EventPublisher

	httpClient *retryablehttp.Client
	dbSync     DBSyncRunner

	mu     sync.Mutex
	runs   map[string]*runEntry
	states map[string]*types.SyncState

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a Manager and loads any persisted per-run sync state from
// statePath. It does not start any timers; runs register individually.
func New(cfg Config, workingRoot, statePath string, publisher EventPublisher) (*Manager, error) {
	if cfg.DBSyncTool == "" {
		cfg.DBSyncTool = "rsync"
	}
	if cfg.FileSyncTimeout <= 0 {
		cfg.FileSyncTimeout = 5 * time.Minute
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.IntervalMS <= 0 {
		cfg.IntervalMS = 5 * 60 * 1000
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 5
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.HTTPTimeout
	client.Logger = nil
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		// 4xx responses are decisions, not transient failures; 401/403
		// in particular must not be retried per the error taxonomy.
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	m := &Manager{
		cfg:         cfg,
		workingRoot: workingRoot,
		statePath:   statePath,
		publisher:   publisher,
		httpClient:  client,
		dbSync:      execDBSync,
		runs:        make(map[string]*runEntry),
		states:      make(map[string]*types.SyncState),
		logger:      log.WithComponent("syncmgr"),
	}
	if err := m.loadStates(); err != nil {
		return nil, err
	}
	return m, nil
}

// Register starts tracking a run: restores or creates its persisted
// state, announces it to the central service (advisory), and arms its
// periodic timer. Registering an already-registered run is a no-op.
func (m *Manager) Register(runID, templateName, variant string) {
	m.mu.Lock()
	if _, ok := m.runs[runID]; ok {
		m.mu.Unlock()
		return
	}
	e := &runEntry{
		runID:        runID,
		templateName: templateName,
		variant:      variant,
		timerStop:    make(chan struct{}),
	}
	m.runs[runID] = e
	if _, ok := m.states[runID]; !ok {
		m.states[runID] = &types.SyncState{RunID: runID}
	}
	m.mu.Unlock()

	// Central registration is advisory and must not hold up the caller's
	// run start.
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.registerRemote(runID, templateName, variant)
	}()
	go m.periodicLoop(e)
}

// Unregister stops a run's periodic timer and drops its in-memory
// tracking entry. The persisted sync state is kept so the record of
// what was mirrored survives the run.
func (m *Manager) Unregister(runID string) {
	m.mu.Lock()
	e, ok := m.runs[runID]
	if ok {
		delete(m.runs, runID)
		if !e.timerStopped {
			e.timerStopped = true
			close(e.timerStop)
		}
	}
	m.mu.Unlock()
}

// TriggerSync runs one sync cycle for runID synchronously. Callers rely
// on this: the Run Manager invokes it for the final sync before
// emitting run-ended, per the ordering guarantees. Pause and stop
// triggers are honored only when the corresponding toggle is on; if a
// cycle is already in flight for this run, TriggerSync returns without
// starting a second one.
func (m *Manager) TriggerSync(runID, reason string) {
	switch reason {
	case "pause":
		if !m.cfg.OnPause {
			return
		}
	case "stop":
		if !m.cfg.OnStop {
			return
		}
	}
	m.runCycle(runID)
}

// TimerActive reports whether runID's periodic timer is still armed.
// The timer self-cancels once consecutive cycle failures reach
// RetryMaxAttempts; manual triggering keeps working after that.
func (m *Manager) TimerActive(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.runs[runID]
	return ok && !e.timerStopped
}

// State returns a copy of runID's sync state, if known.
func (m *Manager) State(runID string) (types.SyncState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[runID]
	if !ok {
		return types.SyncState{}, false
	}
	return *st, true
}

// Stop cancels every periodic timer, waits for the loops to exit, and
// persists the final state.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, e := range m.runs {
		if !e.timerStopped {
			e.timerStopped = true
			close(e.timerStop)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist sync state on shutdown")
	}
}

func (m *Manager) periodicLoop(e *runEntry) {
	defer m.wg.Done()

	select {
	case <-time.After(firstTickDelay):
	case <-e.timerStop:
		return
	}
	m.runCycle(e.runID)

	ticker := time.NewTicker(time.Duration(m.cfg.IntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runCycle(e.runID)
		case <-e.timerStop:
			return
		}
	}
}

// runCycle performs one database-then-files sync pass for runID. The
// per-run guard makes it a no-op while another cycle for the same run
// is in flight; cycles for distinct runs proceed in parallel.
func (m *Manager) runCycle(runID string) {
	m.mu.Lock()
	e, ok := m.runs[runID]
	if !ok || e.syncing {
		m.mu.Unlock()
		return
	}
	e.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		e.syncing = false
		m.mu.Unlock()
	}()

	m.publisher.Publish(&events.Event{Type: events.EventSyncStarted, RunID: runID})

	dbErrs, dbRan := m.syncDatabases(runID)
	fileErrs, uploaded, filesRan := m.syncAnalysisFiles(runID)

	now := time.Now()
	m.mu.Lock()
	st, ok := m.states[runID]
	if !ok {
		st = &types.SyncState{RunID: runID}
		m.states[runID] = st
	}
	if dbRan {
		st.LastDBSync = now
		st.DBSyncCount++
	}
	if filesRan {
		st.LastFileSync = now
		st.FileUploadCount += int64(uploaded)
	}
	allErrs := append(dbErrs, fileErrs...)
	st.Errors = append(st.Errors, allErrs...)
	if len(st.Errors) > maxErrorRecords {
		st.Errors = st.Errors[len(st.Errors)-maxErrorRecords:]
	}

	failed := len(allErrs) > 0
	if failed {
		st.ConsecutiveErrors++
		if st.ConsecutiveErrors >= m.cfg.RetryMaxAttempts && !e.timerStopped {
			e.timerStopped = true
			close(e.timerStop)
			m.logger.Warn().Str("run_id", runID).Int("consecutive_errors", st.ConsecutiveErrors).
				Msg("stopping periodic sync after repeated failures, manual trigger still available")
		}
	} else {
		st.ConsecutiveErrors = 0
	}
	if err := m.persistLocked(); err != nil {
		m.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to persist sync state")
	}
	m.mu.Unlock()

	if failed {
		m.publisher.Publish(&events.Event{
			Type:    events.EventSyncError,
			RunID:   runID,
			Message: fmt.Sprintf("%d errors during sync cycle", len(allErrs)),
		})
		return
	}
	m.publisher.Publish(&events.Event{Type: events.EventSyncCompleted, RunID: runID})
}

// syncDatabases mirrors the fixed database-file set through the
// external binary-sync tool. A per-file failure is recorded and the
// next file still syncs.
func (m *Manager) syncDatabases(runID string) (errs []types.SyncErrorRecord, ran bool) {
	if !m.cfg.Enabled || m.cfg.CentralHost == "" {
		return nil, false
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SyncCycleDuration, "database")

	dir := filepath.Join(m.workingRoot, runID)
	for _, fname := range databaseFiles {
		local := filepath.Join(dir, fname)
		if _, err := os.Stat(local); err != nil {
			continue
		}
		ran = true
		remote := fmt.Sprintf("%s:%s", m.cfg.CentralHost, path.Join(m.cfg.CentralPath, runID, fname))

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FileSyncTimeout)
		err := m.dbSync(ctx, m.cfg.DBSyncTool, local, remote)
		cancel()
		if err != nil {
			metrics.SyncErrorsTotal.WithLabelValues("database").Inc()
			errs = append(errs, types.SyncErrorRecord{
				At:      time.Now(),
				Phase:   "database",
				Target:  remote,
				Message: err.Error(),
			})
			m.logger.Warn().Err(err).Str("run_id", runID).Str("file", fname).Msg("database sync failed")
		}
	}
	return errs, ran
}

// syncAnalysisFiles uploads every local analysis file the central
// replica does not yet list. A 401/403 aborts the whole phase.
func (m *Manager) syncAnalysisFiles(runID string) (errs []types.SyncErrorRecord, uploaded int, ran bool) {
	if !m.cfg.Enabled || m.cfg.ServiceURL == "" || m.cfg.APIKey == "" {
		return nil, 0, false
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SyncCycleDuration, "analysis")

	for _, subdir := range analysisSubdirs {
		remote, err := m.listRemote(runID, subdir)
		if err != nil {
			metrics.SyncErrorsTotal.WithLabelValues("analysis").Inc()
			errs = append(errs, types.SyncErrorRecord{
				At:      time.Now(),
				Phase:   "analysis",
				Target:  subdir,
				Message: err.Error(),
			})
			if errors.Is(err, errAuth) {
				return errs, uploaded, true
			}
			continue
		}
		ran = true

		localDir := filepath.Join(m.workingRoot, runID, subdir)
		entries, err := os.ReadDir(localDir)
		if err != nil {
			if !os.IsNotExist(err) {
				m.logger.Warn().Err(err).Str("run_id", runID).Str("subdir", subdir).Msg("cannot read analysis directory")
			}
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || remote[entry.Name()] {
				continue
			}
			if err := m.uploadFile(runID, subdir, filepath.Join(localDir, entry.Name())); err != nil {
				metrics.SyncErrorsTotal.WithLabelValues("analysis").Inc()
				errs = append(errs, types.SyncErrorRecord{
					At:      time.Now(),
					Phase:   "analysis",
					Target:  path.Join(subdir, entry.Name()),
					Message: err.Error(),
				})
				if errors.Is(err, errAuth) {
					return errs, uploaded, true
				}
				continue
			}
			uploaded++
			metrics.SyncFilesUploadedTotal.Inc()
		}
	}
	return errs, uploaded, ran
}

type remoteFileList struct {
	Files []struct {
		Name string `json:"name"`
	} `json:"files"`
}

// listRemote fetches the set of file names the central replica already
// holds for one subdirectory. A 404 means the run is not yet registered
// there and is treated as an empty set, not an error.
func (m *Manager) listRemote(runID, subdir string) (map[string]bool, error) {
	url := fmt.Sprintf("%s/api/sync/analysis/%s/list?subdir=%s", m.cfg.ServiceURL, runID, subdir)
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("syncmgr: build list request: %w", err)
	}
	req.Header.Set(APIKeyHeader, m.cfg.APIKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("syncmgr: list %s/%s: %w", runID, subdir, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return map[string]bool{}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: list returned %d", errAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("syncmgr: list %s/%s: unexpected status %d", runID, subdir, resp.StatusCode)
	}

	var list remoteFileList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("syncmgr: decode list response: %w", err)
	}
	names := make(map[string]bool, len(list.Files))
	for _, f := range list.Files {
		names[f.Name] = true
	}
	return names, nil
}

// uploadFile POSTs one analysis file as multipart form data.
func (m *Manager) uploadFile(runID, subdir, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("syncmgr: open %s: %w", localPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(localPath)))
	header.Set("Content-Type", "application/gzip")
	part, err := w.CreatePart(header)
	if err != nil {
		return fmt.Errorf("syncmgr: create multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("syncmgr: read %s: %w", localPath, err)
	}
	if err := w.WriteField("subdir", subdir); err != nil {
		return fmt.Errorf("syncmgr: write subdir field: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("syncmgr: finish multipart: %w", err)
	}

	url := fmt.Sprintf("%s/api/sync/analysis/%s", m.cfg.ServiceURL, runID)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, buf.Bytes())
	if err != nil {
		return fmt.Errorf("syncmgr: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(APIKeyHeader, m.cfg.APIKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("syncmgr: upload %s: %w", localPath, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: upload returned %d", errAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("syncmgr: upload %s: unexpected status %d", localPath, resp.StatusCode)
	}
	return nil
}

// registerRemote announces a run to the central service. Registration
// is advisory; failures are logged and never fail the caller.
func (m *Manager) registerRemote(runID, templateName, variant string) {
	if !m.cfg.Enabled || m.cfg.ServiceURL == "" || m.cfg.APIKey == "" {
		return
	}

	body, err := json.Marshal(map[string]string{
		"templateName":     templateName,
		"ecosystemVariant": variant,
		"startedAt":        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("%s/api/sync/register/%s", m.cfg.ServiceURL, runID)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, m.cfg.APIKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn().Err(err).Str("run_id", runID).Msg("central registration failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Warn().Str("run_id", runID).Int("status", resp.StatusCode).Msg("central registration rejected")
	}
}

// loadStates reads the persisted sync-state file, if present.
func (m *Manager) loadStates() error {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("syncmgr: read %s: %w", m.statePath, err)
	}
	var states map[string]*types.SyncState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("syncmgr: unmarshal %s: %w", m.statePath, err)
	}
	m.states = states
	return nil
}

// persistLocked writes the state map via write-tmp/fsync/rename.
// Callers must hold m.mu.
func (m *Manager) persistLocked() error {
	data, err := json.MarshalIndent(m.states, "", "  ")
	if err != nil {
		return fmt.Errorf("syncmgr: marshal state: %w", err)
	}

	dir := filepath.Dir(m.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("syncmgr: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sync-state-*.tmp")
	if err != nil {
		return fmt.Errorf("syncmgr: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("syncmgr: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncmgr: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("syncmgr: close temp: %w", err)
	}
	return os.Rename(tmpPath, m.statePath)
}
