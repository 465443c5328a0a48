package types

import (
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusStarting   RunStatus = "starting"
	RunStatusRunning    RunStatus = "running"
	RunStatusPaused     RunStatus = "paused"
	RunStatusStopped    RunStatus = "stopped"
	RunStatusTerminated RunStatus = "terminated"
	RunStatusFailed     RunStatus = "failed"
)

// LegalTransitions enumerates every status a Run may move to from a given
// status. The Run Manager checks it before pausing a run; ResumeRun also
// accepts stopped and failed runs, which are not listed here.
var LegalTransitions = map[RunStatus][]RunStatus{
	RunStatusStarting: {RunStatusRunning, RunStatusFailed, RunStatusStopped},
	RunStatusRunning:  {RunStatusStopped, RunStatusTerminated, RunStatusFailed, RunStatusPaused},
	RunStatusPaused:   {RunStatusRunning, RunStatusStopped},
}

// IsLegalTransition reports whether a Run may move from 'from' to 'to'.
func IsLegalTransition(from, to RunStatus) bool {
	for _, allowed := range LegalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is one of the three terminal states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusStopped, RunStatusTerminated, RunStatusFailed:
		return true
	default:
		return false
	}
}

// ExecutionMode controls how a service's replicas bind ports.
type ExecutionMode string

const (
	// ExecutionModeCluster places N replicas on contiguous ports starting at
	// the service's base port.
	ExecutionModeCluster ExecutionMode = "cluster"
	// ExecutionModeFork runs N fully independent replicas; every replica is
	// given the service's base port unchanged.
	ExecutionModeFork ExecutionMode = "fork"
)

// ServiceKind is the closed set of auxiliary process kinds the resolver may
// produce.
type ServiceKind string

const (
	ServiceKindVariation         ServiceKind = "variation"
	ServiceKindRender            ServiceKind = "render"
	ServiceKindFeatureClap       ServiceKind = "featureClap"
	ServiceKindGenericFeatures   ServiceKind = "genericFeatures"
	ServiceKindRefFeatures       ServiceKind = "refFeatures"
	ServiceKindQDHFProjection    ServiceKind = "qdhfProjection"
	ServiceKindUMAPProjection    ServiceKind = "umapProjection"
	ServiceKindQualityMusicality ServiceKind = "qualityMusicality"
	ServiceKindPyribs            ServiceKind = "pyribs"
)

// defaultPortOffsets gives each service kind its deterministic sub-offset
// within a run's allocated interval, spaced by 10 as required by §4.A.
var defaultPortOffsets = map[ServiceKind]int{
	ServiceKindVariation:         51,
	ServiceKindRender:            61,
	ServiceKindFeatureClap:       71,
	ServiceKindGenericFeatures:   81,
	ServiceKindRefFeatures:       91,
	ServiceKindQDHFProjection:    101,
	ServiceKindUMAPProjection:    111,
	ServiceKindQualityMusicality: 121,
	ServiceKindPyribs:            131,
}

// DefaultPortOffset returns the deterministic sub-offset for kind, and false
// if kind is not in the closed set.
func DefaultPortOffset(kind ServiceKind) (int, bool) {
	offset, ok := defaultPortOffsets[kind]
	return offset, ok
}

// ServiceDefinition is a declarative record of one auxiliary process,
// produced by the Service Graph Resolver (C) and consumed by the
// Service-Dependency Manager (D) and Process Supervisor (B).
type ServiceDefinition struct {
	Kind          ServiceKind
	Instances     int
	Mode          ExecutionMode
	Stateful      bool
	MemoryLimitMB int // 0 = no ceiling; stateful services ignore this field
	BasePort      int
	// RestartCron is a "<minute> */2 * * *" expression; empty for stateful
	// kinds, which are never auto-restarted.
	RestartCron string

	Executable  string
	Interpreter string // optional, e.g. "python3" or "node"
	Args        []string
	WorkingDir  string
	Env         map[string]string
}

// Allocation is a half-open port interval [Start, Start+Size) reserved for
// exactly one run.
type Allocation struct {
	RunID string
	Start int
	Size  int
}

// End returns the exclusive upper bound of the interval.
func (a Allocation) End() int {
	return a.Start + a.Size
}

// Overlaps reports whether a and b share any port.
func (a Allocation) Overlaps(b Allocation) bool {
	return a.Start < b.End() && b.Start < a.End()
}

// ServiceStatus mirrors the Process Supervisor's process-table status.
type ServiceStatus string

const (
	ServiceStatusOnline    ServiceStatus = "online"
	ServiceStatusStopped   ServiceStatus = "stopped"
	ServiceStatusErrored   ServiceStatus = "errored"
	ServiceStatusLaunching ServiceStatus = "launching"
	ServiceStatusStopping  ServiceStatus = "stopping"
	ServiceStatusStarted   ServiceStatus = "started" // transient result of D.startServicesForRun
	ServiceStatusFailed    ServiceStatus = "failed"  // transient result of D.startServicesForRun
)

// ServiceInstanceStatus is a snapshot of one running auxiliary process.
type ServiceInstanceStatus struct {
	Name      string
	Kind      ServiceKind
	Status    ServiceStatus
	Pid       int32
	CPUPct    float64
	RSSBytes  uint64
	Port      int
	StartedAt time.Time
}

// ServiceInfo is the concrete result of bringing up a run's service
// cluster: its port allocation, the resolved service-URL map the compute
// process is wired to, and the live per-service status list.
type ServiceInfo struct {
	Allocation  Allocation
	ServiceURLs map[ServiceKind][]string
	Instances   []ServiceInstanceStatus
}

// Progress is a run's monotonic progress vector, updated by the
// ProgressParser as the compute process's logs are scanned.
type Progress struct {
	Generation        int
	TotalGenerations  int
	Coverage          float64 // [0,1]
	QDScore           *float64
	BestFitness       *float64
	CompletionPercent *float64
	UpdatedAt         time.Time
}

// Run is the central entity: one attempt at a long-running evolutionary
// search. The Run Manager is the only component that mutates a Run; every
// other component takes a run id and asks the manager to act.
type Run struct {
	ID               string
	TemplateName     string
	EcosystemVariant string
	Status           RunStatus

	CreatedAt    time.Time
	StartedAt    time.Time
	PausedAt     time.Time
	ResumedAt    time.Time
	StoppedAt    time.Time
	TerminatedAt time.Time
	FailedAt     time.Time

	PauseCount         int
	TotalActiveMillis  int64
	TimeSliceStartedAt time.Time

	AutoScheduled bool
	// PausedByScheduler is true only when the scheduler itself paused this
	// run on quota expiry. StopRun clears it unconditionally so a later
	// scheduler tick cannot mistake a user-stopped run for one it parked.
	PausedByScheduler bool

	ComputeProcessName string
	WorkingDir         string

	ServiceInfo ServiceInfo
	Progress    Progress

	ComputeConfigPath     string
	HyperparametersPath   string
	RunsWrapperConfigPath string

	ExitCode *int
}

// SyncErrorRecord is one entry in a run's bounded sync-error ring.
type SyncErrorRecord struct {
	At      time.Time
	Phase   string // "database" or "analysis"
	Target  string
	Message string
}

// SyncState is the per-run persisted state the Sync Manager (H) maintains.
type SyncState struct {
	RunID             string
	LastDBSync        time.Time
	LastFileSync      time.Time
	DBSyncCount       int64
	FileUploadCount   int64
	ConsecutiveErrors int
	Errors            []SyncErrorRecord // bounded to 20, newest last
}

// SchedulerMode selects how the Auto-Run Scheduler picks the next template
// slot to fill.
type SchedulerMode string

const (
	SchedulerModeRoundRobin SchedulerMode = "round-robin"
	SchedulerModePriority   SchedulerMode = "priority"
)

// TemplateSlot is one entry in the scheduler's rotation.
type TemplateSlot struct {
	TemplateName        string
	EcosystemVariant    string
	Enabled             bool
	Priority            int
	TimeSliceMinutes    int
	CurrentRunID        string
	LastRunAt           time.Time
	TotalRunTimeMinutes int64
}

// SchedulerState is the persisted configuration of the Auto-Run Scheduler.
type SchedulerState struct {
	Slots                  []TemplateSlot
	MaxConcurrent          int
	Mode                   SchedulerMode
	ConsecutiveFailures    int
	PauseOnFailure         bool
	MaxFailuresBeforePause int
	Paused                 bool
	PauseReason            string
	Enabled                bool
}
