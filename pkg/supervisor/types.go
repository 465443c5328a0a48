package supervisor

import (
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/types"
)

// StreamCategory is one of the three categories in the supervisor's event
// stream contract.
type StreamCategory string

const (
	CategoryLog     StreamCategory = "log"
	CategoryMessage StreamCategory = "message"
	CategoryEvent   StreamCategory = "event"
)

// LifecycleKind names the lifecycle transition an "event"-category
// StreamEvent reports.
type LifecycleKind string

const (
	LifecycleStart   LifecycleKind = "start"
	LifecycleRestart LifecycleKind = "restart"
	LifecycleExit    LifecycleKind = "exit"
)

// StreamEvent is one item published on the supervisor's event stream. Only
// the fields relevant to Category are populated.
type StreamEvent struct {
	Category    StreamCategory
	ProcessName string
	Timestamp   time.Time

	// CategoryLog
	Stream string // "stdout" or "stderr"
	Line   string

	// CategoryMessage
	Payload map[string]any

	// CategoryEvent
	Kind     LifecycleKind
	ExitCode *int
}

// Spec declares one logical process the supervisor should start. Instances
// > 1 spawns that many replicas, each with its own process name and (in
// ExecutionModeCluster) its own contiguous port.
type Spec struct {
	// LogicalName is the service kind or fixed compute prefix, before the
	// run-id suffix is appended by the supervisor.
	LogicalName string
	RunID       string
	// Compute marks the run's single compute process; it is named with
	// names.Compute rather than names.Service so the two name spaces
	// stay distinguishable when demultiplexing the event stream.
	Compute bool

	Executable  string
	Interpreter string
	Args        []string
	WorkingDir  string
	Env         map[string]string

	Instances int
	Mode      types.ExecutionMode
	BasePort  int // 0 = no port passed to the child

	Stateful           bool
	MaxMemoryRestartMB int
	RestartCron        string // "<minute> */2 * * *"; empty = no periodic restart
	AutoRestart        bool

	LogDir string // directory for per-run rolling log files; empty disables file logging
}
