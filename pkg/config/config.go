package config

import (
	"fmt"
	"os"
	"time"

	jsonparser "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from every KROMO_-prefixed environment variable
// before it is mapped onto a koanf path, e.g. KROMO_SYNC_INTERVAL_MS ->
// sync.intervalms.
const EnvPrefix = "KROMO_"

// GlobalDefaultsPath is the default location of the lowest-priority
// per-run option file.
const GlobalDefaultsPath = "working/global-defaults.json"

// PathsConfig names the filesystem locations and interpreters the
// supervisor and resolver need to spawn auxiliary and compute processes.
type PathsConfig struct {
	WorkingDir        string `koanf:"workingdir"`
	LogsDir           string `koanf:"logsdir"`
	KromosynthCLI     string `koanf:"kromosynthcli"`
	NodeInterpreter   string `koanf:"nodeinterpreter"`
	PythonInterpreter string `koanf:"pythoninterpreter"`
	ModelsDir         string `koanf:"modelsdir"`
}

// SyncConfig carries the Sync Manager's tunables, layered struct defaults
// -> file -> env exactly like every other option group.
type SyncConfig struct {
	Enabled          bool          `koanf:"enabled"`
	IntervalMS       int           `koanf:"intervalms"`
	OnPause          bool          `koanf:"onpause"`
	OnStop           bool          `koanf:"onstop"`
	CentralHost      string        `koanf:"centralhost"`
	CentralPath      string        `koanf:"centralpath"`
	DBSyncTool       string        `koanf:"dbsynctool"`
	ServiceURL       string        `koanf:"serviceurl"`
	APIKey           string        `koanf:"apikey"`
	RetryMaxAttempts int           `koanf:"retrymaxattempts"`
	FileSyncTimeout  time.Duration `koanf:"filesynctimeout"`
	HTTPTimeout      time.Duration `koanf:"httptimeout"`
}

// SchedulerConfig seeds the Auto-Run Scheduler's persisted state the
// first time it initializes; on every later startup the persisted file
// at working/auto-run-config.json is authoritative and this is ignored.
type SchedulerConfig struct {
	Enabled                bool   `koanf:"enabled"`
	MaxConcurrent          int    `koanf:"maxconcurrent"`
	Mode                   string `koanf:"mode"`
	PauseOnFailure         bool   `koanf:"pauseonfailure"`
	MaxFailuresBeforePause int    `koanf:"maxfailuresbeforepause"`
}

// Defaults is the process-wide configuration object, built by Load and
// passed explicitly to every component at construction.
type Defaults struct {
	Paths     PathsConfig     `koanf:"paths"`
	Sync      SyncConfig      `koanf:"sync"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
}

func structDefaults() *Defaults {
	return &Defaults{
		Paths: PathsConfig{
			WorkingDir:        "working",
			LogsDir:           "logs",
			KromosynthCLI:     "kromosynth-cli.js",
			NodeInterpreter:   "node",
			PythonInterpreter: "python3",
			ModelsDir:         "models",
		},
		Sync: SyncConfig{
			Enabled:          true,
			IntervalMS:       5 * 60 * 1000,
			OnPause:          true,
			OnStop:           true,
			DBSyncTool:       "rsync",
			RetryMaxAttempts: 5,
			FileSyncTimeout:  5 * time.Minute,
			HTTPTimeout:      30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:                false,
			MaxConcurrent:          1,
			Mode:                   "priority",
			PauseOnFailure:         true,
			MaxFailuresBeforePause: 3,
		},
	}
}

// Load composes struct defaults, the global-defaults.json file (if
// present), and KROMO_-prefixed environment variables, in that
// precedence order, and unmarshals the result into a Defaults value.
func Load(globalDefaultsPath string) (*Defaults, error) {
	if globalDefaultsPath == "" {
		globalDefaultsPath = GlobalDefaultsPath
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(structDefaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load struct defaults: %w", err)
	}

	if _, err := os.Stat(globalDefaultsPath); err == nil {
		if err := k.Load(file.Provider(globalDefaultsPath), jsonparser.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", globalDefaultsPath, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Defaults{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// envTransform maps KROMO_SYNC_INTERVAL_MS -> sync.intervalms: the first
// underscore after the prefix separates the group from the field, and
// later underscores are dropped.
func envTransform(s string) string {
	rest := s[len(EnvPrefix):]
	out := make([]byte, 0, len(rest))
	dotted := false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c == '_':
			if !dotted {
				out = append(out, '.')
				dotted = true
			}
		case c >= 'A' && c <= 'Z':
			out = append(out, c-'A'+'a')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
