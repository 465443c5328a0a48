package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kromosynth/run-orchestrator/pkg/types"
)

// NotFoundError is returned by Loader.Load when no template file exists
// for the requested name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("templates: %q not found", e.Name)
}

// Loader reads template files from a fixed directory, one JSONC file
// per template named "<templateName>.jsonc".
type Loader struct {
	Dir string
}

// NewLoader creates a Loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{Dir: dir}
}

// fileShape mirrors the on-disk template file: computeRunConfig and
// hyperparameters pass straight through to types.RunConfig / a raw map,
// and ecosystem declares the variant -> service-definition list.
type fileShape struct {
	ComputeRunConfig json.RawMessage          `json:"computeRunConfig"`
	Hyperparameters  map[string]any           `json:"hyperparameters"`
	Ecosystem        map[string]ecosystemFile `json:"ecosystem"`
}

type ecosystemFile struct {
	Services []serviceFile `json:"services"`
}

type serviceFile struct {
	Kind          string            `json:"kind"`
	Instances     int               `json:"instances"`
	Mode          string            `json:"mode"`
	Stateful      bool              `json:"stateful"`
	MemoryLimitMB int               `json:"memoryLimitMB"`
	BasePort      int               `json:"basePort"`
	RestartCron   string            `json:"restartCron"`
	Executable    string            `json:"executable"`
	Interpreter   string            `json:"interpreter"`
	Args          []string          `json:"args"`
	WorkingDir    string            `json:"workingDir"`
	Env           map[string]string `json:"env"`
}

// Exists reports whether a template file exists for name.
func (l *Loader) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(l.Dir, name+".jsonc"))
	return err == nil
}

// Load reads "<dir>/<name>.jsonc", strips its comments, and unmarshals
// it into a types.Template.
func (l *Loader) Load(name string) (*types.Template, error) {
	path := filepath.Join(l.Dir, name+".jsonc")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, fmt.Errorf("templates: read %s: %w", path, err)
	}

	stripped := StripComments(raw)

	var fs fileShape
	if err := json.Unmarshal(stripped, &fs); err != nil {
		return nil, fmt.Errorf("templates: parse %s: %w", path, err)
	}

	var cfg types.RunConfig
	if len(fs.ComputeRunConfig) > 0 {
		if err := json.Unmarshal(fs.ComputeRunConfig, &cfg); err != nil {
			return nil, fmt.Errorf("templates: parse computeRunConfig in %s: %w", path, err)
		}
		var passthrough map[string]any
		if err := json.Unmarshal(fs.ComputeRunConfig, &passthrough); err == nil {
			cfg.Passthrough = passthrough
		}
	}

	tmpl := &types.Template{
		Name:             name,
		ComputeRunConfig: cfg,
		Hyperparameters:  fs.Hyperparameters,
		Variants:         make(map[string]types.EcosystemVariant, len(fs.Ecosystem)),
	}

	for variantName, ev := range fs.Ecosystem {
		services := make([]types.ServiceDefinition, 0, len(ev.Services))
		for _, sf := range ev.Services {
			services = append(services, types.ServiceDefinition{
				Kind:          types.ServiceKind(sf.Kind),
				Instances:     sf.Instances,
				Mode:          types.ExecutionMode(sf.Mode),
				Stateful:      sf.Stateful,
				MemoryLimitMB: sf.MemoryLimitMB,
				BasePort:      sf.BasePort,
				RestartCron:   sf.RestartCron,
				Executable:    sf.Executable,
				Interpreter:   sf.Interpreter,
				Args:          sf.Args,
				WorkingDir:    sf.WorkingDir,
				Env:           sf.Env,
			})
		}
		tmpl.Variants[variantName] = types.EcosystemVariant{Name: variantName, Services: services}
	}

	return tmpl, nil
}

// StripComments removes "//" line comments and "/* */" block comments
// from a JSONC document, leaving string literals untouched. It is a
// small hand-rolled scanner rather than a full JSON tokenizer: good
// enough for the config dialect this system's templates use.
func StripComments(src []byte) []byte {
	var out strings.Builder
	out.Grow(len(src))

	inString := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}

		if c == '/' && i+1 < len(src) && src[i+1] == '/' {
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				out.WriteByte('\n')
			}
			continue
		}

		if c == '/' && i+1 < len(src) && src[i+1] == '*' {
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i++ // skip '/'
			continue
		}

		out.WriteByte(c)
	}

	return []byte(out.String())
}
