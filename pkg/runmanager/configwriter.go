package runmanager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kromosynth/run-orchestrator/pkg/types"
)

const (
	computeConfigFile     = "evolution-run-config.jsonc"
	hyperparametersFile   = "evolutionary-hyperparameters.jsonc"
	runsWrapperConfigFile = "evolution-runs-config.jsonc"
)

// evoRunsWrapper is the file the compute process actually reads on start;
// it points at the other two files and names the iteration it should run.
type evoRunsWrapper struct {
	BaseEvolutionRunConfigFile          string        `json:"baseEvolutionRunConfigFile"`
	BaseEvolutionaryHyperparametersFile string        `json:"baseEvolutionaryHyperparametersFile"`
	EvoRuns                             []evoRunEntry `json:"evoRuns"`
	CurrentEvolutionRunIndex            int           `json:"currentEvolutionRunIndex"`
	CurrentEvolutionRunIteration        int           `json:"currentEvolutionRunIteration"`
}

type evoRunEntry struct {
	Label      string            `json:"label"`
	Iterations []evoRunIteration `json:"iterations"`
}

type evoRunIteration struct {
	ID string `json:"id"`
}

// writeWorkingConfig writes the three working-config files a compute
// process reads on start into run.WorkingDir, injecting serviceURLs into
// the compute-run config's endpoint fields first, and records their
// paths onto run.
func writeWorkingConfig(run *types.Run, tmpl *types.Template, serviceURLs map[types.ServiceKind][]string) error {
	if err := os.MkdirAll(run.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("runmanager: mkdir %s: %w", run.WorkingDir, err)
	}

	cfg := injectEndpoints(tmpl.ComputeRunConfig, serviceURLs)
	cfgMap, err := cfg.ToMap()
	if err != nil {
		return fmt.Errorf("runmanager: serialize compute run config: %w", err)
	}

	computeConfigPath := filepath.Join(run.WorkingDir, computeConfigFile)
	if err := writeJSONFile(computeConfigPath, cfgMap); err != nil {
		return err
	}

	hpPath := filepath.Join(run.WorkingDir, hyperparametersFile)
	if err := writeJSONFile(hpPath, tmpl.Hyperparameters); err != nil {
		return err
	}

	label := run.EcosystemVariant
	if label == "" {
		label = "default"
	}
	wrapper := evoRunsWrapper{
		BaseEvolutionRunConfigFile:          computeConfigFile,
		BaseEvolutionaryHyperparametersFile: hyperparametersFile,
		EvoRuns: []evoRunEntry{
			{
				Label: label,
				Iterations: []evoRunIteration{
					{ID: fmt.Sprintf("%s_%s", run.ID, label)},
				},
			},
		},
	}
	wrapperPath := filepath.Join(run.WorkingDir, runsWrapperConfigFile)
	if err := writeJSONFile(wrapperPath, wrapper); err != nil {
		return err
	}

	run.ComputeConfigPath = computeConfigPath
	run.HyperparametersPath = hpPath
	run.RunsWrapperConfigPath = wrapperPath
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("runmanager: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("runmanager: write %s: %w", path, err)
	}
	return nil
}

// injectEndpoints overlays the resolved service-URL map onto cfg's
// classifier endpoint fields, matching each field to the service kind
// the resolver detected it as requiring (pkg/resolver's detection
// rules, applied in reverse).
func injectEndpoints(cfg types.RunConfig, serviceURLs map[types.ServiceKind][]string) types.RunConfig {
	for ci := range cfg.Classifiers {
		for cj := range cfg.Classifiers[ci].ClassConfigurations {
			cc := &cfg.Classifiers[ci].ClassConfigurations[cj]

			switch {
			case cc.FeatureExtractionType == "clap":
				setIfResolved(&cc.FeatureExtractionEndpoint, serviceURLs, types.ServiceKindFeatureClap)
			case cc.FeatureExtractionType == "vggish" || strings.Contains(cc.FeatureExtractionEndpoint, "/vggish"):
				setIfResolved(&cc.FeatureExtractionEndpoint, serviceURLs, types.ServiceKindGenericFeatures)
			}

			if len(cc.ZScoreNormalisationReferenceFeaturesPaths) > 0 || strings.Contains(cc.ReferenceFeaturesEndpoint, "reference_embedding") {
				setIfResolved(&cc.ReferenceFeaturesEndpoint, serviceURLs, types.ServiceKindRefFeatures)
			}

			switch {
			case strings.Contains(cc.ProjectionEndpoint, "qdhf"):
				setIfResolved(&cc.ProjectionEndpoint, serviceURLs, types.ServiceKindQDHFProjection)
			case strings.Contains(cc.ProjectionEndpoint, "umap"), strings.Contains(cc.ProjectionEndpoint, "pca"), strings.Contains(cc.ProjectionEndpoint, "quantised"):
				setIfResolved(&cc.ProjectionEndpoint, serviceURLs, types.ServiceKindUMAPProjection)
			}

			if strings.Contains(cc.QualityEndpoint, "musicality") {
				setIfResolved(&cc.QualityEndpoint, serviceURLs, types.ServiceKindQualityMusicality)
			}
		}
	}
	return cfg
}

// setIfResolved overwrites *field with the first resolved URL for kind,
// leaving the template's original value untouched if the run has no
// service of that kind.
func setIfResolved(field *string, serviceURLs map[types.ServiceKind][]string, kind types.ServiceKind) {
	urls := serviceURLs[kind]
	if len(urls) == 0 {
		return
	}
	*field = urls[0]
}
