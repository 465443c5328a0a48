package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kromosynth/run-orchestrator/pkg/types"
)

// ConfigError wraps a configuration problem detected while resolving a
// service graph: an unknown ecosystem variant, or a service kind the
// config requires that the variant does not declare.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "resolver: " + e.Reason }

// Resolved is the output of Resolve: the concrete service specs ready
// for the supervisor, the service-URL map for endpoint injection, and
// the detected dimension count.
type Resolved struct {
	Services       []types.ServiceDefinition
	ServiceURLs    map[types.ServiceKind][]string
	DimensionCells int
}

// Resolve derives the set of auxiliary services a run needs from tmpl's
// compute-run config and the named variant, and assigns each one a
// concrete port range within alloc.
func Resolve(tmpl *types.Template, variantName string, alloc types.Allocation) (*Resolved, error) {
	variant, ok := tmpl.Variants[variantName]
	if !ok {
		return nil, &ConfigError{Reason: fmt.Sprintf("template %q has no ecosystem variant %q", tmpl.Name, variantName)}
	}

	required := detectRequirements(tmpl.ComputeRunConfig)
	dims := dimensionCells(tmpl.ComputeRunConfig)

	byKind := make(map[types.ServiceKind]types.ServiceDefinition, len(variant.Services))
	for _, svc := range variant.Services {
		byKind[svc.Kind] = svc
	}

	out := &Resolved{ServiceURLs: make(map[types.ServiceKind][]string)}
	for _, kind := range orderedKinds() {
		if !required[kind] {
			continue
		}
		def, ok := byKind[kind]
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("config requires service kind %q but variant %q declares none", kind, variantName)}
		}

		def = assignPort(def, tmpl.ComputeRunConfig, alloc)
		def = applyRestartPolicy(def)
		def.Args = substituteTokens(def.Args, def, dims)
		out.Services = append(out.Services, def)
		out.ServiceURLs[kind] = serviceURLs(def)
	}

	out.DimensionCells = dims
	return out, nil
}

// detectRequirements scans cfg's classifiers and cmaMAEConfig against
// the fixed rule table, returning the set of service kinds this run
// needs.
func detectRequirements(cfg types.RunConfig) map[types.ServiceKind]bool {
	req := map[types.ServiceKind]bool{
		types.ServiceKindVariation: true,
		types.ServiceKindRender:    true,
	}

	for _, classifier := range cfg.Classifiers {
		for _, cc := range classifier.ClassConfigurations {
			switch {
			case cc.FeatureExtractionType == "clap":
				req[types.ServiceKindFeatureClap] = true
			case cc.FeatureExtractionType == "vggish" || strings.Contains(cc.FeatureExtractionEndpoint, "/vggish"):
				req[types.ServiceKindGenericFeatures] = true
			}
			if len(cc.ZScoreNormalisationReferenceFeaturesPaths) > 0 || strings.Contains(cc.ReferenceFeaturesEndpoint, "reference_embedding") {
				req[types.ServiceKindRefFeatures] = true
			}
			if strings.Contains(cc.ProjectionEndpoint, "qdhf") {
				req[types.ServiceKindQDHFProjection] = true
			}
			if strings.Contains(cc.ProjectionEndpoint, "umap") || strings.Contains(cc.ProjectionEndpoint, "pca") || strings.Contains(cc.ProjectionEndpoint, "quantised") {
				req[types.ServiceKindUMAPProjection] = true
			}
			if strings.Contains(cc.QualityEndpoint, "musicality") {
				req[types.ServiceKindQualityMusicality] = true
			}
		}
	}

	if cfg.CMAMAEConfig.Enabled {
		req[types.ServiceKindPyribs] = true
	}

	return req
}

// dimensionCells counts the numeric entries of the first classifier's
// classificationDimensions.
func dimensionCells(cfg types.RunConfig) int {
	if len(cfg.Classifiers) == 0 {
		return 0
	}
	return len(cfg.Classifiers[0].ClassificationDimensions)
}

// orderedKinds gives a stable iteration order over the closed set of
// service kinds so Resolve's output (and any log lines describing it)
// is deterministic across runs.
func orderedKinds() []types.ServiceKind {
	return []types.ServiceKind{
		types.ServiceKindVariation,
		types.ServiceKindRender,
		types.ServiceKindFeatureClap,
		types.ServiceKindGenericFeatures,
		types.ServiceKindRefFeatures,
		types.ServiceKindQDHFProjection,
		types.ServiceKindUMAPProjection,
		types.ServiceKindQualityMusicality,
		types.ServiceKindPyribs,
	}
}

// assignPort sets def's Instances from the config's ServerURLs list if
// present, and its BasePort from the config's Ports override if present,
// else the kind's deterministic sub-offset within alloc.
func assignPort(def types.ServiceDefinition, cfg types.RunConfig, alloc types.Allocation) types.ServiceDefinition {
	if urls, ok := cfg.ServerURLs[def.Kind]; ok && len(urls) > 0 {
		def.Instances = len(urls)
	}
	if override, ok := cfg.Ports[def.Kind]; ok && override != 0 {
		def.BasePort = override
		return def
	}
	if offset, ok := types.DefaultPortOffset(def.Kind); ok {
		def.BasePort = alloc.Start + offset
	}
	return def
}

// restartMinuteOffsets staggers each stateless kind's periodic restart
// minute so no two kinds restart in the same instant. Restarts fire at
// "<offset> */2 * * *": the offset minute of every second hour.
var restartMinuteOffsets = map[types.ServiceKind]int{
	types.ServiceKindVariation:         10,
	types.ServiceKindRender:            20,
	types.ServiceKindFeatureClap:       30,
	types.ServiceKindGenericFeatures:   40,
	types.ServiceKindRefFeatures:       50,
	types.ServiceKindQDHFProjection:    15,
	types.ServiceKindUMAPProjection:    25,
	types.ServiceKindQualityMusicality: 35,
	types.ServiceKindPyribs:            45,
}

// applyRestartPolicy fills in def's periodic-restart schedule: stateful
// services never get one, and stateless services without an explicit
// template schedule get their kind's staggered default.
func applyRestartPolicy(def types.ServiceDefinition) types.ServiceDefinition {
	if def.Stateful {
		def.RestartCron = ""
		return def
	}
	if def.RestartCron == "" {
		if offset, ok := restartMinuteOffsets[def.Kind]; ok {
			def.RestartCron = fmt.Sprintf("%d */2 * * *", offset)
		}
	}
	return def
}

// substituteTokens replaces the fixed token set in args with concrete
// values derived from def and the detected dimension count.
func substituteTokens(args []string, def types.ServiceDefinition, dims int) []string {
	replacer := strings.NewReplacer(
		"{{PORT}}", strconv.Itoa(def.BasePort),
		"{{DIMENSIONS}}", strconv.Itoa(dims),
		"{{KIND}}", string(def.Kind),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}

// serviceURLs builds the WebSocket URL list the compute process is
// wired to for one resolved service, one per instance.
func serviceURLs(def types.ServiceDefinition) []string {
	instances := def.Instances
	if instances < 1 {
		instances = 1
	}
	urls := make([]string, 0, instances)
	for i := 0; i < instances; i++ {
		port := def.BasePort
		if def.Mode == types.ExecutionModeCluster {
			port += i
		}
		urls = append(urls, fmt.Sprintf("ws://localhost:%d", port))
	}
	return urls
}
