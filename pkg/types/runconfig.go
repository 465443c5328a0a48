package types

import "encoding/json"

// RunConfig is the compute-run configuration carried by a Template: a
// semi-open map with a known set of recognized fields (consumed by the
// Service Graph Resolver) plus an opaque Passthrough container for
// everything else, which is written back unchanged into the working
// config the compute process reads on start.
type RunConfig struct {
	Classifiers    []ClassifierConfig `json:"classifiers,omitempty"`
	CMAMAEConfig   CMAMAEConfig       `json:"cmaMAEConfig,omitempty"`
	NumberOfEvals  int                `json:"numberOfEvals,omitempty"`
	BatchSize      int                `json:"batchSize,omitempty"`
	MaxGenerations int                `json:"maxGenerations,omitempty"`

	// Ports, when non-empty, overrides the resolver's deterministic
	// per-kind sub-offsets on a kind-by-kind basis.
	Ports map[ServiceKind]int `json:"ports,omitempty"`
	// ServerURLs carries any server-URL lists already present on the
	// template; the resolver prefers these over its own defaults when
	// deriving instance counts for a kind.
	ServerURLs map[ServiceKind][]string `json:"serverURLs,omitempty"`

	// Passthrough holds every top-level field of the parsed JSON, named
	// above or not, keyed exactly as it appeared. The resolver never
	// inspects it; the
	// Run Manager writes it back verbatim alongside the recognized
	// fields when it serializes the working config.
	Passthrough map[string]any `json:"-"`
}

// ClassifierConfig is one entry of RunConfig.Classifiers.
type ClassifierConfig struct {
	ClassConfigurations      []ClassConfiguration `json:"classConfigurations,omitempty"`
	ClassificationDimensions []float64            `json:"classificationDimensions,omitempty"`
}

// ClassConfiguration is one entry of ClassifierConfig.ClassConfigurations,
// the record the resolver's detection rules scan.
type ClassConfiguration struct {
	FeatureExtractionType                     string   `json:"featureExtractionType,omitempty"`
	FeatureExtractionEndpoint                 string   `json:"featureExtractionEndpoint,omitempty"`
	ZScoreNormalisationReferenceFeaturesPaths []string `json:"zScoreNormalisationReferenceFeaturesPaths,omitempty"`
	ReferenceFeaturesEndpoint                 string   `json:"referenceFeaturesEndpoint,omitempty"`
	ProjectionEndpoint                        string   `json:"projectionEndpoint,omitempty"`
	QualityEndpoint                           string   `json:"qualityEndpoint,omitempty"`
}

// CMAMAEConfig carries the "quality-diversity hybrid archive" enable flag
// that, when true, requires the pyribs service.
type CMAMAEConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// Template is a named, read-only configuration recipe: a compute-run
// config plus zero or more ecosystem variants, each declaring the
// auxiliary services that variant requires.
type Template struct {
	Name             string
	ComputeRunConfig RunConfig
	Hyperparameters  map[string]any
	Variants         map[string]EcosystemVariant
}

// EcosystemVariant is a named service-graph specialization of a template,
// e.g. "default", "3d", "minimal".
type EcosystemVariant struct {
	Name     string
	Services []ServiceDefinition
}

// ToMap serializes c's recognized fields and overlays Passthrough on top,
// producing the map written to the compute process's working config file.
// Recognized fields always win over a same-named passthrough entry.
func (c RunConfig) ToMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range c.Passthrough {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m, nil
}
