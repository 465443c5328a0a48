package resolver

import (
	"testing"

	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

func minimalTemplate() *types.Template {
	return &types.Template{
		Name: "T",
		Variants: map[string]types.EcosystemVariant{
			"default": {
				Name: "default",
				Services: []types.ServiceDefinition{
					{Kind: types.ServiceKindVariation, Instances: 2, Mode: types.ExecutionModeCluster},
					{Kind: types.ServiceKindRender, Instances: 2, Mode: types.ExecutionModeCluster},
				},
			},
		},
	}
}

func TestResolveAlwaysRequiresVariationAndRender(t *testing.T) {
	alloc := types.Allocation{RunID: "r1", Start: 50000, Size: 1000}
	out, err := Resolve(minimalTemplate(), "default", alloc)
	require.NoError(t, err)
	require.Len(t, out.Services, 2)

	byKind := make(map[types.ServiceKind]types.ServiceDefinition)
	for _, s := range out.Services {
		byKind[s.Kind] = s
	}
	require.Equal(t, 50051, byKind[types.ServiceKindVariation].BasePort)
	require.Equal(t, 50061, byKind[types.ServiceKindRender].BasePort)
	require.Equal(t, []string{"ws://localhost:50061", "ws://localhost:50062"}, out.ServiceURLs[types.ServiceKindRender])
}

func TestResolveDetectsClapFeatureExtraction(t *testing.T) {
	tmpl := minimalTemplate()
	tmpl.Variants["default"] = types.EcosystemVariant{
		Name: "default",
		Services: append(tmpl.Variants["default"].Services,
			types.ServiceDefinition{Kind: types.ServiceKindFeatureClap, Instances: 1}),
	}
	tmpl.ComputeRunConfig = types.RunConfig{
		Classifiers: []types.ClassifierConfig{{
			ClassConfigurations: []types.ClassConfiguration{{FeatureExtractionType: "clap"}},
		}},
	}

	alloc := types.Allocation{RunID: "r1", Start: 50000, Size: 1000}
	out, err := Resolve(tmpl, "default", alloc)
	require.NoError(t, err)
	require.Len(t, out.Services, 3)
}

func TestResolveMissingRequiredServiceIsConfigError(t *testing.T) {
	tmpl := minimalTemplate()
	tmpl.ComputeRunConfig = types.RunConfig{
		CMAMAEConfig: types.CMAMAEConfig{Enabled: true},
	}

	alloc := types.Allocation{RunID: "r1", Start: 50000, Size: 1000}
	_, err := Resolve(tmpl, "default", alloc)
	require.Error(t, err)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestResolveUnknownVariant(t *testing.T) {
	alloc := types.Allocation{RunID: "r1", Start: 50000, Size: 1000}
	_, err := Resolve(minimalTemplate(), "nonexistent", alloc)
	require.Error(t, err)
}

func TestResolveStaggersStatelessRestartSchedules(t *testing.T) {
	tmpl := minimalTemplate()
	alloc := types.Allocation{RunID: "r1", Start: 50000, Size: 1000}
	out, err := Resolve(tmpl, "default", alloc)
	require.NoError(t, err)

	byKind := make(map[types.ServiceKind]types.ServiceDefinition)
	for _, s := range out.Services {
		byKind[s.Kind] = s
	}
	require.Equal(t, "10 */2 * * *", byKind[types.ServiceKindVariation].RestartCron)
	require.Equal(t, "20 */2 * * *", byKind[types.ServiceKindRender].RestartCron)
}

func TestResolveStatefulServiceGetsNoRestartSchedule(t *testing.T) {
	tmpl := minimalTemplate()
	services := tmpl.Variants["default"].Services
	services = append(services, types.ServiceDefinition{
		Kind:        types.ServiceKindPyribs,
		Instances:   1,
		Stateful:    true,
		RestartCron: "45 */2 * * *", // template mistake, must be dropped
	})
	tmpl.Variants["default"] = types.EcosystemVariant{Name: "default", Services: services}
	tmpl.ComputeRunConfig = types.RunConfig{CMAMAEConfig: types.CMAMAEConfig{Enabled: true}}

	alloc := types.Allocation{RunID: "r1", Start: 50000, Size: 1000}
	out, err := Resolve(tmpl, "default", alloc)
	require.NoError(t, err)

	for _, s := range out.Services {
		if s.Kind == types.ServiceKindPyribs {
			require.Empty(t, s.RestartCron)
		}
	}
}

func TestResolvePortOverrideFromConfig(t *testing.T) {
	tmpl := minimalTemplate()
	tmpl.ComputeRunConfig = types.RunConfig{
		Ports: map[types.ServiceKind]int{types.ServiceKindVariation: 60000},
	}
	alloc := types.Allocation{RunID: "r1", Start: 50000, Size: 1000}
	out, err := Resolve(tmpl, "default", alloc)
	require.NoError(t, err)
	for _, s := range out.Services {
		if s.Kind == types.ServiceKindVariation {
			require.Equal(t, 60000, s.BasePort)
		}
	}
}
