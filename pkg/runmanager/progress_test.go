package runmanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressParserGeneration(t *testing.T) {
	p := NewProgressParser()
	d := p.Parse("evolution-runner: generation 42 complete")
	require.NotNil(t, d)
	require.NotNil(t, d.Generation)
	require.Equal(t, 42, *d.Generation)
}

func TestProgressParserCoverageColon(t *testing.T) {
	p := NewProgressParser()
	d := p.Parse("Coverage: 37.5% of archive cells filled")
	require.NotNil(t, d)
	require.InDelta(t, 0.375, *d.Coverage, 1e-9)
}

func TestProgressParserQDScore(t *testing.T) {
	p := NewProgressParser()
	d := p.Parse("QD Score: 1234.5 after batch")
	require.NotNil(t, d)
	require.InDelta(t, 1234.5, *d.QDScore, 1e-9)
}

func TestProgressParserNoMatch(t *testing.T) {
	p := NewProgressParser()
	require.Nil(t, p.Parse("just a regular log line"))
}
