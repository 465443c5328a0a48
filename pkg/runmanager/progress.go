package runmanager

import (
	"regexp"
	"strconv"
)

// ProgressDelta is a parsed increment to a run's progress vector. Only
// non-nil fields were found in the scanned line.
type ProgressDelta struct {
	Generation        *int
	Coverage          *float64
	QDScore           *float64
	CompletionPercent *float64
}

var (
	reGeneration        = regexp.MustCompile(`generation\s+(\d+)`)
	reCoveragePercent   = regexp.MustCompile(`coveragePercentage\s+([\d.]+)`)
	reCoverageColon     = regexp.MustCompile(`Coverage:\s*([\d.]+)%`)
	reQDScore           = regexp.MustCompile(`QD Score:\s*([\d.]+)`)
	reCompletionPercent = regexp.MustCompile(`%\s*completed:\s*([\d.]+)`)
)

// ProgressParser centralizes the regex scan over compute-process log
// lines in one table so the patterns can evolve without touching call
// sites.
type ProgressParser struct{}

// NewProgressParser creates a ProgressParser. It carries no state; the
// constructor exists so call sites read the same way as every other
// component in this tree.
func NewProgressParser() *ProgressParser {
	return &ProgressParser{}
}

// Parse scans one log line and returns the progress delta it describes,
// or nil if the line matches none of the known formats.
func (p *ProgressParser) Parse(line string) *ProgressDelta {
	var delta ProgressDelta
	matched := false

	if m := reGeneration.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			delta.Generation = &v
			matched = true
		}
	}

	if m := reCoveragePercent.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			c := v / 100
			delta.Coverage = &c
			matched = true
		}
	} else if m := reCoverageColon.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			c := v / 100
			delta.Coverage = &c
			matched = true
		}
	}

	if m := reQDScore.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			delta.QDScore = &v
			matched = true
		}
	}

	if m := reCompletionPercent.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			delta.CompletionPercent = &v
			matched = true
		}
	}

	if !matched {
		return nil
	}
	return &delta
}
