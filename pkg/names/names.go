// Package names builds and parses the process names the supervisor uses to
// tag every child process with the run it belongs to.
//
// Both directions of the contract live here so they can never drift apart:
// run ids (UUIDv7) never contain the separators this package reserves, and
// demultiplexing always takes the final occurrence of the separator rather
// than the first.
package names

import "strings"

const (
	serviceSep    = '_'
	computeSep    = '-'
	computePrefix = "kromosynth-gRPC"
)

// Service returns the process name for one instance of an auxiliary service
// belonging to runID, e.g. "variation_018f3e2c...".
func Service(kind string, runID string) string {
	return kind + string(serviceSep) + runID
}

// Compute returns the process name for the compute process belonging to
// runID.
func Compute(runID string) string {
	return computePrefix + string(computeSep) + runID
}

// RunIDFromService extracts the run id from a service process name built by
// Service. It returns ok=false if name has no separator.
func RunIDFromService(name string) (runID string, ok bool) {
	idx := strings.LastIndexByte(name, serviceSep)
	if idx < 0 {
		return "", false
	}
	return name[idx+1:], true
}

// RunIDFromCompute extracts the run id from a compute process name built by
// Compute. It returns ok=false if name has no separator.
func RunIDFromCompute(name string) (runID string, ok bool) {
	idx := strings.LastIndexByte(name, computeSep)
	if idx < 0 {
		return "", false
	}
	return name[idx+1:], true
}

// HasSuffix reports whether name was built (by Service or Compute) for
// runID.
func HasSuffix(name, runID string) bool {
	if id, ok := RunIDFromService(name); ok && id == runID {
		return true
	}
	if id, ok := RunIDFromCompute(name); ok && id == runID {
		return true
	}
	return false
}
