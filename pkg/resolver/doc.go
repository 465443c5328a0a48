/*
Package resolver implements the Service Graph Resolver (component C): it
turns a template's compute-run config and a chosen ecosystem variant into
a concrete list of service specs the Process Supervisor can start.

Detection is a fixed scan over the config's classifiers
(feature-extraction type, projection and quality endpoint substrings,
the CMA-MAE enable flag). Only services the
variant actually declares AND the config requires are resolved; a
required kind with no matching declaration in the variant is a
configuration error, surfaced to the caller before any process is
started.

Port and instance counts come from the config's own Ports/ServerURLs
overrides when present, the deterministic per-kind sub-offsets in
pkg/types otherwise. Executable arguments are token-substituted with the
resolved port, dimension count and service kind; the {{MODELS_DIR}} token
is left in place here and filled in by pkg/servicemgr from its start
options.
*/
package resolver
