/*
Package metrics defines and registers the orchestrator's Prometheus
metrics: port-allocation gauges, process-supervisor state gauges,
readiness/sync/scheduling-latency histograms, and the Timer helper used
to record them.

All metrics are registered at package init against the default registry;
Handler exposes them over HTTP for a scrape target the control-surface
adapter wires up (the control surface itself is out of scope here).
*/
package metrics
