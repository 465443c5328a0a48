/*
Package servicemgr implements the Service-Dependency Manager (component
D): it composes the Port Allocator, the Service Graph Resolver, and the
Process Supervisor to bring a run's auxiliary service cluster up or down.

StartServicesForRun allocates a port interval, resolves the service
graph, starts every resolved service in parallel, and then polls the
supervisor every 2s (bounded to 30s) until every process carrying the
run's id suffix reports online. Any failure along the way unwinds
everything already started: processes are stopped, the port allocation
is released, and the original error is returned to the caller.

StopServicesForRun is best-effort: every service is stopped and deleted,
warnings are logged rather than returned, and the port allocation is
always released.
*/
package servicemgr
