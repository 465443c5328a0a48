/*
Package scheduler implements the Auto-Run Scheduler (component G): it
maintains up to MaxConcurrent simultaneously-active auto-scheduled runs,
rotating through the enabled templates in a persisted configuration.

Each active slot holds a time slice of TimeSliceMinutes before yielding;
a warning timer fires at min(5m, duration/2) before expiry, and an expiry
timer pauses the run and attempts to fill the freed slot from the
remaining enabled templates, either by resuming a parked run for the same
template/variant or starting one fresh.

Mode selects how the next template is chosen when a slot frees up:
round-robin picks the slot with the oldest LastRunAt (nil counts as
oldest); priority picks the lowest Priority value. Repeated run failures
trip a back-off: once ConsecutiveFailures reaches MaxFailuresBeforePause,
the scheduler itself pauses (not the run) until ResumeScheduling is
called.

All slot-filling and timer callbacks are serialized with a single
scheduler-wide mutex; the ticker-driven run loop is a coarse safety
net that re-evaluates slot-filling even if a specific timer callback
was delayed.
*/
package scheduler
