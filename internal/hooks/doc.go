// Package hooks provides lifecycle hook management for warden cycles.
//
// Supports cycle_start, cycle_stop, task_blocked and golden_failed events. Handlers run
// sequentially in registration order with a per-event timeout.
package hooks
