// Package orchestrator drives unattended work cycles over a task queue.
//
// # Overview
//
// A cycle pulls tasks by priority, delegates each one to an external agent and infers the
// task outcome from the quality-gate session counters. It stops as soon as any hard cap
// trips and always leaves a cycle report behind.
//
// # State Machine
//
//	INIT → GOLDEN_CHECK → RUNNING → STOPPED
//	              ↓
//	           STOPPED (golden_set_failed)
//
// Before RUNNING the orchestrator refuses to start when CRITICAL events were logged
// within the quiet period, and aborts when the golden set regresses.
//
// # Outcomes
//
// Outcomes are inferred by delta, never reported by the delegate:
//   - PASS: the session gained a pull request
//   - REVIEW: the session gained a review request
//   - REJECT: the session logged a rejection
//   - ERROR: the delegate failed or timed out with no counter movement
//   - SKIP: nothing changed, or the task targeted a protected file
//
// # Stop Reasons
//
// Every cycle ends with one reason from StopReasons. Abnormal stops persist
// cycle-<id>-partial.json, all others cycle-<id>.json.
//
// # Concurrency
//
// Iterations run strictly sequentially. Cancellation is checked at iteration boundaries;
// a running delegate is bounded by the per-task timeout.
package orchestrator
