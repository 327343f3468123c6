// Package agent adapts an out-of-process coding agent to the cycle orchestrator.
//
// Subprocess runs one agent process per task. The request is written to the process's
// stdin as JSON and the result is read from the last non-empty stdout line. The process
// consults the admission gate over HTTP at the URL in WARDEN_ADMISSION_URL.
//
// CounterSession reads the agent's quality-gate counters from a JSON file the agent
// maintains. Outcomes are inferred from those counters, not from the agent's own
// success flag.
package agent
