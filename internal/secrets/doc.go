// Package secrets redacts credentials from text warden retains or forwards.
//
// Gate audit snapshots, delegate answers and critical event descriptions pass through
// a Redactor before they are logged, persisted or published. Findings keep the rule ID
// and position but never the matched value.
package secrets
