// Package orchestrator turns task descriptions into capability-matched
// workflows and drives them through the created, running, completed and
// failed states. Every transition is recorded as a decision in the audit
// ledger when an auditor is configured.
package orchestrator
