// Package audit implements the decision ledger: every consequential decision
// gets a strictly increasing audit id and is handed to an optional storage
// backend. Without a backend the auditor runs in an explicit degraded mode.
package audit
