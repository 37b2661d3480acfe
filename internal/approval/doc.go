// Package approval implements the human approval state machine that gates
// every settlement. It tracks per-user sessions across PIN entry, multisig
// endorsement, and voice liveness challenges, and records each terminal
// outcome in the audit ledger.
package approval
