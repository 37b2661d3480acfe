// Package ledger provides the append-only audit trail shared by every
// pipeline stage. Events carry a content fingerprint so exports can be
// checked for tampering, and the file and MySQL backends are interchangeable.
package ledger
