// Package capability manages the rotating pool of inference credentials used
// by the intent resolver and policy auditor. The pool retries transient
// failures with exponential backoff while rotating through (credential,
// variant) entries.
package capability
