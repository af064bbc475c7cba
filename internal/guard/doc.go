// Package guard defines the shared data model of the transaction guard:
// requests, policy violations, verdicts, and execution results. Heavier
// machinery (policy evaluation, circuit breaking, auditing, idempotent
// execution) lives in the subpackages and communicates through these types.
package guard
