// Package api exposes the REST surface of the guard: submitting transactions
// for guarded execution, dry-run policy evaluation, and retrieving audit
// artifacts and circuit breaker state.
package api
