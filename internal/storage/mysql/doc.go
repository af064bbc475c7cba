// Package mysql provides long-term archival of guard execution results
// backed by MySQL. It encapsulates schema migrations and a file-based
// archiver used in development environments. The durable source of truth
// remains the guard's own audit segments and idempotency index; the archive
// exists for retention and reporting queries.
package mysql
