// Package stores persists risk-test results in SQLite: test runs, the
// cases executed within them with their final plan state and fail counters,
// and an append-only event log. Shared cell state is never stored here.
package stores
