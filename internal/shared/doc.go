// Package shared holds code used by more than one package that belongs to
// none of them.
//
// testutil provides the test helpers: a capturing slog handler with
// assertions that secrets never reach the logs, and license fixtures that
// mint tokens under a fresh key per test.
package shared
