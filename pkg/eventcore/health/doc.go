// Package health runs named health checks and aggregates them into a
// system verdict.
//
// A check returns a CheckResult or an error. Errors, panics and timeouts
// all record StatusCritical. The system verdict is unhealthy when any
// critical check is not healthy, degraded when only non-critical checks
// are failing, and healthy otherwise.
//
// Checks run on demand (ForceCheck), when SystemHealth finds its cached
// verdict stale, and periodically once Start has been called.
package health
