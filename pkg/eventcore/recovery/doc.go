// Package recovery restores failing integrations.
//
// A Manager runs named strategies against an integration and tracks each
// run as a Job. Failed strategies are retried up to MaxAttempts; once an
// integration has accumulated more than EscalationThreshold attempts the
// escalation strategy runs instead. While started, the manager scans the
// circuit breaker and boundary registries and starts one job per open
// breaker or isolated boundary.
//
// Boundary and BoundaryRegistry implement the error boundaries the manager
// resets.
package recovery
