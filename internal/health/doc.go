// Package health holds liveness and readiness probes and their HTTP handlers.
//
// Probes compose with All (AND) and Any (OR). ShutdownGate fails readiness
// while the process drains so load balancers stop routing to it before the
// listeners close. Sink connectivity is folded into readiness with
// WithTimeout, and Redacted hides failure reasons on the public listener.
package health
