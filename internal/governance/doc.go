// Package governance provides resilience primitives shared by the export and
// audit pipelines: a generic retry executor with typed failure kinds, and a
// circuit breaker protecting the trace backend.
package governance
