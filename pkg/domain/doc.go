// Package domain defines the core observability types shared across the
// Sentinel agent-workflow instrumentation layer.
//
// This package contains pure domain logic with ZERO external dependencies
// outside the Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, HTTP, gRPC, etc.)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
//
// Other packages (telemetry, audit, policy, workflow, server) implement the
// interfaces defined here and depend on these types. The dependency direction
// is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
