// Package telemetry implements the observability core for agent workflows:
// a local span registry, the asynchronous OTLP trace exporter, the in-memory
// metrics store with golden-signal aggregation, and the LLM cost model.
package telemetry
