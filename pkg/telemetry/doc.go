// Package telemetry wires OpenTelemetry tracing and meters and the Prometheus
// registry for the photo generation service.
//
// It centralises trace provider setup, records per-stage pipeline metrics, and
// exposes collectors that the admission limiter, credential cache and
// side-effect gate report into, so operators can correlate quota denials and
// upstream behaviour with pipeline outcomes.
package telemetry
