package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "opsync"

// Tracer returns the process tracer. Without a configured provider the global
// no-op provider is used and spans cost nothing.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
