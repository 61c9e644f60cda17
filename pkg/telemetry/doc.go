// Package telemetry wires the ambient observability stack: zerolog loggers,
// OpenTelemetry tracing and Prometheus metrics.
//
// Initialize once at startup and hand the pieces to the components that need
// them:
//
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx, tel.Logger)
//
// A nil *Tracer or *Metrics is valid and records nothing, so packages accept
// them as optional dependencies.
//
// # Metrics
//
// All metrics live in a private registry under the configured namespace
// (default "tollgate"):
//
//   - transitions_total{domain,outcome,mode}
//   - transition_duration_seconds{domain,mode}
//   - guard_evaluations_total{domain,guard,result}
//   - condition_failures_total{domain,condition}
//   - action_executions_total{domain,action,status}
//   - handler_duration_seconds{kind,name}
//   - handlers_loaded{kind}
//   - load_failures_total{kind,layer}
//
// # Tracing
//
// Supported exporters are "otlp" (gRPC), "stdout" and "none". When tracing
// is disabled a no-op provider is used.
package telemetry
