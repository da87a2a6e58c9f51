// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the token service.
//
// Metrics and traces are exposed through a single Instrumentation value that every
// layer (http, server, storage, security, client) receives via a setter.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "oauth-tokens",
//		ServiceVersion:  "1.0.0",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//		TracesExporter:  instrumentation.ExporterOTLP,
//		OTLPEndpoint:    "otel-collector:4318",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", inst.MetricsHandler())
//
// When Enabled is false every provider is a no-op and recording has no cost.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Tokens:
//   - oauth.token.issued{grant_type, client_id}
//   - oauth.token.refreshed{client_id, encoding}
//   - oauth.token.legacy_refresh
//   - oauth.token.revoked{token_type}
//   - oauth.token.issuance_retries{token_type}
//
// Security:
//   - oauth.security.authentication_failed{subject}
//   - oauth.security.validation_failed{reason}
//   - oauth.security.rate_limit_exceeded{limiter_type}
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.access_tokens.count, storage.refresh_tokens.count, storage.sessions.count
//
// Client:
//   - oauth.client.requests.total{kind, status}
package instrumentation
