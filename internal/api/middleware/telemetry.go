package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("opsgate-api")

// Telemetry opens a server span per request and records the matched route,
// response status and resolved actor on it. Incoming trace context is
// honored so hub spans join the caller's trace.
func Telemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		rw := wrapResponseWriter(w)
		rr := r.WithContext(ctx)
		next.ServeHTTP(rw, rr)

		// The route pattern is only known after routing, so rename the span
		// to its low-cardinality form once the handler returns.
		if rctx := chi.RouteContext(rr.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
			}
		}
		span.SetAttributes(
			attribute.Int("http.response.status_code", rw.status),
			attribute.Int("http.response.body.size", rw.bytes),
			attribute.String("opsgate.actor", GetActor(ctx)),
		)
		if rw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rw.status))
		}
	})
}
